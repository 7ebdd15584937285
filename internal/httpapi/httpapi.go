// Package httpapi mounts every route in the external interface contract on
// a chi.Router: one thin handler per route translating http.Request into
// the relevant component call, grounded on the chi-router wiring style of
// jordigilh-kubernaut and fairyhunter13-ai-cv-evaluator (middleware stack,
// CORS, one handler func per route, JSON envelope helpers).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/femtomc/mu/internal/adapter"
	"github.com/femtomc/mu/internal/identity"
	"github.com/femtomc/mu/internal/pipeline"
	"github.com/femtomc/mu/internal/reload"
	"github.com/femtomc/mu/internal/telemetry"
)

// AdapterRegistry is the reloadable map<route, ChannelAdapter> the design
// notes call for, implementing reload.Handle so the Reload Manager can
// warm up a fresh registry, cut over to it atomically, and drain the old
// one (Stop is a no-op here: adapters hold no background resources of
// their own to drain, only configuration).
type AdapterRegistry struct {
	byRoute map[string]adapter.ChannelAdapter
	specs   []adapter.Spec
}

// NewAdapterRegistry indexes adapters by their declared route.
func NewAdapterRegistry(adapters ...adapter.ChannelAdapter) *AdapterRegistry {
	reg := &AdapterRegistry{byRoute: make(map[string]adapter.ChannelAdapter, len(adapters))}
	for _, a := range adapters {
		spec := a.Spec()
		reg.byRoute[spec.Route] = a
		reg.specs = append(reg.specs, spec)
	}
	return reg
}

// Stop satisfies reload.Handle; the registry owns no resources to drain.
func (r *AdapterRegistry) Stop(ctx context.Context) error { return nil }

// Adapter resolves the adapter mounted at route, if any.
func (r *AdapterRegistry) Adapter(route string) (adapter.ChannelAdapter, bool) {
	a, ok := r.byRoute[route]
	return a, ok
}

// Specs returns every registered adapter's declared Spec.
func (r *AdapterRegistry) Specs() []adapter.Spec {
	return r.specs
}

// errorEnvelope is the uniform {ok:false, error, recovery?} shape for every
// JSON error response, per §7.
type errorEnvelope struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error"`
	Recovery []string `json:"recovery,omitempty"`
}

// WriteError writes the error envelope with the given status code.
func WriteError(w http.ResponseWriter, status int, reason string, recovery ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{OK: false, Error: reason, Recovery: recovery})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Server wires every external route to the underlying components. NowMs
// defaults to the wall clock; tests override it for determinism.
type Server struct {
	Reload     *reload.Manager
	Supervisor *reload.Supervisor
	Rebuild    reload.Reloader
	Pipeline   *pipeline.Pipeline
	Identities *identity.Store
	Telemetry  *telemetry.Registry
	Logger     *zap.Logger
	NowMs      func() int64

	CORSAllowedOrigins []string
}

func (s *Server) nowMs() int64 {
	if s.NowMs != nil {
		return s.NowMs()
	}
	return time.Now().UnixMilli()
}

func (s *Server) registry() *AdapterRegistry {
	return s.Reload.Current().(*AdapterRegistry)
}

// Router builds the chi.Router mounting every route from §6/§7.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	allowed := s.CORSAllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}))

	r.Post("/webhooks/slack", s.ingressHandler("/webhooks/slack"))
	r.Post("/webhooks/discord", s.ingressHandler("/webhooks/discord"))
	r.Post("/webhooks/telegram", s.ingressHandler("/webhooks/telegram"))
	r.Post("/api/commands/submit", s.ingressHandler("/api/commands/submit"))

	r.Post("/api/control-plane/reload", s.reloadHandler)
	r.Get("/api/control-plane/channels", s.channelsHandler)
	r.Post("/api/control-plane/identities/link", s.identitiesLinkHandler)
	r.Post("/api/control-plane/turn", s.turnHandler)

	r.Get("/metrics", s.Telemetry.Handler().ServeHTTP)
	r.Get("/healthz", s.healthzHandler)

	return r
}

// ingressHandler adapts one channel route: resolve the current adapter,
// verify+normalize the request, run the pipeline on any produced envelope,
// and return the adapter's own ack — verification and pipeline outcomes
// are deliberately independent per §7 (the ack is what keeps the channel
// from retrying; the pipeline result is delivered later via the outbox).
func (s *Server) ingressHandler(route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.registry().Adapter(route)
		if !ok {
			WriteError(w, http.StatusNotFound, "adapter_not_registered")
			return
		}

		result, err := a.Ingest(r)
		if err != nil {
			s.logger().Warn("adapter ingest rejected", zap.String("route", route), zap.String("reason", result.Reason), zap.Error(err))
			status := result.StatusCode
			if status == 0 {
				status = http.StatusUnauthorized
			}
			WriteError(w, status, result.Reason)
			return
		}

		if result.Inbound != nil {
			if _, pipeErr := s.Pipeline.HandleInbound(r.Context(), result.Inbound, s.nowMs()); pipeErr != nil {
				s.logger().Error("pipeline handleInbound failed", zap.String("route", route), zap.Error(pipeErr))
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if result.StatusCode != 0 {
			w.WriteHeader(result.StatusCode)
		}
		if len(result.ResponseBody) > 0 {
			_, _ = w.Write(result.ResponseBody)
		}
	}
}

type reloadRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.Reason == "" {
		WriteError(w, http.StatusBadRequest, "missing_reason")
		return
	}
	if s.Rebuild == nil {
		WriteError(w, http.StatusInternalServerError, "reload_not_configured")
		return
	}

	if err := s.Reload.Reload(r.Context(), req.Reason, s.Rebuild, nil); err != nil {
		WriteError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "active_generation": s.Supervisor.ActiveGeneration()})
}

func (s *Server) channelsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "channels": s.registry().Specs()})
}

type linkRequest struct {
	BindingID       string   `json:"binding_id"`
	OperatorID      string   `json:"operator_id"`
	Channel         string   `json:"channel"`
	ChannelTenantID string   `json:"channel_tenant_id"`
	ChannelActorID  string   `json:"channel_actor_id"`
	Scopes          []string `json:"scopes"`
}

func (s *Server) identitiesLinkHandler(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.BindingID == "" || req.Channel == "" || req.ChannelTenantID == "" || req.ChannelActorID == "" {
		WriteError(w, http.StatusBadRequest, "missing_required_field")
		return
	}

	binding, err := s.Identities.Link(identity.LinkOptions{
		BindingID:       req.BindingID,
		OperatorID:      req.OperatorID,
		Channel:         identity.Channel(req.Channel),
		ChannelTenantID: req.ChannelTenantID,
		ChannelActorID:  req.ChannelActorID,
		Scopes:          req.Scopes,
		NowMs:           s.nowMs(),
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrPrincipalLinked):
			WriteError(w, http.StatusConflict, "principal_already_linked", "unlink the existing binding before relinking")
		case errors.Is(err, identity.ErrBindingExists):
			WriteError(w, http.StatusConflict, "binding_exists")
		default:
			WriteError(w, http.StatusBadRequest, "link_failed", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "binding": binding})
}

// turnHandler creates a session turn identifier. Operator-agent session
// internals are an explicit external collaborator (out of core scope); this
// handler only satisfies the route contract in §6 with an opaque id pair
// the operator backend can key its own state off of.
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"session_id": uuid.NewString(),
		"turn_id":    uuid.NewString(),
	})
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	gen := s.Supervisor.ActiveGeneration()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                true,
		"active_generation": gen,
	})
}

func (s *Server) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}
