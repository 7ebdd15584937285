// Package terminal implements the terminal/CLI channel adapter: a local,
// already-trusted caller posting to /api/commands/submit, authenticated
// by a shared secret taken from the operator config (terminal_shared_secret)
// rather than a per-request signature (§4.6, Tier A by construction since the
// caller already holds filesystem access to the repo).
package terminal

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/femtomc/mu/internal/adapter"
	"github.com/femtomc/mu/internal/idempotency"
)

// Config holds the terminal adapter's per-repo configuration.
type Config struct {
	SharedSecret string
	RepoRoot     string
}

// Adapter implements adapter.ChannelAdapter for the terminal/CLI channel.
type Adapter struct {
	cfg Config
}

// New returns a terminal adapter for the given config.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

// submitRequest is the JSON body cmd/mu posts to /api/commands/submit.
type submitRequest struct {
	RequestID   string `json:"request_id"`
	ActorID     string `json:"actor_id"`
	CommandText string `json:"command_text"`
	WorkingDir  string `json:"working_dir"`
}

// Spec describes the terminal route contract.
func (a *Adapter) Spec() adapter.Spec {
	return adapter.Spec{
		Channel:        adapter.ChannelTerminal,
		Route:          "/api/commands/submit",
		IngressPayload: adapter.PayloadJSON,
		Verification: adapter.Verification{
			Kind:         adapter.VerificationSharedSecretHeader,
			Secret:       a.cfg.SharedSecret,
			SecretHeader: "X-Mu-Server-Token",
		},
		AckFormat:         "json_result",
		DeliverySemantics: "at_least_once",
		DeferredDelivery:  false,
	}
}

// Ingest verifies, parses, and normalizes a terminal submission into an
// IngressResult.
func (a *Adapter) Ingest(r *http.Request) (adapter.IngressResult, error) {
	if err := adapter.RequireMethod(r, http.MethodPost); err != nil {
		return a.reject("method_not_allowed", err)
	}

	rawBody, err := adapter.ReadBody(r)
	if err != nil {
		return a.reject("invalid_body", err)
	}

	if err := adapter.VerifySharedSecretHeader(a.Spec().Verification, r.Header); err != nil {
		return a.reject("invalid_terminal_token", err)
	}

	var req submitRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return a.reject("invalid_json", err)
	}
	if req.CommandText == "" {
		return a.reject("empty_command_text", fmt.Errorf("command_text required"))
	}

	idemKey := "terminal-idem-" + req.RequestID
	fingerprint := idempotency.Fingerprint("terminal", req.CommandText)

	env := &adapter.InboundEnvelope{
		Version:        1,
		ReceivedAtMs:   adapter.Now() * 1000,
		RequestID:      req.RequestID,
		Channel:        adapter.ChannelTerminal,
		TenantID:       a.cfg.RepoRoot,
		ActorID:        req.ActorID,
		RepoRoot:       a.cfg.RepoRoot,
		CommandText:    req.CommandText,
		IdempotencyKey: idemKey,
		Fingerprint:    fingerprint,
		Metadata:       map[string]string{"working_dir": req.WorkingDir},
	}

	return adapter.IngressResult{
		Channel:      adapter.ChannelTerminal,
		Accepted:     true,
		StatusCode:   http.StatusOK,
		ResponseBody: []byte(`{"ok":true}`),
		Inbound:      env,
	}, nil
}

func (a *Adapter) reject(reason string, cause error) (adapter.IngressResult, error) {
	return adapter.IngressResult{
		Channel:    adapter.ChannelTerminal,
		Accepted:   false,
		Reason:     reason,
		StatusCode: http.StatusUnauthorized,
	}, fmt.Errorf("%s: %w", reason, cause)
}
