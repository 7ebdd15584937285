// Package pipeline implements the Command Pipeline: the single
// handleInbound entry point that takes a normalized InboundEnvelope
// through identity resolution, scope checking, idempotency, confirmation
// gating, and execution dispatch, journaling every CommandRecord
// transition along the way (§4.5).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/femtomc/mu/internal/adapter"
	"github.com/femtomc/mu/internal/command"
	"github.com/femtomc/mu/internal/config"
	"github.com/femtomc/mu/internal/identity"
	"github.com/femtomc/mu/internal/idempotency"
	"github.com/femtomc/mu/internal/outbox"
)

// ResultKind is the tag of the CommandPipelineResult sum type.
type ResultKind string

const (
	ResultNoop                 ResultKind = "noop"
	ResultInvalid              ResultKind = "invalid"
	ResultOperatorResponse     ResultKind = "operator_response"
	ResultDenied               ResultKind = "denied"
	ResultAwaitingConfirmation ResultKind = "awaiting_confirmation"
	ResultCompleted            ResultKind = "completed"
	ResultCancelled            ResultKind = "cancelled"
	ResultExpired              ResultKind = "expired"
	ResultDeferred             ResultKind = "deferred"
	ResultFailed               ResultKind = "failed"
)

// Result is the tagged-union CommandPipelineResult. Which of
// {Reason, Message, Command} are set depends on Kind (a failed result can
// carry both Reason and Command); callers should switch exhaustively on
// Kind rather than infer shape from which fields are set.
type Result struct {
	Kind    ResultKind
	Reason  string
	Message string
	Command *command.Record
}

// ExecOutcomeKind is what an Executor reports back to the pipeline.
type ExecOutcomeKind string

const (
	ExecCompleted ExecOutcomeKind = "completed"
	ExecFailed    ExecOutcomeKind = "failed"
	ExecDeferred  ExecOutcomeKind = "deferred"
)

// ExecOutcome is what a command-kind Executor returns from Execute.
type ExecOutcome struct {
	Kind      ExecOutcomeKind
	Result    command.Result
	ErrorCode string
	RetryAtMs int64
}

// Executor runs one command kind's effect (an issue DAG mutator, a CLI
// invocation, or an operator-agent dispatch) against an already-queued
// CommandRecord.
type Executor interface {
	Execute(ctx context.Context, rec command.Record) ExecOutcome
}

// Metrics are the pipeline counters from the dispatch/outcome path.
type Metrics struct {
	ResultsByKind *prometheus.CounterVec
}

// NewMetrics registers the pipeline-outcome counter on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ResultsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_result_total",
			Help: "Command pipeline results by result kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.ResultsByKind)
	return m
}

// Pipeline wires together every store the command pipeline touches.
type Pipeline struct {
	Identities  *identity.Store
	Idempotency *idempotency.Index
	Commands    *command.Store
	Outbox      *outbox.Store
	Policy      config.Policy
	Executors   map[string]Executor
	Logger      *zap.Logger
	Metrics     *Metrics

	idGen func() string
}

// New builds a Pipeline whose command ids come from a ULID generator.
func New(identities *identity.Store, idempotencyIdx *idempotency.Index, commands *command.Store, ob *outbox.Store, policy config.Policy, executors map[string]Executor, logger *zap.Logger, metrics *Metrics) *Pipeline {
	return &Pipeline{
		Identities:  identities,
		Idempotency: idempotencyIdx,
		Commands:    commands,
		Outbox:      ob,
		Policy:      policy,
		Executors:   executors,
		Logger:      logger,
		Metrics:     metrics,
		idGen:       newULID,
	}
}

func newULID() string {
	return ulid.Make().String()
}

const operatorResponsePrefix = "operator_response "

// HandleInbound runs one InboundEnvelope through the full pipeline
// algorithm and returns the tagged CommandPipelineResult.
func (p *Pipeline) HandleInbound(ctx context.Context, env *adapter.InboundEnvelope, nowMs int64) (Result, error) {
	result, err := p.handle(ctx, env, nowMs)
	if p.Metrics != nil {
		p.Metrics.ResultsByKind.WithLabelValues(string(result.Kind)).Inc()
	}
	return result, err
}

func (p *Pipeline) handle(ctx context.Context, env *adapter.InboundEnvelope, nowMs int64) (Result, error) {
	text := strings.TrimSpace(env.CommandText)

	// Step 1: empty / non-command short-circuit.
	if text == "" {
		return Result{Kind: ResultNoop, Reason: "empty_input"}, nil
	}
	if strings.HasPrefix(text, operatorResponsePrefix) {
		return Result{Kind: ResultOperatorResponse, Message: strings.TrimPrefix(text, operatorResponsePrefix)}, nil
	}
	if !strings.HasPrefix(text, "/mu") {
		return Result{Kind: ResultNoop, Reason: "not_command"}, nil
	}

	fields := strings.Fields(text)
	if len(fields) < 2 {
		return Result{Kind: ResultInvalid, Reason: "missing_command_kind"}, nil
	}
	kind := fields[1]
	args := fields[2:]

	// Step 2: identity resolution.
	binding, ok := p.Identities.ResolveActive(identity.Channel(env.Channel), env.TenantID, env.ActorID)
	if !ok {
		return Result{Kind: ResultDenied, Reason: "identity_not_linked"}, nil
	}

	// Step 3: scope check.
	scope, known := p.Policy.RequiredScope(kind)
	if !known {
		return Result{Kind: ResultInvalid, Reason: "unknown_command_kind"}, nil
	}
	if !hasScope(binding.Scopes, scope) {
		return Result{Kind: ResultDenied, Reason: "missing_scope"}, nil
	}

	if kind == "confirm" || kind == "cancel" {
		return p.handleConfirmOrCancel(ctx, kind, args, binding, env, nowMs)
	}

	// Step 4: idempotency.
	commandID := p.idGen()
	entry, existing, err := p.Idempotency.Probe(env.IdempotencyKey, env.Fingerprint, commandID, string(command.StateAccepted), string(env.Channel), env.TenantID, env.ConversationID, nowMs)
	if err != nil {
		if errors.Is(err, idempotency.ErrConflict) {
			return Result{Kind: ResultDenied, Reason: "idempotency_conflict"}, nil
		}
		return Result{}, fmt.Errorf("idempotency probe: %w", err)
	}
	if existing {
		rec, found := p.Commands.Get(entry.CommandID)
		if !found {
			return Result{}, fmt.Errorf("idempotency entry references unknown command %s", entry.CommandID)
		}
		if !rec.State.Terminal() {
			return Result{Kind: ResultNoop, Reason: "duplicate_delivery", Command: &rec}, nil
		}
		return Result{Kind: terminalResultKind(rec.State), Command: &rec}, nil
	}

	var targetID string
	if len(args) > 0 {
		targetID = args[0]
	}

	rec := command.Record{
		CommandID:      commandID,
		IdempotencyKey: env.IdempotencyKey,
		Correlation: command.Correlation{
			Channel:        string(env.Channel),
			Tenant:         env.TenantID,
			Conversation:   env.ConversationID,
			RequestID:      env.RequestID,
			ActorBindingID: binding.BindingID,
		},
		TargetType: kind,
		TargetID:   targetID,
		Args:       args,
	}
	rec, err = p.Commands.Create(rec, nowMs)
	if err != nil {
		return Result{}, fmt.Errorf("create command record: %w", err)
	}

	// Step 5: confirmation gating.
	if p.Policy.RequiresConfirmation(kind) {
		expiresAt := nowMs + p.Policy.ConfirmTTL().Milliseconds()
		rec, err = p.Commands.Transition(commandID, command.StateAwaitingConfirmation, nowMs, func(r *command.Record) {
			r.ConfirmationExpiresAtMs = expiresAt
		})
		if err != nil {
			return p.invalidTransitionResult(err)
		}
		p.enqueueLifecycle(rec, env, nowMs)
		return Result{Kind: ResultAwaitingConfirmation, Command: &rec}, nil
	}

	return p.queueAndExecute(ctx, rec, env, nowMs)
}

func (p *Pipeline) handleConfirmOrCancel(ctx context.Context, kind string, args []string, actor identity.Binding, env *adapter.InboundEnvelope, nowMs int64) (Result, error) {
	if len(args) == 0 {
		return Result{Kind: ResultInvalid, Reason: "missing_command_id"}, nil
	}
	targetID := args[0]

	rec, found := p.Commands.Get(targetID)
	if !found {
		return Result{Kind: ResultInvalid, Reason: "unknown_command_id"}, nil
	}
	if rec.Correlation.ActorBindingID != actor.BindingID {
		return Result{Kind: ResultDenied, Reason: "not_same_actor"}, nil
	}
	if rec.State != command.StateAwaitingConfirmation {
		return Result{Kind: ResultInvalid, Reason: "not_awaiting_confirmation"}, nil
	}

	if kind == "cancel" {
		rec, err := p.Commands.Transition(targetID, command.StateCancelled, nowMs, nil)
		if err != nil {
			return p.invalidTransitionResult(err)
		}
		p.enqueueLifecycle(rec, env, nowMs)
		p.syncIdempotencyState(rec)
		return Result{Kind: ResultCancelled, Command: &rec}, nil
	}

	rec, err := p.Commands.Transition(targetID, command.StateQueued, nowMs, nil)
	if err != nil {
		return p.invalidTransitionResult(err)
	}
	p.enqueueLifecycle(rec, env, nowMs)

	return p.executeQueued(ctx, rec, env, nowMs)
}

func (p *Pipeline) queueAndExecute(ctx context.Context, rec command.Record, env *adapter.InboundEnvelope, nowMs int64) (Result, error) {
	rec, err := p.Commands.Transition(rec.CommandID, command.StateQueued, nowMs, nil)
	if err != nil {
		return p.invalidTransitionResult(err)
	}
	p.enqueueLifecycle(rec, env, nowMs)

	return p.executeQueued(ctx, rec, env, nowMs)
}

func (p *Pipeline) executeQueued(ctx context.Context, rec command.Record, env *adapter.InboundEnvelope, nowMs int64) (Result, error) {
	rec, err := p.Commands.Transition(rec.CommandID, command.StateInProgress, nowMs, nil)
	if err != nil {
		return p.invalidTransitionResult(err)
	}
	p.enqueueLifecycle(rec, env, nowMs)

	exec, ok := p.Executors[rec.TargetType]
	if !ok {
		rec, err := p.Commands.Transition(rec.CommandID, command.StateFailed, nowMs, func(r *command.Record) {
			r.ErrorCode = "no_executor_registered"
		})
		if err != nil {
			return p.invalidTransitionResult(err)
		}
		p.enqueueLifecycle(rec, env, nowMs)
		p.syncIdempotencyState(rec)
		return Result{Kind: ResultFailed, Reason: "no_executor_registered", Command: &rec}, nil
	}

	outcome := exec.Execute(ctx, rec)

	switch outcome.Kind {
	case ExecCompleted:
		rec, err := p.Commands.Transition(rec.CommandID, command.StateCompleted, nowMs, func(r *command.Record) {
			r.Result = outcome.Result
		})
		if err != nil {
			return p.invalidTransitionResult(err)
		}
		p.enqueueLifecycle(rec, env, nowMs)
		p.syncIdempotencyState(rec)
		return Result{Kind: ResultCompleted, Command: &rec}, nil

	case ExecDeferred:
		rec, err := p.Commands.Transition(rec.CommandID, command.StateDeferred, nowMs, func(r *command.Record) {
			r.RetryAtMs = outcome.RetryAtMs
		})
		if err != nil {
			return p.invalidTransitionResult(err)
		}
		p.enqueueLifecycle(rec, env, nowMs)
		return Result{Kind: ResultDeferred, Command: &rec}, nil

	default:
		rec, err := p.Commands.Transition(rec.CommandID, command.StateFailed, nowMs, func(r *command.Record) {
			r.ErrorCode = outcome.ErrorCode
		})
		if err != nil {
			return p.invalidTransitionResult(err)
		}
		p.enqueueLifecycle(rec, env, nowMs)
		p.syncIdempotencyState(rec)
		return Result{Kind: ResultFailed, Reason: outcome.ErrorCode, Command: &rec}, nil
	}
}

// syncIdempotencyState mirrors rec's terminal state onto its idempotency
// entry so the idempotency journal records the final state alongside
// commands.jsonl. handle's Step 4 still decides a duplicate delivery's
// result from the command record itself. Best-effort: a stale or absent
// key (e.g. a record created before idempotency tracking existed) just logs.
func (p *Pipeline) syncIdempotencyState(rec command.Record) {
	if rec.IdempotencyKey == "" {
		return
	}
	if err := p.Idempotency.UpdateState(rec.IdempotencyKey, string(rec.State)); err != nil && p.Logger != nil {
		p.Logger.Warn("pipeline idempotency state sync failed", zap.String("command_id", rec.CommandID), zap.Error(err))
	}
}

// RequeueDeferred re-enters a deferred command into queued, incrementing
// its attempt counter, for the retry scheduler to call once RetryAtMs has
// elapsed.
func (p *Pipeline) RequeueDeferred(ctx context.Context, rec command.Record, env *adapter.InboundEnvelope, nowMs int64) (Result, error) {
	rec, err := p.Commands.Transition(rec.CommandID, command.StateQueued, nowMs, func(r *command.Record) {
		r.Attempt++
	})
	if err != nil {
		return p.invalidTransitionResult(err)
	}
	p.enqueueLifecycle(rec, env, nowMs)

	return p.executeQueued(ctx, rec, env, nowMs)
}

// SweepExpiredConfirmations marks overdue awaiting_confirmation commands
// as expired, per §4.5 step 5's scheduler sweep.
func (p *Pipeline) SweepExpiredConfirmations(all []command.Record, nowMs int64) (expired int) {
	for _, rec := range all {
		if rec.State != command.StateAwaitingConfirmation {
			continue
		}
		if rec.ConfirmationExpiresAtMs == 0 || rec.ConfirmationExpiresAtMs > nowMs {
			continue
		}
		if updated, err := p.Commands.Transition(rec.CommandID, command.StateExpired, nowMs, nil); err == nil {
			p.syncIdempotencyState(updated)
			expired++
		}
	}
	return expired
}

func (p *Pipeline) invalidTransitionResult(err error) (Result, error) {
	var invalidErr *command.InvalidCommandTransitionError
	if errors.As(err, &invalidErr) {
		if p.Logger != nil {
			p.Logger.Warn("pipeline invalid transition", zap.String("command_id", invalidErr.CommandID), zap.String("from", string(invalidErr.From)), zap.String("to", string(invalidErr.To)))
		}
		return Result{Kind: ResultFailed, Reason: "invalid_transition"}, nil
	}
	return Result{}, err
}

func (p *Pipeline) enqueueLifecycle(rec command.Record, env *adapter.InboundEnvelope, nowMs int64) {
	if p.Outbox == nil {
		return
	}
	dedupeKey := fmt.Sprintf("%s-%s-%s", rec.CommandID, rec.State, rec.Result.Message)
	_, _, err := p.Outbox.Enqueue(outbox.EnqueueOptions{
		OutboxID:  fmt.Sprintf("ob-%s-%s", rec.CommandID, rec.State),
		DedupeKey: dedupeKey,
		Envelope: outbox.Envelope{
			Channel:        rec.Correlation.Channel,
			ConversationID: rec.Correlation.Conversation,
			CommandID:      rec.CommandID,
			Body: map[string]interface{}{
				"event_type": command.EventType(rec.State),
				"command_id": rec.CommandID,
				"state":      string(rec.State),
			},
		},
		NowMs: nowMs,
	})
	if err != nil && p.Logger != nil {
		p.Logger.Warn("pipeline outbox enqueue failed", zap.String("command_id", rec.CommandID), zap.Error(err))
	}
}

func hasScope(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required {
			return true
		}
	}
	return false
}

func terminalResultKind(state command.State) ResultKind {
	switch state {
	case command.StateCompleted:
		return ResultCompleted
	case command.StateCancelled:
		return ResultCancelled
	case command.StateExpired:
		return ResultExpired
	case command.StateFailed, command.StateDeadLetter:
		return ResultFailed
	default:
		return ResultNoop
	}
}
