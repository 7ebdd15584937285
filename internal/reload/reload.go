// Package reload implements the Generation Supervisor and Reload Manager:
// monotonic generation tracking plus the warmup/cutover/drain/rollback
// orchestration of a live adapter swap. The "adapter registry as atomic
// pointer" design note is implemented directly with atomic.Pointer, so
// in-flight ingress always sees either the old or the new handle, never a
// partial state.
package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// AttemptState is the lifecycle state of a single reload attempt.
type AttemptState string

const (
	AttemptPlanned         AttemptState = "planned"
	AttemptSwapInstalled   AttemptState = "swap_installed"
	AttemptFinishedSuccess AttemptState = "finished_success"
	AttemptFinishedFailure AttemptState = "finished_failure"
)

// Generation identifies a monotonically numbered instance of the adapter
// registry.
type Generation struct {
	GenerationID  string
	GenerationSeq int64
}

// Attempt is one reload attempt.
type Attempt struct {
	AttemptID      string
	FromGeneration Generation
	ToGeneration   Generation
	State          AttemptState
	Reason         string
}

// ErrNoActiveAttempt is returned by attempt-scoped calls when attemptID does
// not match the in-flight attempt.
var ErrNoActiveAttempt = errors.New("no_active_reload_attempt")

// Supervisor tracks the active generation and the current reload attempt.
// The ReloadManager exclusively owns the Supervisor (§3 ownership).
type Supervisor struct {
	mu      sync.Mutex
	active  Generation
	current *Attempt
	last    *Attempt

	nextGenerationID func() string
}

// NewSupervisor creates a Supervisor seeded at generation_seq 0.
func NewSupervisor(initialGenerationID string, nextGenerationID func() string) *Supervisor {
	return &Supervisor{
		active:           Generation{GenerationID: initialGenerationID, GenerationSeq: 0},
		nextGenerationID: nextGenerationID,
	}
}

// ActiveGeneration returns the currently active generation.
func (s *Supervisor) ActiveGeneration() Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// BeginReload allocates a new attempt, or returns the in-flight one
// (coalesced=true) if a reload is already underway.
func (s *Supervisor) BeginReload(reason string) (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return *s.current, true
	}

	to := Generation{GenerationID: s.nextGenerationID(), GenerationSeq: s.active.GenerationSeq + 1}
	attempt := Attempt{
		AttemptID:      to.GenerationID,
		FromGeneration: s.active,
		ToGeneration:   to,
		State:          AttemptPlanned,
		Reason:         reason,
	}
	s.current = &attempt

	return attempt, false
}

// MarkSwapInstalled transitions attemptID from planned to swap_installed.
// The returned bool reports whether this call performed the installation
// (false if already installed or attemptID is stale).
func (s *Supervisor) MarkSwapInstalled(attemptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.AttemptID != attemptID {
		return false
	}
	if s.current.State != AttemptPlanned {
		return false
	}

	s.current.State = AttemptSwapInstalled
	s.active = s.current.ToGeneration

	return true
}

// RollbackSwapInstalled reverts the active generation to from_generation.
// Only valid from swap_installed.
func (s *Supervisor) RollbackSwapInstalled(attemptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.AttemptID != attemptID {
		return false
	}
	if s.current.State != AttemptSwapInstalled {
		return false
	}

	s.active = s.current.FromGeneration
	return true
}

// FinishReload terminally marks attemptID as succeeded or failed and
// records it as last_reload.
func (s *Supervisor) FinishReload(attemptID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current.AttemptID != attemptID {
		return fmt.Errorf("%w: %s", ErrNoActiveAttempt, attemptID)
	}

	if success {
		s.current.State = AttemptFinishedSuccess
	} else {
		s.current.State = AttemptFinishedFailure
	}

	finished := *s.current
	s.last = &finished
	s.current = nil

	return nil
}

// LastReload returns the most recently finished attempt, if any.
func (s *Supervisor) LastReload() (Attempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Attempt{}, false
	}
	return *s.last, true
}

// Handle is an adapter runtime instance the Reload Manager swaps in and out.
type Handle interface {
	Stop(ctx context.Context) error
}

// Reloader constructs the next handle off the active path. It is supplied
// by the caller (e.g. the HTTP server wiring), not by this package.
type Reloader func(ctx context.Context) (Handle, error)

// Metrics are the reload telemetry counters from §4.8.
type Metrics struct {
	ReloadSuccess   prometheus.Counter
	ReloadFailure   prometheus.Counter
	DuplicateSignal prometheus.Counter
	DropSignal      prometheus.Counter
}

// NewMetrics registers the reload counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReloadSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reload_success_total", Help: "Successful adapter reloads.",
		}),
		ReloadFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reload_failure_total", Help: "Failed adapter reloads.",
		}),
		DuplicateSignal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duplicate_signal_total", Help: "Reload signals coalesced into an in-flight attempt.",
		}),
		DropSignal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drop_signal_total", Help: "Reload signals dropped.",
		}),
	}
	reg.MustRegister(m.ReloadSuccess, m.ReloadFailure, m.DuplicateSignal, m.DropSignal)
	return m
}

// Manager orchestrates adapter swaps under a live process, holding the
// current handle behind an atomic.Pointer so ingress never blocks on
// reload.
type Manager struct {
	supervisor *Supervisor
	metrics    *Metrics
	logger     *zap.Logger

	handle atomic.Pointer[Handle]
}

// NewManager creates a Manager with initial serving as the first handle.
func NewManager(supervisor *Supervisor, metrics *Metrics, logger *zap.Logger, initial Handle) *Manager {
	m := &Manager{supervisor: supervisor, metrics: metrics, logger: logger}
	m.handle.Store(&initial)
	return m
}

// Current returns the currently active handle.
func (m *Manager) Current() Handle {
	return *m.handle.Load()
}

// rollback reverts the active generation to from_generation, stops the new
// handle, and restores the old one — the path exercised when a failure is
// injected (or genuinely occurs) after cutover, per the reload-safety
// testable property.
func (m *Manager) rollback(ctx context.Context, attempt Attempt, oldHandle, newHandle Handle, cause error) error {
	m.logger.Warn("reload transition rollback:start", zap.String("attempt_id", attempt.AttemptID), zap.Error(cause))

	m.supervisor.RollbackSwapInstalled(attempt.AttemptID)
	_ = newHandle.Stop(ctx)
	m.handle.Store(&oldHandle)

	if err := m.supervisor.FinishReload(attempt.AttemptID, false); err != nil {
		m.logger.Error("reload transition rollback:finish_error", zap.Error(err))
	}
	m.metrics.ReloadFailure.Inc()

	m.logger.Info("reload transition rollback:done", zap.String("attempt_id", attempt.AttemptID))

	return fmt.Errorf("reload failed after cutover, rolled back: %w", cause)
}

// Reload runs beginReload -> warmup -> cutover -> drain, exactly per §4.8.
// afterCutover, if non-nil, is invoked once the new handle is installed and
// before drain begins; if it returns an error the attempt rolls back to the
// previous generation instead of draining. Production callers pass nil;
// tests use it to inject a deterministic post-cutover failure and exercise
// the rollback path.
func (m *Manager) Reload(ctx context.Context, reason string, build Reloader, afterCutover func() error) error {
	attempt, coalesced := m.supervisor.BeginReload(reason)
	if coalesced {
		m.metrics.DuplicateSignal.Inc()
		m.logger.Info("reload transition coalesced:duplicate", zap.String("attempt_id", attempt.AttemptID))
		return nil
	}

	m.logger.Info("reload transition begin:planned", zap.String("attempt_id", attempt.AttemptID), zap.String("reason", reason))

	warmupStart := time.Now()
	newHandle, err := build(ctx)
	m.logger.Info("reload transition warmup:done", zap.String("attempt_id", attempt.AttemptID), zap.Duration("warmup_elapsed", time.Since(warmupStart)))

	if err != nil {
		m.logger.Warn("reload transition warmup:failed", zap.String("attempt_id", attempt.AttemptID), zap.Error(err))
		_ = m.supervisor.FinishReload(attempt.AttemptID, false)
		m.metrics.ReloadFailure.Inc()
		return fmt.Errorf("warmup failed: %w", err)
	}

	oldHandle := m.Current()
	m.handle.Store(&newHandle)

	if !m.supervisor.MarkSwapInstalled(attempt.AttemptID) {
		// Another caller raced us; restore and bail rather than leave two
		// installers believing they each own the swap.
		m.handle.Store(&oldHandle)
		_ = m.supervisor.FinishReload(attempt.AttemptID, false)
		m.metrics.ReloadFailure.Inc()
		return fmt.Errorf("cutover lost race for attempt %s", attempt.AttemptID)
	}

	m.logger.Info("reload transition cutover:swap_installed", zap.String("attempt_id", attempt.AttemptID))

	if afterCutover != nil {
		if err := afterCutover(); err != nil {
			return m.rollback(ctx, attempt, oldHandle, newHandle, err)
		}
	}

	drainStart := time.Now()
	drainErr := oldHandle.Stop(ctx)
	drainElapsed := time.Since(drainStart)

	if drainErr != nil {
		m.logger.Warn("reload transition drain:failed", zap.String("attempt_id", attempt.AttemptID), zap.Error(drainErr), zap.Duration("drain_duration", drainElapsed))
	} else {
		m.logger.Info("reload transition drain:done", zap.String("attempt_id", attempt.AttemptID), zap.Duration("drain_duration", drainElapsed))
	}

	if err := m.supervisor.FinishReload(attempt.AttemptID, true); err != nil {
		m.logger.Error("reload transition finish:error", zap.Error(err))
	}
	m.metrics.ReloadSuccess.Inc()

	return nil
}
