// Package command implements the durable CommandRecord lifecycle entity and
// its finite state machine, journaled to commands.jsonl on every
// transition. The transition table below is exhaustive and matches §3 of
// the specification verbatim; any pair not listed is rejected with
// [InvalidCommandTransitionError].
package command

import (
	"errors"
	"fmt"
	"sync"

	"github.com/femtomc/mu/internal/fs"
	"github.com/femtomc/mu/internal/jsonl"
)

// State is a CommandRecord lifecycle state.
type State string

const (
	StateAccepted             State = "accepted"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateQueued               State = "queued"
	StateInProgress           State = "in_progress"
	StateDeferred             State = "deferred"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
	StateExpired              State = "expired"
	StateDeadLetter           State = "dead_letter"
)

// Terminal reports whether s has no outgoing edges.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired, StateDeadLetter:
		return true
	default:
		return false
	}
}

// transitions is the exhaustive allowed-transition table from §3.
var transitions = map[State]map[State]bool{
	StateAccepted: {
		StateAwaitingConfirmation: true,
		StateQueued:               true,
		StateCancelled:            true,
		StateFailed:               true,
		StateDeadLetter:           true,
	},
	StateAwaitingConfirmation: {
		StateQueued:     true,
		StateCancelled:  true,
		StateExpired:    true,
		StateDeadLetter: true,
	},
	StateQueued: {
		StateInProgress: true,
		StateCancelled:  true,
		StateFailed:     true,
		StateDeadLetter: true,
	},
	StateInProgress: {
		StateCompleted:  true,
		StateFailed:     true,
		StateDeferred:   true,
		StateCancelled:  true,
		StateDeadLetter: true,
	},
	StateDeferred: {
		StateQueued:     true,
		StateFailed:     true,
		StateCancelled:  true,
		StateDeadLetter: true,
	},
}

// InvalidCommandTransitionError is raised when a transition outside the
// allowed table is attempted. Per §7, this is a programmer error: logged at
// ERROR and surfaced as failed{invalid_transition}; never retried.
type InvalidCommandTransitionError struct {
	CommandID string
	From, To  State
}

func (e *InvalidCommandTransitionError) Error() string {
	return fmt.Sprintf("invalid command transition for %s: %s -> %s", e.CommandID, e.From, e.To)
}

// CanTransition reports whether from -> to is in the allowed table.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// Correlation identifies the origin of a command.
type Correlation struct {
	Channel        string `json:"channel"`
	Tenant         string `json:"tenant"`
	Conversation   string `json:"conversation"`
	RequestID      string `json:"request_id"`
	ActorBindingID string `json:"actor_binding_id"`
}

// OperatorSession optionally links a command to a long-running operator
// agent session/turn.
type OperatorSession struct {
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
}

// CLIInvocation optionally records metadata about a backing CLI invocation.
type CLIInvocation struct {
	Argv       []string `json:"argv,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
}

// Result is the structured outcome payload attached to terminal records.
type Result struct {
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Record is the durable CommandRecord.
type Record struct {
	CommandID                string          `json:"command_id"`
	IdempotencyKey            string          `json:"idempotency_key,omitempty"`
	Correlation               Correlation     `json:"correlation"`
	State                     State           `json:"state"`
	TargetType                string          `json:"target_type,omitempty"`
	TargetID                  string          `json:"target_id,omitempty"`
	Args                      []string        `json:"args,omitempty"`
	Attempt                   int             `json:"attempt"`
	ConfirmationExpiresAtMs   int64           `json:"confirmation_expires_at_ms,omitempty"`
	RetryAtMs                 int64           `json:"retry_at_ms,omitempty"`
	ErrorCode                 string          `json:"error_code,omitempty"`
	OperatorSession           OperatorSession `json:"operator_session,omitempty"`
	CLIInvocation             CLIInvocation   `json:"cli_invocation,omitempty"`
	Result                    Result          `json:"result,omitempty"`
	CreatedAtMs               int64           `json:"created_at_ms"`
	UpdatedAtMs               int64           `json:"updated_at_ms"`
}

// EventType mirrors lifecycle_event(state) from §4.5: one event type per
// journaled transition.
func EventType(s State) string {
	return "command." + string(s)
}

// LifecycleEntry is one row of commands.jsonl.
type LifecycleEntry struct {
	Kind      string  `json:"kind"`
	TsMs      int64   `json:"ts_ms"`
	EventType string  `json:"event_type"`
	Command   Record  `json:"command"`
}

// Store holds the in-memory index of CommandRecords, replayed from
// commands.jsonl, and enforces the FSM on every transition. Concurrency:
// per-command_id mutual exclusion, matching §5 ("concurrent deliveries of
// the same idempotency key cannot race the FSM").
type Store struct {
	fsys    fs.FS
	path    string
	journal *jsonl.Store[LifecycleEntry]

	mu        sync.Mutex
	byID      map[string]*Record
	perIDLock map[string]*sync.Mutex
}

// Open opens (creating if absent) the journal at path and replays it.
func Open(fsys fs.FS, path string) (*Store, error) {
	journal, err := jsonl.Open[LifecycleEntry](fsys, path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		fsys:      fsys,
		path:      path,
		journal:   journal,
		byID:      make(map[string]*Record),
		perIDLock: make(map[string]*sync.Mutex),
	}

	if err := jsonl.Stream(fsys, path, func(e LifecycleEntry, streamErr error) error {
		if streamErr != nil {
			return streamErr
		}
		cmd := e.Command
		s.byID[cmd.CommandID] = &cmd
		return nil
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) lockFor(commandID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.perIDLock[commandID]
	if !ok {
		l = &sync.Mutex{}
		s.perIDLock[commandID] = l
	}
	return l
}

// Create journals a brand-new record in StateAccepted.
func (s *Store) Create(rec Record, nowMs int64) (Record, error) {
	l := s.lockFor(rec.CommandID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	if _, exists := s.byID[rec.CommandID]; exists {
		s.mu.Unlock()
		return Record{}, fmt.Errorf("command %s already exists", rec.CommandID)
	}
	s.mu.Unlock()

	rec.State = StateAccepted
	rec.CreatedAtMs = nowMs
	rec.UpdatedAtMs = nowMs

	if err := s.journalTransition(rec, nowMs); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	copyRec := rec
	s.byID[rec.CommandID] = &copyRec
	s.mu.Unlock()

	return rec, nil
}

// ErrNotFound is returned when a command_id is unknown to the store.
var ErrNotFound = errors.New("command_not_found")

// Get returns a copy of the record with the given id.
func (s *Store) Get(commandID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[commandID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Transition moves commandID from its current state to `to`, applying
// mutate to the record first (for fields like error_code, result, attempt).
// If the transition is not in the allowed table, it journals nothing,
// leaves the record unchanged on disk, and returns
// *InvalidCommandTransitionError — satisfying the FSM-soundness testable
// property.
func (s *Store) Transition(commandID string, to State, nowMs int64, mutate func(*Record)) (Record, error) {
	l := s.lockFor(commandID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	existing, ok := s.byID[commandID]
	s.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, commandID)
	}

	from := existing.State
	if !CanTransition(from, to) {
		return Record{}, &InvalidCommandTransitionError{CommandID: commandID, From: from, To: to}
	}

	next := *existing
	if mutate != nil {
		mutate(&next)
	}
	next.State = to
	next.UpdatedAtMs = nowMs

	if err := s.journalTransition(next, nowMs); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	copyNext := next
	s.byID[commandID] = &copyNext
	s.mu.Unlock()

	return next, nil
}

func (s *Store) journalTransition(rec Record, nowMs int64) error {
	return s.journal.Append(LifecycleEntry{
		Kind:      "command.lifecycle",
		TsMs:      nowMs,
		EventType: EventType(rec.State),
		Command:   rec,
	})
}

// Snapshot returns a copy of every record currently held in memory, for
// callers that need to scan the whole set (e.g. the confirmation-expiry
// sweep).
func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, *r)
	}
	return out
}

// Close releases the underlying journal handle.
func (s *Store) Close() error {
	return s.journal.Close()
}
