// Package outbox implements the at-least-once outbound delivery queue:
// durable records with a dedupe key, exponential-backoff retry via
// cenkalti/backoff/v4 (grounded on fairyhunter13-ai-cv-evaluator's retry
// wiring), and dead-lettering after a bounded number of attempts.
package outbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/femtomc/mu/internal/fs"
	"github.com/femtomc/mu/internal/jsonl"
)

// State is an OutboxRecord's delivery state.
type State string

const (
	StatePending    State = "pending"
	StateDelivered  State = "delivered"
	StateRetried    State = "retried"
	StateDeadLetter State = "dead_letter"
)

// Envelope is the outbound payload delivered to a channel.
type Envelope struct {
	Channel       string                 `json:"channel"`
	ConversationID string                `json:"channel_conversation_id"`
	CommandID     string                 `json:"correlation_command_id"`
	Body          map[string]interface{} `json:"body"`
}

// Record is one outbox row.
type Record struct {
	OutboxID       string   `json:"outbox_id"`
	DedupeKey      string   `json:"dedupe_key"`
	Envelope       Envelope `json:"envelope"`
	State          State    `json:"state"`
	Attempt        int      `json:"attempt"`
	NextAttemptAtMs int64   `json:"next_attempt_at_ms"`
	LastError      string   `json:"last_error,omitempty"`
	CreatedAtMs    int64    `json:"created_at_ms"`
}

// DedupeKind tags whether [Store.Enqueue] created a new record or returned
// an existing one.
type DedupeKind string

const (
	DedupeNew      DedupeKind = "new"
	DedupeExisting DedupeKind = "existing"
)

// Config bounds retry behavior.
type Config struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Minute
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	return c
}

func (c Config) backOffForAttempt(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.RandomizationFactor = c.RandomizationFactor
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // the Outbox owns its own max_attempts ceiling, not a time ceiling

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Store is the durable outbox, backed by outbox.jsonl.
type Store struct {
	fsys    fs.FS
	path    string
	journal *jsonl.Store[Record]
	cfg     Config

	mu        sync.Mutex
	byID      map[string]*Record
	byDedupe  map[string]string
}

// Open opens (creating if absent) the journal at path and replays it.
func Open(fsys fs.FS, path string, cfg Config) (*Store, error) {
	journal, err := jsonl.Open[Record](fsys, path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		fsys:     fsys,
		path:     path,
		journal:  journal,
		cfg:      cfg.withDefaults(),
		byID:     make(map[string]*Record),
		byDedupe: make(map[string]string),
	}

	if err := jsonl.Stream(fsys, path, func(r Record, streamErr error) error {
		if streamErr != nil {
			return streamErr
		}
		copyR := r
		s.byID[r.OutboxID] = &copyR
		s.byDedupe[r.DedupeKey] = r.OutboxID
		return nil
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// EnqueueOptions are the inputs to [Store.Enqueue].
type EnqueueOptions struct {
	OutboxID  string
	DedupeKey string
	Envelope  Envelope
	NowMs     int64
}

// Enqueue journals a new pending record, or returns the existing one
// unchanged if dedupeKey is already known — making enqueue idempotent.
func (s *Store) Enqueue(opts EnqueueOptions) (Record, DedupeKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byDedupe[opts.DedupeKey]; ok {
		return *s.byID[existingID], DedupeExisting, nil
	}

	rec := Record{
		OutboxID:        opts.OutboxID,
		DedupeKey:       opts.DedupeKey,
		Envelope:        opts.Envelope,
		State:           StatePending,
		NextAttemptAtMs: opts.NowMs,
		CreatedAtMs:     opts.NowMs,
	}

	if err := s.journal.Append(rec); err != nil {
		return Record{}, "", err
	}

	copyRec := rec
	s.byID[rec.OutboxID] = &copyRec
	s.byDedupe[rec.DedupeKey] = rec.OutboxID

	return rec, DedupeNew, nil
}

// ErrNoWorkDue is returned by [Store.PullDue] when no record is ready.
var ErrNoWorkDue = errors.New("no_outbox_work_due")

// PullDue selects the oldest pending|retried record with
// next_attempt_at_ms <= nowMs. The caller is responsible for invoking the
// channel delivery callback outside any lock and reporting the result via
// [Store.MarkDelivered] or [Store.MarkFailed].
func (s *Store) PullDue(nowMs int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Record
	for _, r := range s.byID {
		if r.State != StatePending && r.State != StateRetried {
			continue
		}
		if r.NextAttemptAtMs > nowMs {
			continue
		}
		if best == nil || r.CreatedAtMs < best.CreatedAtMs {
			best = r
		}
	}

	if best == nil {
		return Record{}, ErrNoWorkDue
	}

	return *best, nil
}

// MarkDelivered transitions outboxID to delivered. Per §4.7's crash
// constraint, this must only be called after the delivery callback
// confirms success.
func (s *Store) MarkDelivered(outboxID string, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[outboxID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOutboxNotFound, outboxID)
	}

	rec.State = StateDelivered
	if err := s.journal.Append(*rec); err != nil {
		return err
	}

	return nil
}

// ErrOutboxNotFound is returned when an outbox_id is unknown.
var ErrOutboxNotFound = errors.New("outbox_record_not_found")

// MarkFailed records a failed delivery attempt. If the new attempt count
// reaches MaxAttempts, the record transitions to dead_letter; otherwise it
// transitions to retried with next_attempt_at_ms computed via exponential
// backoff with jitter.
func (s *Store) MarkFailed(outboxID string, lastError string, nowMs int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[outboxID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrOutboxNotFound, outboxID)
	}

	rec.Attempt++
	rec.LastError = lastError

	if rec.Attempt >= s.cfg.MaxAttempts {
		rec.State = StateDeadLetter
	} else {
		rec.State = StateRetried
		rec.NextAttemptAtMs = nowMs + s.cfg.backOffForAttempt(rec.Attempt).Milliseconds()
	}

	if err := s.journal.Append(*rec); err != nil {
		return Record{}, err
	}

	return *rec, nil
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(outboxID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[outboxID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Close releases the underlying journal handle.
func (s *Store) Close() error {
	return s.journal.Close()
}
