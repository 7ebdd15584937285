package issue

import (
	"fmt"
	"sync"

	"github.com/femtomc/mu/internal/fs"
	"github.com/femtomc/mu/internal/jsonl"
)

// Store is the persisted Issue snapshot the pipeline's issue-DAG mutators
// read and write. The DAG engine above stays a pure function over a
// snapshot; Store is the thin I/O binding around it, grounded on the
// teacher's ticket.go read/write-whole-file discipline (generalized from
// one markdown file per ticket to one JSON row per issue, replaced whole
// via jsonl.Store.WriteAll on every mutation rather than appended, since
// issues are mutated in place rather than journaled as events).
type Store struct {
	journal *jsonl.Store[Issue]

	mu   sync.RWMutex
	byID map[string]Issue
}

// Open loads (creating if absent) the issue snapshot at path.
func Open(fsys fs.FS, path string) (*Store, error) {
	journal, err := jsonl.Open[Issue](fsys, path)
	if err != nil {
		return nil, err
	}

	s := &Store{journal: journal, byID: make(map[string]Issue)}

	if err := jsonl.Stream(fsys, path, func(iss Issue, streamErr error) error {
		if streamErr != nil {
			return streamErr
		}
		s.byID[iss.ID] = iss
		return nil
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.journal.Close()
}

// snapshotLocked returns a slice copy of every issue. Caller must hold s.mu.
func (s *Store) snapshotLocked() []Issue {
	out := make([]Issue, 0, len(s.byID))
	for _, iss := range s.byID {
		out = append(out, iss)
	}
	return out
}

// Snapshot returns a copy of every issue currently held.
func (s *Store) Snapshot() []Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Get returns a copy of one issue by id.
func (s *Store) Get(id string) (Issue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iss, ok := s.byID[id]
	return iss, ok
}

// ErrExists is returned by Create when id is already taken.
var ErrExists = fmt.Errorf("issue already exists")

// ErrNotFound is returned when an id is unknown to the store.
var ErrNotFound = fmt.Errorf("issue not found")

// persistLocked rewrites the whole snapshot to disk. Caller must hold s.mu
// (write lock).
func (s *Store) persistLocked() error {
	return s.journal.WriteAll(s.snapshotLocked())
}

// Create inserts a brand-new open issue.
func (s *Store) Create(iss Issue, nowMs int64) (Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[iss.ID]; exists {
		return Issue{}, fmt.Errorf("%w: %s", ErrExists, iss.ID)
	}

	iss.Status = StatusOpen
	iss.Outcome = OutcomeNone
	iss.CreatedAt = nowMs
	iss.UpdatedAt = nowMs

	s.byID[iss.ID] = iss
	if err := s.persistLocked(); err != nil {
		return Issue{}, err
	}
	return iss, nil
}

// Update applies mutate to the issue named id and persists the result.
// Status/outcome are not touched by Update — use Claim/Close for lifecycle
// transitions, matching the pipeline's update/claim/close kind distinction.
func (s *Store) Update(id string, nowMs int64, mutate func(*Issue)) (Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, ok := s.byID[id]
	if !ok {
		return Issue{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if mutate != nil {
		mutate(&iss)
	}
	iss.UpdatedAt = nowMs

	s.byID[id] = iss
	if err := s.persistLocked(); err != nil {
		return Issue{}, err
	}
	return iss, nil
}

// ErrNotOpen is returned by Claim when the issue is not in status open.
var ErrNotOpen = fmt.Errorf("issue is not open")

// Claim transitions an open issue to in_progress.
func (s *Store) Claim(id string, nowMs int64) (Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, ok := s.byID[id]
	if !ok {
		return Issue{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if iss.Status != StatusOpen {
		return Issue{}, fmt.Errorf("%w: %s is %s", ErrNotOpen, id, iss.Status)
	}

	iss.Status = StatusInProgress
	iss.UpdatedAt = nowMs

	s.byID[id] = iss
	if err := s.persistLocked(); err != nil {
		return Issue{}, err
	}
	return iss, nil
}

// Close transitions an issue to closed with the given outcome, enforcing the
// invariant that an issue is closed iff outcome != null.
func (s *Store) Close(id string, outcome Outcome, nowMs int64) (Issue, error) {
	if outcome == OutcomeNone {
		return Issue{}, fmt.Errorf("close requires a non-empty outcome")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	iss, ok := s.byID[id]
	if !ok {
		return Issue{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	iss.Status = StatusClosed
	iss.Outcome = outcome
	iss.UpdatedAt = nowMs

	s.byID[id] = iss
	if err := s.persistLocked(); err != nil {
		return Issue{}, err
	}
	return iss, nil
}

// AddDep appends a dependency edge to issue id, de-duplicating identical
// edges.
func (s *Store) AddDep(id string, dep Dep, nowMs int64) (Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, ok := s.byID[id]
	if !ok {
		return Issue{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	for _, existing := range iss.Deps {
		if existing == dep {
			return iss, nil
		}
	}
	iss.Deps = append(iss.Deps, dep)
	iss.UpdatedAt = nowMs

	s.byID[id] = iss
	if err := s.persistLocked(); err != nil {
		return Issue{}, err
	}
	return iss, nil
}

// RemoveDep removes a dependency edge from issue id, if present.
func (s *Store) RemoveDep(id string, dep Dep, nowMs int64) (Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, ok := s.byID[id]
	if !ok {
		return Issue{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	out := iss.Deps[:0:0]
	for _, existing := range iss.Deps {
		if existing != dep {
			out = append(out, existing)
		}
	}
	iss.Deps = out
	iss.UpdatedAt = nowMs

	s.byID[id] = iss
	if err := s.persistLocked(); err != nil {
		return Issue{}, err
	}
	return iss, nil
}
