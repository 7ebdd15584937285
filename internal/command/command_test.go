package command

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/femtomc/mu/internal/fs"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.jsonl")

	s, err := Open(fsys, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestCreateAndTransitionHappyPath(t *testing.T) {
	s := openStore(t)

	rec, err := s.Create(Record{CommandID: "cmd-1"}, 1000)
	require.NoError(t, err)
	require.Equal(t, StateAccepted, rec.State)

	rec, err = s.Transition("cmd-1", StateQueued, 2000, nil)
	require.NoError(t, err)
	require.Equal(t, StateQueued, rec.State)

	rec, err = s.Transition("cmd-1", StateInProgress, 3000, nil)
	require.NoError(t, err)

	rec, err = s.Transition("cmd-1", StateCompleted, 4000, func(r *Record) {
		r.Result = Result{Message: "OK mu"}
	})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, rec.State)
	require.True(t, rec.State.Terminal())
}

func TestInvalidTransitionRejected(t *testing.T) {
	s := openStore(t)

	_, err := s.Create(Record{CommandID: "cmd-1"}, 1000)
	require.NoError(t, err)

	_, err = s.Transition("cmd-1", StateCompleted, 2000, nil)
	require.Error(t, err)

	var invalidErr *InvalidCommandTransitionError
	require.ErrorAs(t, err, &invalidErr)
	require.Equal(t, StateAccepted, invalidErr.From)
	require.Equal(t, StateCompleted, invalidErr.To)

	rec, ok := s.Get("cmd-1")
	require.True(t, ok)
	require.Equal(t, StateAccepted, rec.State)
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, terminal := range []State{StateCompleted, StateFailed, StateCancelled, StateExpired, StateDeadLetter} {
		for to := range transitions {
			require.False(t, CanTransition(terminal, to), "expected no edge from terminal state %s to %s", terminal, to)
		}
	}
}

func TestAttemptIncrementsOnlyOnDeferredReentry(t *testing.T) {
	s := openStore(t)

	_, err := s.Create(Record{CommandID: "cmd-1"}, 1000)
	require.NoError(t, err)
	_, err = s.Transition("cmd-1", StateQueued, 2000, nil)
	require.NoError(t, err)
	rec, err := s.Transition("cmd-1", StateInProgress, 3000, nil)
	require.NoError(t, err)
	require.Equal(t, 0, rec.Attempt)

	rec, err = s.Transition("cmd-1", StateDeferred, 4000, nil)
	require.NoError(t, err)

	rec, err = s.Transition("cmd-1", StateQueued, 5000, func(r *Record) {
		r.Attempt++
	})
	require.NoError(t, err)
	require.Equal(t, 1, rec.Attempt)
}

func TestReplayRestoresLatestState(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "commands.jsonl")

	s1, err := Open(fsys, path)
	require.NoError(t, err)
	_, err = s1.Create(Record{CommandID: "cmd-1"}, 1000)
	require.NoError(t, err)
	_, err = s1.Transition("cmd-1", StateQueued, 2000, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(fsys, path)
	require.NoError(t, err)
	defer s2.Close()

	rec, ok := s2.Get("cmd-1")
	require.True(t, ok)
	require.Equal(t, StateQueued, rec.State)
}

func TestSnapshotReturnsEveryRecord(t *testing.T) {
	s := openStore(t)

	_, err := s.Create(Record{CommandID: "cmd-1"}, 1000)
	require.NoError(t, err)
	_, err = s.Create(Record{CommandID: "cmd-2"}, 1000)
	require.NoError(t, err)

	all := s.Snapshot()
	require.Len(t, all, 2)
}
