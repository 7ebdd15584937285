package outbox

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/femtomc/mu/internal/fs"
)

func openStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.jsonl")

	s, err := Open(fsys, path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestEnqueueIdempotent(t *testing.T) {
	s := openStore(t, Config{})

	rec1, kind1, err := s.Enqueue(EnqueueOptions{OutboxID: "o1", DedupeKey: "dk1", NowMs: 1000})
	require.NoError(t, err)
	require.Equal(t, DedupeNew, kind1)

	rec2, kind2, err := s.Enqueue(EnqueueOptions{OutboxID: "o2", DedupeKey: "dk1", NowMs: 2000})
	require.NoError(t, err)
	require.Equal(t, DedupeExisting, kind2)
	require.Equal(t, rec1.OutboxID, rec2.OutboxID)
}

func TestPullDueAndMarkDelivered(t *testing.T) {
	s := openStore(t, Config{})

	_, _, err := s.Enqueue(EnqueueOptions{OutboxID: "o1", DedupeKey: "dk1", NowMs: 1000})
	require.NoError(t, err)

	rec, err := s.PullDue(1000)
	require.NoError(t, err)
	require.Equal(t, "o1", rec.OutboxID)

	require.NoError(t, s.MarkDelivered("o1", 1500))

	_, err = s.PullDue(2000)
	require.ErrorIs(t, err, ErrNoWorkDue)
}

func TestPullDueRespectsNextAttempt(t *testing.T) {
	s := openStore(t, Config{})

	_, _, err := s.Enqueue(EnqueueOptions{OutboxID: "o1", DedupeKey: "dk1", NowMs: 1000})
	require.NoError(t, err)

	_, err = s.MarkFailed("o1", "boom", 1000)
	require.NoError(t, err)

	_, err = s.PullDue(1000)
	require.ErrorIs(t, err, ErrNoWorkDue)

	rec, ok := s.Get("o1")
	require.True(t, ok)
	require.Equal(t, StateRetried, rec.State)

	_, err = s.PullDue(rec.NextAttemptAtMs)
	require.NoError(t, err)
}

func TestMarkFailedDeadLettersAfterMaxAttempts(t *testing.T) {
	s := openStore(t, Config{MaxAttempts: 2})

	_, _, err := s.Enqueue(EnqueueOptions{OutboxID: "o1", DedupeKey: "dk1", NowMs: 1000})
	require.NoError(t, err)

	rec, err := s.MarkFailed("o1", "boom", 1000)
	require.NoError(t, err)
	require.Equal(t, StateRetried, rec.State)

	rec, err = s.MarkFailed("o1", "boom again", rec.NextAttemptAtMs)
	require.NoError(t, err)
	require.Equal(t, StateDeadLetter, rec.State)
}

func TestReplayRestoresRecords(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.jsonl")

	s1, err := Open(fsys, path, Config{})
	require.NoError(t, err)
	_, _, err = s1.Enqueue(EnqueueOptions{OutboxID: "o1", DedupeKey: "dk1", NowMs: 1000})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(fsys, path, Config{})
	require.NoError(t, err)
	defer s2.Close()

	rec, ok := s2.Get("o1")
	require.True(t, ok)
	require.Equal(t, StatePending, rec.State)
}
