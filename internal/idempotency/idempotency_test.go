package idempotency

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/femtomc/mu/internal/fs"
)

func openIndex(t *testing.T, cfg Config) *Index {
	t.Helper()
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "idempotency.jsonl")

	idx, err := Open(fsys, path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	return idx
}

func TestProbeNewEntry(t *testing.T) {
	idx := openIndex(t, Config{})

	e, existing, err := idx.Probe("key1", "fp1", "cmd1", "accepted", "slack", "T", "C", 1000)
	require.NoError(t, err)
	require.False(t, existing)
	require.Equal(t, "cmd1", e.CommandID)
}

func TestProbeDuplicateSameFingerprint(t *testing.T) {
	idx := openIndex(t, Config{})

	_, _, err := idx.Probe("key1", "fp1", "cmd1", "accepted", "slack", "T", "C", 1000)
	require.NoError(t, err)

	e2, existing, err := idx.Probe("key1", "fp1", "cmd1", "accepted", "slack", "T", "C", 2000)
	require.NoError(t, err)
	require.True(t, existing)
	require.Equal(t, "cmd1", e2.CommandID)
}

func TestProbeConflict(t *testing.T) {
	idx := openIndex(t, Config{})

	_, _, err := idx.Probe("key1", "fp1", "cmd1", "accepted", "slack", "T", "C", 1000)
	require.NoError(t, err)

	_, _, err = idx.Probe("key1", "fp2", "cmd2", "accepted", "slack", "T", "C", 2000)
	require.ErrorIs(t, err, ErrConflict)
}

func TestConversationCapEvictsOldest(t *testing.T) {
	idx := openIndex(t, Config{MaxConversationEntries: 2})

	for i, key := range []string{"k1", "k2", "k3"} {
		_, _, err := idx.Probe(key, "fp-"+key, "cmd", "accepted", "slack", "T", "C", int64(1000+i))
		require.NoError(t, err)
	}

	_, ok := idx.Lookup("k1")
	require.False(t, ok)
	_, ok = idx.Lookup("k3")
	require.True(t, ok)
}

func TestSweepDropsExpiredEntries(t *testing.T) {
	idx := openIndex(t, Config{TTL: 1 * time.Second})

	_, _, err := idx.Probe("old", "fp-old", "cmd", "accepted", "slack", "T", "C", 0)
	require.NoError(t, err)
	_, _, err = idx.Probe("new", "fp-new", "cmd", "accepted", "slack", "T", "C", 5000)
	require.NoError(t, err)

	dropped, err := idx.Sweep(5000)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	_, ok := idx.Lookup("old")
	require.False(t, ok)
	_, ok = idx.Lookup("new")
	require.True(t, ok)
}

func TestFingerprintDeterministic(t *testing.T) {
	require.Equal(t, Fingerprint("slack", "Status"), Fingerprint("slack", "status"))
	require.NotEqual(t, Fingerprint("slack", "status"), Fingerprint("slack", "cancel"))
}

func TestNormalizeKey(t *testing.T) {
	require.Equal(t, "abc", NormalizeKey("  ABC  "))
}
