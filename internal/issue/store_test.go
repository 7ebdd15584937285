package issue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/femtomc/mu/internal/fs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	s, err := Open(fs.NewReal(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	created, err := s.Create(Issue{ID: "iss-1", Title: "first"}, 1000)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, created.Status)

	got, ok := s.Get("iss-1")
	require.True(t, ok)
	require.Equal(t, "first", got.Title)
}

func TestStoreCreateDuplicateFails(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Issue{ID: "iss-1"}, 1000)
	require.NoError(t, err)

	_, err = s.Create(Issue{ID: "iss-1"}, 1000)
	require.ErrorIs(t, err, ErrExists)
}

func TestStoreClaimRequiresOpen(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Issue{ID: "iss-1"}, 1000)
	require.NoError(t, err)

	claimed, err := s.Claim("iss-1", 2000)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, claimed.Status)

	_, err = s.Claim("iss-1", 3000)
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestStoreCloseSetsOutcome(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Issue{ID: "iss-1"}, 1000)
	require.NoError(t, err)

	closed, err := s.Close("iss-1", OutcomeSuccess, 2000)
	require.NoError(t, err)
	require.Equal(t, StatusClosed, closed.Status)
	require.Equal(t, OutcomeSuccess, closed.Outcome)
}

func TestStoreAddAndRemoveDep(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(Issue{ID: "a"}, 1000)
	require.NoError(t, err)
	_, err = s.Create(Issue{ID: "b"}, 1000)
	require.NoError(t, err)

	dep := Dep{Type: DepBlocks, Target: "b"}
	updated, err := s.AddDep("a", dep, 2000)
	require.NoError(t, err)
	require.Equal(t, []Dep{dep}, updated.Deps)

	updated, err = s.AddDep("a", dep, 2100)
	require.NoError(t, err)
	require.Len(t, updated.Deps, 1)

	updated, err = s.RemoveDep("a", dep, 3000)
	require.NoError(t, err)
	require.Empty(t, updated.Deps)
}

func TestStoreReopensFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "issues.jsonl")
	fsys := fs.NewReal()

	s1, err := Open(fsys, path)
	require.NoError(t, err)
	_, err = s1.Create(Issue{ID: "iss-1", Title: "first"}, 1000)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(fsys, path)
	require.NoError(t, err)
	defer s2.Close()

	got, ok := s2.Get("iss-1")
	require.True(t, ok)
	require.Equal(t, "first", got.Title)
}
