package jsonl

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/femtomc/mu/internal/fs"
)

type row struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestAppendAndStream(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	store, err := Open[row](fsys, path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(row{ID: "a", Value: 1}))
	require.NoError(t, store.Append(row{ID: "b", Value: 2}))

	var got []row
	require.NoError(t, Stream(fsys, path, func(r row, err error) error {
		require.NoError(t, err)
		got = append(got, r)
		return nil
	}))

	require.Equal(t, []row{{ID: "a", Value: 1}, {ID: "b", Value: 2}}, got)
}

func TestStreamMissingFile(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "absent.jsonl")

	var calls int
	require.NoError(t, Stream(fsys, path, func(r row, err error) error {
		calls++
		return nil
	}))
	require.Zero(t, calls)
}

func TestStreamMalformedLine(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	require.NoError(t, fsys.WriteFileAtomic(path, []byte("{\"id\":\"a\",\"value\":1}\nnot-json\n{\"id\":\"b\",\"value\":2}\n"), 0o644))

	var parseErrs int
	var good []row
	require.NoError(t, Stream(fsys, path, func(r row, err error) error {
		if err != nil {
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			parseErrs++
			return nil
		}
		good = append(good, r)
		return nil
	}))

	require.Equal(t, 1, parseErrs)
	require.Equal(t, []row{{ID: "a", Value: 1}, {ID: "b", Value: 2}}, good)
}

func TestWriteAllReplacesAndReopensAppend(t *testing.T) {
	fsys := fs.NewReal()
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")

	store, err := Open[row](fsys, path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(row{ID: "a", Value: 1}))
	require.NoError(t, store.WriteAll([]row{{ID: "b", Value: 2}}))
	require.NoError(t, store.Append(row{ID: "c", Value: 3}))

	var got []row
	require.NoError(t, Stream(fsys, path, func(r row, err error) error {
		require.NoError(t, err)
		got = append(got, r)
		return nil
	}))

	require.Equal(t, []row{{ID: "b", Value: 2}, {ID: "c", Value: 3}}, got)
}
