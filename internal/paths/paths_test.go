package paths

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/femtomc/mu/internal/fs"
)

func tmpFS(t *testing.T) (fs.FS, string) {
	t.Helper()
	dir := t.TempDir()
	return fs.NewReal(), dir
}

func TestPathsLayout(t *testing.T) {
	p := New("/repo")
	require.Equal(t, "/repo/.mu/control-plane", p.Root())
	require.Equal(t, "/repo/.mu/control-plane/commands.jsonl", p.Commands())
	require.Equal(t, "/repo/.mu/control-plane/writer.lock", p.WriterLock())
	require.Equal(t, "/repo/.mu/control-plane/server.json", p.Server())
	require.Equal(t, "/repo/.mu/control-plane/issues.jsonl", p.Issues())
}

func TestAcquireWriterLockExclusivity(t *testing.T) {
	fsys, dir := tmpFS(t)
	p := New(dir)

	lock1, err := AcquireWriterLock(fsys, p, "owner-1", 1000)
	require.NoError(t, err)
	require.NotNil(t, lock1)

	_, err = AcquireWriterLock(fsys, p, "owner-2", 2000)
	require.Error(t, err)

	var busy *WriterLockBusyError
	require.ErrorAs(t, err, &busy)
	require.Equal(t, "owner-1", busy.Owner.OwnerID)

	require.NoError(t, lock1.Release())

	lock2, err := AcquireWriterLock(fsys, p, "owner-2", 3000)
	require.NoError(t, err)
	require.NotNil(t, lock2)
	require.NoError(t, lock2.Release())
}

func TestReleaseIdempotent(t *testing.T) {
	fsys, dir := tmpFS(t)
	p := New(dir)

	lock, err := AcquireWriterLock(fsys, p, "owner", 1000)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
}

func TestServerInfoRoundTrip(t *testing.T) {
	fsys, dir := tmpFS(t)
	p := New(dir)
	require.NoError(t, p.EnsureDirs(fsys))

	info := ServerInfo{PID: 42, Port: 8080, URL: "http://127.0.0.1:8080", StartedAt: 1000}
	require.NoError(t, WriteServerInfo(fsys, p, info))

	got, err := ReadServerInfo(fsys, p)
	require.NoError(t, err)
	require.Equal(t, &info, got)

	require.NoError(t, RemoveServerInfo(fsys, p))
	got, err = ReadServerInfo(fsys, p)
	require.NoError(t, err)
	require.Nil(t, got)
}
