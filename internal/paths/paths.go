// Package paths resolves the fixed, repo-scoped file layout every journal,
// config reader, and discovery client agrees on, and enforces the
// single-writer invariant via an exclusive lock file with owner metadata.
package paths

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/femtomc/mu/internal/fs"
)

// controlPlaneDir is the fixed subdirectory name under repo_root.
const controlPlaneDir = ".mu/control-plane"

// Paths resolves every on-disk path under a single repo_root.
type Paths struct {
	RepoRoot string
}

// New returns a Paths rooted at the given (already absolute) repo_root.
func New(repoRoot string) *Paths {
	return &Paths{RepoRoot: repoRoot}
}

// Root returns the control-plane directory, "<repo_root>/.mu/control-plane".
func (p *Paths) Root() string {
	return filepath.Join(p.RepoRoot, controlPlaneDir)
}

// Commands returns the path to the CommandRecord lifecycle journal.
func (p *Paths) Commands() string { return filepath.Join(p.Root(), "commands.jsonl") }

// Idempotency returns the path to the idempotency entry journal.
func (p *Paths) Idempotency() string { return filepath.Join(p.Root(), "idempotency.jsonl") }

// Identities returns the path to the IdentityStoreEntry journal.
func (p *Paths) Identities() string { return filepath.Join(p.Root(), "identities.jsonl") }

// Policy returns the path to the policy.json config file.
func (p *Paths) Policy() string { return filepath.Join(p.Root(), "policy.json") }

// Outbox returns the path to the outbox record journal.
func (p *Paths) Outbox() string { return filepath.Join(p.Root(), "outbox.jsonl") }

// Issues returns the path to the issue DAG snapshot journal.
func (p *Paths) Issues() string { return filepath.Join(p.Root(), "issues.jsonl") }

// AdapterAudit returns the path to the adapter audit journal.
func (p *Paths) AdapterAudit() string { return filepath.Join(p.Root(), "adapter_audit.jsonl") }

// WriterLock returns the path to the exclusive writer lock file.
func (p *Paths) WriterLock() string { return filepath.Join(p.Root(), "writer.lock") }

// Server returns the path to the server.json discovery file.
func (p *Paths) Server() string { return filepath.Join(p.Root(), "server.json") }

// EnsureDirs creates the control-plane directory tree if absent.
func (p *Paths) EnsureDirs(fsys fs.FS) error {
	if err := fsys.MkdirAll(p.Root(), 0o755); err != nil {
		return fmt.Errorf("creating control-plane dir: %w", err)
	}
	return nil
}

// ErrWriterLockBusy is returned by [AcquireWriterLock] when another process
// already holds writer.lock. Callers should render the embedded
// [WriterLockOwner] so the operator can identify the offending process.
var ErrWriterLockBusy = errors.New("writer_lock_busy")

// WriterLockOwner is the JSON metadata written into writer.lock.
type WriterLockOwner struct {
	OwnerID    string `json:"owner_id"`
	PID        int    `json:"pid"`
	Hostname   string `json:"hostname"`
	RepoRoot   string `json:"repo_root"`
	AcquiredAt int64  `json:"acquired_at_ms"`
}

// WriterLockBusyError wraps [ErrWriterLockBusy] with the existing owner's
// metadata, so callers can report who is already holding the lock.
type WriterLockBusyError struct {
	Owner WriterLockOwner
}

func (e *WriterLockBusyError) Error() string {
	return fmt.Sprintf("%s: held by pid %d on %s since %d", ErrWriterLockBusy, e.Owner.PID, e.Owner.Hostname, e.Owner.AcquiredAt)
}

func (e *WriterLockBusyError) Unwrap() error { return ErrWriterLockBusy }

// WriterLock is the held exclusive lock on writer.lock for a repo_root. It
// must be released exactly once via [WriterLock.Release] at process shutdown.
type WriterLock struct {
	fsys fs.FS
	path string
}

// AcquireWriterLock opens writer.lock with exclusive-create semantics
// (O_CREAT|O_EXCL), writes owner metadata, and retains it for the process
// lifetime. If the file already exists, its contents are read back and
// returned in a [WriterLockBusyError].
func AcquireWriterLock(fsys fs.FS, p *Paths, ownerID string, nowMs int64) (*WriterLock, error) {
	path := p.WriterLock()

	if err := p.EnsureDirs(fsys); err != nil {
		return nil, err
	}

	f, err := fsys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			owner, readErr := readWriterLockOwner(fsys, path)
			if readErr != nil {
				return nil, fmt.Errorf("%w: unreadable existing lock: %v", ErrWriterLockBusy, readErr)
			}
			return nil, &WriterLockBusyError{Owner: owner}
		}
		return nil, fmt.Errorf("creating writer lock: %w", err)
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	owner := WriterLockOwner{
		OwnerID:    ownerID,
		PID:        os.Getpid(),
		Hostname:   hostname,
		RepoRoot:   p.RepoRoot,
		AcquiredAt: nowMs,
	}

	data, err := json.Marshal(owner)
	if err != nil {
		_ = fsys.Remove(path)
		return nil, fmt.Errorf("marshaling writer lock owner: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = fsys.Remove(path)
		return nil, fmt.Errorf("writing writer lock: %w", err)
	}

	return &WriterLock{fsys: fsys, path: path}, nil
}

func readWriterLockOwner(fsys fs.FS, path string) (WriterLockOwner, error) {
	var owner WriterLockOwner
	data, err := fsys.ReadFile(path)
	if err != nil {
		return owner, err
	}
	if err := json.Unmarshal(data, &owner); err != nil {
		return owner, err
	}
	return owner, nil
}

// Release removes the writer lock file. Release is idempotent: calling it
// more than once, or on an already-removed file, returns nil.
func (w *WriterLock) Release() error {
	if w == nil {
		return nil
	}
	if err := w.fsys.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("releasing writer lock: %w", err)
	}
	return nil
}

// ServerInfo is the discovery payload written to server.json once the HTTP
// listener is bound, so CLI clients can find the running daemon.
type ServerInfo struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	URL       string `json:"url"`
	StartedAt int64  `json:"started_at_ms"`
}

// WriteServerInfo writes server.json after the writer lock is held. It is
// removed on clean shutdown; a stale server.json left behind by a crash is
// advisory only and must never be treated as a second lock.
func WriteServerInfo(fsys fs.FS, p *Paths, info ServerInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling server info: %w", err)
	}
	return fsys.WriteFileAtomic(p.Server(), data, 0o644)
}

// ReadServerInfo reads server.json, if present. Returns (nil, nil) if the
// file does not exist.
func ReadServerInfo(fsys fs.FS, p *Paths) (*ServerInfo, error) {
	exists, err := fsys.Exists(p.Server())
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	data, err := fsys.ReadFile(p.Server())
	if err != nil {
		return nil, err
	}

	var info ServerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing server info: %w", err)
	}
	return &info, nil
}

// RemoveServerInfo deletes server.json on clean shutdown. Best-effort: a
// missing file is not an error.
func RemoveServerInfo(fsys fs.FS, p *Paths) error {
	if err := fsys.Remove(p.Server()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Now is a small seam so callers (and tests) control wall-clock time instead
// of reaching for time.Now() throughout the codebase.
func Now() int64 { return time.Now().UnixMilli() }
