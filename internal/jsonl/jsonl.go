// Package jsonl provides a small generic wrapper over the append-only JSON
// Lines journals every durable store in the control plane is built on: one
// handle per journal, opened once per process and reused, matching the
// teacher's "open the file once per process per journal" discipline.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/femtomc/mu/internal/fs"
)

// ParseError wraps a malformed line encountered while streaming a journal.
type ParseError struct {
	Path string
	Line int
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: parsing jsonl row: %v", e.Path, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Store is a generic append-only JSONL journal for rows of type T. It holds
// the append file handle open for the lifetime of the Store and serializes
// appends with a mutex, matching the concurrency model in §5: "journal
// appends are serialized per journal via a mutex to preserve line-order on
// disk. Reads may proceed in parallel with appends."
type Store[T any] struct {
	fsys fs.FS
	path string

	mu     sync.Mutex
	handle fs.File
}

// Open opens (creating if absent) the journal at path for appending. The
// containing directory is not created here and must already exist. The
// handle is retained until [Store.Close] is called.
func Open[T any](fsys fs.FS, path string) (*Store[T], error) {
	s := &Store[T]{fsys: fsys, path: path}

	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	s.handle = f

	return s, nil
}

// Path returns the journal's filesystem path.
func (s *Store[T]) Path() string { return s.path }

// Append writes row as a single JSON-encoded line, using one write call to
// avoid interleaving with concurrent appenders in other processes.
func (s *Store[T]) Append(row T) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshaling jsonl row: %w", err)
	}

	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.handle.Write(data); err != nil {
		return fmt.Errorf("appending to %s: %w", s.path, err)
	}

	return nil
}

// WriteAll atomically replaces the entire journal with rows, one JSON object
// per line, via a same-directory temp file + rename. Used for compaction
// (e.g. idempotency TTL sweeps).
//
// WriteAll does not touch the open append handle's file offset directly;
// after replacing the file it reopens the append handle so subsequent
// [Store.Append] calls continue to operate on the new file.
func (s *Store[T]) WriteAll(rows []T) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("marshaling jsonl row: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fsys.WriteFileAtomic(s.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("replacing journal %s: %w", s.path, err)
	}

	if s.handle != nil {
		_ = s.handle.Close()
	}

	f, err := s.fsys.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopening journal %s after replace: %w", s.path, err)
	}
	s.handle = f

	return nil
}

// Stream reads the journal from the beginning and decodes each line as T,
// invoking fn for each row in order. A malformed line is reported to fn as
// a *ParseError via the err parameter; fn decides whether to abort (return
// the error) or skip (return nil) and continue.
func Stream[T any](fsys fs.FS, path string, fn func(row T, err error) error) error {
	exists, err := fsys.Exists(path)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	f, err := fsys.Open(path)
	if err != nil {
		return fmt.Errorf("opening journal %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if len(bytesTrimSpace(raw)) == 0 {
			continue
		}

		var row T
		if decErr := json.Unmarshal([]byte(raw), &row); decErr != nil {
			parseErr := &ParseError{Path: path, Line: lineNo, Raw: raw, Err: decErr}
			if err := fn(row, parseErr); err != nil {
				return err
			}
			continue
		}

		if err := fn(row, nil); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading journal %s: %w", path, err)
	}

	return nil
}

func bytesTrimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// Close releases the append handle. Close is idempotent.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return nil
	}
	err := s.handle.Close()
	s.handle = nil
	return err
}
