// Package idempotency implements the Idempotency Index:
// (idempotency_key → fingerprint, command_id, state) with conflict
// detection, grounded on the fingerprint/window design used by
// youfak-sub2api's IdempotencyCoordinator. SPEC_FULL resolves the open
// question on retention by bounding entries with both a TTL and a
// per-conversation cap, swept periodically rather than retained forever.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/femtomc/mu/internal/fs"
	"github.com/femtomc/mu/internal/jsonl"
)

// DefaultTTL is the default retention window for idempotency entries.
const DefaultTTL = 72 * time.Hour

// DefaultMaxConversationEntries bounds how many entries are retained per
// (channel, tenant, conversation), oldest evicted first.
const DefaultMaxConversationEntries = 500

// ErrConflict is returned when an idempotency key is reused with a
// different fingerprint than the one it was first recorded with.
var ErrConflict = errors.New("idempotency_conflict")

// Entry is one row of idempotency.jsonl.
type Entry struct {
	IdempotencyKey string `json:"idempotency_key"`
	Fingerprint    string `json:"fingerprint"`
	CommandID      string `json:"command_id"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	State          string `json:"state"`

	Channel      string `json:"channel"`
	Tenant       string `json:"tenant"`
	Conversation string `json:"conversation"`
}

// Config bounds retention. Zero values fall back to the package defaults.
type Config struct {
	TTL                     time.Duration
	MaxConversationEntries  int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxConversationEntries <= 0 {
		c.MaxConversationEntries = DefaultMaxConversationEntries
	}
	return c
}

type conversationKey struct {
	channel, tenant, conversation string
}

// Index is the in-memory idempotency index, backed by idempotency.jsonl.
type Index struct {
	fsys   fs.FS
	path   string
	journal *jsonl.Store[Entry]
	cfg    Config

	mu            sync.Mutex
	byKey         map[string]Entry
	byConversation map[conversationKey][]string // ordered oldest-first
}

// Open opens (creating if absent) the journal at path and replays it into a
// fresh index.
func Open(fsys fs.FS, path string, cfg Config) (*Index, error) {
	journal, err := jsonl.Open[Entry](fsys, path)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		fsys:           fsys,
		path:           path,
		journal:        journal,
		cfg:            cfg.withDefaults(),
		byKey:          make(map[string]Entry),
		byConversation: make(map[conversationKey][]string),
	}

	if err := jsonl.Stream(fsys, path, func(e Entry, streamErr error) error {
		if streamErr != nil {
			return streamErr
		}
		idx.applyLocked(e)
		return nil
	}); err != nil {
		return nil, err
	}

	return idx, nil
}

func (idx *Index) applyLocked(e Entry) {
	idx.byKey[e.IdempotencyKey] = e
	ck := conversationKey{channel: e.Channel, tenant: e.Tenant, conversation: e.Conversation}
	idx.byConversation[ck] = append(idx.byConversation[ck], e.IdempotencyKey)
}

// Lookup returns the entry recorded for key, if any.
func (idx *Index) Lookup(key string) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.byKey[key]
	return e, ok
}

// Probe records a new (or checks an existing) idempotency entry. If key is
// unseen, it is recorded with fingerprint/commandID/state and Probe returns
// (entry, false /* existing */, nil). If key is seen and the fingerprint
// matches, the existing entry is returned unchanged with existing=true. If
// the fingerprint differs, ErrConflict is returned.
func (idx *Index) Probe(key, fingerprint, commandID, state string, channel, tenant, conversation string, nowMs int64) (Entry, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.byKey[key]; ok {
		if existing.Fingerprint != fingerprint {
			return Entry{}, true, fmt.Errorf("%w: key %s", ErrConflict, key)
		}
		return existing, true, nil
	}

	e := Entry{
		IdempotencyKey: key,
		Fingerprint:    fingerprint,
		CommandID:      commandID,
		CreatedAtMs:    nowMs,
		State:          state,
		Channel:        channel,
		Tenant:         tenant,
		Conversation:   conversation,
	}

	if err := idx.journal.Append(e); err != nil {
		return Entry{}, false, err
	}

	idx.applyLocked(e)
	idx.enforceConversationCapLocked(conversationKey{channel: channel, tenant: tenant, conversation: conversation})

	return e, false, nil
}

// UpdateState updates the recorded state for key (e.g. from non-terminal to
// terminal once a CommandRecord completes), so at-least-once redelivery can
// re-emit the terminal result instead of treating it as a duplicate.
func (idx *Index) UpdateState(key, state string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.byKey[key]
	if !ok {
		return fmt.Errorf("updating idempotency state: %w: %s", errNotFound, key)
	}

	e.State = state
	if err := idx.journal.Append(e); err != nil {
		return err
	}
	idx.byKey[key] = e

	return nil
}

var errNotFound = errors.New("idempotency_key_not_found")

func (idx *Index) enforceConversationCapLocked(ck conversationKey) {
	keys := idx.byConversation[ck]
	if len(keys) <= idx.cfg.MaxConversationEntries {
		return
	}

	excess := len(keys) - idx.cfg.MaxConversationEntries
	for _, k := range keys[:excess] {
		delete(idx.byKey, k)
	}
	idx.byConversation[ck] = keys[excess:]
}

// Sweep compacts the journal, dropping entries older than the configured
// TTL (relative to nowMs), and rewrites it atomically. Intended to run
// alongside the confirmation-expiry sweeper.
func (idx *Index) Sweep(nowMs int64) (dropped int, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cutoff := nowMs - idx.cfg.TTL.Milliseconds()

	kept := make([]Entry, 0, len(idx.byKey))
	newByKey := make(map[string]Entry, len(idx.byKey))
	newByConversation := make(map[conversationKey][]string, len(idx.byConversation))

	// byConversation is itself a map, so this walk has no fixed order; the
	// kept entries are sorted by created_at below before the journal is
	// rewritten.
	seen := make(map[string]bool)
	for ck, keys := range idx.byConversation {
		for _, k := range keys {
			if seen[k] {
				continue
			}
			seen[k] = true

			e := idx.byKey[k]
			if e.CreatedAtMs < cutoff {
				dropped++
				continue
			}

			kept = append(kept, e)
			newByKey[k] = e
			newByConversation[ck] = append(newByConversation[ck], k)
		}
	}

	sortEntriesByCreatedAt(kept)

	if err := idx.journal.WriteAll(kept); err != nil {
		return 0, err
	}

	idx.byKey = newByKey
	idx.byConversation = newByConversation

	return dropped, nil
}

func sortEntriesByCreatedAt(entries []Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].CreatedAtMs > entries[j].CreatedAtMs; j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// NormalizeKey lowercases and trims a raw idempotency key component so
// callers get stable keys regardless of channel casing quirks.
func NormalizeKey(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Fingerprint computes the fingerprint for a command's normalized text, as
// "<channel>-fp-<sha256(lower(command_text))>".
func Fingerprint(channel, commandText string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(commandText)))
	return fmt.Sprintf("%s-fp-%s", channel, hex.EncodeToString(sum[:]))
}

// Close releases the underlying journal handle.
func (idx *Index) Close() error {
	return idx.journal.Close()
}
