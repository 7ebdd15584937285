// Package identity implements the durable IdentityStore: an append-only
// journal of link/unlink/revoke entries, replayed at load into an in-memory
// binding index guarded by a single RWMutex, matching the concurrency
// contract in §5 ("writers hold it across append + index update; readers
// take a brief lock and return copied values").
package identity

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/femtomc/mu/internal/fs"
	"github.com/femtomc/mu/internal/jsonl"
)

// Channel is the set of supported ingress channels.
type Channel string

const (
	ChannelSlack    Channel = "slack"
	ChannelDiscord  Channel = "discord"
	ChannelTelegram Channel = "telegram"
	ChannelNeovim   Channel = "neovim"
	ChannelTerminal Channel = "terminal"
)

// AssuranceTier is a coarse identity-strength label derived solely from the
// channel.
type AssuranceTier string

const (
	TierA AssuranceTier = "tier_a"
	TierB AssuranceTier = "tier_b"
	TierC AssuranceTier = "tier_c"
)

// TierForChannel returns the assurance tier implied by a channel. This
// mapping is an invariant: slack/discord/neovim/terminal resolve to tier_a,
// telegram to tier_b. There is no tier_c channel today, but the enum is kept
// open for future, weaker-assurance channels.
func TierForChannel(ch Channel) (AssuranceTier, error) {
	switch ch {
	case ChannelSlack, ChannelDiscord, ChannelNeovim, ChannelTerminal:
		return TierA, nil
	case ChannelTelegram:
		return TierB, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, ch)
	}
}

// Status is the lifecycle status of a binding. Status is monotone: active
// may move to unlinked or revoked, never back.
type Status string

const (
	StatusActive   Status = "active"
	StatusUnlinked Status = "unlinked"
	StatusRevoked  Status = "revoked"
)

// Binding is one row per (channel, tenant, actor) principal.
type Binding struct {
	BindingID        string        `json:"binding_id"`
	OperatorID       string        `json:"operator_id"`
	Channel          Channel       `json:"channel"`
	ChannelTenantID  string        `json:"channel_tenant_id"`
	ChannelActorID   string        `json:"channel_actor_id"`
	AssuranceTier    AssuranceTier `json:"assurance_tier"`
	Scopes           []string      `json:"scopes"`
	Status           Status        `json:"status"`
	LinkedAtMs       int64         `json:"linked_at_ms"`
	UpdatedAtMs      int64         `json:"updated_at_ms"`
	UnlinkedAtMs     int64         `json:"unlinked_at_ms,omitempty"`
	RevokedAtMs      int64         `json:"revoked_at_ms,omitempty"`
	RevokerBindingID string        `json:"revoker_binding_id,omitempty"`
	RevokeReason     string        `json:"revoke_reason,omitempty"`
}

// EntryKind tags the variant of an append-only journal entry.
type EntryKind string

const (
	EntryLink   EntryKind = "link"
	EntryUnlink EntryKind = "unlink"
	EntryRevoke EntryKind = "revoke"
)

// Entry is one row of identities.jsonl. The journal is the source of truth;
// the in-memory index is rebuilt by replaying entries in order.
type Entry struct {
	Kind    EntryKind `json:"kind"`
	TsMs    int64     `json:"ts_ms"`
	Binding Binding   `json:"binding"`
}

var (
	ErrUnknownChannel       = errors.New("unknown_channel")
	ErrBindingExists        = errors.New("binding_exists")
	ErrPrincipalLinked      = errors.New("principal_already_linked")
	ErrNotFound             = errors.New("not_found")
	ErrInvalidActor         = errors.New("invalid_actor")
	ErrAlreadyInactive      = errors.New("already_inactive")
	ErrUnknownEntryKind     = errors.New("unknown_entry_kind")
	ErrUnknownBindingInJournal = errors.New("unknown_binding_in_journal")
)

type principalKey struct {
	channel Channel
	tenant  string
	actor   string
}

// Store is the in-memory IdentityStore index, backed by identities.jsonl.
type Store struct {
	fsys    fs.FS
	path    string
	journal *jsonl.Store[Entry]

	mu                sync.RWMutex
	byBindingID       map[string]*Binding
	activeByPrincipal map[principalKey]string
}

// LinkOptions are the inputs to [Store.Link].
type LinkOptions struct {
	BindingID       string
	OperatorID      string
	Channel         Channel
	ChannelTenantID string
	ChannelActorID  string
	Scopes          []string
	NowMs           int64
}

// Open opens (creating if absent) the journal at path, replays it into a
// fresh index, and returns a ready-to-use Store. Replay rejects unknown
// entry kinds and entries that reference a binding id inconsistent with
// prior state, and re-asserts the tierForChannel invariant for every
// loaded binding.
func Open(fsys fs.FS, path string) (*Store, error) {
	journal, err := jsonl.Open[Entry](fsys, path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		fsys:              fsys,
		path:              path,
		journal:           journal,
		byBindingID:       make(map[string]*Binding),
		activeByPrincipal: make(map[principalKey]string),
	}

	if err := s.replay(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) replay() error {
	return jsonl.Stream(s.fsys, s.path, func(e Entry, streamErr error) error {
		if streamErr != nil {
			return streamErr
		}
		return s.applyEntry(e)
	})
}

func (s *Store) applyEntry(e Entry) error {
	b := e.Binding

	switch e.Kind {
	case EntryLink:
		tier, err := TierForChannel(b.Channel)
		if err != nil {
			return err
		}
		if b.AssuranceTier != "" && b.AssuranceTier != tier {
			return fmt.Errorf("replaying link for %s: assurance tier %q does not match channel invariant %q", b.BindingID, b.AssuranceTier, tier)
		}
		b.AssuranceTier = tier
		b.Status = StatusActive

		copyB := b
		s.byBindingID[b.BindingID] = &copyB
		s.activeByPrincipal[principalOf(b)] = b.BindingID

	case EntryUnlink:
		existing, ok := s.byBindingID[b.BindingID]
		if !ok {
			return fmt.Errorf("%w: unlink references %s", ErrUnknownBindingInJournal, b.BindingID)
		}
		existing.Status = StatusUnlinked
		existing.UnlinkedAtMs = e.TsMs
		existing.UpdatedAtMs = e.TsMs
		delete(s.activeByPrincipal, principalOf(*existing))

	case EntryRevoke:
		existing, ok := s.byBindingID[b.BindingID]
		if !ok {
			return fmt.Errorf("%w: revoke references %s", ErrUnknownBindingInJournal, b.BindingID)
		}
		existing.Status = StatusRevoked
		existing.RevokedAtMs = e.TsMs
		existing.UpdatedAtMs = e.TsMs
		existing.RevokerBindingID = b.RevokerBindingID
		existing.RevokeReason = b.RevokeReason
		delete(s.activeByPrincipal, principalOf(*existing))

	default:
		return fmt.Errorf("%w: %q", ErrUnknownEntryKind, e.Kind)
	}

	return nil
}

func principalOf(b Binding) principalKey {
	return principalKey{channel: b.Channel, tenant: b.ChannelTenantID, actor: b.ChannelActorID}
}

// Link creates a new active binding. Fails ErrBindingExists if binding_id is
// already known, or ErrPrincipalLinked if the principal already has an
// active binding.
func (s *Store) Link(opts LinkOptions) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byBindingID[opts.BindingID]; exists {
		return Binding{}, fmt.Errorf("%w: %s", ErrBindingExists, opts.BindingID)
	}

	pk := principalKey{channel: opts.Channel, tenant: opts.ChannelTenantID, actor: opts.ChannelActorID}
	if existingID, ok := s.activeByPrincipal[pk]; ok {
		return Binding{}, fmt.Errorf("%w: binding %s", ErrPrincipalLinked, existingID)
	}

	tier, err := TierForChannel(opts.Channel)
	if err != nil {
		return Binding{}, err
	}

	b := Binding{
		BindingID:       opts.BindingID,
		OperatorID:      opts.OperatorID,
		Channel:         opts.Channel,
		ChannelTenantID: opts.ChannelTenantID,
		ChannelActorID:  opts.ChannelActorID,
		AssuranceTier:   tier,
		Scopes:          append([]string(nil), opts.Scopes...),
		Status:          StatusActive,
		LinkedAtMs:      opts.NowMs,
		UpdatedAtMs:     opts.NowMs,
	}

	if err := s.journal.Append(Entry{Kind: EntryLink, TsMs: opts.NowMs, Binding: b}); err != nil {
		return Binding{}, err
	}

	copyB := b
	s.byBindingID[b.BindingID] = &copyB
	s.activeByPrincipal[pk] = b.BindingID

	return b, nil
}

// UnlinkSelf marks bindingID unlinked. The actor must equal the binding
// (self-unlink only); fails ErrNotFound, ErrInvalidActor, or
// ErrAlreadyInactive.
func (s *Store) UnlinkSelf(bindingID, actorBindingID, reason string, nowMs int64) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byBindingID[bindingID]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrNotFound, bindingID)
	}
	if actorBindingID != bindingID {
		return Binding{}, fmt.Errorf("%w: actor %s != binding %s", ErrInvalidActor, actorBindingID, bindingID)
	}
	if existing.Status != StatusActive {
		return Binding{}, fmt.Errorf("%w: %s", ErrAlreadyInactive, bindingID)
	}

	journalRow := *existing
	journalRow.RevokeReason = reason

	if err := s.journal.Append(Entry{Kind: EntryUnlink, TsMs: nowMs, Binding: journalRow}); err != nil {
		return Binding{}, err
	}

	existing.Status = StatusUnlinked
	existing.UnlinkedAtMs = nowMs
	existing.UpdatedAtMs = nowMs
	delete(s.activeByPrincipal, principalOf(*existing))

	return *existing, nil
}

// Revoke marks bindingID revoked by actorBindingID (any admin actor). Fails
// ErrNotFound or ErrAlreadyInactive.
func (s *Store) Revoke(bindingID, actorBindingID, reason string, nowMs int64) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byBindingID[bindingID]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrNotFound, bindingID)
	}
	if existing.Status != StatusActive {
		return Binding{}, fmt.Errorf("%w: %s", ErrAlreadyInactive, bindingID)
	}

	journalRow := *existing
	journalRow.RevokerBindingID = actorBindingID
	journalRow.RevokeReason = reason

	if err := s.journal.Append(Entry{Kind: EntryRevoke, TsMs: nowMs, Binding: journalRow}); err != nil {
		return Binding{}, err
	}

	existing.Status = StatusRevoked
	existing.RevokedAtMs = nowMs
	existing.UpdatedAtMs = nowMs
	existing.RevokerBindingID = actorBindingID
	existing.RevokeReason = reason
	delete(s.activeByPrincipal, principalOf(*existing))

	return *existing, nil
}

// ResolveActive looks up the active binding for (channel, tenant, actor).
// Returns (Binding{}, false) if no active binding exists.
func (s *Store) ResolveActive(channel Channel, tenant, actor string) (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeByPrincipal[principalKey{channel: channel, tenant: tenant, actor: actor}]
	if !ok {
		return Binding{}, false
	}

	return *s.byBindingID[id], true
}

// Get returns a copy of the binding with the given id, if known.
func (s *Store) Get(bindingID string) (Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.byBindingID[bindingID]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// ListOptions controls [Store.ListBindings].
type ListOptions struct {
	IncludeInactive bool
}

// ListBindings returns bindings sorted deterministically by
// (linked_at_ms, binding_id), matching the replay-determinism testable
// property: loading the journal twice yields byte-identical output.
func (s *Store) ListBindings(opts ListOptions) []Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Binding, 0, len(s.byBindingID))
	for _, b := range s.byBindingID {
		if !opts.IncludeInactive && b.Status != StatusActive {
			continue
		}
		out = append(out, *b)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LinkedAtMs != out[j].LinkedAtMs {
			return out[i].LinkedAtMs < out[j].LinkedAtMs
		}
		return out[i].BindingID < out[j].BindingID
	})

	return out
}

// Close releases the underlying journal handle.
func (s *Store) Close() error {
	return s.journal.Close()
}
