// Package discord implements the Discord channel adapter. No client
// library in the retrieved pack covers Discord interactions, so this
// adapter talks to the webhook contract directly against encoding/json and
// net/http (a deliberate, documented stdlib exception, see DESIGN.md).
package discord

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/femtomc/mu/internal/adapter"
	"github.com/femtomc/mu/internal/idempotency"
)

// verifyEd25519 checks Discord's Ed25519 interaction signature: the raw
// body is verified against sig over the concatenation of the timestamp
// header and the body, per Discord's documented scheme. Discord does not
// use HMAC like Slack, so this does not route through
// adapter.VerifyHMACSHA256; it is the one channel-specific verification
// primitive this adapter owns directly.
func verifyEd25519(publicKeyHex, sigHex, timestamp string, body []byte) error {
	pubKeyBytes, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pubKeyBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid discord public key")
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid discord signature encoding")
	}
	if timestamp == "" {
		return fmt.Errorf("missing discord timestamp header")
	}

	message := append([]byte(timestamp), body...)
	if !ed25519.Verify(ed25519.PublicKey(pubKeyBytes), message, sig) {
		return fmt.Errorf("ed25519 signature mismatch")
	}
	return nil
}

// Config holds the Discord adapter's per-repo configuration.
type Config struct {
	PublicKeyHex string
	RepoRoot     string
}

// Adapter implements adapter.ChannelAdapter for Discord.
type Adapter struct {
	cfg Config
}

// New returns a Discord adapter for the given config.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

// interactionType mirrors Discord's InteractionType enum; only PING (1) and
// APPLICATION_COMMAND (2) / MESSAGE_COMPONENT (3) are relevant here.
type interactionType int

const (
	interactionPing               interactionType = 1
	interactionApplicationCommand interactionType = 2
	interactionMessageComponent   interactionType = 3
)

type interactionPayload struct {
	ID    string          `json:"id"`
	Type  interactionType `json:"type"`
	Data  interactionData `json:"data"`
	Member interactionMember `json:"member"`
	GuildID string        `json:"guild_id"`
}

type interactionData struct {
	Name       string                `json:"name"`
	Options    []interactionOption   `json:"options"`
	CustomID   string                `json:"custom_id"`
}

type interactionOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type interactionMember struct {
	User interactionUser `json:"user"`
}

type interactionUser struct {
	ID string `json:"id"`
}

// Spec describes the Discord route contract.
func (a *Adapter) Spec() adapter.Spec {
	return adapter.Spec{
		Channel:        adapter.ChannelDiscord,
		Route:          "/webhooks/discord",
		IngressPayload: adapter.PayloadJSON,
		Verification: adapter.Verification{
			Kind:            adapter.VerificationEd25519,
			SignatureHeader: "X-Signature-Ed25519",
			TimestampHeader: "X-Signature-Timestamp",
		},
		AckFormat:         "interaction_response",
		DeliverySemantics: "at_least_once",
		DeferredDelivery:  true,
	}
}

// Ingest verifies (via Ed25519, see [verifyEd25519]), parses, and
// normalizes a Discord interaction into an IngressResult.
func (a *Adapter) Ingest(r *http.Request) (adapter.IngressResult, error) {
	if err := adapter.RequireMethod(r, http.MethodPost); err != nil {
		return a.reject("method_not_allowed", err)
	}

	rawBody, err := adapter.ReadBody(r)
	if err != nil {
		return a.reject("invalid_body", err)
	}

	if err := verifyEd25519(a.cfg.PublicKeyHex, r.Header.Get("X-Signature-Ed25519"), r.Header.Get("X-Signature-Timestamp"), rawBody); err != nil {
		return a.reject("invalid_discord_signature", err)
	}

	var payload interactionPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return a.reject("invalid_json", err)
	}

	if payload.Type == interactionPing {
		return adapter.IngressResult{
			Channel:      adapter.ChannelDiscord,
			Accepted:     true,
			StatusCode:   http.StatusOK,
			ResponseBody: []byte(`{"type":1}`),
		}, nil
	}

	commandText, ok := commandTextFor(payload)
	if !ok {
		return adapter.IngressResult{
			Channel:      adapter.ChannelDiscord,
			Accepted:     true,
			Reason:       "unsupported_discord_event",
			StatusCode:   http.StatusOK,
			ResponseBody: ackBody("unsupported event"),
		}, nil
	}

	idemKey := "discord-idem-" + payload.ID
	fingerprint := idempotency.Fingerprint("discord", commandText)

	env := &adapter.InboundEnvelope{
		Version:        1,
		ReceivedAtMs:   adapter.Now() * 1000,
		RequestID:      payload.ID,
		Channel:        adapter.ChannelDiscord,
		TenantID:       payload.GuildID,
		ActorID:        payload.Member.User.ID,
		RepoRoot:       a.cfg.RepoRoot,
		CommandText:    commandText,
		IdempotencyKey: idemKey,
		Fingerprint:    fingerprint,
	}

	return adapter.IngressResult{
		Channel:      adapter.ChannelDiscord,
		Accepted:     true,
		StatusCode:   http.StatusOK,
		ResponseBody: ackBody("OK mu"),
		Inbound:      env,
	}, nil
}

func commandTextFor(p interactionPayload) (string, bool) {
	switch p.Type {
	case interactionApplicationCommand:
		text := "/" + p.Data.Name
		for _, opt := range p.Data.Options {
			text += " " + opt.Value
		}
		return text, true

	case interactionMessageComponent:
		switch {
		case strings.HasPrefix(p.Data.CustomID, "confirm:"):
			return "/mu confirm " + strings.TrimPrefix(p.Data.CustomID, "confirm:"), true
		case strings.HasPrefix(p.Data.CustomID, "cancel:"):
			return "/mu cancel " + strings.TrimPrefix(p.Data.CustomID, "cancel:"), true
		}
	}
	return "", false
}

func (a *Adapter) reject(reason string, cause error) (adapter.IngressResult, error) {
	return adapter.IngressResult{
		Channel:    adapter.ChannelDiscord,
		Accepted:   false,
		Reason:     reason,
		StatusCode: http.StatusUnauthorized,
	}, fmt.Errorf("%s: %w", reason, cause)
}

func ackBody(content string) []byte {
	return []byte(fmt.Sprintf(`{"type":4,"data":{"content":%q,"flags":64}}`, content))
}
