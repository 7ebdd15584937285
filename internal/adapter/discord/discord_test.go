package discord

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func signedDiscordRequest(t *testing.T, priv ed25519.PrivateKey, body []byte, ts string) *http.Request {
	t.Helper()

	message := append([]byte(ts), body...)
	sig := ed25519.Sign(priv, message)

	r := httptest.NewRequest(http.MethodPost, "/webhooks/discord", strings.NewReader(string(body)))
	r.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	r.Header.Set("X-Signature-Timestamp", ts)
	return r
}

func newKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub, priv
}

func TestIngestPing(t *testing.T) {
	pub, priv := newKeyPair(t)
	a := New(Config{PublicKeyHex: hex.EncodeToString(pub), RepoRoot: "/repo"})

	body, err := json.Marshal(interactionPayload{Type: interactionPing})
	require.NoError(t, err)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	r := signedDiscordRequest(t, priv, body, ts)

	result, err := a.Ingest(r)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.Contains(t, string(result.ResponseBody), `"type":1`)
	require.Nil(t, result.Inbound)
}

func TestIngestApplicationCommand(t *testing.T) {
	pub, priv := newKeyPair(t)
	a := New(Config{PublicKeyHex: hex.EncodeToString(pub), RepoRoot: "/repo"})

	body, err := json.Marshal(interactionPayload{
		ID:      "int-1",
		Type:    interactionApplicationCommand,
		GuildID: "guild-1",
		Data: interactionData{
			Name:    "mu",
			Options: []interactionOption{{Name: "args", Value: "status"}},
		},
		Member: interactionMember{User: interactionUser{ID: "user-1"}},
	})
	require.NoError(t, err)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	r := signedDiscordRequest(t, priv, body, ts)

	result, err := a.Ingest(r)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.NotNil(t, result.Inbound)
	require.Equal(t, "/mu status", result.Inbound.CommandText)
	require.True(t, strings.HasPrefix(result.Inbound.IdempotencyKey, "discord-idem-"))
}

func TestIngestRejectsBadSignature(t *testing.T) {
	pub, _ := newKeyPair(t)
	a := New(Config{PublicKeyHex: hex.EncodeToString(pub), RepoRoot: "/repo"})

	body, _ := json.Marshal(interactionPayload{Type: interactionPing})
	r := httptest.NewRequest(http.MethodPost, "/webhooks/discord", strings.NewReader(string(body)))
	r.Header.Set("X-Signature-Ed25519", hex.EncodeToString(make([]byte, 64)))
	r.Header.Set("X-Signature-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))

	result, err := a.Ingest(r)
	require.Error(t, err)
	require.False(t, result.Accepted)
	require.Equal(t, "invalid_discord_signature", result.Reason)
}

func TestIngestMessageComponentConfirm(t *testing.T) {
	pub, priv := newKeyPair(t)
	a := New(Config{PublicKeyHex: hex.EncodeToString(pub), RepoRoot: "/repo"})

	body, err := json.Marshal(interactionPayload{
		ID:   "int-2",
		Type: interactionMessageComponent,
		Data: interactionData{CustomID: "confirm:cmd-9"},
	})
	require.NoError(t, err)

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	r := signedDiscordRequest(t, priv, body, ts)

	result, err := a.Ingest(r)
	require.NoError(t, err)
	require.NotNil(t, result.Inbound)
	require.Equal(t, "/mu confirm cmd-9", result.Inbound.CommandText)
}
