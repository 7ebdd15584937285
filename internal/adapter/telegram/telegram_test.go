package telegram

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSecretToken = "tg-secret"

func telegramRequest(t *testing.T, body []byte, secret string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", strings.NewReader(string(body)))
	r.Header.Set("X-Telegram-Bot-Api-Secret-Token", secret)
	return r
}

func TestIngestSlashCommand(t *testing.T) {
	a := New(Config{SecretToken: testSecretToken, BotName: "mu_bot", RepoRoot: "/repo"})

	body, err := json.Marshal(update{
		UpdateID: 100,
		Message: &message{
			MessageID: 1,
			Text:      "/mu status",
			Chat:      chat{ID: 555},
			From:      user{ID: 777},
		},
	})
	require.NoError(t, err)

	r := telegramRequest(t, body, testSecretToken)
	result, err := a.Ingest(r)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.NotNil(t, result.Inbound)
	require.Equal(t, "/mu status", result.Inbound.CommandText)
	require.Equal(t, "telegram-idem-100", result.Inbound.IdempotencyKey)
}

func TestIngestSlashCommandWithBotNameSuffix(t *testing.T) {
	a := New(Config{SecretToken: testSecretToken, BotName: "mu_bot", RepoRoot: "/repo"})

	body, _ := json.Marshal(update{
		UpdateID: 101,
		Message: &message{
			Text: "/mu@mu_bot status",
			Chat: chat{ID: 555},
			From: user{ID: 777},
		},
	})

	r := telegramRequest(t, body, testSecretToken)
	result, err := a.Ingest(r)
	require.NoError(t, err)
	require.NotNil(t, result.Inbound)
	require.Equal(t, "/mu status", result.Inbound.CommandText)
}

func TestIngestConversationalFallback(t *testing.T) {
	a := New(Config{SecretToken: testSecretToken, BotName: "mu_bot", RepoRoot: "/repo"})

	body, _ := json.Marshal(update{
		UpdateID: 102,
		Message: &message{
			Text: "what's the status of the release?",
			Chat: chat{ID: 555},
			From: user{ID: 777},
		},
	})

	r := telegramRequest(t, body, testSecretToken)
	result, err := a.Ingest(r)
	require.NoError(t, err)
	require.NotNil(t, result.Inbound)
	require.True(t, strings.HasPrefix(result.Inbound.CommandText, "operator_response "))
}

func TestIngestRejectsWrongSecretToken(t *testing.T) {
	a := New(Config{SecretToken: testSecretToken, BotName: "mu_bot", RepoRoot: "/repo"})

	body, _ := json.Marshal(update{UpdateID: 103, Message: &message{Text: "/mu status", Chat: chat{ID: 1}, From: user{ID: 1}}})
	r := telegramRequest(t, body, "wrong-secret")

	result, err := a.Ingest(r)
	require.Error(t, err)
	require.False(t, result.Accepted)
	require.Equal(t, "invalid_telegram_secret_token", result.Reason)
}

func TestIngestCallbackQueryConfirm(t *testing.T) {
	a := New(Config{SecretToken: testSecretToken, BotName: "mu_bot", RepoRoot: "/repo"})

	body, _ := json.Marshal(update{
		UpdateID: 104,
		CallbackQuery: &callbackQuery{
			ID:      "cb-1",
			Data:    "confirm:cmd-5",
			From:    user{ID: 42},
			Message: message{Chat: chat{ID: 555}},
		},
	})

	r := telegramRequest(t, body, testSecretToken)
	result, err := a.Ingest(r)
	require.NoError(t, err)
	require.NotNil(t, result.Inbound)
	require.Equal(t, "/mu confirm cmd-5", result.Inbound.CommandText)
	require.Equal(t, "telegram-idem-cb-cb-1", result.Inbound.IdempotencyKey)
}
