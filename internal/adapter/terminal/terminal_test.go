package terminal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testToken = "server-token"

func terminalRequest(t *testing.T, body []byte, token string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/commands/submit", strings.NewReader(string(body)))
	r.Header.Set("X-Mu-Server-Token", token)
	return r
}

func TestIngestSubmitHappyPath(t *testing.T) {
	a := New(Config{SharedSecret: testToken, RepoRoot: "/repo"})

	body, err := json.Marshal(submitRequest{
		RequestID:   "req-1",
		ActorID:     "local-user",
		CommandText: "/mu status",
		WorkingDir:  "/repo/sub",
	})
	require.NoError(t, err)

	r := terminalRequest(t, body, testToken)
	result, err := a.Ingest(r)
	require.NoError(t, err)
	require.True(t, result.Accepted)
	require.NotNil(t, result.Inbound)
	require.Equal(t, "/mu status", result.Inbound.CommandText)
	require.Equal(t, "terminal-idem-req-1", result.Inbound.IdempotencyKey)
	require.Equal(t, "/repo/sub", result.Inbound.Metadata["working_dir"])
}

func TestIngestRejectsWrongToken(t *testing.T) {
	a := New(Config{SharedSecret: testToken, RepoRoot: "/repo"})

	body, _ := json.Marshal(submitRequest{RequestID: "req-2", CommandText: "/mu status"})
	r := terminalRequest(t, body, "wrong-token")

	result, err := a.Ingest(r)
	require.Error(t, err)
	require.False(t, result.Accepted)
	require.Equal(t, "invalid_terminal_token", result.Reason)
}

func TestIngestRejectsEmptyCommandText(t *testing.T) {
	a := New(Config{SharedSecret: testToken, RepoRoot: "/repo"})

	body, _ := json.Marshal(submitRequest{RequestID: "req-3"})
	r := terminalRequest(t, body, testToken)

	result, err := a.Ingest(r)
	require.Error(t, err)
	require.Equal(t, "empty_command_text", result.Reason)
}
