package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/femtomc/mu/internal/fs"
	"github.com/femtomc/mu/internal/outbox"
)

type recordingSender struct {
	sent []outbox.Envelope
	fail bool
}

func (r *recordingSender) Send(ctx context.Context, env outbox.Envelope) error {
	if r.fail {
		return errBoom
	}
	r.sent = append(r.sent, env)
	return nil
}

var errBoom = errors.New("send failed")

func newTestStore(t *testing.T) *outbox.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	s, err := outbox.Open(fs.NewReal(), path, outbox.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWorkerDeliversDueRecord(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.Enqueue(outbox.EnqueueOptions{
		OutboxID:  "ob-1",
		DedupeKey: "dk-1",
		Envelope:  outbox.Envelope{Channel: "slack", ConversationID: "chan-1", Body: map[string]interface{}{"message": "hi"}},
		NowMs:     1000,
	})
	require.NoError(t, err)

	sender := &recordingSender{}
	worker := &Worker{
		Store:      store,
		Dispatcher: NewDispatcher(map[string]Sender{"slack": sender}),
		Logger:     zap.NewNop(),
		NowMs:      func() int64 { return 1000 },
	}

	require.True(t, worker.drainOne(context.Background()))
	require.Len(t, sender.sent, 1)

	rec, ok := store.Get("ob-1")
	require.True(t, ok)
	require.Equal(t, outbox.StateDelivered, rec.State)
}

func TestWorkerMarksFailedOnSendError(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.Enqueue(outbox.EnqueueOptions{
		OutboxID:  "ob-1",
		DedupeKey: "dk-1",
		Envelope:  outbox.Envelope{Channel: "slack", ConversationID: "chan-1"},
		NowMs:     1000,
	})
	require.NoError(t, err)

	sender := &recordingSender{fail: true}
	worker := &Worker{
		Store:      store,
		Dispatcher: NewDispatcher(map[string]Sender{"slack": sender}),
		Logger:     zap.NewNop(),
		NowMs:      func() int64 { return 1000 },
	}

	require.True(t, worker.drainOne(context.Background()))

	rec, ok := store.Get("ob-1")
	require.True(t, ok)
	require.Equal(t, outbox.StateRetried, rec.State)
}

func TestWorkerNoSenderForChannelIsReportedAsFailure(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.Enqueue(outbox.EnqueueOptions{
		OutboxID:  "ob-1",
		DedupeKey: "dk-1",
		Envelope:  outbox.Envelope{Channel: "discord", ConversationID: "chan-1"},
		NowMs:     1000,
	})
	require.NoError(t, err)

	worker := &Worker{
		Store:      store,
		Dispatcher: NewDispatcher(map[string]Sender{}),
		Logger:     zap.NewNop(),
		NowMs:      func() int64 { return 1000 },
	}

	require.True(t, worker.drainOne(context.Background()))

	rec, ok := store.Get("ob-1")
	require.True(t, ok)
	require.Equal(t, outbox.StateRetried, rec.State)
}

func TestWebhookSenderPostsJSONBody(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL + "/notify")
	err := sender.Send(context.Background(), outbox.Envelope{ConversationID: "chan-1", Body: map[string]interface{}{"message": "hi"}})
	require.NoError(t, err)
	require.Equal(t, "/notify", gotPath)
}

func TestWebhookSenderNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL)
	err := sender.Send(context.Background(), outbox.Envelope{})
	require.Error(t, err)
}
