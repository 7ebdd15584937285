// Package delivery implements the outbound half of the at-least-once
// Outbox: a per-channel Sender plus a Worker that polls Store.PullDue and
// reports delivery outcomes back via MarkDelivered/MarkFailed. Grounded on
// fairyhunter13-ai-cv-evaluator's poll-dispatch-report worker loop shape,
// generalized from a single queue consumer to a channel-routed dispatch.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/femtomc/mu/internal/outbox"
)

// Sender delivers one outbox envelope to its destination channel.
type Sender interface {
	Send(ctx context.Context, env outbox.Envelope) error
}

// SlackSender posts envelope bodies to a Slack conversation via a bot
// token, exercising slack-go/slack's outbound client where the adapter
// package only exercises its inbound signature verifier.
type SlackSender struct {
	Client *slack.Client
}

// NewSlackSender builds a SlackSender from a bot token.
func NewSlackSender(botToken string) *SlackSender {
	return &SlackSender{Client: slack.New(botToken)}
}

func (s *SlackSender) Send(ctx context.Context, env outbox.Envelope) error {
	_, _, err := s.Client.PostMessageContext(ctx, env.ConversationID, slack.MsgOptionText(renderBody(env.Body), false))
	return err
}

// WebhookSender POSTs the envelope body as JSON to a fixed webhook URL,
// the shape Discord and Telegram bot APIs both expect for a simple text
// notification.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender builds a WebhookSender posting to url with a bounded
// per-request timeout.
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (w *WebhookSender) Send(ctx context.Context, env outbox.Envelope) error {
	payload, err := json.Marshal(map[string]interface{}{
		"conversation_id": env.ConversationID,
		"text":            renderBody(env.Body),
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook delivery failed: status %d", resp.StatusCode)
	}
	return nil
}

func renderBody(body map[string]interface{}) string {
	if msg, ok := body["message"].(string); ok && msg != "" {
		return msg
	}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return string(data)
}

// Dispatcher routes an envelope to the Sender registered for its channel.
type Dispatcher struct {
	senders map[string]Sender
}

// NewDispatcher builds a Dispatcher from a channel -> Sender map.
func NewDispatcher(senders map[string]Sender) *Dispatcher {
	return &Dispatcher{senders: senders}
}

// ErrNoSenderForChannel is returned when no Sender is registered for an
// envelope's channel. The worker reports it through Store.MarkFailed like
// any other send error, so the record is retried on the backoff schedule
// and reaches dead_letter only after MaxAttempts failures; there is no
// immediate dead-letter path for it.
type ErrNoSenderForChannel struct {
	Channel string
}

func (e *ErrNoSenderForChannel) Error() string {
	return fmt.Sprintf("no delivery sender registered for channel %q", e.Channel)
}

func (d *Dispatcher) deliver(ctx context.Context, env outbox.Envelope) error {
	sender, ok := d.senders[env.Channel]
	if !ok {
		return &ErrNoSenderForChannel{Channel: env.Channel}
	}
	return sender.Send(ctx, env)
}

// Worker polls Store.PullDue and drives each due record through Dispatcher,
// reporting the outcome back to the Store so retries/dead-lettering follow
// the Store's own backoff policy.
type Worker struct {
	Store        *outbox.Store
	Dispatcher   *Dispatcher
	Logger       *zap.Logger
	PollInterval time.Duration
	NowMs        func() int64
}

func (w *Worker) pollInterval() time.Duration {
	if w.PollInterval > 0 {
		return w.PollInterval
	}
	return 500 * time.Millisecond
}

func (w *Worker) nowMs() int64 {
	if w.NowMs != nil {
		return w.NowMs()
	}
	return time.Now().UnixMilli()
}

// Run drains due work until ctx is cancelled, sleeping pollInterval between
// empty polls so an idle outbox does not spin.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval())
	defer ticker.Stop()

	for {
		for w.drainOne(ctx) {
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// drainOne pulls and delivers a single due record. It reports whether a
// record was found, so Run can keep draining without waiting on the ticker
// while work is available.
func (w *Worker) drainOne(ctx context.Context) bool {
	rec, err := w.Store.PullDue(w.nowMs())
	if err != nil {
		return false
	}

	if err := w.Dispatcher.deliver(ctx, rec.Envelope); err != nil {
		if w.Logger != nil {
			w.Logger.Warn("delivery attempt failed", zap.String("outbox_id", rec.OutboxID), zap.String("channel", rec.Envelope.Channel), zap.Error(err))
		}
		if _, markErr := w.Store.MarkFailed(rec.OutboxID, err.Error(), w.nowMs()); markErr != nil && w.Logger != nil {
			w.Logger.Error("delivery mark-failed error", zap.String("outbox_id", rec.OutboxID), zap.Error(markErr))
		}
		return true
	}

	if err := w.Store.MarkDelivered(rec.OutboxID, w.nowMs()); err != nil && w.Logger != nil {
		w.Logger.Error("delivery mark-delivered error", zap.String("outbox_id", rec.OutboxID), zap.Error(err))
	}
	return true
}
