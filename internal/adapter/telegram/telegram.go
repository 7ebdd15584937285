// Package telegram implements the Telegram channel adapter: bot webhook
// updates verified via the shared-secret header Telegram sets when a
// webhook is registered with a secret_token (no HMAC signing exists on
// this channel, per §4.5).
package telegram

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/femtomc/mu/internal/adapter"
	"github.com/femtomc/mu/internal/idempotency"
)

// Config holds the Telegram adapter's per-repo configuration.
type Config struct {
	SecretToken string
	BotName     string
	RepoRoot    string
}

// Adapter implements adapter.ChannelAdapter for Telegram.
type Adapter struct {
	cfg Config
}

// New returns a Telegram adapter for the given config.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *message       `json:"message"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type message struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      chat   `json:"chat"`
	From      user   `json:"from"`
}

type callbackQuery struct {
	ID      string  `json:"id"`
	Data    string  `json:"data"`
	From    user    `json:"from"`
	Message message `json:"message"`
}

type chat struct {
	ID int64 `json:"id"`
}

type user struct {
	ID int64 `json:"id"`
}

// Spec describes the Telegram route contract.
func (a *Adapter) Spec() adapter.Spec {
	return adapter.Spec{
		Channel:        adapter.ChannelTelegram,
		Route:          "/webhooks/telegram",
		IngressPayload: adapter.PayloadJSON,
		Verification: adapter.Verification{
			Kind:         adapter.VerificationSharedSecretHeader,
			Secret:       a.cfg.SecretToken,
			SecretHeader: "X-Telegram-Bot-Api-Secret-Token",
		},
		AckFormat:         "send_message_result",
		DeliverySemantics: "at_least_once",
		DeferredDelivery:  true,
	}
}

// Ingest verifies, parses, and normalizes a Telegram update into an
// IngressResult. Text that doesn't start with "/mu" (optionally with the
// bot's @name suffix) falls through as an operator_response candidate
// rather than an unsupported-command rejection, per §4.5 step 1's
// conversational fallback.
func (a *Adapter) Ingest(r *http.Request) (adapter.IngressResult, error) {
	if err := adapter.RequireMethod(r, http.MethodPost); err != nil {
		return a.reject("method_not_allowed", err)
	}

	rawBody, err := adapter.ReadBody(r)
	if err != nil {
		return a.reject("invalid_body", err)
	}

	if err := adapter.VerifySharedSecretHeader(a.Spec().Verification, r.Header); err != nil {
		return a.reject("invalid_telegram_secret_token", err)
	}

	var u update
	if err := json.Unmarshal(rawBody, &u); err != nil {
		return a.reject("invalid_json", err)
	}

	switch {
	case u.CallbackQuery != nil:
		return a.ingestCallback(u)
	case u.Message != nil:
		return a.ingestMessage(u)
	default:
		return adapter.IngressResult{
			Channel:      adapter.ChannelTelegram,
			Accepted:     true,
			Reason:       "unsupported_telegram_update",
			StatusCode:   http.StatusOK,
			ResponseBody: ackBody("ignored"),
		}, nil
	}
}

func (a *Adapter) ingestMessage(u update) (adapter.IngressResult, error) {
	msg := u.Message
	text := strings.TrimSpace(msg.Text)

	commandText, isCommand := normalizeCommand(text, a.cfg.BotName)
	if !isCommand {
		// Conversational fallback: route to the operator backend instead of
		// treating as an unrecognized command.
		commandText = "operator_response " + text
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	userID := strconv.FormatInt(msg.From.ID, 10)
	idemKey := fmt.Sprintf("telegram-idem-%d", u.UpdateID)
	fingerprint := idempotency.Fingerprint("telegram", commandText)

	env := &adapter.InboundEnvelope{
		Version:        1,
		ReceivedAtMs:   adapter.Now() * 1000,
		RequestID:      strconv.FormatInt(u.UpdateID, 10),
		Channel:        adapter.ChannelTelegram,
		TenantID:       chatID,
		ConversationID: chatID,
		ActorID:        userID,
		RepoRoot:       a.cfg.RepoRoot,
		CommandText:    commandText,
		IdempotencyKey: idemKey,
		Fingerprint:    fingerprint,
	}

	return adapter.IngressResult{
		Channel:      adapter.ChannelTelegram,
		Accepted:     true,
		StatusCode:   http.StatusOK,
		ResponseBody: ackBody("OK mu"),
		Inbound:      env,
	}, nil
}

func (a *Adapter) ingestCallback(u update) (adapter.IngressResult, error) {
	cq := u.CallbackQuery
	data := strings.TrimSpace(cq.Data)

	var commandText string
	switch {
	case strings.HasPrefix(data, "confirm:"):
		commandText = "/mu confirm " + strings.TrimPrefix(data, "confirm:")
	case strings.HasPrefix(data, "cancel:"):
		commandText = "/mu cancel " + strings.TrimPrefix(data, "cancel:")
	default:
		commandText = "/mu " + data
	}

	chatID := strconv.FormatInt(cq.Message.Chat.ID, 10)
	userID := strconv.FormatInt(cq.From.ID, 10)
	idemKey := "telegram-idem-cb-" + cq.ID
	fingerprint := idempotency.Fingerprint("telegram", commandText)

	env := &adapter.InboundEnvelope{
		Version:        1,
		ReceivedAtMs:   adapter.Now() * 1000,
		RequestID:      cq.ID,
		Channel:        adapter.ChannelTelegram,
		TenantID:       chatID,
		ConversationID: chatID,
		ActorID:        userID,
		RepoRoot:       a.cfg.RepoRoot,
		CommandText:    commandText,
		IdempotencyKey: idemKey,
		Fingerprint:    fingerprint,
	}

	return adapter.IngressResult{
		Channel:      adapter.ChannelTelegram,
		Accepted:     true,
		StatusCode:   http.StatusOK,
		ResponseBody: ackBody("update queued via outbox"),
		Inbound:      env,
	}, nil
}

// normalizeCommand recognizes "/mu ..." and "/mu@botname ..." prefixes,
// stripping the bot-name suffix group chats append.
func normalizeCommand(text, botName string) (string, bool) {
	if !strings.HasPrefix(text, "/mu") {
		return "", false
	}

	rest := strings.TrimPrefix(text, "/mu")
	if strings.HasPrefix(rest, "@") {
		parts := strings.SplitN(rest[1:], " ", 2)
		if !strings.EqualFold(parts[0], botName) {
			return "", false
		}
		rest = ""
		if len(parts) == 2 {
			rest = " " + parts[1]
		}
	}

	return "/mu" + rest, true
}

func (a *Adapter) reject(reason string, cause error) (adapter.IngressResult, error) {
	return adapter.IngressResult{
		Channel:    adapter.ChannelTelegram,
		Accepted:   false,
		Reason:     reason,
		StatusCode: http.StatusUnauthorized,
	}, fmt.Errorf("%s: %w", reason, cause)
}

func ackBody(text string) []byte {
	return []byte(fmt.Sprintf(`{"ok":true,"result":%q}`, text))
}
