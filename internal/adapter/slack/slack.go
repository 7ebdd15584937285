// Package slack implements the Slack channel adapter: slash-command and
// interaction-callback ingress, verified with slack-go/slack's
// NewSecretsVerifier (the v0:timestamp:body construction from §4.4).
package slack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/slack-go/slack"

	"github.com/femtomc/mu/internal/adapter"
	"github.com/femtomc/mu/internal/idempotency"
)

// checkTimestampSkew rejects requests whose X-Slack-Request-Timestamp falls
// outside maxSkewSec of now, guarding against replayed signed payloads.
func checkTimestampSkew(tsHeader string, maxSkewSec int) error {
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid or missing timestamp header: %w", err)
	}
	skew := adapter.Now() - ts
	if skew < 0 {
		skew = -skew
	}
	if int(skew) > maxSkewSec {
		return fmt.Errorf("timestamp %ds outside %ds window", skew, maxSkewSec)
	}
	return nil
}

type formValues = url.Values

func parseForm(rawBody []byte) (formValues, error) {
	return url.ParseQuery(string(rawBody))
}

// Config holds the Slack adapter's per-repo configuration.
type Config struct {
	SigningSecret string
	BotName       string
	RepoRoot      string
}

// Adapter implements adapter.ChannelAdapter for Slack.
type Adapter struct {
	cfg Config
}

// New returns a Slack adapter for the given config.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

// Spec describes the Slack route contract.
func (a *Adapter) Spec() adapter.Spec {
	return adapter.Spec{
		Channel:        adapter.ChannelSlack,
		Route:          "/webhooks/slack",
		IngressPayload: adapter.PayloadFormURLEncoded,
		Verification: adapter.Verification{
			Kind:            adapter.VerificationHMACSHA256,
			Secret:          a.cfg.SigningSecret,
			SignatureHeader: "X-Slack-Signature",
			TimestampHeader: "X-Slack-Request-Timestamp",
			SignaturePrefix: "v0",
			MaxClockSkewSec: 300,
		},
		AckFormat:         "response_type_text",
		DeliverySemantics: "at_least_once",
		DeferredDelivery:  true,
	}
}

// Ingest verifies, parses, and normalizes a Slack request into an
// IngressResult.
func (a *Adapter) Ingest(r *http.Request) (adapter.IngressResult, error) {
	if err := adapter.RequireMethod(r, http.MethodPost); err != nil {
		return a.reject("method_not_allowed", err)
	}

	rawBody, err := adapter.ReadBody(r)
	if err != nil {
		return a.reject("invalid_body", err)
	}

	// slack-go's SecretsVerifier only checks the HMAC; it does not enforce
	// timestamp freshness, so the replay window is our own responsibility.
	if err := checkTimestampSkew(r.Header.Get("X-Slack-Request-Timestamp"), a.Spec().Verification.MaxClockSkewSec); err != nil {
		return a.reject("stale_slack_timestamp", err)
	}

	verifier, err := slack.NewSecretsVerifier(r.Header, a.cfg.SigningSecret)
	if err != nil {
		return a.reject("invalid_slack_signature", err)
	}
	if _, err := verifier.Write(rawBody); err != nil {
		return a.reject("invalid_slack_signature", err)
	}
	if err := verifier.Ensure(); err != nil {
		return a.reject("invalid_slack_signature", err)
	}

	form, err := parseForm(rawBody)
	if err != nil {
		return a.reject("invalid_payload", err)
	}

	if actionCallback := form.Get("payload"); actionCallback != "" {
		return a.ingestInteraction(actionCallback)
	}

	return a.ingestSlashCommand(form)
}

func (a *Adapter) ingestSlashCommand(form formValues) (adapter.IngressResult, error) {
	teamID := form.Get("team_id")
	channelID := form.Get("channel_id")
	userID := form.Get("user_id")
	command := form.Get("command")
	text := form.Get("text")
	triggerID := form.Get("trigger_id")

	if command != "/mu" {
		return adapter.IngressResult{
			Channel:      adapter.ChannelSlack,
			Accepted:     true,
			Reason:       "unsupported_slack_command",
			StatusCode:   http.StatusOK,
			ResponseBody: ackBody("unsupported command"),
		}, nil
	}

	commandText := "/mu " + text

	idemSource := fmt.Sprintf("%s:%s:%s:%s:%s", teamID, channelID, userID, triggerID, text)
	idemKey := "slack-idem-" + hashHex(idemSource)
	fingerprint := idempotency.Fingerprint("slack", commandText)

	env := &adapter.InboundEnvelope{
		Version:        1,
		ReceivedAtMs:   adapter.Now() * 1000,
		RequestID:      triggerID,
		Channel:        adapter.ChannelSlack,
		TenantID:       teamID,
		ConversationID: channelID,
		ActorID:        userID,
		RepoRoot:       a.cfg.RepoRoot,
		CommandText:    commandText,
		IdempotencyKey: idemKey,
		Fingerprint:    fingerprint,
	}

	return adapter.IngressResult{
		Channel:      adapter.ChannelSlack,
		Accepted:     true,
		StatusCode:   http.StatusOK,
		ResponseBody: ackBody("OK mu"),
		Inbound:      env,
	}, nil
}

func (a *Adapter) ingestInteraction(rawPayload string) (adapter.IngressResult, error) {
	// Button callbacks map confirm:<id>/cancel:<id> to "/mu confirm
	// <id>"/"/mu cancel <id>" per §4.4.
	actionValue := extractActionValue(rawPayload)
	if actionValue == "" {
		return adapter.IngressResult{
			Channel:      adapter.ChannelSlack,
			Accepted:     true,
			Reason:       "unsupported_slack_event",
			StatusCode:   http.StatusOK,
			ResponseBody: ackBody("unsupported event"),
		}, nil
	}

	var commandText string
	switch {
	case strings.HasPrefix(actionValue, "confirm:"):
		commandText = "/mu confirm " + strings.TrimPrefix(actionValue, "confirm:")
	case strings.HasPrefix(actionValue, "cancel:"):
		commandText = "/mu cancel " + strings.TrimPrefix(actionValue, "cancel:")
	default:
		commandText = "/mu " + actionValue
	}

	fingerprint := idempotency.Fingerprint("slack", commandText)
	idemKey := "slack-idem-" + hashHex(actionValue)

	env := &adapter.InboundEnvelope{
		Version:        1,
		ReceivedAtMs:   adapter.Now() * 1000,
		Channel:        adapter.ChannelSlack,
		RepoRoot:       a.cfg.RepoRoot,
		CommandText:    commandText,
		IdempotencyKey: idemKey,
		Fingerprint:    fingerprint,
	}

	return adapter.IngressResult{
		Channel:      adapter.ChannelSlack,
		Accepted:     true,
		StatusCode:   http.StatusOK,
		ResponseBody: ackBody("update queued via outbox"),
		Inbound:      env,
	}, nil
}

func (a *Adapter) reject(reason string, cause error) (adapter.IngressResult, error) {
	return adapter.IngressResult{
		Channel:    adapter.ChannelSlack,
		Accepted:   false,
		Reason:     reason,
		StatusCode: http.StatusUnauthorized,
	}, fmt.Errorf("%s: %w", reason, cause)
}

func ackBody(text string) []byte {
	return []byte(fmt.Sprintf(`{"response_type":"ephemeral","text":%q}`, text))
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:32]
}

// extractActionValue unmarshals the raw interaction payload into
// slack-go/slack's InteractionCallback and returns the first block action's
// value, which carries the confirm:<id>/cancel:<id> callback contract this
// adapter cares about.
func extractActionValue(raw string) string {
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(raw), &cb); err != nil {
		return ""
	}
	if len(cb.ActionCallback.BlockActions) == 0 {
		return ""
	}
	return cb.ActionCallback.BlockActions[0].Value
}
