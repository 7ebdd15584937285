package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/femtomc/mu/internal/fs"
	"github.com/femtomc/mu/internal/paths"
)

// ErrDaemonNotRunning is returned when no server.json discovery file is
// present for the repo, meaning mu-controlplaned has not been started (or
// was not shut down cleanly and its stale file was already removed).
var ErrDaemonNotRunning = errors.New("mu-controlplaned is not running for this repo (no server.json found)")

// Client talks to a running mu-controlplaned over its discovered loopback
// HTTP listener, the same ingress/control-plane routes every other channel
// adapter uses.
type Client struct {
	BaseURL      string
	SharedSecret string
	HTTP         *http.Client
}

// DiscoverClient reads server.json under repoRoot to find the running
// daemon's URL. Returns ErrDaemonNotRunning if no discovery file exists.
func DiscoverClient(repoRoot, sharedSecret string) (*Client, error) {
	p := paths.New(repoRoot)
	info, err := paths.ReadServerInfo(fs.NewReal(), p)
	if err != nil {
		return nil, fmt.Errorf("reading server info: %w", err)
	}
	if info == nil {
		return nil, ErrDaemonNotRunning
	}

	return &Client{
		BaseURL:      info.URL,
		SharedSecret: sharedSecret,
		HTTP:         &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody interface{}, respBody interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.SharedSecret != "" {
		req.Header.Set("X-Mu-Server-Token", c.SharedSecret)
	}

	return c.do(req, respBody)
}

func (c *Client) get(ctx context.Context, path string, respBody interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.SharedSecret != "" {
		req.Header.Set("X-Mu-Server-Token", c.SharedSecret)
	}

	return c.do(req, respBody)
}

func (c *Client) do(req *http.Request, respBody interface{}) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("calling mu-controlplaned: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		var envelope struct {
			Error    string   `json:"error"`
			Recovery []string `json:"recovery"`
		}
		if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil && envelope.Error != "" {
			if len(envelope.Recovery) > 0 {
				return fmt.Errorf("%s (status %d): %v", envelope.Error, resp.StatusCode, envelope.Recovery)
			}
			return fmt.Errorf("%s (status %d)", envelope.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed: status %d: %s", resp.StatusCode, string(data))
	}

	if respBody == nil {
		return nil
	}
	return json.Unmarshal(data, respBody)
}

// submitRequest mirrors the terminal adapter's expected JSON body.
type submitRequest struct {
	RequestID   string `json:"request_id"`
	ActorID     string `json:"actor_id"`
	CommandText string `json:"command_text"`
	WorkingDir  string `json:"working_dir"`
}

// Submit posts a command line to the terminal ingress route and returns the
// raw ack body the adapter wrote back.
func (c *Client) Submit(ctx context.Context, requestID, actorID, commandText, workingDir string) (map[string]interface{}, error) {
	var resp map[string]interface{}
	err := c.post(ctx, "/api/commands/submit", submitRequest{
		RequestID:   requestID,
		ActorID:     actorID,
		CommandText: commandText,
		WorkingDir:  workingDir,
	}, &resp)
	return resp, err
}

// Reload triggers a generation reload with the given human-readable reason.
func (c *Client) Reload(ctx context.Context, reason string) (map[string]interface{}, error) {
	var resp map[string]interface{}
	err := c.post(ctx, "/api/control-plane/reload", map[string]string{"reason": reason}, &resp)
	return resp, err
}

// Channels lists the channel adapters mounted in the active generation.
func (c *Client) Channels(ctx context.Context) (map[string]interface{}, error) {
	var resp map[string]interface{}
	err := c.get(ctx, "/api/control-plane/channels", &resp)
	return resp, err
}

// LinkIdentity creates a cross-channel identity binding.
func (c *Client) LinkIdentity(ctx context.Context, bindingID, operatorID, channel, channelTenantID, channelActorID string, scopes []string) (map[string]interface{}, error) {
	var resp map[string]interface{}
	err := c.post(ctx, "/api/control-plane/identities/link", map[string]interface{}{
		"binding_id":        bindingID,
		"operator_id":       operatorID,
		"channel":           channel,
		"channel_tenant_id": channelTenantID,
		"channel_actor_id":  channelActorID,
		"scopes":            scopes,
	}, &resp)
	return resp, err
}

// Healthz reports the daemon's active generation and liveness.
func (c *Client) Healthz(ctx context.Context) (map[string]interface{}, error) {
	var resp map[string]interface{}
	err := c.get(ctx, "/healthz", &resp)
	return resp, err
}
