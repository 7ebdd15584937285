// Package config loads mu's two configuration surfaces: the per-repo
// control-plane policy (policy.json — command-to-scope map and
// confirmation-required list) and the operator config (.mu.json /
// ~/.config/mu/config.json), following the same
// defaults -> global -> project -> explicit -> CLI-override precedence
// chain as internal/ticket/config.go, parsed as JSONC via
// github.com/tailscale/hujson.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrBotNameEmpty       = errors.New("telegram bot_name cannot be empty")
)

// CommandPolicy describes one command kind's access rules.
type CommandPolicy struct {
	Scope                string `json:"scope"`
	RequiresConfirmation bool   `json:"requires_confirmation,omitempty"`
}

// Policy is the contents of policy.json: the command_kind -> required
// scope map plus the confirmation-required list (folded into each
// CommandPolicy's RequiresConfirmation flag) and the shared confirmation
// TTL.
type Policy struct {
	Commands            map[string]CommandPolicy `json:"commands"`
	ConfirmTTLMs         int64                    `json:"confirm_ttl_ms"`
	IdempotencyTTLHours  int                       `json:"idempotency_ttl_hours"`
}

// DefaultPolicy returns the built-in command/scope policy, covering every
// command kind named in the pipeline's execution-dispatch step.
func DefaultPolicy() Policy {
	return Policy{
		ConfirmTTLMs:        5 * 60 * 1000,
		IdempotencyTTLHours: 72,
		Commands: map[string]CommandPolicy{
			"ready":    {Scope: "issue:read"},
			"get":      {Scope: "issue:read"},
			"validate": {Scope: "issue:read"},
			"status":   {Scope: "issue:read"},
			"create":   {Scope: "issue:write", RequiresConfirmation: true},
			"update":   {Scope: "issue:write"},
			"claim":    {Scope: "issue:write"},
			"close":    {Scope: "issue:write", RequiresConfirmation: true},
			"dep":      {Scope: "issue:write"},
			"undep":    {Scope: "issue:write"},
			"confirm":  {Scope: "issue:write"},
			"cancel":   {Scope: "issue:write"},
		},
	}
}

// RequiredScope returns the scope required for a command kind, and
// whether the kind is known to the policy at all.
func (p Policy) RequiredScope(kind string) (string, bool) {
	cmd, ok := p.Commands[kind]
	if !ok {
		return "", false
	}
	return cmd.Scope, true
}

// RequiresConfirmation reports whether kind must pass through
// awaiting_confirmation before execution.
func (p Policy) RequiresConfirmation(kind string) bool {
	cmd, ok := p.Commands[kind]
	return ok && cmd.RequiresConfirmation
}

// ConfirmTTL returns the confirmation window as a time.Duration.
func (p Policy) ConfirmTTL() time.Duration {
	return time.Duration(p.ConfirmTTLMs) * time.Millisecond
}

// LoadPolicy reads policy.json at path. A missing file yields the
// built-in defaults; a present-but-malformed file is an error.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return Policy{}, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Policy{}, fmt.Errorf("%w %s: invalid JSONC: %w", ErrConfigInvalid, path, err)
	}

	policy := DefaultPolicy()
	if err := json.Unmarshal(standardized, &policy); err != nil {
		return Policy{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return policy, nil
}

// OperatorConfig is the operator-facing config, analogous to the
// teacher's ticket.Config but scoped to mu's channel credentials and
// daemon settings instead of a ticket directory.
type OperatorConfig struct {
	SlackSigningSecret  string `json:"slack_signing_secret,omitempty"`
	SlackBotToken       string `json:"slack_bot_token,omitempty"`
	DiscordPublicKeyHex string `json:"discord_public_key_hex,omitempty"`
	DiscordWebhookURL   string `json:"discord_webhook_url,omitempty"`
	TelegramSecretToken string `json:"telegram_secret_token,omitempty"`
	TelegramBotName     string `json:"telegram_bot_name,omitempty"`
	TelegramWebhookURL  string `json:"telegram_webhook_url,omitempty"`
	TerminalSharedSecret string `json:"terminal_shared_secret,omitempty"`
	ListenAddr          string `json:"listen_addr,omitempty"`

	// Resolved, not serialized.
	EffectiveCwd string `json:"-"`
	Sources      ConfigSources `json:"-"`
}

// ConfigSources records which files contributed to the merged config.
type ConfigSources struct {
	Global  string
	Project string
}

// DefaultOperatorConfig returns the built-in operator config defaults.
func DefaultOperatorConfig() OperatorConfig {
	return OperatorConfig{
		ListenAddr:      "127.0.0.1:4646",
		TelegramBotName: "mu_bot",
	}
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".mu.json"

// LoadInput holds the inputs for LoadOperatorConfig.
type LoadInput struct {
	WorkDirOverride string
	ConfigPath      string
	Env             map[string]string
}

// LoadOperatorConfig loads the operator config with the precedence chain
// defaults -> global -> project/explicit -> CLI overrides (the last
// applied by the caller after this returns, mirroring the teacher's
// LoadConfig split between file merge and CLI-flag overlay).
func LoadOperatorConfig(input LoadInput) (OperatorConfig, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return OperatorConfig{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := DefaultOperatorConfig()

	globalCfg, globalPath, err := loadGlobalOperatorConfig(input.Env)
	if err != nil {
		return OperatorConfig{}, err
	}
	cfg.Sources.Global = globalPath
	cfg = mergeOperatorConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectOperatorConfig(workDir, input.ConfigPath)
	if err != nil {
		return OperatorConfig{}, err
	}
	cfg.Sources.Project = projectPath
	cfg = mergeOperatorConfig(cfg, projectCfg)

	if err := validateOperatorConfig(cfg); err != nil {
		return OperatorConfig{}, err
	}

	cfg.EffectiveCwd = workDir
	return cfg, nil
}

func getGlobalOperatorConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "mu", "config.json")
	}
	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "mu", "config.json")
	}
	return ""
}

func loadGlobalOperatorConfig(env map[string]string) (OperatorConfig, string, error) {
	path := getGlobalOperatorConfigPath(env)
	if path == "" {
		return OperatorConfig{}, "", nil
	}

	cfg, loaded, err := loadOperatorConfigFile(path, false)
	if err != nil {
		return OperatorConfig{}, "", err
	}
	if !loaded {
		return OperatorConfig{}, "", nil
	}
	return cfg, path, nil
}

func loadProjectOperatorConfig(workDir, configPath string) (OperatorConfig, string, error) {
	var cfgFile string
	var mustExist bool

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}
		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return OperatorConfig{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, loaded, err := loadOperatorConfigFile(cfgFile, mustExist)
	if err != nil {
		return OperatorConfig{}, "", err
	}
	if !loaded {
		return OperatorConfig{}, "", nil
	}
	return cfg, cfgFile, nil
}

func loadOperatorConfigFile(path string, mustExist bool) (OperatorConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return OperatorConfig{}, false, nil
		}
		if mustExist {
			return OperatorConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}
		return OperatorConfig{}, false, nil
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return OperatorConfig{}, false, fmt.Errorf("%w %s: invalid JSONC: %w", ErrConfigInvalid, path, err)
	}

	var cfg OperatorConfig
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return OperatorConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func mergeOperatorConfig(base, overlay OperatorConfig) OperatorConfig {
	if overlay.SlackSigningSecret != "" {
		base.SlackSigningSecret = overlay.SlackSigningSecret
	}
	if overlay.SlackBotToken != "" {
		base.SlackBotToken = overlay.SlackBotToken
	}
	if overlay.DiscordPublicKeyHex != "" {
		base.DiscordPublicKeyHex = overlay.DiscordPublicKeyHex
	}
	if overlay.DiscordWebhookURL != "" {
		base.DiscordWebhookURL = overlay.DiscordWebhookURL
	}
	if overlay.TelegramSecretToken != "" {
		base.TelegramSecretToken = overlay.TelegramSecretToken
	}
	if overlay.TelegramWebhookURL != "" {
		base.TelegramWebhookURL = overlay.TelegramWebhookURL
	}
	if overlay.TelegramBotName != "" {
		base.TelegramBotName = overlay.TelegramBotName
	}
	if overlay.TerminalSharedSecret != "" {
		base.TerminalSharedSecret = overlay.TerminalSharedSecret
	}
	if overlay.ListenAddr != "" {
		base.ListenAddr = overlay.ListenAddr
	}
	return base
}

func validateOperatorConfig(cfg OperatorConfig) error {
	if cfg.TelegramBotName == "" {
		return ErrBotNameEmpty
	}
	return nil
}
