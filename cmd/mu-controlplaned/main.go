// Command mu-controlplaned runs the repo-local control-plane daemon: it
// binds the HTTP listener for every channel webhook and control-plane
// route, drains the outbox delivery worker and the confirmation/
// idempotency sweepers, and holds the single-writer lock on the repo's
// .mu/control-plane directory for its lifetime. Mirrors the teacher's
// cmd/tk/main.go signal-handling shape, generalized from a one-shot CLI
// invocation to a long-running daemon under an errgroup.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/femtomc/mu/internal/adapter"
	"github.com/femtomc/mu/internal/adapter/discord"
	"github.com/femtomc/mu/internal/adapter/slack"
	"github.com/femtomc/mu/internal/adapter/telegram"
	"github.com/femtomc/mu/internal/adapter/terminal"
	"github.com/femtomc/mu/internal/command"
	"github.com/femtomc/mu/internal/config"
	"github.com/femtomc/mu/internal/delivery"
	"github.com/femtomc/mu/internal/fs"
	"github.com/femtomc/mu/internal/httpapi"
	"github.com/femtomc/mu/internal/idempotency"
	"github.com/femtomc/mu/internal/identity"
	"github.com/femtomc/mu/internal/issue"
	"github.com/femtomc/mu/internal/issueexec"
	"github.com/femtomc/mu/internal/outbox"
	"github.com/femtomc/mu/internal/paths"
	"github.com/femtomc/mu/internal/pipeline"
	"github.com/femtomc/mu/internal/reload"
	"github.com/femtomc/mu/internal/telemetry"
)

const sweepInterval = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	environ := os.Environ()
	env := make(map[string]string, len(environ))
	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}

	repoRoot := env["MU_REPO_ROOT"]
	if repoRoot == "" {
		var err error
		repoRoot, err = os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: cannot get working directory:", err)
			return 1
		}
	}

	opCfg, err := config.LoadOperatorConfig(config.LoadInput{WorkDirOverride: repoRoot, Env: env})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: loading operator config:", err)
		return 1
	}

	fsys := fs.NewReal()
	p := paths.New(repoRoot)
	if err := p.EnsureDirs(fsys); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	nowMs := paths.Now()
	lock, err := paths.AcquireWriterLock(fsys, p, uuid.NewString(), nowMs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: acquiring writer lock:", err)
		return 1
	}
	defer lock.Release()
	defer paths.RemoveServerInfo(fsys, p)

	logFormat := telemetry.LogFormatJSON
	if env["MU_LOG_FORMAT"] == "console" {
		logFormat = telemetry.LogFormatConsole
	}
	logger, err := telemetry.NewLogger(telemetry.Config{Format: logFormat, Level: env["MU_LOG_LEVEL"]})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: building logger:", err)
		return 1
	}
	defer logger.Sync()

	registry := telemetry.NewRegistry()

	policy, err := config.LoadPolicy(p.Policy())
	if err != nil {
		logger.Error("loading policy", zap.Error(err))
		return 1
	}

	identities, err := identity.Open(fsys, p.Identities())
	if err != nil {
		logger.Error("opening identity store", zap.Error(err))
		return 1
	}
	defer identities.Close()

	idemIdx, err := idempotency.Open(fsys, p.Idempotency(), idempotency.Config{
		TTL: time.Duration(policy.IdempotencyTTLHours) * time.Hour,
	})
	if err != nil {
		logger.Error("opening idempotency index", zap.Error(err))
		return 1
	}
	defer idemIdx.Close()

	commands, err := command.Open(fsys, p.Commands())
	if err != nil {
		logger.Error("opening command store", zap.Error(err))
		return 1
	}
	defer commands.Close()

	ob, err := outbox.Open(fsys, p.Outbox(), outbox.Config{})
	if err != nil {
		logger.Error("opening outbox", zap.Error(err))
		return 1
	}
	defer ob.Close()

	issueStore, err := issue.Open(fsys, p.Issues())
	if err != nil {
		logger.Error("opening issue store", zap.Error(err))
		return 1
	}
	defer issueStore.Close()

	executors := map[string]pipeline.Executor{}
	issueexec.Register(executors, issueStore)

	pl := pipeline.New(identities, idemIdx, commands, ob, policy, executors, logger, pipeline.NewMetrics(registry.Registry))

	initial, err := buildAdapterRegistry(opCfg, repoRoot)
	if err != nil {
		logger.Error("building initial adapter registry", zap.Error(err))
		return 1
	}
	rebuild := func(ctx context.Context) (reload.Handle, error) {
		return buildAdapterRegistry(opCfg, repoRoot)
	}

	supervisor := reload.NewSupervisor(uuid.NewString(), uuid.NewString)
	manager := reload.NewManager(supervisor, reload.NewMetrics(registry.Registry), logger, initial)

	server := &httpapi.Server{
		Reload:     manager,
		Supervisor: supervisor,
		Rebuild:    rebuild,
		Pipeline:   pl,
		Identities: identities,
		Telemetry:  registry,
		Logger:     logger,
	}

	ln, err := net.Listen("tcp", opCfg.ListenAddr)
	if err != nil {
		logger.Error("binding listener", zap.Error(err))
		return 1
	}

	port := ln.Addr().(*net.TCPAddr).Port
	if err := paths.WriteServerInfo(fsys, p, paths.ServerInfo{
		PID:       os.Getpid(),
		Port:      port,
		URL:       fmt.Sprintf("http://127.0.0.1:%d", port),
		StartedAt: nowMs,
	}); err != nil {
		logger.Error("writing server discovery file", zap.Error(err))
		return 1
	}

	httpServer := &http.Server{Handler: server.Router()}
	deliveryWorker := &delivery.Worker{
		Store:      ob,
		Dispatcher: delivery.NewDispatcher(buildSenders(opCfg)),
		Logger:     logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("listening", zap.String("addr", opCfg.ListenAddr), zap.Int("port", port))
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		return deliveryWorker.Run(gctx)
	})

	group.Go(func() error {
		return runSweeper(gctx, idemIdx, commands, pl, logger)
	})

	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case <-gctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()

	if err := group.Wait(); err != nil {
		logger.Error("daemon exited with error", zap.Error(err))
		return 1
	}

	return 0
}

// runSweeper periodically drops expired idempotency entries and expires
// command records that outlived their confirmation window, the two
// housekeeping passes spec.md §4.6/§4.7 require run continuously rather
// than on demand.
func runSweeper(ctx context.Context, idemIdx *idempotency.Index, commands *command.Store, pl *pipeline.Pipeline, logger *zap.Logger) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			nowMs := time.Now().UnixMilli()

			if dropped, err := idemIdx.Sweep(nowMs); err != nil {
				logger.Warn("idempotency sweep failed", zap.Error(err))
			} else if dropped > 0 {
				logger.Info("idempotency sweep", zap.Int("dropped", dropped))
			}

			expired := pl.SweepExpiredConfirmations(commands.Snapshot(), nowMs)
			if expired > 0 {
				logger.Info("confirmation sweep", zap.Int("expired", expired))
			}
		}
	}
}

func buildAdapterRegistry(cfg config.OperatorConfig, repoRoot string) (*httpapi.AdapterRegistry, error) {
	var adapters []adapter.ChannelAdapter

	if cfg.SlackSigningSecret != "" {
		adapters = append(adapters, slack.New(slack.Config{SigningSecret: cfg.SlackSigningSecret, BotName: "mu", RepoRoot: repoRoot}))
	}
	if cfg.DiscordPublicKeyHex != "" {
		adapters = append(adapters, discord.New(discord.Config{PublicKeyHex: cfg.DiscordPublicKeyHex, RepoRoot: repoRoot}))
	}
	if cfg.TelegramSecretToken != "" {
		adapters = append(adapters, telegram.New(telegram.Config{SecretToken: cfg.TelegramSecretToken, BotName: cfg.TelegramBotName, RepoRoot: repoRoot}))
	}
	adapters = append(adapters, terminal.New(terminal.Config{SharedSecret: cfg.TerminalSharedSecret, RepoRoot: repoRoot}))

	return httpapi.NewAdapterRegistry(adapters...), nil
}

func buildSenders(cfg config.OperatorConfig) map[string]delivery.Sender {
	senders := map[string]delivery.Sender{}
	if cfg.SlackBotToken != "" {
		senders[string(adapter.ChannelSlack)] = delivery.NewSlackSender(cfg.SlackBotToken)
	}
	if cfg.DiscordWebhookURL != "" {
		senders[string(adapter.ChannelDiscord)] = delivery.NewWebhookSender(cfg.DiscordWebhookURL)
	}
	if cfg.TelegramWebhookURL != "" {
		senders[string(adapter.ChannelTelegram)] = delivery.NewWebhookSender(cfg.TelegramWebhookURL)
	}
	return senders
}
