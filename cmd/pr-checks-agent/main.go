// Command pr-checks-agent monitors pull request checks across configured
// repositories, drives automated fix attempts through collaborator
// plugins, and serves the operator panel. With -mcp it additionally
// exposes the operator tools over MCP on stdin/stdout, for use as a
// subprocess of an MCP client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/feddericovonwernich/pr-checks-agent/internal/agent"
	"github.com/feddericovonwernich/pr-checks-agent/internal/engine"
	"github.com/feddericovonwernich/pr-checks-agent/internal/logging"
	"github.com/feddericovonwernich/pr-checks-agent/internal/panel"
	"github.com/feddericovonwernich/pr-checks-agent/internal/plugins"
	"github.com/feddericovonwernich/pr-checks-agent/internal/policy"
	"github.com/feddericovonwernich/pr-checks-agent/internal/secrets"
	"github.com/feddericovonwernich/pr-checks-agent/internal/store"
	"github.com/feddericovonwernich/pr-checks-agent/internal/streaming"
	"github.com/feddericovonwernich/pr-checks-agent/internal/validation"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/mcp"
	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

func main() {
	var (
		showVersion  = flag.Bool("version", false, "print version and exit")
		validateOnly = flag.Bool("validate", false, "validate the repositories config and exit")
		mcpMode      = flag.Bool("mcp", false, "serve operator tools over MCP on stdin/stdout")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if err := run(*validateOnly, *mcpMode); err != nil {
		fmt.Fprintf(os.Stderr, "pr-checks-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(validateOnly, mcpMode bool) error {
	settings := loadSettings()
	logger := buildLogger(settings)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadReposConfig(ctx, settings)
	if err != nil {
		return err
	}
	if validateOnly {
		fmt.Printf("%s: %d repositories, config valid\n", settings.ReposConfig, len(cfg.Repositories))
		return nil
	}
	applyPolicyDefaults(cfg, settings)

	registry := policy.NewRegistry()
	if err := registry.Load(cfg); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(settings.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + settings.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	vault, err := buildVault(st)
	if err != nil {
		return err
	}

	pm := plugins.NewManager(vault, logger)
	for _, pc := range settings.Plugins {
		if err := pm.Load(ctx, pc); err != nil {
			pm.StopAll()
			return fmt.Errorf("load %s plugin: %w", pc.Role, err)
		}
	}
	defer pm.StopAll()

	hub := streaming.NewMemoryHub()

	timeouts := engine.DefaultActionTimeouts()
	timeouts.Fix = settings.workflowTimeout()

	ag, err := agent.New(agent.Deps{
		Store:    st,
		Collabs:  pm.Collaborators(),
		Policies: registry,
		Vault:    vault,
		Hub:      hub,
		Logger:   logger,
	}, agent.Config{
		PoolSize:     settings.PoolSize,
		PollInterval: time.Duration(settings.PollingInterval) * time.Second,
		Pipeline: engine.PipelineConfig{
			Timeouts: timeouts,
			DryRun:   settings.DryRun,
		},
		Governor: agent.GovernorConfigFromLimits(globalLimits(cfg, settings)),
	})
	if err != nil {
		return err
	}
	if err := ag.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := ag.Stop(); err != nil {
			logger.Warn("agent stop failed", slog.String("error", err.Error()))
		}
	}()

	httpSrv := servePanel(settings, st, ag, pm, hub, logger)
	defer shutdownHTTP(httpSrv, logger)

	if mcpMode {
		srv := mcp.NewAgentServer(mcp.AgentServerDeps{
			Store:     st,
			Overrides: ag.Admin(),
			Stats:     ag,
			Scans:     ag.Scanner(),
			Hub:       hub,
			Logger:    logger,
		})
		go func() {
			if err := srv.RunEscalationFeed(ctx); err != nil {
				logger.Warn("escalation feed stopped", slog.String("error", err.Error()))
			}
		}()
		// Blocks until stdin closes or the context is cancelled.
		if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// loadReposConfig reads and validates the repositories policy file.
func loadReposConfig(ctx context.Context, settings Settings) (*schema.RepositoriesConfig, error) {
	raw, err := os.ReadFile(settings.ReposConfig)
	if err != nil {
		return nil, fmt.Errorf("read repositories config: %w", err)
	}
	validator, err := validation.NewConfigValidator()
	if err != nil {
		return nil, err
	}
	cfg, err := validator.ValidateDocument(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", settings.ReposConfig, err)
	}
	return cfg, nil
}

// buildLogger constructs the process logger: JSON or text handler at the
// configured level, wrapped so item/repo/attempt IDs flow from contexts
// into every record. Logs go to stderr; in MCP mode stdout carries the
// protocol.
func buildLogger(settings Settings) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(settings.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if strings.EqualFold(settings.LogFormat, "json") {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

// buildVault assembles the secret vault: AES-256-GCM over the store's
// secrets table, keyed from AGENT_MASTER_KEY or a passphrase, with
// environment-variable fallthrough on reads. Returns nil when no key
// material is configured; secrets then resolve from the environment
// alone via the plugin env and prompt interpolation falls back.
func buildVault(st store.Store) (secrets.Vault, error) {
	cfg := secrets.VaultConfig{}
	switch {
	case os.Getenv("AGENT_MASTER_KEY") != "":
		cfg.MasterKey = []byte(os.Getenv("AGENT_MASTER_KEY"))
	case os.Getenv("AGENT_VAULT_PASSPHRASE") != "":
		cfg.Passphrase = os.Getenv("AGENT_VAULT_PASSPHRASE")
		cfg.Salt = []byte(os.Getenv("AGENT_VAULT_SALT"))
	default:
		return nil, nil
	}
	aes, err := secrets.NewAESVault(st, cfg)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}
	return secrets.NewEnvVault(aes), nil
}

func servePanel(settings Settings, st store.Store, ag *agent.Agent, pm *plugins.Manager, hub streaming.EventHub, logger *slog.Logger) *http.Server {
	p := panel.NewPanelServer(panel.PanelDeps{
		Store:     st,
		Overrides: ag.Admin(),
		Stats:     ag,
		Scans:     ag.Scanner(),
		Plugins:   pm,
		Hub:       hub,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("panel listening", slog.String("addr", settings.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("panel server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}

func shutdownHTTP(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("panel shutdown failed", slog.String("error", err.Error()))
	}
}
