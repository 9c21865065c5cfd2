// Command voxbridge is the main entry point for the VoxBridge broadcast
// engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/voxbridge/voxbridge/internal/access"
	"github.com/voxbridge/voxbridge/internal/admission"
	"github.com/voxbridge/voxbridge/internal/app"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/discord"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/worker"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxbridge.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Credentials usually arrive through a .env file in development.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxbridge: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, levelVar := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxbridge starting",
		"version", version,
		"config", *configPath,
		"relay_addr", cfg.Relay.ListenAddr,
		"ops_addr", cfg.Observe.OpsAddr,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxbridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// ── Instantiate backends ──────────────────────────────────────────────────
	providers, err := buildProviders(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}

	// ── Access control + Discord bot ──────────────────────────────────────────
	authorizer := access.New(access.Config{
		SpeakerRole:     cfg.Access.SpeakerRole,
		ListenerRole:    cfg.Access.ListenerRole,
		AdminRole:       cfg.Access.AdminRole,
		Operators:       cfg.Access.AdminUsers,
		AutoCreateRoles: cfg.Access.AutoCreateRoles,
	})

	bot, err := discord.New(discord.Config{
		Token:  cfg.Discord.PrimaryToken,
		Access: authorizer,
	})
	if err != nil {
		slog.Error("failed to connect to Discord", "err", err)
		return 1
	}
	providers.Bot = bot
	providers.Access = authorizer

	// The primary credential serves shared-mode receiver leases too; hand
	// its live session to the dialer source so it is not dialed twice.
	if src, ok := providers.Dialers.(*discord.SessionSource); ok {
		src.Adopt(cfg.Discord.PrimaryToken, bot.Session())
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, app.WithLogLevelVar(levelVar))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = bot.Close()
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("engine ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Close the bot first (unregister commands, disconnect) so no new
	// broadcast commands arrive while sections wind down.
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the subscription store and voice platform
// factories that ship with VoxBridge into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterStore(config.BackendSQLite, func(_ context.Context, cfg config.AdmissionConfig) (admission.Store, error) {
		return admission.OpenSQLite(cfg.SQLitePath)
	})

	reg.RegisterStore(config.BackendPostgres, func(ctx context.Context, cfg config.AdmissionConfig) (admission.Store, error) {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := admission.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil
	})

	reg.RegisterVoice("discord", func(config.DiscordConfig) (worker.DialerSource, error) {
		return discord.NewSessionSource(), nil
	})
}

// buildProviders instantiates the configured backends through the registry
// and returns them in an [app.Providers] for the application to consume.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	store, err := reg.CreateStore(ctx, cfg.Admission)
	if err != nil {
		return nil, fmt.Errorf("create %s subscription store: %w", cfg.Admission.Backend, err)
	}
	slog.Info("subscription store ready", "backend", cfg.Admission.Backend)

	dialers, err := reg.CreateVoice("discord", cfg.Discord)
	if err != nil {
		return nil, fmt.Errorf("create voice platform: %w", err)
	}

	return &app.Providers{Store: store, Dialers: dialers}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        VoxBridge startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Relay", cfg.Relay.ListenAddr)
	printRow("Ops endpoint", cfg.Observe.OpsAddr)
	printRow("Store", string(cfg.Admission.Backend))
	if n := len(cfg.Discord.ReceiverTokens); n > 0 {
		printRow("Receivers", fmt.Sprintf("%d dedicated", n))
	} else {
		printRow("Receivers", "shared mode")
	}
	printRow("Operators", fmt.Sprintf("%d", len(cfg.Access.AdminUsers)))
	if cfg.Access.AutoCreateRoles {
		printRow("Roles", "auto-create")
	} else {
		printRow("Roles", "manual")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned level var stays live:
// the config watcher retunes it on log_level changes.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(level.Level())
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), lvl
}
