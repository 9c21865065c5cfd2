// Package app wires all VoxBridge subsystems into a running engine.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the serving loops, and Shutdown tears everything
// down in order.
//
// Pluggable backends arrive through [Providers], populated by main.go via
// the config registry. Tests fill Providers with scripted implementations
// and leave Bot nil to run the engine headless.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/access"
	"github.com/voxbridge/voxbridge/internal/admission"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/discord"
	"github.com/voxbridge/voxbridge/internal/discord/commands"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/relay"
	"github.com/voxbridge/voxbridge/internal/router"
	"github.com/voxbridge/voxbridge/internal/token"
	"github.com/voxbridge/voxbridge/internal/worker"
)

// Providers holds the externally constructed dependencies New wires
// together. Store and Dialers come from the config registry; Bot and Access
// are built directly by main.go around the live gateway connection.
type Providers struct {
	// Store persists subscription records. Required.
	Store admission.Store

	// Dialers supplies per-credential voice dialers for audio workers.
	// Required.
	Dialers worker.DialerSource

	// Bot is the Discord control surface. A nil Bot runs the engine
	// headless: no slash commands, no gateway readiness check.
	Bot *discord.Bot

	// Access authorizes command invokers. When nil, New builds one from
	// the access config section.
	Access *access.Authorizer
}

// App owns all subsystem lifetimes and orchestrates the VoxBridge broadcast
// engine.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	auth      *access.Authorizer
	metrics   *observe.Metrics
	pool      *token.Pool
	admission *admission.Controller
	relay     *relay.Server
	engine    *router.Router
	broadcast *commands.BroadcastCommands
	opsSrv    *http.Server

	// logLevel, when wired, lets config reloads retune verbosity.
	logLevel *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of the process-wide
// default. Tests use it to keep instrument state isolated.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar hands the app the logger's level var so config reloads
// can change verbosity without a restart.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles.
//
// New performs all initialisation synchronously: the token pool, the
// admission controller, the relay server, the engine facade, and, when a
// bot is provided, the slash command surface and the ops endpoint. Nothing
// binds a port until Run.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Store == nil {
		return nil, errors.New("app: providers must carry a subscription store")
	}
	if providers.Dialers == nil {
		return nil, errors.New("app: providers must carry a voice dialer source")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Access control ────────────────────────────────────────────────
	a.auth = providers.Access
	if a.auth == nil {
		a.auth = access.New(access.Config{
			SpeakerRole:     cfg.Access.SpeakerRole,
			ListenerRole:    cfg.Access.ListenerRole,
			AdminRole:       cfg.Access.AdminRole,
			Operators:       cfg.Access.AdminUsers,
			AutoCreateRoles: cfg.Access.AutoCreateRoles,
		})
	}

	// ── 3. Token pool ────────────────────────────────────────────────────
	a.pool = token.NewPool(token.Config{
		Primary:        cfg.Discord.PrimaryToken,
		Forwarder:      cfg.Discord.ForwarderToken,
		Receivers:      cfg.Discord.ReceiverTokens,
		SharedPoolSize: cfg.Discord.SharedPoolSize,
	})

	// ── 4. Admission controller ──────────────────────────────────────────
	if err := a.initAdmission(); err != nil {
		return nil, fmt.Errorf("app: init admission: %w", err)
	}

	// ── 5. Relay server ──────────────────────────────────────────────────
	a.initRelay()

	// ── 6. Engine ────────────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 7. Command surface ───────────────────────────────────────────────
	a.initCommands()

	// ── 8. Ops endpoint ──────────────────────────────────────────────────
	a.buildOpsServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAdmission wraps the configured store in the admission controller.
func (a *App) initAdmission() error {
	ctrl, err := admission.NewController(admission.ControllerConfig{
		Store:   a.providers.Store,
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	a.admission = ctrl

	if c, ok := a.providers.Store.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return nil
}

// initRelay creates the relay server. The listener binds in Run.
func (a *App) initRelay() {
	a.relay = relay.NewServer(relay.ServerConfig{
		ListenAddr:       a.cfg.Relay.ListenAddr,
		PingInterval:     a.cfg.Relay.PingInterval.Std(),
		HeartbeatTimeout: a.cfg.Relay.HeartbeatTimeout.Std(),
		MaxConnections:   a.cfg.Relay.MaxConnections,
		MaxMessageBytes:  a.cfg.Relay.MaxMessageBytes,
		BufferFrames:     a.cfg.Pipeline.BufferFrames,
		Metrics:          a.metrics,
	})
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.relay.Stop(ctx)
	})
}

// initEngine builds the worker runtime and the router facade around it.
func (a *App) initEngine() error {
	runtime := worker.NewBridgeRuntime(a.cfg.Relay.URL, a.providers.Dialers)

	engine, err := router.New(router.Config{
		Pool:      a.pool,
		Runtime:   runtime,
		Admission: a.admission,
		Relay:     a.relay,
		Supervisor: worker.SupervisorConfig{
			HeartbeatInterval: a.cfg.Worker.HeartbeatInterval.Std(),
			HeartbeatTimeout:  a.cfg.Worker.HeartbeatTimeout.Std(),
			MaxRestarts:       a.cfg.Worker.MaxRestarts,
			RestartBackoff:    a.cfg.Worker.RestartBackoff.Std(),
			MaxRestartBackoff: a.cfg.Worker.MaxRestartBackoff.Std(),
			StartTimeout:      a.cfg.Worker.HandshakeTimeout.Std(),
		},
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	a.engine = engine
	return nil
}

// initCommands registers the slash command surface on the bot's router.
// Headless runs skip it.
func (a *App) initCommands() {
	if a.providers.Bot == nil {
		return
	}

	a.broadcast = commands.NewBroadcastCommands(a.engine, a.auth)
	a.broadcast.Register(a.providers.Bot.Router())

	subs := commands.NewSubscriptionCommands(a.admission, a.auth)
	subs.Register(a.providers.Bot.Router())

	a.closers = append(a.closers, func() error {
		a.broadcast.CloseDashboards()
		return nil
	})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the relay listener, the ops endpoint, and, when a bot is
// wired, the Discord command loop, then blocks until ctx is cancelled or a
// serving loop fails. A clean stop returns context.Canceled.
func (a *App) Run(ctx context.Context) error {
	if err := a.relay.Start(ctx); err != nil {
		return fmt.Errorf("app: start relay: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// ── Ops endpoint ─────────────────────────────────────────────────────
	g.Go(func() error {
		err := a.opsSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: ops endpoint: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.opsSrv.Shutdown(shCtx); err != nil {
			slog.Warn("ops endpoint shutdown error", "err", err)
		}
		return ctx.Err()
	})

	// ── Discord command loop ─────────────────────────────────────────────
	if bot := a.providers.Bot; bot != nil {
		g.Go(func() error {
			return bot.Run(ctx)
		})
	}

	slog.Info("voxbridge running",
		"relay_addr", a.relay.Addr(),
		"ops_addr", a.cfg.Observe.OpsAddr,
		"headless", a.providers.Bot == nil,
	)

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears the engine down. Active sections stop and release their
// credentials first, then the remaining closers run in order. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop broadcasts while the relay and the store are still up so
		// workers can leave their voice channels cleanly.
		if a.engine != nil {
			if err := a.engine.Close(ctx); err != nil {
				slog.Warn("engine close error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
