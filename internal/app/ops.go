package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
)

// opsReadHeaderTimeout bounds header reads on the ops endpoint.
const opsReadHeaderTimeout = 10 * time.Second

// buildOpsServer assembles the operational HTTP endpoint: Prometheus
// metrics, liveness, and readiness. The server binds in Run.
func (a *App) buildOpsServer() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	a.healthHandler().Register(mux)

	a.opsSrv = &http.Server{
		Addr:              a.cfg.Observe.OpsAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: opsReadHeaderTimeout,
	}
}

// healthHandler builds the readiness checker set: the subscription store,
// the relay listener, and, when wired, the bot gateway.
func (a *App) healthHandler() *health.Handler {
	checkers := []health.Checker{
		{Name: "store", Check: a.checkStore},
		{Name: "relay", Check: a.checkRelay},
	}
	if bot := a.providers.Bot; bot != nil {
		checkers = append(checkers, health.Checker{
			Name:  "bot",
			Check: func(context.Context) error { return bot.Ready() },
		})
	}
	return health.New(checkers...)
}

// checkStore probes the subscription store. Stores exposing a Ping get the
// cheap probe; anything else answers a List.
func (a *App) checkStore(ctx context.Context) error {
	if p, ok := a.providers.Store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, err := a.providers.Store.List(ctx)
	return err
}

func (a *App) checkRelay(context.Context) error {
	if !a.relay.Running() {
		return errors.New("relay is not listening")
	}
	return nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable slice of a config change: log
// verbosity and the receiver credential list. The config watcher calls it
// with every content change it observes; everything else needs a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.ReceiverTokensChanged {
		a.pool.Resize(d.NewReceiverTokens)
		slog.Info("receiver credentials resized", "count", len(d.NewReceiverTokens))
	}
}
