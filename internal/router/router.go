// Package router is the engine facade. It owns the token pool, worker
// supervisor, and section manager, wires the supervisor's failure callback
// into the section manager, and exposes the operations the control
// surfaces (Discord commands, ops endpoints) call.
package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/relay"
	"github.com/voxbridge/voxbridge/internal/section"
	"github.com/voxbridge/voxbridge/internal/token"
	"github.com/voxbridge/voxbridge/internal/worker"
)

// Config configures a [Router].
type Config struct {
	// Pool leases worker credentials. Required.
	Pool *token.Pool

	// Runtime launches workers. Required.
	Runtime worker.Runtime

	// Admission gates broadcasts on subscription capacity. Required.
	Admission section.AdmissionChecker

	// Relay, when set, contributes its listen state to SystemStatus. The
	// router does not manage the relay server's lifecycle.
	Relay *relay.Server

	// Supervisor carries worker supervision tuning. Its Runtime, Pool,
	// Metrics, and OnWorkerFailed fields are filled by the router.
	Supervisor worker.SupervisorConfig

	// Metrics receives engine instrumentation. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// SystemStatus is the aggregate status surface.
type SystemStatus struct {
	ActiveSections int
	Sections       []section.Section
	Workers        []worker.Worker
	RunningWorkers int
	Tokens         token.Stats
	RelayRunning   bool
	RelayAddr      string
}

// Router coordinates broadcast sections end to end.
type Router struct {
	pool       *token.Pool
	supervisor *worker.Supervisor
	sections   *section.Manager
	relay      *relay.Server
	log        *slog.Logger
}

// New builds the engine: supervisor first, then the section manager on top
// of it, with worker failures feeding back into the section manager.
func New(cfg Config) (*Router, error) {
	if cfg.Pool == nil {
		return nil, errors.New("router: token pool is required")
	}
	if cfg.Runtime == nil {
		return nil, errors.New("router: worker runtime is required")
	}
	if cfg.Admission == nil {
		return nil, errors.New("router: admission checker is required")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	r := &Router{
		pool:  cfg.Pool,
		relay: cfg.Relay,
		log:   slog.With("component", "router"),
	}

	supCfg := cfg.Supervisor
	supCfg.Runtime = cfg.Runtime
	supCfg.Pool = cfg.Pool
	supCfg.Metrics = metrics
	// r.sections is assigned below, before any worker can exist, so the
	// callback never observes a nil manager.
	supCfg.OnWorkerFailed = func(w worker.Worker) { r.sections.OnWorkerFailed(w) }
	r.supervisor = worker.NewSupervisor(supCfg)

	r.sections = section.NewManager(section.ManagerConfig{
		Spawner:   r.supervisor,
		Admission: cfg.Admission,
		Metrics:   metrics,
	})
	return r, nil
}

// StartBroadcast activates a section for the request's guild. It returns
// the activated section, or the failure cause with no partial state left
// behind.
func (r *Router) StartBroadcast(ctx context.Context, req section.StartRequest) (section.Section, error) {
	return r.sections.Start(ctx, req)
}

// StopBroadcast deactivates the guild's section. Stopping a guild with no
// active section is a no-op.
func (r *Router) StopBroadcast(ctx context.Context, guildID string) error {
	return r.sections.Stop(ctx, guildID)
}

// SectionStatus returns the guild's active section, if any.
func (r *Router) SectionStatus(guildID string) (section.Section, bool) {
	return r.sections.Status(guildID)
}

// SystemStatus reports sections, workers, and token accounting in one
// snapshot. Async worker failures surface here after the section manager
// has handled them.
func (r *Router) SystemStatus() SystemStatus {
	workers := r.supervisor.Snapshot()
	running := 0
	for _, w := range workers {
		if w.State == worker.StateRunning {
			running++
		}
	}

	st := SystemStatus{
		Sections:       r.sections.Snapshot(),
		Workers:        workers,
		RunningWorkers: running,
		Tokens:         r.pool.Stats(),
	}
	st.ActiveSections = len(st.Sections)
	if r.relay != nil {
		st.RelayRunning = r.relay.Running()
		st.RelayAddr = r.relay.Addr()
	}
	return st
}

// Close stops every active section, then shuts the supervisor down.
func (r *Router) Close(ctx context.Context) error {
	var errs []error
	for _, sec := range r.sections.Snapshot() {
		if err := r.sections.Stop(ctx, sec.GuildID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.supervisor.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
