package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/token"
)

// Default supervision parameters. The heartbeat timeout spans several relay
// ping rounds: an idle worker's only liveness signal is the relay control
// traffic.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
	DefaultMaxRestarts       = 3
	DefaultRestartBackoff    = 1 * time.Second
	DefaultMaxRestartBackoff = 30 * time.Second
	DefaultStartTimeout      = 10 * time.Second
	DefaultStopTimeout       = 5 * time.Second
)

var (
	// ErrHandshakeFailed is returned by [Supervisor.Spawn] when the worker
	// could not complete its startup handshake. The leased credential has
	// already been returned to the pool.
	ErrHandshakeFailed = errors.New("worker: startup handshake failed")

	// ErrDuplicateWorker is returned by [Supervisor.Spawn] when a worker
	// with the same ID is already active.
	ErrDuplicateWorker = errors.New("worker: duplicate worker id")

	// ErrUnknownWorker is returned by [Supervisor.Terminate] for IDs the
	// supervisor is not tracking.
	ErrUnknownWorker = errors.New("worker: unknown worker")

	// ErrSupervisorClosed is returned by [Supervisor.Spawn] after Close.
	ErrSupervisorClosed = errors.New("worker: supervisor closed")
)

// SupervisorConfig configures a [Supervisor].
type SupervisorConfig struct {
	// Runtime launches workers.
	Runtime Runtime

	// Pool leases worker credentials.
	Pool *token.Pool

	// HeartbeatInterval is how often worker liveness is checked.
	// Defaults to 15s if zero.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a worker may go without contact before
	// it is treated as hung. Defaults to 90s if zero.
	HeartbeatTimeout time.Duration

	// MaxRestarts caps recovery launches per worker before it is declared
	// failed. Defaults to 3 if zero.
	MaxRestarts int

	// RestartBackoff is the initial wait before a restart. Doubles each
	// attempt up to MaxRestartBackoff. Defaults to 1s if zero.
	RestartBackoff time.Duration

	// MaxRestartBackoff is the upper limit on restart backoff.
	// Defaults to 30s if zero.
	MaxRestartBackoff time.Duration

	// StartTimeout bounds a single launch attempt, handshake included.
	// Defaults to 10s if zero.
	StartTimeout time.Duration

	// StopTimeout bounds worker teardown. Defaults to 5s if zero.
	StopTimeout time.Duration

	// OnWorkerFailed is invoked on its own goroutine after a worker
	// exhausts its restart budget. May be nil.
	OnWorkerFailed func(Worker)

	// Metrics receives supervision instrumentation. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// entry is the supervisor's mutable record for one worker. All fields are
// guarded by Supervisor.mu except stop/stopOnce.
type entry struct {
	w        Worker
	spec     LaunchSpec
	handle   Handle
	stop     chan struct{}
	stopOnce sync.Once
	released bool
	counted  bool
}

// Supervisor owns the lifecycle of all audio workers: spawn with a leased
// credential, monitor, restart with exponential backoff, and terminate.
//
// All methods are safe for concurrent use.
type Supervisor struct {
	runtime           Runtime
	pool              *token.Pool
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	maxRestarts       int
	restartBackoff    time.Duration
	maxRestartBackoff time.Duration
	startTimeout      time.Duration
	stopTimeout       time.Duration
	onWorkerFailed    func(Worker)
	metrics           *observe.Metrics
	log               *slog.Logger

	mu      sync.Mutex
	workers map[string]*entry
	closed  bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor creates a [Supervisor] with the given configuration.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.MaxRestartBackoff <= 0 {
		cfg.MaxRestartBackoff = DefaultMaxRestartBackoff
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Supervisor{
		runtime:           cfg.Runtime,
		pool:              cfg.Pool,
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatTimeout:  cfg.HeartbeatTimeout,
		maxRestarts:       cfg.MaxRestarts,
		restartBackoff:    cfg.RestartBackoff,
		maxRestartBackoff: cfg.MaxRestartBackoff,
		startTimeout:      cfg.StartTimeout,
		stopTimeout:       cfg.StopTimeout,
		onWorkerFailed:    cfg.OnWorkerFailed,
		metrics:           metrics,
		log:               slog.With("component", "supervisor"),
		workers:           make(map[string]*entry),
		done:              make(chan struct{}),
	}
}

// Spawn leases a credential, launches a worker for the channel, and waits
// for its startup handshake. On handshake failure the credential is
// returned to the pool before the error ([ErrHandshakeFailed]) is returned.
func (s *Supervisor) Spawn(ctx context.Context, role Role, sectionID, guildID, channelID string) (Worker, error) {
	id := role.WorkerID(channelID)

	tok, err := s.pool.Acquire(role.TokenRole())
	if err != nil {
		return Worker{}, fmt.Errorf("worker %s: %w", id, err)
	}

	e := &entry{
		w: Worker{
			ID:        id,
			Role:      role,
			SectionID: sectionID,
			GuildID:   guildID,
			ChannelID: channelID,
			Token:     tok,
			State:     StatePending,
		},
		spec: LaunchSpec{
			ID:        id,
			Role:      role,
			SectionID: sectionID,
			GuildID:   guildID,
			ChannelID: channelID,
			Token:     tok,
		},
		stop: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.releaseLocked(e)
		s.mu.Unlock()
		return Worker{}, ErrSupervisorClosed
	}
	if prev := s.workers[id]; prev != nil && prev.w.State != StateStopped && prev.w.State != StateFailed {
		s.releaseLocked(e)
		s.mu.Unlock()
		return Worker{}, fmt.Errorf("%w: %s", ErrDuplicateWorker, id)
	}
	e.w.State = StateStarting
	s.workers[id] = e
	s.mu.Unlock()

	s.log.Info("spawning worker",
		"worker_id", id, "role", role,
		"section_id", sectionID, "guild_id", guildID, "channel_id", channelID,
	)

	lctx, cancel := context.WithTimeout(ctx, s.startTimeout)
	start := time.Now()
	h, err := s.runtime.Launch(lctx, e.spec)
	cancel()
	s.metrics.SpawnDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("role", string(role))))

	if err != nil {
		s.mu.Lock()
		if s.workers[id] == e {
			delete(s.workers, id)
		}
		s.releaseLocked(e)
		s.mu.Unlock()
		return Worker{}, fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	s.mu.Lock()
	if e.w.State != StateStarting {
		// Terminated while launching; Terminate owns the bookkeeping.
		s.mu.Unlock()
		sctx, scancel := context.WithTimeout(context.Background(), s.stopTimeout)
		_ = h.Stop(sctx)
		scancel()
		return Worker{}, fmt.Errorf("worker %s: terminated during launch", id)
	}
	e.handle = h
	e.w.State = StateRunning
	e.w.StartedAt = time.Now()
	e.counted = true
	w := e.w
	s.mu.Unlock()

	s.metrics.ActiveWorkers.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("role", string(role))))
	s.log.Info("worker running", "worker_id", id, "section_id", sectionID)

	s.wg.Add(1)
	go s.supervise(e)

	return w, nil
}

// Terminate stops a worker and returns its credential to the pool.
func (s *Supervisor) Terminate(ctx context.Context, id string) error {
	s.mu.Lock()
	e := s.workers[id]
	if e == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	e.w.State = StateStopping
	h := e.handle
	e.handle = nil
	s.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stop) })

	var err error
	if h != nil {
		err = h.Stop(ctx)
	}

	s.mu.Lock()
	e.w.State = StateStopped
	s.releaseLocked(e)
	if e.counted {
		e.counted = false
		s.metrics.ActiveWorkers.Add(ctx, -1,
			metric.WithAttributes(observe.Attr("role", string(e.w.Role))))
	}
	if s.workers[id] == e {
		delete(s.workers, id)
	}
	s.mu.Unlock()

	s.log.Info("worker terminated", "worker_id", id)
	return err
}

// Get returns the current record for a worker.
func (s *Supervisor) Get(id string) (Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.workers[id]; e != nil {
		return e.w, true
	}
	return Worker{}, false
}

// Snapshot returns copies of all tracked workers, sorted by ID.
func (s *Supervisor) Snapshot() []Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Worker, 0, len(s.workers))
	for _, e := range s.workers {
		out = append(out, e.w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close terminates all workers and stops supervision. Safe to call more
// than once.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.done) })

	var errs []error
	for _, id := range ids {
		if err := s.Terminate(ctx, id); err != nil && !errors.Is(err, ErrUnknownWorker) {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// supervise watches one worker until it stops, fails permanently, or the
// supervisor shuts down.
func (s *Supervisor) supervise(e *entry) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		h := e.handle
		state := e.w.State
		s.mu.Unlock()
		if h == nil || state != StateRunning {
			return
		}

		select {
		case <-s.done:
			return
		case <-e.stop:
			return
		case <-h.Done():
			s.log.Warn("worker exited",
				"worker_id", e.w.ID, "error", h.Err())
		case <-ticker.C:
			if time.Since(h.LastContact()) <= s.heartbeatTimeout {
				continue
			}
			s.log.Warn("worker heartbeat lost",
				"worker_id", e.w.ID, "last_contact", h.LastContact())
			sctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
			_ = h.Stop(sctx)
			cancel()
		}

		if !s.recover(e) {
			return
		}
	}
}

// recover drives the restart cycle after a worker died, reusing the leased
// credential. Returns false when supervision should end: the worker was
// stopped on request, the supervisor is closing, or the restart budget is
// exhausted.
func (s *Supervisor) recover(e *entry) bool {
	s.mu.Lock()
	if e.w.State != StateRunning {
		s.mu.Unlock()
		return false
	}
	e.w.State = StateStarting
	e.handle = nil
	s.mu.Unlock()

	backoff := s.restartBackoff
	for {
		s.mu.Lock()
		if e.w.State != StateStarting {
			s.mu.Unlock()
			return false
		}
		if e.w.Restarts >= s.maxRestarts {
			s.failLocked(e)
			s.mu.Unlock()
			return false
		}
		e.w.Restarts++
		attempt := e.w.Restarts
		spec := e.spec
		s.mu.Unlock()

		s.log.Info("restarting worker",
			"worker_id", spec.ID,
			"attempt", attempt,
			"max_restarts", s.maxRestarts,
			"backoff", backoff,
		)

		select {
		case <-s.done:
			return false
		case <-e.stop:
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.maxRestartBackoff {
			backoff = s.maxRestartBackoff
		}

		lctx, cancel := context.WithTimeout(context.Background(), s.startTimeout)
		h, err := s.runtime.Launch(lctx, spec)
		cancel()
		s.metrics.RecordWorkerRestart(context.Background(), string(spec.Role))
		if err != nil {
			s.log.Warn("worker restart failed",
				"worker_id", spec.ID, "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		if e.w.State != StateStarting {
			s.mu.Unlock()
			sctx, scancel := context.WithTimeout(context.Background(), s.stopTimeout)
			_ = h.Stop(sctx)
			scancel()
			return false
		}
		e.handle = h
		e.w.State = StateRunning
		e.w.StartedAt = time.Now()
		s.mu.Unlock()

		s.log.Info("worker restarted", "worker_id", spec.ID, "attempt", attempt)
		return true
	}
}

// failLocked marks a worker permanently failed, returns its credential, and
// notifies the failure callback. Callers hold s.mu.
func (s *Supervisor) failLocked(e *entry) {
	e.w.State = StateFailed
	e.handle = nil
	s.releaseLocked(e)
	if e.counted {
		e.counted = false
		s.metrics.ActiveWorkers.Add(context.Background(), -1,
			metric.WithAttributes(observe.Attr("role", string(e.w.Role))))
	}
	w := e.w
	s.log.Error("worker failed permanently",
		"worker_id", w.ID, "section_id", w.SectionID, "restarts", w.Restarts)
	if s.onWorkerFailed != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.onWorkerFailed(w)
		}()
	}
}

// releaseLocked returns the worker's credential to the pool exactly once.
// Callers hold s.mu.
func (s *Supervisor) releaseLocked(e *entry) {
	if e.released {
		return
	}
	e.released = true
	s.pool.Release(e.w.Token)
}
