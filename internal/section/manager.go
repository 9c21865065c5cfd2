package section

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/worker"
)

// ErrChannelBusy is returned by [Manager.Start] when a requested channel is
// already bound to an active section, or the guild already runs one.
var ErrChannelBusy = errors.New("section: channel already bound to an active section")

// Spawner is the worker supervisor surface the manager drives.
// [worker.Supervisor] satisfies it.
type Spawner interface {
	Spawn(ctx context.Context, role worker.Role, sectionID, guildID, channelID string) (worker.Worker, error)
	Terminate(ctx context.Context, id string) error
}

// AdmissionChecker gates section creation on subscription capacity.
type AdmissionChecker interface {
	CheckCapacity(ctx context.Context, guildID string, requested int) error
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	// Spawner launches and terminates workers. Must not be nil.
	Spawner Spawner

	// Admission is consulted with the listener count before any worker is
	// spawned. Must not be nil.
	Admission AdmissionChecker

	// Metrics receives section instrumentation. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager owns the section registry. One section may be active per guild at
// a time, and a channel is never part of two active sections.
//
// Start and Stop for the same guild are serialized; calls for different
// guilds proceed independently. All methods are safe for concurrent use.
type Manager struct {
	spawner   Spawner
	admission AdmissionChecker
	metrics   *observe.Metrics
	log       *slog.Logger

	guildMu sync.Mutex
	guilds  map[string]*sync.Mutex

	mu       sync.RWMutex
	sections map[string]*Section // section ID -> section
	byGuild  map[string]string   // guild ID -> active section ID
	channels map[string]string   // channel ID -> owning section ID
}

// NewManager creates a [Manager].
func NewManager(cfg ManagerConfig) *Manager {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Manager{
		spawner:   cfg.Spawner,
		admission: cfg.Admission,
		metrics:   metrics,
		log:       slog.With("component", "sections"),
		guilds:    make(map[string]*sync.Mutex),
		sections:  make(map[string]*Section),
		byGuild:   make(map[string]string),
		channels:  make(map[string]string),
	}
}

// guildLock returns the serialization lock for a guild, creating it on
// first use.
func (m *Manager) guildLock(guildID string) *sync.Mutex {
	m.guildMu.Lock()
	defer m.guildMu.Unlock()
	l, ok := m.guilds[guildID]
	if !ok {
		l = &sync.Mutex{}
		m.guilds[guildID] = l
	}
	return l
}

// Start activates a broadcast. The request is checked against the channel
// index and the guild's subscription limit before any worker is spawned.
// Activation is all-or-nothing: when any spawn fails, every worker already
// launched for this attempt is terminated and the first error is returned.
// A section only becomes observable once fully active.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Section, error) {
	if err := req.validate(); err != nil {
		return Section{}, err
	}

	lock := m.guildLock(req.GuildID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	err := m.busyLocked(req)
	m.mu.RUnlock()
	if err != nil {
		return Section{}, err
	}

	if err := m.admission.CheckCapacity(ctx, req.GuildID, len(req.ListenerChannelIDs)); err != nil {
		return Section{}, fmt.Errorf("start broadcast: %w", err)
	}

	sec := &Section{
		ID:                 uuid.NewString(),
		GuildID:            req.GuildID,
		Name:               req.Name,
		SpeakerChannelID:   req.SpeakerChannelID,
		ListenerChannelIDs: slices.Clone(req.ListenerChannelIDs),
		ReceiverIDs:        make(map[string]string, len(req.ListenerChannelIDs)),
	}

	fwd, err := m.spawner.Spawn(ctx, worker.RoleForwarder, sec.ID, req.GuildID, req.SpeakerChannelID)
	if err != nil {
		return Section{}, fmt.Errorf("start broadcast: spawn forwarder: %w", err)
	}
	sec.ForwarderID = fwd.ID
	spawned := []string{fwd.ID}

	for _, ch := range req.ListenerChannelIDs {
		rcv, err := m.spawner.Spawn(ctx, worker.RoleReceiver, sec.ID, req.GuildID, ch)
		if err != nil {
			m.rollback(spawned)
			return Section{}, fmt.Errorf("start broadcast: spawn receiver for channel %s: %w", ch, err)
		}
		sec.ReceiverIDs[ch] = rcv.ID
		spawned = append(spawned, rcv.ID)
	}

	sec.Active = true
	sec.StartedAt = time.Now()

	m.mu.Lock()
	m.sections[sec.ID] = sec
	m.byGuild[sec.GuildID] = sec.ID
	m.channels[sec.SpeakerChannelID] = sec.ID
	for _, ch := range sec.ListenerChannelIDs {
		m.channels[ch] = sec.ID
	}
	m.mu.Unlock()

	m.metrics.ActiveSections.Add(ctx, 1)
	m.log.Info("broadcast started",
		"section_id", sec.ID,
		"guild_id", sec.GuildID,
		"speaker_channel", sec.SpeakerChannelID,
		"listeners", len(sec.ListenerChannelIDs))
	return sec.clone(), nil
}

// busyLocked rejects a request that collides with any active section.
// Callers hold m.mu.
func (m *Manager) busyLocked(req StartRequest) error {
	if id, ok := m.byGuild[req.GuildID]; ok {
		return fmt.Errorf("%w: guild %s already runs section %s", ErrChannelBusy, req.GuildID, id)
	}
	if id, ok := m.channels[req.SpeakerChannelID]; ok {
		return fmt.Errorf("%w: channel %s is held by section %s", ErrChannelBusy, req.SpeakerChannelID, id)
	}
	for _, ch := range req.ListenerChannelIDs {
		if id, ok := m.channels[ch]; ok {
			return fmt.Errorf("%w: channel %s is held by section %s", ErrChannelBusy, ch, id)
		}
	}
	return nil
}

// rollback tears down the workers of a failed activation attempt, newest
// first. Teardown must run even when the caller's context is already
// canceled.
func (m *Manager) rollback(ids []string) {
	ctx := context.Background()
	for i := len(ids) - 1; i >= 0; i-- {
		if err := m.spawner.Terminate(ctx, ids[i]); err != nil {
			m.log.Warn("rollback terminate failed", "worker_id", ids[i], "error", err)
		}
	}
}

// Stop deactivates the guild's broadcast: receivers are terminated first so
// the forwarder keeps draining until the end, then the forwarder, then the
// section is removed. Stopping a guild with no active section is a no-op.
func (m *Manager) Stop(ctx context.Context, guildID string) error {
	lock := m.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	id, ok := m.byGuild[guildID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	sec := m.sections[id]
	m.removeLocked(sec)
	m.mu.Unlock()

	var errs []error
	for _, ch := range sec.ListenerChannelIDs {
		if err := m.terminate(ctx, sec.ReceiverIDs[ch]); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.terminate(ctx, sec.ForwarderID); err != nil {
		errs = append(errs, err)
	}
	sec.Active = false

	m.metrics.ActiveSections.Add(ctx, -1)
	m.log.Info("broadcast stopped", "section_id", sec.ID, "guild_id", guildID)
	return errors.Join(errs...)
}

// OnWorkerFailed is the supervisor's escalation callback, invoked after a
// worker exhausts its restart budget. A failed forwarder tears the whole
// section down; a failed receiver is evicted and the section stays active
// for the remaining listeners.
func (m *Manager) OnWorkerFailed(w worker.Worker) {
	ctx := context.Background()

	lock := m.guildLock(w.GuildID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	sec, ok := m.sections[w.SectionID]
	if !ok {
		m.mu.Unlock()
		return
	}

	if w.ID == sec.ForwarderID {
		m.removeLocked(sec)
		m.mu.Unlock()
		m.teardown(ctx, sec)
		m.log.Error("forwarder failed, section torn down",
			"section_id", sec.ID, "guild_id", sec.GuildID, "worker_id", w.ID)
		return
	}

	var channelID string
	for ch, rid := range sec.ReceiverIDs {
		if rid == w.ID {
			channelID = ch
			break
		}
	}
	if channelID == "" {
		m.mu.Unlock()
		return
	}

	delete(sec.ReceiverIDs, channelID)
	sec.ListenerChannelIDs = slices.DeleteFunc(sec.ListenerChannelIDs, func(ch string) bool {
		return ch == channelID
	})
	delete(m.channels, channelID)

	// A broadcast with no listeners left serves nobody.
	last := len(sec.ReceiverIDs) == 0
	if last {
		m.removeLocked(sec)
	}
	m.mu.Unlock()

	if err := m.terminate(ctx, w.ID); err != nil {
		m.log.Warn("evicted receiver cleanup failed", "worker_id", w.ID, "error", err)
	}
	if last {
		m.teardown(ctx, sec)
		m.log.Error("last receiver failed, section torn down",
			"section_id", sec.ID, "guild_id", sec.GuildID, "worker_id", w.ID)
		return
	}
	m.log.Warn("receiver evicted from section",
		"section_id", sec.ID,
		"guild_id", sec.GuildID,
		"worker_id", w.ID,
		"channel_id", channelID,
		"listeners_left", len(sec.ListenerChannelIDs))
}

// teardown terminates every remaining worker of a section already removed
// from the registry.
func (m *Manager) teardown(ctx context.Context, sec *Section) {
	for _, ch := range sec.ListenerChannelIDs {
		if err := m.terminate(ctx, sec.ReceiverIDs[ch]); err != nil {
			m.log.Warn("teardown terminate failed", "worker_id", sec.ReceiverIDs[ch], "error", err)
		}
	}
	if err := m.terminate(ctx, sec.ForwarderID); err != nil {
		m.log.Warn("teardown terminate failed", "worker_id", sec.ForwarderID, "error", err)
	}
	sec.Active = false
	m.metrics.ActiveSections.Add(ctx, -1)
}

// terminate stops one worker, treating an already-gone worker as success.
func (m *Manager) terminate(ctx context.Context, id string) error {
	err := m.spawner.Terminate(ctx, id)
	if err != nil && !errors.Is(err, worker.ErrUnknownWorker) {
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	return nil
}

// removeLocked unbinds a section from the registry and the channel index.
// Callers hold m.mu for writing.
func (m *Manager) removeLocked(sec *Section) {
	delete(m.sections, sec.ID)
	delete(m.byGuild, sec.GuildID)
	delete(m.channels, sec.SpeakerChannelID)
	for _, ch := range sec.ListenerChannelIDs {
		delete(m.channels, ch)
	}
}

// Status returns the guild's active section.
func (m *Manager) Status(guildID string) (Section, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byGuild[guildID]
	if !ok {
		return Section{}, false
	}
	return m.sections[id].clone(), true
}

// Snapshot returns all active sections, ordered by guild ID.
func (m *Manager) Snapshot() []Section {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Section, 0, len(m.sections))
	for _, sec := range m.sections {
		out = append(out, sec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GuildID < out[j].GuildID })
	return out
}
