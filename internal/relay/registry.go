package relay

import (
	"errors"
	"sync"
	"time"
)

// ErrDuplicateEndpoint is returned by [Registry.Register] when the endpoint
// ID is already registered.
var ErrDuplicateEndpoint = errors.New("relay: endpoint already registered")

// Endpoint describes one registered relay endpoint.
type Endpoint struct {
	ID        string
	Role      Role
	SectionID string
	GuildID   string
	ChannelID string
}

// sectionBinding tracks which endpoints serve a section.
type sectionBinding struct {
	forwarder string
	receivers map[string]bool
}

// Registry is the coordinator's endpoint book-keeping: endpoint ID to
// endpoint, section to forwarder and receiver set, and per-endpoint liveness
// timestamps. All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	sections  map[string]*sectionBinding
	lastSeen  map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]Endpoint),
		sections:  make(map[string]*sectionBinding),
		lastSeen:  make(map[string]time.Time),
	}
}

// Register adds ep and binds it to its section. A forwarder replaces any
// previous forwarder binding for the section (the supervisor restarts
// workers under the same ID, but a replaced binding must not linger).
// Returns [ErrDuplicateEndpoint] when the ID is already present.
func (r *Registry) Register(ep Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[ep.ID]; exists {
		return ErrDuplicateEndpoint
	}

	r.endpoints[ep.ID] = ep
	r.lastSeen[ep.ID] = time.Now()

	b := r.sections[ep.SectionID]
	if b == nil {
		b = &sectionBinding{receivers: make(map[string]bool)}
		r.sections[ep.SectionID] = b
	}
	switch ep.Role {
	case RoleForwarder:
		b.forwarder = ep.ID
	case RoleReceiver:
		b.receivers[ep.ID] = true
	}
	return nil
}

// Unregister removes the endpoint and its section bindings. Returns the
// removed endpoint and whether it existed.
func (r *Registry) Unregister(id string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	delete(r.endpoints, id)
	delete(r.lastSeen, id)

	if b := r.sections[ep.SectionID]; b != nil {
		if b.forwarder == id {
			b.forwarder = ""
		}
		delete(b.receivers, id)
		if b.forwarder == "" && len(b.receivers) == 0 {
			delete(r.sections, ep.SectionID)
		}
	}
	return ep, true
}

// Get returns the endpoint for id.
func (r *Registry) Get(id string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ep, ok
}

// Forwarder returns the forwarder endpoint ID bound to the section.
func (r *Registry) Forwarder(sectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.sections[sectionID]
	if b == nil || b.forwarder == "" {
		return "", false
	}
	return b.forwarder, true
}

// Receivers returns the receiver endpoint IDs bound to the section.
func (r *Registry) Receivers(sectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.sections[sectionID]
	if b == nil {
		return nil
	}
	ids := make([]string, 0, len(b.receivers))
	for id := range b.receivers {
		ids = append(ids, id)
	}
	return ids
}

// ListenerCount returns the number of receivers bound to the section.
func (r *Registry) ListenerCount(sectionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b := r.sections[sectionID]; b != nil {
		return len(b.receivers)
	}
	return 0
}

// Touch records liveness for the endpoint, typically on a received pong.
func (r *Registry) Touch(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[id]; ok {
		r.lastSeen[id] = at
	}
}

// StaleSince returns the IDs of endpoints not heard from since cutoff.
func (r *Registry) StaleSince(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []string
	for id, seen := range r.lastSeen {
		if seen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// IDs returns all registered endpoint IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of registered endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
