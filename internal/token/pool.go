// Package token manages the pool of Discord bot credentials that audio
// workers run under. The pool keeps two lanes: a single dedicated forwarder
// credential and a FIFO list of receiver credentials. When no receiver
// credentials are configured the pool falls back to shared mode, leasing the
// primary bot credential a bounded number of times instead.
package token

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrNoTokens is returned by [Pool.Acquire] when the requested lane has no
// credential left to lease.
var ErrNoTokens = errors.New("token: pool exhausted")

// defaultSharedPoolSize bounds how many concurrent leases the primary
// credential supports in shared mode.
const defaultSharedPoolSize = 10

// Role selects the credential lane to lease from.
type Role string

const (
	// RoleForwarder is the lane holding the dedicated forwarder credential.
	RoleForwarder Role = "forwarder"

	// RoleReceiver is the lane holding receiver credentials (or shared
	// leases of the primary credential).
	RoleReceiver Role = "receiver"
)

// Token is a leased credential. Hold it for the lifetime of the worker it
// authenticates and return it with [Pool.Release] exactly once.
type Token struct {
	// Value is the bot credential itself.
	Value string

	// Role is the lane the token was leased from.
	Role Role

	// shared marks leases of the primary credential (shared mode).
	shared bool
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	// Available is the total number of leases still obtainable.
	Available int

	// Used is the total number of outstanding leases.
	Used int

	// ReceiverAvailable and ReceiverUsed break the receiver lane out of the
	// totals. In shared mode these count leases of the primary credential.
	ReceiverAvailable int
	ReceiverUsed      int

	// SharedMode reports whether the receiver lane is leasing the primary
	// credential instead of dedicated receiver credentials.
	SharedMode bool
}

// Config holds the credentials a [Pool] manages.
type Config struct {
	// Primary is the main bot credential. It backs shared mode and is never
	// leased directly while receiver credentials are configured.
	Primary string

	// Forwarder is the dedicated forwarder credential.
	Forwarder string

	// Receivers are the spare receiver credentials, leased in FIFO order.
	// An empty list is valid and switches the receiver lane to shared mode.
	Receivers []string

	// SharedPoolSize caps concurrent shared-mode leases of the primary
	// credential. Defaults to 10 if zero.
	SharedPoolSize int
}

// Pool is a concurrency-safe credential pool. All methods are safe for
// concurrent use.
type Pool struct {
	mu sync.Mutex

	primary    string
	sharedSize int

	forwarder       string
	forwarderLeased bool

	// configured is the current receiver credential set; spares is the
	// subset not leased out, in FIFO order.
	configured map[string]bool
	spares     []string
	leased     map[string]bool

	sharedLeases int
}

// NewPool creates a pool from cfg. Receiver credentials are leased in the
// order given.
func NewPool(cfg Config) *Pool {
	size := cfg.SharedPoolSize
	if size <= 0 {
		size = defaultSharedPoolSize
	}
	p := &Pool{
		primary:    cfg.Primary,
		sharedSize: size,
		forwarder:  cfg.Forwarder,
		configured: make(map[string]bool, len(cfg.Receivers)),
		spares:     make([]string, 0, len(cfg.Receivers)),
		leased:     make(map[string]bool),
	}
	for _, tok := range cfg.Receivers {
		if tok == "" || p.configured[tok] {
			continue
		}
		p.configured[tok] = true
		p.spares = append(p.spares, tok)
	}
	return p
}

// Acquire leases a credential from the given lane. Returns [ErrNoTokens]
// when the lane is exhausted.
func (p *Pool) Acquire(role Role) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch role {
	case RoleForwarder:
		if p.forwarderLeased {
			return Token{}, ErrNoTokens
		}
		p.forwarderLeased = true
		return Token{Value: p.forwarder, Role: RoleForwarder}, nil

	case RoleReceiver:
		if len(p.configured) == 0 {
			// Shared mode: lease the primary credential up to the cap.
			if p.sharedLeases >= p.sharedSize {
				return Token{}, ErrNoTokens
			}
			p.sharedLeases++
			return Token{Value: p.primary, Role: RoleReceiver, shared: true}, nil
		}
		if len(p.spares) == 0 {
			return Token{}, ErrNoTokens
		}
		tok := p.spares[0]
		p.spares = p.spares[1:]
		p.leased[tok] = true
		return Token{Value: tok, Role: RoleReceiver}, nil

	default:
		return Token{}, ErrNoTokens
	}
}

// Release returns a leased credential to its lane. Releasing a token that is
// not outstanding logs a warning and leaves the pool untouched, so a double
// release cannot inflate availability.
func (p *Pool) Release(tok Token) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case tok.Role == RoleForwarder:
		if !p.forwarderLeased {
			slog.Warn("token: release of forwarder credential that is not leased")
			return
		}
		p.forwarderLeased = false

	case tok.shared:
		if p.sharedLeases <= 0 {
			slog.Warn("token: release of shared credential with no outstanding lease")
			return
		}
		p.sharedLeases--

	default:
		if !p.leased[tok.Value] {
			slog.Warn("token: release of receiver credential that is not leased")
			return
		}
		delete(p.leased, tok.Value)
		// A credential dropped from the configured set while leased is
		// retired here instead of returning to the spare list.
		if p.configured[tok.Value] {
			p.spares = append(p.spares, tok.Value)
		}
	}
}

// Resize replaces the configured receiver credential set. Credentials
// currently leased stay leased; ones no longer configured are retired when
// released. Passing an empty list switches future receiver acquires to
// shared mode.
func (p *Pool) Resize(receivers []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	configured := make(map[string]bool, len(receivers))
	spares := make([]string, 0, len(receivers))
	for _, tok := range receivers {
		if tok == "" || configured[tok] {
			continue
		}
		configured[tok] = true
		if !p.leased[tok] {
			spares = append(spares, tok)
		}
	}
	p.configured = configured
	p.spares = spares
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{SharedMode: len(p.configured) == 0}
	if s.SharedMode {
		s.ReceiverAvailable = p.sharedSize - p.sharedLeases
		s.ReceiverUsed = p.sharedLeases
	} else {
		s.ReceiverAvailable = len(p.spares)
		s.ReceiverUsed = len(p.leased)
	}

	s.Available = s.ReceiverAvailable
	s.Used = s.ReceiverUsed
	if p.forwarderLeased {
		s.Used++
	} else {
		s.Available++
	}
	return s
}
