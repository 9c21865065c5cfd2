// Package worker supervises the audio workers serving broadcast sections.
//
// A worker is a goroutine bridge between one Discord voice channel and the
// relay: a forwarder pushes captured speaker audio in, a receiver plays
// relayed audio out and returns talkback. The [Supervisor] owns the full
// lifecycle: leasing a credential from the token pool, launching through a
// [Runtime], verifying the startup handshake, watching liveness, and
// restarting crashed workers a bounded number of times before declaring
// them failed.
package worker

import (
	"time"

	"github.com/voxbridge/voxbridge/internal/relay"
	"github.com/voxbridge/voxbridge/internal/token"
)

// Role identifies a worker's audio direction.
type Role string

const (
	// RoleForwarder workers capture the speaker channel and push audio in.
	RoleForwarder Role = "forwarder"

	// RoleReceiver workers play relayed audio into a listener channel.
	RoleReceiver Role = "receiver"
)

// WorkerID returns the canonical worker ID for this role on a channel.
func (r Role) WorkerID(channelID string) string {
	if r == RoleForwarder {
		return "audioforwarder_" + channelID
	}
	return "audioreceiver_" + channelID
}

// TokenRole maps to the credential lane serving this role.
func (r Role) TokenRole() token.Role {
	if r == RoleForwarder {
		return token.RoleForwarder
	}
	return token.RoleReceiver
}

// RelayRole maps to the relay protocol role.
func (r Role) RelayRole() relay.Role {
	if r == RoleForwarder {
		return relay.RoleForwarder
	}
	return relay.RoleReceiver
}

// State tracks a worker through its lifecycle.
type State int

const (
	// StatePending marks a worker whose credential is leased but whose
	// launch has not begun.
	StatePending State = iota

	// StateStarting marks a worker mid-launch or mid-restart.
	StateStarting

	// StateRunning marks a worker with a completed handshake.
	StateRunning

	// StateStopping marks a worker whose termination was requested.
	StateStopping

	// StateStopped marks a terminated worker.
	StateStopped

	// StateFailed marks a worker whose restart budget is exhausted.
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Worker is the supervisor's record of one audio worker.
type Worker struct {
	// ID is the canonical worker ID, e.g. audioforwarder_<channelID>.
	ID string

	// Role is the worker's audio direction.
	Role Role

	// SectionID is the broadcast section the worker serves.
	SectionID string

	// GuildID and ChannelID locate the voice channel the worker occupies.
	GuildID   string
	ChannelID string

	// Token is the leased credential. Held across restarts and returned to
	// the pool when the worker stops or fails.
	Token token.Token

	// State is the current lifecycle state.
	State State

	// Restarts counts recovery launches over the worker's lifetime.
	Restarts int

	// StartedAt is when the most recent launch completed its handshake.
	StartedAt time.Time
}
