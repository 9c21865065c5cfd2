// Package voice defines the interfaces and types for voice-channel
// connectivity within VoxBridge.
//
// The two primary abstractions are:
//
//   - [Dialer]: joins a voice channel and returns a [Conn].
//   - [Conn]: an active presence on that channel, exposing captured audio
//     and accepting audio for playback.
//
// Audio crosses these interfaces as encoded Opus packets. VoxBridge is a
// relay, not an audio processor: packets captured from a speaker channel are
// delivered to listener channels byte for byte, so nothing here decodes.
//
// Implementations are provided by platform adapter packages (e.g.
// voice/discord). The package lives under pkg/ because external platform
// adapters are expected to implement [Dialer] and [Conn].
package voice

import (
	"context"
	"errors"
)

// ErrClosed is returned by [Conn.Send] after the connection is closed.
var ErrClosed = errors.New("voice: connection closed")

// Frame is one captured Opus packet.
type Frame struct {
	// UserID identifies the participant the packet was captured from, when
	// the platform can attribute it. May be empty.
	UserID string

	// Opus is the encoded packet, ready for relay or playback.
	Opus []byte
}

// Conn is an active presence on a single voice channel.
//
// A Conn is obtained from [Dialer.Dial] and remains valid until
// [Conn.Close]. Implementations must be safe for concurrent use.
type Conn interface {
	// Recv returns the stream of packets captured from the channel. The
	// channel is closed when the connection terminates. Slow consumers lose
	// packets rather than stall the capture path.
	Recv() <-chan Frame

	// Send queues one packet for playback into the channel. Returns an
	// error once the connection is closed.
	Send(Frame) error

	// Close tears the connection down and closes the Recv stream. Safe to
	// call more than once.
	Close() error
}

// Dialer joins voice channels for one platform account.
//
// Implementations wrap platform SDK sessions and must be safe for
// concurrent use.
type Dialer interface {
	// Dial joins the voice channel identified by guildID and channelID.
	// The ctx governs the join attempt only; the returned Conn lives until
	// closed explicitly.
	Dial(ctx context.Context, guildID, channelID string) (Conn, error)
}
