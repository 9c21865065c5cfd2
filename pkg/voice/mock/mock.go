// Package mock provides in-memory mock implementations of the [voice.Dialer]
// and [voice.Conn] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	conn := &mock.Conn{}
//	dialer := &mock.Dialer{DialResult: conn}
//	got, err := dialer.Dial(ctx, "guild-1", "channel-42")
//	conn.EmitFrame(voice.Frame{Opus: []byte{0xf8}})
package mock

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/voice"
)

// Conn is a mock implementation of [voice.Conn].
// Set the exported fields before use; inspect the Call* fields after.
type Conn struct {
	mu sync.Mutex

	// SendError is returned by [Conn.Send] while the connection is open.
	SendError error

	// CloseError is returned by the first call to [Conn.Close].
	CloseError error

	// SendCalls records every frame passed to Send, in order.
	SendCalls []voice.Frame

	// CallCountRecv records how many times Recv was called.
	CallCountRecv int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	recv   chan voice.Frame
	closed bool
}

// Recv implements [voice.Conn]. The stream is created lazily; use
// [Conn.EmitFrame] to deliver frames on it.
func (c *Conn) Recv() <-chan voice.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountRecv++
	return c.stream()
}

// Send implements [voice.Conn]. Records the frame and returns SendError, or
// [voice.ErrClosed] once Close has been called.
func (c *Conn) Send(f voice.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return voice.ErrClosed
	}
	c.SendCalls = append(c.SendCalls, f)
	return c.SendError
}

// Close implements [voice.Conn]. The first call closes the Recv stream and
// returns CloseError; subsequent calls are no-ops returning nil.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stream())
	return c.CloseError
}

// EmitFrame delivers f on the Recv stream. Use this in tests to simulate
// captured channel audio. Frames emitted after Close are dropped.
func (c *Conn) EmitFrame(f voice.Frame) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ch := c.stream()
	c.mu.Unlock()
	ch <- f
}

// Sent returns a copy of the frames recorded by Send.
func (c *Conn) Sent() []voice.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]voice.Frame, len(c.SendCalls))
	copy(out, c.SendCalls)
	return out
}

// stream returns the lazily created Recv channel. Callers hold c.mu.
func (c *Conn) stream() chan voice.Frame {
	if c.recv == nil {
		c.recv = make(chan voice.Frame, 64)
	}
	return c.recv
}

// DialCall records the arguments of a single [Dialer.Dial] invocation.
type DialCall struct {
	// GuildID is the guildID argument passed to Dial.
	GuildID string

	// ChannelID is the channelID argument passed to Dial.
	ChannelID string
}

// Dialer is a mock implementation of [voice.Dialer].
type Dialer struct {
	mu sync.Mutex

	// DialResult is the [voice.Conn] returned by Dial. When nil, each call
	// returns a fresh [Conn], recorded in Conns.
	DialResult voice.Conn

	// DialError is the error returned by Dial.
	DialError error

	// DialCalls records all Dial invocations.
	DialCalls []DialCall

	// Conns holds the connections handed out when DialResult is nil.
	Conns []*Conn
}

// Dial implements [voice.Dialer]. Records the call and returns
// DialResult / DialError.
func (d *Dialer) Dial(_ context.Context, guildID, channelID string) (voice.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{GuildID: guildID, ChannelID: channelID})
	if d.DialError != nil {
		return nil, d.DialError
	}
	if d.DialResult != nil {
		return d.DialResult, nil
	}
	conn := &Conn{}
	d.Conns = append(d.Conns, conn)
	return conn, nil
}

// Calls returns a copy of the recorded Dial invocations.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DialCall, len(d.DialCalls))
	copy(out, d.DialCalls)
	return out
}
