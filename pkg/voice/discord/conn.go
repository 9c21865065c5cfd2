package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/pkg/voice"
)

// Compile-time interface assertion.
var _ voice.Conn = (*Conn)(nil)

const (
	recvChannelBuffer = 64
	sendChannelBuffer = 64

	// idleTimeout is how long playback may go without a frame before the
	// silence tail is played and the speaking flag drops.
	idleTimeout = 200 * time.Millisecond
)

// Conn wraps a discordgo.VoiceConnection and adapts it to [voice.Conn].
// Captured Opus packets pass through untouched. Playback packets are fed to
// Discord as they arrive; when the stream idles the connection plays a short
// silence tail and clears the speaking flag.
//
// Conn is safe for concurrent use.
type Conn struct {
	vc *discordgo.VoiceConnection

	recv chan voice.Frame
	send chan voice.Frame

	done      chan struct{}
	closeOnce sync.Once

	// disconnectVC is called during Close to tear down the voice
	// connection. Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConn initialises a Conn for an already-joined voice channel and starts
// its capture and playback goroutines.
func newConn(vc *discordgo.VoiceConnection) *Conn {
	c := &Conn{
		vc:           vc,
		recv:         make(chan voice.Frame, recvChannelBuffer),
		send:         make(chan voice.Frame, sendChannelBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	go c.recvLoop()
	go c.sendLoop()
	return c
}

// Recv returns the stream of packets captured from the channel.
func (c *Conn) Recv() <-chan voice.Frame {
	return c.recv
}

// Send queues one packet for playback into the channel.
func (c *Conn) Send(f voice.Frame) error {
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return voice.ErrClosed
	}
}

// Close tears down the voice connection and stops the capture and playback
// goroutines. Safe to call more than once; subsequent calls return nil.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// recvLoop reads Opus packets from the Discord voice connection and delivers
// them as [voice.Frame] values. The capture path never blocks on a slow
// consumer; excess frames are dropped.
func (c *Conn) recvLoop() {
	defer close(c.recv)
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			frame := voice.Frame{
				UserID: strconv.FormatUint(uint64(pkt.SSRC), 10),
				Opus:   pkt.Opus,
			}
			select {
			case c.recv <- frame:
			default:
			}
		}
	}
}

// sendLoop feeds queued packets to Discord, managing the speaking flag and
// the idle silence tail.
func (c *Conn) sendLoop() {
	silence := silenceFrame()
	speaking := false

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return

		case f := <-c.send:
			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}
			select {
			case c.vc.OpusSend <- f.Opus:
			case <-c.done:
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)

		case <-idle.C:
			if speaking {
				for range silenceTailFrames {
					select {
					case c.vc.OpusSend <- silence:
					case <-c.done:
						return
					}
				}
				c.setSpeaking(false)
				speaking = false
			}
			idle.Reset(idleTimeout)
		}
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Conn) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}
