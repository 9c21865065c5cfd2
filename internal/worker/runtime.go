package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbridge/voxbridge/internal/relay"
	"github.com/voxbridge/voxbridge/internal/token"
	"github.com/voxbridge/voxbridge/pkg/voice"
)

// LaunchSpec describes one worker launch.
type LaunchSpec struct {
	ID        string
	Role      Role
	SectionID string
	GuildID   string
	ChannelID string

	// Token selects the credential the worker authenticates with.
	Token token.Token
}

// Handle is a live, launched worker.
type Handle interface {
	// Done is closed when the worker exits on its own, crash included.
	Done() <-chan struct{}

	// Err returns the exit cause once Done is closed, nil before then.
	Err() error

	// LastContact reports the last time the worker proved liveness.
	LastContact() time.Time

	// Stop terminates the worker and waits for its goroutines.
	Stop(ctx context.Context) error
}

// Runtime launches workers. A successful Launch means the startup handshake
// completed: the worker holds both its voice channel connection and its
// relay registration.
type Runtime interface {
	Launch(ctx context.Context, spec LaunchSpec) (Handle, error)
}

// DialerSource supplies the voice dialer for a credential. Implementations
// typically maintain one platform session per bot token.
type DialerSource interface {
	Dialer(ctx context.Context, tok token.Token) (voice.Dialer, error)
}

// BridgeRuntime is the production [Runtime]: each worker is a pair of pump
// goroutines moving Opus packets between a voice connection and a relay
// client.
type BridgeRuntime struct {
	relayURL string
	dialers  DialerSource
}

// NewBridgeRuntime creates a runtime that registers workers against the
// relay at relayURL, dialing voice channels with credentials resolved
// through dialers.
func NewBridgeRuntime(relayURL string, dialers DialerSource) *BridgeRuntime {
	return &BridgeRuntime{relayURL: relayURL, dialers: dialers}
}

// Launch implements [Runtime]. The voice channel is joined first; if the
// relay registration then fails, the channel is left again so no
// half-started worker lingers.
func (r *BridgeRuntime) Launch(ctx context.Context, spec LaunchSpec) (Handle, error) {
	dialer, err := r.dialers.Dialer(ctx, spec.Token)
	if err != nil {
		return nil, fmt.Errorf("worker %s: resolve dialer: %w", spec.ID, err)
	}

	vconn, err := dialer.Dial(ctx, spec.GuildID, spec.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("worker %s: join voice channel: %w", spec.ID, err)
	}

	client, err := relay.Dial(ctx, relay.ClientConfig{
		URL:       r.relayURL,
		ID:        spec.ID,
		Role:      spec.Role.RelayRole(),
		SectionID: spec.SectionID,
		GuildID:   spec.GuildID,
		ChannelID: spec.ChannelID,
	})
	if err != nil {
		_ = vconn.Close()
		return nil, fmt.Errorf("worker %s: register with relay: %w", spec.ID, err)
	}

	b := &bridge{
		id:     spec.ID,
		log:    slog.With("component", "worker", "worker_id", spec.ID),
		vconn:  vconn,
		client: client,
		done:   make(chan struct{}),
	}
	b.lastFrame.Store(time.Now().UnixNano())
	b.wg.Add(2)
	go b.pumpToRelay()
	go b.pumpToVoice()
	return b, nil
}

// bridge pumps frames both ways until either side drops.
type bridge struct {
	id     string
	log    *slog.Logger
	vconn  voice.Conn
	client *relay.Client

	done chan struct{}
	err  error
	once sync.Once
	wg   sync.WaitGroup

	lastFrame atomic.Int64
}

// pumpToRelay moves captured channel audio to the relay.
func (b *bridge) pumpToRelay() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case f, ok := <-b.vconn.Recv():
			if !ok {
				b.finish(errors.New("voice connection closed"))
				return
			}
			b.lastFrame.Store(time.Now().UnixNano())
			if err := b.client.Send(f.Opus); err != nil {
				b.finish(fmt.Errorf("relay send: %w", err))
				return
			}
		}
	}
}

// pumpToVoice plays relayed audio into the channel.
func (b *bridge) pumpToVoice() {
	defer b.wg.Done()
	var lastSeq uint64
	for {
		select {
		case <-b.done:
			return
		case pkt, ok := <-b.client.Audio():
			if !ok {
				b.finish(errors.New("relay connection closed"))
				return
			}
			b.lastFrame.Store(time.Now().UnixNano())
			if pkt.Seq > 0 && lastSeq > 0 && pkt.Seq != lastSeq+1 {
				b.log.Debug("sequence gap in relayed audio",
					"from", lastSeq, "to", pkt.Seq)
			}
			if pkt.Seq > 0 {
				lastSeq = pkt.Seq
			}
			if err := b.vconn.Send(voice.Frame{Opus: pkt.Payload}); err != nil {
				b.finish(fmt.Errorf("voice send: %w", err))
				return
			}
		}
	}
}

// finish records the first exit cause and signals Done.
func (b *bridge) finish(err error) {
	b.once.Do(func() {
		b.err = err
		close(b.done)
	})
}

// Done implements [Handle].
func (b *bridge) Done() <-chan struct{} {
	return b.done
}

// Err implements [Handle].
func (b *bridge) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// LastContact implements [Handle]. Liveness is the later of the last pumped
// frame and the last relay control contact, so idle sections stay healthy
// through relay pings alone.
func (b *bridge) LastContact() time.Time {
	frame := time.Unix(0, b.lastFrame.Load())
	if contact := b.client.LastContact(); contact.After(frame) {
		return contact
	}
	return frame
}

// Stop implements [Handle].
func (b *bridge) Stop(_ context.Context) error {
	b.finish(nil)
	err := errors.Join(b.client.Close(), b.vconn.Close())
	b.wg.Wait()
	return err
}
