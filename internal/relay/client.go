package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Client dial defaults.
const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 1 * time.Second
)

// ErrClientClosed is returned by [Client.Send] after Close.
var ErrClientClosed = errors.New("relay: client closed")

// ClientConfig configures a relay [Client].
type ClientConfig struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:8765/ws.
	URL string

	// ID is the unique endpoint id to register under.
	ID string

	// Role declares the audio direction for this endpoint.
	Role Role

	// SectionID, GuildID and ChannelID identify the broadcast this
	// endpoint belongs to.
	SectionID string
	GuildID   string
	ChannelID string

	// MaxRetries caps dial attempts. Default: 5.
	MaxRetries int

	// RetryDelay is the initial wait between dial attempts; it doubles
	// after each failure. Default: 1s.
	RetryDelay time.Duration
}

func (c *ClientConfig) validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if c.ID == "" {
		errs = append(errs, errors.New("endpoint id is required"))
	}
	if !c.Role.IsValid() {
		errs = append(errs, fmt.Errorf("unknown role %q", c.Role))
	}
	if c.SectionID == "" {
		errs = append(errs, errors.New("section id is required"))
	}
	return errors.Join(errs...)
}

// Client is one endpoint's connection to the relay server. A forwarder
// pushes captured audio with [Client.Send]; a receiver consumes relayed
// frames from [Client.Audio]. Pings from the server are answered
// automatically.
type Client struct {
	cfg  ClientConfig
	log  *slog.Logger
	conn *websocket.Conn

	recv chan AudioPacket
	out  chan outFrame

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	lastContact   atomic.Int64
	listenerCount atomic.Int64
}

// Dial connects to the relay server and completes the registration
// handshake. Dial attempts are retried with doubling delays; the handshake
// itself runs under ctx, so give it a deadline.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("relay: invalid client config: %w", err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	var (
		conn  *websocket.Conn
		err   error
		delay = cfg.RetryDelay
	)
	for attempt := 1; ; attempt++ {
		conn, _, err = websocket.Dial(ctx, cfg.URL, nil) //nolint:bodyclose // closed via conn.Close
		if err == nil {
			break
		}
		if attempt >= cfg.MaxRetries {
			return nil, fmt.Errorf("relay: dial %s after %d attempts: %w", cfg.URL, attempt, err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("relay: dial %s: %w", cfg.URL, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	conn.SetReadLimit(DefaultMaxMessageBytes)

	c := &Client{
		cfg:  cfg,
		log:  slog.With("component", "relay_client", "endpoint_id", cfg.ID),
		conn: conn,
		recv: make(chan AudioPacket, sendBuffer),
		out:  make(chan outFrame, sendBuffer),
		done: make(chan struct{}),
	}
	c.lastContact.Store(time.Now().UnixNano())

	if err := c.handshake(ctx); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, err
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	c.log.Info("registered with relay",
		"role", cfg.Role, "section_id", cfg.SectionID)
	return c, nil
}

// handshake sends the register message and waits for the server's verdict.
func (c *Client) handshake(ctx context.Context) error {
	reg := Message{
		Type:      MsgRegister,
		ID:        c.cfg.ID,
		Role:      c.cfg.Role,
		SectionID: c.cfg.SectionID,
		GuildID:   c.cfg.GuildID,
		ChannelID: c.cfg.ChannelID,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := Encode(reg)
	if err != nil {
		return fmt.Errorf("relay: encode register: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relay: send register: %w", err)
	}

	_, data, err = c.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("relay: read register ack: %w", err)
	}
	ack, err := Decode(data)
	if err != nil {
		return fmt.Errorf("relay: bad register ack: %w", err)
	}
	switch ack.Type {
	case MsgRegistered:
		c.listenerCount.Store(int64(ack.ListenerCount))
		return nil
	case MsgError:
		return fmt.Errorf("relay: registration rejected: %s", ack.ErrorMessage)
	default:
		return fmt.Errorf("relay: unexpected ack type %q", ack.Type)
	}
}

// readLoop consumes server frames until the connection drops. The audio
// channel is closed on exit so consumers observe the disconnect.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.recv)

	ctx := context.Background()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("relay connection lost", "err", err)
			}
			return
		}
		c.lastContact.Store(time.Now().UnixNano())

		switch typ {
		case websocket.MessageBinary:
			var pkt AudioPacket
			if c.cfg.Role == RoleReceiver {
				pkt, err = DecodeAudio(data)
				if err != nil {
					c.log.Warn("bad audio frame", "err", err)
					continue
				}
			} else {
				// Talkback frames carry no sequence prefix.
				pkt = AudioPacket{Payload: data}
			}
			select {
			case c.recv <- pkt:
			case <-c.done:
				return
			}

		case websocket.MessageText:
			msg, err := Decode(data)
			if err != nil {
				c.log.Warn("bad control frame", "err", err)
				continue
			}
			switch msg.Type {
			case MsgPing:
				pong := Message{Type: MsgPong, ID: c.cfg.ID, Timestamp: msg.Timestamp}
				if data, err := Encode(pong); err == nil {
					select {
					case c.out <- outFrame{websocket.MessageText, data}:
					case <-c.done:
						return
					}
				}
			case MsgRegistered:
				c.listenerCount.Store(int64(msg.ListenerCount))
			case MsgError:
				c.log.Warn("relay reported an error", "message", msg.ErrorMessage)
			default:
				c.log.Debug("unexpected control message", "type", msg.Type)
			}
		}
	}
}

// writeLoop is the single writer for the connection.
func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case f := <-c.out:
			wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(wctx, f.typ, f.data)
			cancel()
			if err != nil {
				select {
				case <-c.done:
				default:
					c.log.Warn("relay write failed", "err", err)
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send queues one raw audio payload for the relay. Forwarders send captured
// channel audio; receivers send talkback. Blocks only while the outbound
// queue is full.
func (c *Client) Send(payload []byte) error {
	select {
	case c.out <- outFrame{websocket.MessageBinary, payload}:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// Audio returns the inbound audio stream. The channel closes when the
// connection drops or the client is closed.
func (c *Client) Audio() <-chan AudioPacket {
	return c.recv
}

// ListenerCount reports the section's receiver count as last announced by
// the server. Meaningful for forwarder endpoints.
func (c *Client) ListenerCount() int {
	return int(c.listenerCount.Load())
}

// LastContact returns the time of the last frame seen from the server.
func (c *Client) LastContact() time.Time {
	return time.Unix(0, c.lastContact.Load())
}

// Close disconnects from the relay. Safe to call multiple times.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.wg.Wait()
		c.log.Info("relay client closed")
	})
	return nil
}
