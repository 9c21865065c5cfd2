package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/pipeline"
)

// Default relay server parameters.
const (
	DefaultListenAddr       = "localhost:8765"
	DefaultPingInterval     = 30 * time.Second
	DefaultHeartbeatTimeout = 90 * time.Second
	DefaultMaxConnections   = 100
	DefaultMaxMessageBytes  = 1 << 20
)

const (
	// registerTimeout is the grace an endpoint gets to send its register
	// message after connecting.
	registerTimeout = 10 * time.Second

	// writeTimeout bounds a single websocket write.
	writeTimeout = 5 * time.Second

	// sendBuffer is the per-endpoint outbound queue length.
	sendBuffer = 256
)

// ServerConfig configures a relay [Server].
type ServerConfig struct {
	// ListenAddr is the TCP address to listen on. Default: localhost:8765.
	ListenAddr string

	// PingInterval is how often registered endpoints are pinged.
	// Default: 30s.
	PingInterval time.Duration

	// HeartbeatTimeout is how long an endpoint may go without answering
	// before it is dropped. Default: 90s.
	HeartbeatTimeout time.Duration

	// MaxConnections caps concurrent endpoints. Default: 100.
	MaxConnections int64

	// MaxMessageBytes caps a single frame. Default: 1 MiB.
	MaxMessageBytes int64

	// BufferFrames sizes each receiver's pipeline buffer.
	// Zero selects [pipeline.DefaultCapacity].
	BufferFrames int

	// Metrics receives relay instrumentation. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// outFrame is one queued outbound websocket frame.
type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

// endpointConn pairs a registered endpoint with its connection and outbound
// queue. Writes go through the queue so a single goroutine owns the socket's
// write side.
type endpointConn struct {
	ep   Endpoint
	conn *websocket.Conn
	send chan outFrame
	done chan struct{}
	once sync.Once
}

// enqueue offers f to the outbound queue without blocking. Returns false
// when the queue is full.
func (c *endpointConn) enqueue(f outFrame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *endpointConn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// Server is the embedded relay websocket server. Forwarder endpoints push
// binary audio in; the server stamps each frame into the section's pipeline
// and fans it out to the section's receiver endpoints. Receiver binary
// frames travel back to the section's forwarder (talkback).
type Server struct {
	cfg     ServerConfig
	log     *slog.Logger
	reg     *Registry
	sem     *semaphore.Weighted
	metrics *observe.Metrics

	mu        sync.RWMutex
	conns     map[string]*endpointConn
	pipelines map[string]*pipeline.Pipeline

	httpSrv *http.Server
	ln      net.Listener
	running atomic.Bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a relay server. Call [Server.Start] to begin listening.
func NewServer(cfg ServerConfig) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:       cfg,
		log:       slog.With("component", "relay"),
		reg:       NewRegistry(),
		sem:       semaphore.NewWeighted(cfg.MaxConnections),
		metrics:   metrics,
		conns:     make(map[string]*endpointConn),
		pipelines: make(map[string]*pipeline.Pipeline),
		done:      make(chan struct{}),
	}
}

// Start binds the listen address and begins accepting endpoints. It returns
// once the server is listening.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay server stopped", "err", err)
		}
	}()

	s.wg.Add(1)
	go s.pingLoop()

	s.running.Store(true)
	s.log.Info("relay server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Running reports whether the server is accepting endpoints.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Endpoints returns the number of registered endpoints.
func (s *Server) Endpoints() int {
	return s.reg.Count()
}

// Stop shuts the server down: no new endpoints, all connections closed, all
// pipelines drained. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.done)

		if s.httpSrv != nil {
			err = s.httpSrv.Shutdown(ctx)
		}

		s.mu.Lock()
		conns := make([]*endpointConn, 0, len(s.conns))
		for _, ec := range s.conns {
			conns = append(conns, ec)
		}
		pipelines := s.pipelines
		s.pipelines = make(map[string]*pipeline.Pipeline)
		s.mu.Unlock()

		for _, ec := range conns {
			ec.shutdown()
			_ = ec.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		for _, pl := range pipelines {
			pl.Close()
		}

		s.wg.Wait()
		s.log.Info("relay server stopped")
	})
	return err
}

// handleWS upgrades one endpoint connection and serves it until disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.sem.TryAcquire(1) {
		http.Error(w, "relay at capacity", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	ctx := r.Context()

	ec, err := s.register(ctx, conn)
	if err != nil {
		if data, encErr := Encode(Message{Type: MsgError, ErrorMessage: err.Error()}); encErr == nil {
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			_ = conn.Write(wctx, websocket.MessageText, data)
			cancel()
		}
		_ = conn.Close(websocket.StatusPolicyViolation, "registration failed")
		return
	}
	defer s.cleanup(ec)

	s.readLoop(ctx, ec)
}

// register performs the registration handshake: the first frame must be a
// valid register message. A re-registration under an ID that is still bound
// evicts the stale connection first.
func (s *Server) register(ctx context.Context, conn *websocket.Conn) (*endpointConn, error) {
	rctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	typ, data, err := conn.Read(rctx)
	if err != nil {
		return nil, fmt.Errorf("read register message: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, errors.New("expected a register message before audio")
	}
	msg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if msg.Type != MsgRegister {
		return nil, fmt.Errorf("expected register, got %q", msg.Type)
	}
	if msg.ID == "" {
		return nil, errors.New("register is missing the endpoint id")
	}
	if !msg.Role.IsValid() {
		return nil, fmt.Errorf("unknown role %q", msg.Role)
	}
	if msg.SectionID == "" {
		return nil, errors.New("register is missing the section id")
	}

	ep := Endpoint{
		ID:        msg.ID,
		Role:      msg.Role,
		SectionID: msg.SectionID,
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
	}

	ec := &endpointConn{
		ep:   ep,
		conn: conn,
		send: make(chan outFrame, sendBuffer),
		done: make(chan struct{}),
	}

	var stale *endpointConn
	s.mu.Lock()
	if prev := s.conns[ep.ID]; prev != nil {
		// A restarted worker reconnects under its old ID before the dead
		// connection is pruned. The newcomer supersedes it.
		prev.shutdown()
		s.reg.Unregister(ep.ID)
		if oldPl := s.pipelines[prev.ep.SectionID]; oldPl != nil {
			if prev.ep.Role == RoleReceiver {
				oldPl.RemoveTap(ep.ID)
			}
			if prev.ep.SectionID != ep.SectionID && s.sectionEmptyLocked(prev.ep.SectionID) {
				delete(s.pipelines, prev.ep.SectionID)
				oldPl.Close()
			}
		}
		stale = prev
	}
	if err := s.reg.Register(ep); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.conns[ep.ID] = ec
	pl := s.pipelines[ep.SectionID]
	if pl == nil {
		pl = pipeline.New(ep.SectionID, s.cfg.BufferFrames, s.metrics)
		s.pipelines[ep.SectionID] = pl
	}
	s.mu.Unlock()

	if stale != nil {
		_ = stale.conn.Close(websocket.StatusPolicyViolation, "superseded by new registration")
		s.log.Warn("evicted stale connection", "endpoint_id", ep.ID)
	}

	s.wg.Add(1)
	go s.writeLoop(ec)

	ack := Message{Type: MsgRegistered, ID: ep.ID, SectionID: ep.SectionID}
	if ep.Role == RoleForwarder {
		ack.ListenerCount = s.reg.ListenerCount(ep.SectionID)
	} else {
		buf := pl.AddTap(ep.ID)
		s.wg.Add(1)
		go s.tapLoop(ec, buf)
	}
	if data, err := Encode(ack); err == nil {
		ec.enqueue(outFrame{websocket.MessageText, data})
	}
	if ep.Role == RoleReceiver {
		s.notifyListenerCount(ep.SectionID)
	}

	s.log.Info("endpoint registered",
		"endpoint_id", ep.ID,
		"role", ep.Role,
		"section_id", ep.SectionID,
		"guild_id", ep.GuildID,
	)
	return ec, nil
}

// readLoop consumes frames from one endpoint until its connection drops.
func (s *Server) readLoop(ctx context.Context, ec *endpointConn) {
	for {
		typ, data, err := ec.conn.Read(ctx)
		if err != nil {
			return
		}

		switch typ {
		case websocket.MessageText:
			msg, err := Decode(data)
			if err != nil {
				s.log.Warn("bad control frame", "endpoint_id", ec.ep.ID, "err", err)
				continue
			}
			switch msg.Type {
			case MsgPong:
				s.reg.Touch(ec.ep.ID, time.Now())
			default:
				s.log.Debug("unexpected control message",
					"endpoint_id", ec.ep.ID, "type", msg.Type)
			}

		case websocket.MessageBinary:
			s.routeAudio(ec, data)
		}
	}
}

// routeAudio dispatches one binary frame. Forwarder audio enters the
// section pipeline; receiver audio is talkback for the section's forwarder.
func (s *Server) routeAudio(ec *endpointConn, data []byte) {
	switch ec.ep.Role {
	case RoleForwarder:
		s.mu.RLock()
		pl := s.pipelines[ec.ep.SectionID]
		s.mu.RUnlock()
		if pl != nil {
			pl.Ingest(data)
		}

	case RoleReceiver:
		fwdID, ok := s.reg.Forwarder(ec.ep.SectionID)
		if !ok {
			return
		}
		s.mu.RLock()
		fwd := s.conns[fwdID]
		s.mu.RUnlock()
		if fwd != nil && !fwd.enqueue(outFrame{websocket.MessageBinary, data}) {
			s.metrics.RecordFrameDropped(context.Background(), ec.ep.SectionID)
		}
	}
}

// tapLoop drains one receiver's pipeline buffer onto its connection.
func (s *Server) tapLoop(ec *endpointConn, buf *pipeline.FrameBuffer) {
	defer s.wg.Done()
	for {
		f, ok := buf.Pop()
		if !ok {
			return
		}
		if !ec.enqueue(outFrame{websocket.MessageBinary, EncodeAudio(f.Seq, f.Payload)}) {
			s.metrics.RecordFrameDropped(context.Background(), ec.ep.SectionID)
		}
	}
}

// writeLoop is the single writer for one endpoint connection.
func (s *Server) writeLoop(ec *endpointConn) {
	defer s.wg.Done()
	for {
		select {
		case f := <-ec.send:
			wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			start := time.Now()
			err := ec.conn.Write(wctx, f.typ, f.data)
			cancel()
			if f.typ == websocket.MessageBinary {
				s.metrics.RelayWriteDuration.Record(context.Background(), time.Since(start).Seconds())
			}
			if err != nil {
				// The read loop observes the broken connection and cleans up.
				_ = ec.conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		case <-ec.done:
			return
		case <-s.done:
			return
		}
	}
}

// sectionEmptyLocked reports whether a section has no bound endpoints left.
// Callers hold s.mu.
func (s *Server) sectionEmptyLocked(sectionID string) bool {
	_, hasFwd := s.reg.Forwarder(sectionID)
	return !hasFwd && s.reg.ListenerCount(sectionID) == 0
}

// cleanup unbinds a disconnected endpoint: registry, connection table, tap,
// and, for a section with no endpoints left, the pipeline itself.
func (s *Server) cleanup(ec *endpointConn) {
	ec.shutdown()

	s.mu.Lock()
	if s.conns[ec.ep.ID] != ec {
		// A replacement connection took over this ID; the bindings belong
		// to it now.
		s.mu.Unlock()
		return
	}
	delete(s.conns, ec.ep.ID)
	s.reg.Unregister(ec.ep.ID)

	pl := s.pipelines[ec.ep.SectionID]
	if pl != nil {
		if ec.ep.Role == RoleReceiver {
			pl.RemoveTap(ec.ep.ID)
		}
		if s.sectionEmptyLocked(ec.ep.SectionID) {
			delete(s.pipelines, ec.ep.SectionID)
			pl.Close()
		}
	}
	s.mu.Unlock()

	if ec.ep.Role == RoleReceiver {
		s.notifyListenerCount(ec.ep.SectionID)
	}

	s.log.Info("endpoint disconnected",
		"endpoint_id", ec.ep.ID,
		"role", ec.ep.Role,
		"section_id", ec.ep.SectionID,
	)
}

// evict force-disconnects an endpoint. The connection's own handler performs
// the cleanup.
func (s *Server) evict(id, reason string) {
	s.mu.RLock()
	ec := s.conns[id]
	s.mu.RUnlock()
	if ec == nil {
		return
	}
	if data, err := Encode(Message{Type: MsgError, ErrorMessage: reason}); err == nil {
		ec.enqueue(outFrame{websocket.MessageText, data})
	}
	s.log.Warn("evicting endpoint", "endpoint_id", id, "reason", reason)
	_ = ec.conn.Close(websocket.StatusPolicyViolation, reason)
}

// notifyListenerCount re-sends the registered ack to a section's forwarder
// so its listener count view tracks receiver churn.
func (s *Server) notifyListenerCount(sectionID string) {
	fwdID, ok := s.reg.Forwarder(sectionID)
	if !ok {
		return
	}
	s.mu.RLock()
	fwd := s.conns[fwdID]
	s.mu.RUnlock()
	if fwd == nil {
		return
	}
	msg := Message{
		Type:          MsgRegistered,
		ID:            fwdID,
		SectionID:     sectionID,
		ListenerCount: s.reg.ListenerCount(sectionID),
	}
	if data, err := Encode(msg); err == nil {
		fwd.enqueue(outFrame{websocket.MessageText, data})
	}
}

// pingLoop probes endpoint liveness and drops endpoints that stop answering.
func (s *Server) pingLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for _, id := range s.reg.StaleSince(now.Add(-s.cfg.HeartbeatTimeout)) {
				s.evict(id, "heartbeat timeout")
			}

			data, err := Encode(Message{Type: MsgPing, Timestamp: now.UnixMilli()})
			if err != nil {
				continue
			}
			s.mu.RLock()
			conns := make([]*endpointConn, 0, len(s.conns))
			for _, ec := range s.conns {
				conns = append(conns, ec)
			}
			s.mu.RUnlock()
			for _, ec := range conns {
				ec.enqueue(outFrame{websocket.MessageText, data})
			}
		}
	}
}
