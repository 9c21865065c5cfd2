package relay

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func dialTestClient(t *testing.T, srv *Server, cfg ClientConfig) *Client {
	t.Helper()
	cfg.URL = "ws://" + srv.Addr() + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientHandshake(t *testing.T) {
	srv := startTestServer(t, ServerConfig{})

	c := dialTestClient(t, srv, ClientConfig{
		ID: "audioforwarder_c1", Role: RoleForwarder,
		SectionID: "sec-1", GuildID: "g1", ChannelID: "c1",
	})

	if got := c.ListenerCount(); got != 0 {
		t.Errorf("ListenerCount() = %d, want 0", got)
	}
	if srv.Endpoints() != 1 {
		t.Errorf("server endpoints = %d, want 1", srv.Endpoints())
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitFor(t, func() bool { return srv.Endpoints() == 0 },
		"server never noticed the disconnect")
}

func TestClientConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
	}{
		{"missing url", ClientConfig{ID: "x", Role: RoleForwarder, SectionID: "s"}},
		{"missing id", ClientConfig{URL: "ws://localhost:1/ws", Role: RoleForwarder, SectionID: "s"}},
		{"bad role", ClientConfig{URL: "ws://localhost:1/ws", ID: "x", Role: Role("speaker"), SectionID: "s"}},
		{"missing section", ClientConfig{URL: "ws://localhost:1/ws", ID: "x", Role: RoleForwarder}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Dial(context.Background(), tt.cfg); err == nil {
				t.Error("Dial() accepted an invalid config")
			}
		})
	}
}

func TestClientDialRetriesThenFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	start := time.Now()
	_, err := Dial(ctx, ClientConfig{
		URL: "ws://127.0.0.1:1/ws", ID: "x", Role: RoleForwarder, SectionID: "s",
		MaxRetries: 3, RetryDelay: 10 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("Dial() to a dead address succeeded")
	}
	// Two waits between three attempts: 10ms + 20ms.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Dial() gave up after %v, want backoff of at least 30ms", elapsed)
	}
}

func TestClientReregistrationReplaces(t *testing.T) {
	srv := startTestServer(t, ServerConfig{})

	// A restarted worker dials back under the same endpoint ID. The server
	// replaces the stale registration instead of rejecting the newcomer.
	dialTestClient(t, srv, ClientConfig{
		ID: "audioreceiver_c2", Role: RoleReceiver, SectionID: "sec-1",
	})
	dialTestClient(t, srv, ClientConfig{
		ID: "audioreceiver_c2", Role: RoleReceiver, SectionID: "sec-1",
	})
	waitFor(t, func() bool { return srv.Endpoints() == 1 },
		"endpoint count never settled at 1")
}

func TestClientAudioRelay(t *testing.T) {
	srv := startTestServer(t, ServerConfig{})

	fwd := dialTestClient(t, srv, ClientConfig{
		ID: "audioforwarder_c1", Role: RoleForwarder, SectionID: "sec-1",
	})
	rcv := dialTestClient(t, srv, ClientConfig{
		ID: "audioreceiver_c2", Role: RoleReceiver, SectionID: "sec-1",
	})

	payloads := [][]byte{{0xf8, 1}, {0xf8, 2}, {0xf8, 3}}
	for _, p := range payloads {
		if err := fwd.Send(p); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	for i, want := range payloads {
		select {
		case pkt := <-rcv.Audio():
			if pkt.Seq != uint64(i+1) {
				t.Errorf("frame %d: seq = %d, want %d", i, pkt.Seq, i+1)
			}
			if !bytes.Equal(pkt.Payload, want) {
				t.Errorf("frame %d: payload = %x, want %x", i, pkt.Payload, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("frame %d never arrived", i)
		}
	}
}

func TestClientTalkback(t *testing.T) {
	srv := startTestServer(t, ServerConfig{})

	fwd := dialTestClient(t, srv, ClientConfig{
		ID: "audioforwarder_c1", Role: RoleForwarder, SectionID: "sec-1",
	})
	rcv := dialTestClient(t, srv, ClientConfig{
		ID: "audioreceiver_c2", Role: RoleReceiver, SectionID: "sec-1",
	})

	talkback := []byte{0xf8, 0xff, 0xfe}
	if err := rcv.Send(talkback); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case pkt := <-fwd.Audio():
		if pkt.Seq != 0 {
			t.Errorf("talkback seq = %d, want 0", pkt.Seq)
		}
		if !bytes.Equal(pkt.Payload, talkback) {
			t.Errorf("talkback payload = %x, want %x", pkt.Payload, talkback)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("talkback never arrived")
	}
}

func TestClientAutoPong(t *testing.T) {
	srv := startTestServer(t, ServerConfig{
		PingInterval:     20 * time.Millisecond,
		HeartbeatTimeout: 80 * time.Millisecond,
	})

	c := dialTestClient(t, srv, ClientConfig{
		ID: "audioforwarder_c1", Role: RoleForwarder, SectionID: "sec-1",
	})

	// Survive several heartbeat windows; only answered pings make that
	// possible.
	time.Sleep(300 * time.Millisecond)
	if srv.Endpoints() != 1 {
		t.Fatal("client was dropped despite answering pings")
	}
	if since := time.Since(c.LastContact()); since > 100*time.Millisecond {
		t.Errorf("LastContact() is %v old, want recent contact", since)
	}
}

func TestClientListenerCountTracksReceivers(t *testing.T) {
	srv := startTestServer(t, ServerConfig{})

	fwd := dialTestClient(t, srv, ClientConfig{
		ID: "audioforwarder_c1", Role: RoleForwarder, SectionID: "sec-1",
	})
	rcv := dialTestClient(t, srv, ClientConfig{
		ID: "audioreceiver_c2", Role: RoleReceiver, SectionID: "sec-1",
	})

	waitFor(t, func() bool { return fwd.ListenerCount() == 1 },
		"forwarder never saw the receiver join")

	_ = rcv.Close()
	waitFor(t, func() bool { return fwd.ListenerCount() == 0 },
		"forwarder never saw the receiver leave")
}

func TestClientClose(t *testing.T) {
	srv := startTestServer(t, ServerConfig{})
	c := dialTestClient(t, srv, ClientConfig{
		ID: "audioforwarder_c1", Role: RoleForwarder, SectionID: "sec-1",
	})

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := c.Send([]byte{1}); !errors.Is(err, ErrClientClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClientClosed", err)
	}
	if _, ok := <-c.Audio(); ok {
		t.Error("Audio() channel still open after Close")
	}
}

func TestClientAudioClosesOnServerStop(t *testing.T) {
	srv := startTestServer(t, ServerConfig{})
	c := dialTestClient(t, srv, ClientConfig{
		ID: "audioreceiver_c2", Role: RoleReceiver, SectionID: "sec-1",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case _, ok := <-c.Audio():
		if ok {
			t.Error("Audio() delivered a frame after server stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Audio() channel never closed after server stop")
	}
}
