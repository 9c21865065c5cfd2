package config_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/admission"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/token"
	"github.com/voxbridge/voxbridge/internal/worker"
	"github.com/voxbridge/voxbridge/pkg/voice"
	"github.com/voxbridge/voxbridge/pkg/voice/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
log_level: debug

discord:
  primary_token: tok-primary
  forwarder_token: tok-forwarder
  receiver_tokens:
    - tok-r1
    - tok-r2
  shared_pool_size: 4

access:
  speaker_role: Host
  listener_role: Audience
  admin_role: Producer
  admin_users:
    - "100001"
  auto_create_roles: true

relay:
  listen_addr: "127.0.0.1:9000"
  ping_interval: "10s"
  heartbeat_timeout: "45s"
  max_connections: 64
  max_message_bytes: 65536

worker:
  handshake_timeout: "5s"
  heartbeat_interval: "2s"
  heartbeat_timeout: "20s"
  max_restarts: 2
  restart_backoff: "500ms"
  max_restart_backoff: "4s"

pipeline:
  buffer_frames: 50

admission:
  backend: sqlite
  sqlite_path: subscriptions-test.db

observe:
  ops_addr: ":9100"
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q, want %q", cfg.LogLevel, config.LogDebug)
	}
	if cfg.Discord.PrimaryToken != "tok-primary" {
		t.Errorf("discord.primary_token: got %q", cfg.Discord.PrimaryToken)
	}
	if want := []string{"tok-r1", "tok-r2"}; !slices.Equal(cfg.Discord.ReceiverTokens, want) {
		t.Errorf("discord.receiver_tokens: got %v, want %v", cfg.Discord.ReceiverTokens, want)
	}
	if cfg.Discord.SharedPoolSize != 4 {
		t.Errorf("discord.shared_pool_size: got %d, want 4", cfg.Discord.SharedPoolSize)
	}
	if cfg.Access.AdminRole != "Producer" {
		t.Errorf("access.admin_role: got %q, want %q", cfg.Access.AdminRole, "Producer")
	}
	if !cfg.Access.AutoCreateRoles {
		t.Error("access.auto_create_roles: got false, want true")
	}
	if cfg.Relay.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("relay.listen_addr: got %q", cfg.Relay.ListenAddr)
	}
	if want := "ws://127.0.0.1:9000/ws"; cfg.Relay.URL != want {
		t.Errorf("relay.url: got %q, want derived %q", cfg.Relay.URL, want)
	}
	if cfg.Relay.PingInterval.Std() != 10*time.Second {
		t.Errorf("relay.ping_interval: got %s, want 10s", cfg.Relay.PingInterval.Std())
	}
	if cfg.Worker.RestartBackoff.Std() != 500*time.Millisecond {
		t.Errorf("worker.restart_backoff: got %s, want 500ms", cfg.Worker.RestartBackoff.Std())
	}
	if cfg.Worker.MaxRestarts != 2 {
		t.Errorf("worker.max_restarts: got %d, want 2", cfg.Worker.MaxRestarts)
	}
	if cfg.Pipeline.BufferFrames != 50 {
		t.Errorf("pipeline.buffer_frames: got %d, want 50", cfg.Pipeline.BufferFrames)
	}
	if cfg.Admission.Backend != config.BackendSQLite {
		t.Errorf("admission.backend: got %q", cfg.Admission.Backend)
	}
	if cfg.Observe.OpsAddr != ":9100" {
		t.Errorf("observe.ops_addr: got %q", cfg.Observe.OpsAddr)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	yaml := `
discord:
  primary_token: tok-primary
  forwarder_token: tok-forwarder
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != config.LogInfo {
		t.Errorf("log_level default: got %q, want info", cfg.LogLevel)
	}
	if cfg.Relay.ListenAddr != "localhost:8765" {
		t.Errorf("relay.listen_addr default: got %q", cfg.Relay.ListenAddr)
	}
	if want := "ws://localhost:8765/ws"; cfg.Relay.URL != want {
		t.Errorf("relay.url default: got %q, want %q", cfg.Relay.URL, want)
	}
	if cfg.Admission.Backend != config.BackendSQLite {
		t.Errorf("admission.backend default: got %q, want sqlite", cfg.Admission.Backend)
	}
	if cfg.Admission.SQLitePath != "voxbridge.db" {
		t.Errorf("admission.sqlite_path default: got %q", cfg.Admission.SQLitePath)
	}
	if cfg.Observe.OpsAddr != ":8080" {
		t.Errorf("observe.ops_addr default: got %q", cfg.Observe.OpsAddr)
	}

	// Component-owned tunables stay zero; their consumers fill them in.
	if cfg.Worker.HeartbeatInterval != 0 {
		t.Errorf("worker.heartbeat_interval: got %s, want 0", cfg.Worker.HeartbeatInterval.Std())
	}
	if cfg.Relay.MaxConnections != 0 {
		t.Errorf("relay.max_connections: got %d, want 0", cfg.Relay.MaxConnections)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := `
discord:
  primary_token: tok-primary
  forwarder_token: tok-forwarder
relay:
  listen_address: ":9999"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "listen_address") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestLoadFromReader_EnvOverlay(t *testing.T) {
	t.Setenv("VOXBRIDGE_PRIMARY_TOKEN", "env-primary")
	t.Setenv("VOXBRIDGE_RECEIVER_TOKENS", "env-r1,env-r2")

	yaml := `
discord:
  primary_token: file-primary
  forwarder_token: file-forwarder
  receiver_tokens:
    - file-r1
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Discord.PrimaryToken != "env-primary" {
		t.Errorf("primary token: got %q, want the environment to win", cfg.Discord.PrimaryToken)
	}
	if cfg.Discord.ForwarderToken != "file-forwarder" {
		t.Errorf("forwarder token: got %q, want the file value kept", cfg.Discord.ForwarderToken)
	}
	if want := []string{"env-r1", "env-r2"}; !slices.Equal(cfg.Discord.ReceiverTokens, want) {
		t.Errorf("receiver tokens: got %v, want %v", cfg.Discord.ReceiverTokens, want)
	}
}

// ── Durations ─────────────────────────────────────────────────────────────────

func TestLoadFromReader_BadDurationString(t *testing.T) {
	yaml := `
discord:
  primary_token: a
  forwarder_token: b
worker:
  heartbeat_interval: fast
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unparsable duration, got nil")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error should mention invalid duration, got: %v", err)
	}
}

func TestLoadFromReader_DurationMustBeString(t *testing.T) {
	yaml := `
discord:
  primary_token: a
  forwarder_token: b
relay:
  ping_interval: 30
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for bare numeric duration, got nil")
	}
	if !strings.Contains(err.Error(), "duration must be a string") {
		t.Errorf("error should say durations are strings, got: %v", err)
	}
}

// ── Log levels ────────────────────────────────────────────────────────────────

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := tc.in.Level(); got != tc.want {
			t.Errorf("LogLevel(%q).Level(): got %v, want %v", tc.in, got, tc.want)
		}
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_UnknownStore(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateStore(context.Background(), config.AdmissionConfig{Backend: config.BackendPostgres})
	if err == nil {
		t.Fatal("expected error for unregistered store backend")
	}
	if !errors.Is(err, config.ErrFactoryNotRegistered) {
		t.Errorf("expected ErrFactoryNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownVoice(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateVoice("teamspeak", config.DiscordConfig{})
	if !errors.Is(err, config.ErrFactoryNotRegistered) {
		t.Errorf("expected ErrFactoryNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredStore(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubStore{}
	var gotCfg config.AdmissionConfig
	reg.RegisterStore(config.BackendSQLite, func(_ context.Context, cfg config.AdmissionConfig) (admission.Store, error) {
		gotCfg = cfg
		return want, nil
	})

	got, err := reg.CreateStore(context.Background(), config.AdmissionConfig{
		Backend:    config.BackendSQLite,
		SQLitePath: "custom.db",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned store is not the expected instance")
	}
	if gotCfg.SQLitePath != "custom.db" {
		t.Errorf("factory config: got sqlite_path %q, want %q", gotCfg.SQLitePath, "custom.db")
	}
}

func TestRegistry_RegisteredVoice(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubVoice{}
	reg.RegisterVoice("discord", func(cfg config.DiscordConfig) (worker.DialerSource, error) {
		return want, nil
	})

	got, err := reg.CreateVoice("discord", config.DiscordConfig{PrimaryToken: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned platform is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterStore(config.BackendPostgres, func(_ context.Context, _ config.AdmissionConfig) (admission.Store, error) {
		return nil, wantErr
	})
	_, err := reg.CreateStore(context.Background(), config.AdmissionConfig{Backend: config.BackendPostgres})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

// ── Stub implementations (satisfy interfaces for the compiler) ────────────────

// stubStore implements admission.Store with no-op methods.
type stubStore struct{}

func (s *stubStore) Upsert(_ context.Context, sub admission.Subscription) (admission.Subscription, error) {
	return sub, nil
}
func (s *stubStore) Get(_ context.Context, _ string) (admission.Subscription, error) {
	return admission.Subscription{}, admission.ErrNotFound
}
func (s *stubStore) GetByGuild(_ context.Context, _ string) (admission.Subscription, error) {
	return admission.Subscription{}, admission.ErrNotFound
}
func (s *stubStore) Remove(_ context.Context, _ string) error { return nil }
func (s *stubStore) List(_ context.Context) ([]admission.Subscription, error) {
	return nil, nil
}

// stubVoice implements worker.DialerSource.
type stubVoice struct{}

func (s *stubVoice) Dialer(_ context.Context, _ token.Token) (voice.Dialer, error) {
	return &mock.Dialer{}, nil
}
