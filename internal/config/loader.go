package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/voxbridge/voxbridge/internal/relay"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays VOXBRIDGE_*
// environment variables, fills defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: environment overlay: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills the loader-owned defaults. Tunables with a downstream
// owner (supervision timings, relay limits, buffer sizes) stay zero here and
// are defaulted by the component that consumes them.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}
	if cfg.Relay.ListenAddr == "" {
		cfg.Relay.ListenAddr = relay.DefaultListenAddr
	}
	if cfg.Relay.URL == "" {
		cfg.Relay.URL = "ws://" + cfg.Relay.ListenAddr + "/ws"
	}
	if cfg.Admission.Backend == "" {
		cfg.Admission.Backend = BackendSQLite
	}
	if cfg.Admission.SQLitePath == "" {
		cfg.Admission.SQLitePath = "voxbridge.db"
	}
	if cfg.Observe.OpsAddr == "" {
		cfg.Observe.OpsAddr = ":8080"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Credentials
	if cfg.Discord.PrimaryToken == "" {
		errs = append(errs, errors.New("discord.primary_token is required (or set VOXBRIDGE_PRIMARY_TOKEN)"))
	}
	if cfg.Discord.ForwarderToken == "" {
		errs = append(errs, errors.New("discord.forwarder_token is required (or set VOXBRIDGE_FORWARDER_TOKEN)"))
	}
	if cfg.Discord.SharedPoolSize < 0 {
		errs = append(errs, fmt.Errorf("discord.shared_pool_size %d is negative", cfg.Discord.SharedPoolSize))
	}

	tokensSeen := make(map[string]int, len(cfg.Discord.ReceiverTokens))
	for i, tok := range cfg.Discord.ReceiverTokens {
		if tok == "" {
			errs = append(errs, fmt.Errorf("discord.receiver_tokens[%d] is empty", i))
			continue
		}
		if prev, ok := tokensSeen[tok]; ok {
			errs = append(errs, fmt.Errorf("discord.receiver_tokens[%d] is a duplicate of receiver_tokens[%d]", i, prev))
		}
		tokensSeen[tok] = i
		if tok == cfg.Discord.ForwarderToken {
			errs = append(errs, fmt.Errorf("discord.receiver_tokens[%d] reuses the forwarder token", i))
		}
		if tok == cfg.Discord.PrimaryToken {
			slog.Warn("receiver token list contains the primary token; leave the list empty to lease the primary credential in shared mode instead", "index", i)
		}
	}
	if len(cfg.Discord.ReceiverTokens) == 0 && cfg.Discord.PrimaryToken != "" {
		slog.Warn("no receiver tokens configured; receiver workers will lease the primary credential in shared mode")
	}

	// Relay
	if u := cfg.Relay.URL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		slog.Warn("relay.url does not look like a websocket endpoint", "url", u)
	}
	if cfg.Relay.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("relay.max_connections %d is negative", cfg.Relay.MaxConnections))
	}
	if cfg.Relay.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("relay.max_message_bytes %d is negative", cfg.Relay.MaxMessageBytes))
	}

	// Durations
	for _, f := range []struct {
		name string
		d    Duration
	}{
		{"relay.ping_interval", cfg.Relay.PingInterval},
		{"relay.heartbeat_timeout", cfg.Relay.HeartbeatTimeout},
		{"worker.handshake_timeout", cfg.Worker.HandshakeTimeout},
		{"worker.heartbeat_interval", cfg.Worker.HeartbeatInterval},
		{"worker.heartbeat_timeout", cfg.Worker.HeartbeatTimeout},
		{"worker.restart_backoff", cfg.Worker.RestartBackoff},
		{"worker.max_restart_backoff", cfg.Worker.MaxRestartBackoff},
	} {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("%s %s is negative", f.name, f.d.Std()))
		}
	}

	// Workers
	if cfg.Worker.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("worker.max_restarts %d is negative", cfg.Worker.MaxRestarts))
	}
	if it, tt := cfg.Worker.HeartbeatInterval, cfg.Worker.HeartbeatTimeout; it > 0 && tt > 0 && tt < it {
		slog.Warn("worker.heartbeat_timeout is shorter than worker.heartbeat_interval; workers may be declared hung between checks",
			"timeout", tt.Std(), "interval", it.Std())
	}

	// Pipeline
	if cfg.Pipeline.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("pipeline.buffer_frames %d is negative", cfg.Pipeline.BufferFrames))
	}

	// Subscription store
	if !cfg.Admission.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("admission.backend %q is invalid; valid values: sqlite, postgres", cfg.Admission.Backend))
	}
	if cfg.Admission.Backend == BackendPostgres && cfg.Admission.PostgresDSN == "" {
		errs = append(errs, errors.New("admission.postgres_dsn is required when admission.backend is postgres (or set VOXBRIDGE_POSTGRES_DSN)"))
	}

	// Access
	if len(cfg.Access.AdminUsers) == 0 {
		slog.Warn("access.admin_users is empty; subscription management is limited to server administrators")
	}

	return errors.Join(errs...)
}
