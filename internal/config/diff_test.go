package config_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/voxbridge/voxbridge/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		LogLevel: config.LogInfo,
		Discord: config.DiscordConfig{
			PrimaryToken:   "p",
			ReceiverTokens: []string{"r1", "r2"},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{LogLevel: config.LogInfo}
	new := &config.Config{LogLevel: config.LogDebug}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.ReceiverTokensChanged {
		t.Error("expected ReceiverTokensChanged=false")
	}
}

func TestDiff_ReceiverTokensChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Discord: config.DiscordConfig{ReceiverTokens: []string{"r1", "r2"}},
	}
	new := &config.Config{
		Discord: config.DiscordConfig{ReceiverTokens: []string{"r1", "r2", "r3"}},
	}

	d := config.Diff(old, new)
	if !d.ReceiverTokensChanged {
		t.Error("expected ReceiverTokensChanged=true")
	}
	if diff := cmp.Diff([]string{"r1", "r2", "r3"}, d.NewReceiverTokens); diff != "" {
		t.Errorf("NewReceiverTokens mismatch (-want +got):\n%s", diff)
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
}

func TestDiff_ReceiverTokenOrderMatters(t *testing.T) {
	t.Parallel()
	// Receiver credentials lease in listed order, so a reorder is a change.
	old := &config.Config{
		Discord: config.DiscordConfig{ReceiverTokens: []string{"r1", "r2"}},
	}
	new := &config.Config{
		Discord: config.DiscordConfig{ReceiverTokens: []string{"r2", "r1"}},
	}

	d := config.Diff(old, new)
	if !d.ReceiverTokensChanged {
		t.Error("expected ReceiverTokensChanged=true for reordered list")
	}
}

func TestDiff_IgnoresRestartBoundFields(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		LogLevel: config.LogInfo,
		Discord:  config.DiscordConfig{PrimaryToken: "p1", ForwarderToken: "f1"},
		Relay:    config.RelayConfig{ListenAddr: "localhost:8765"},
		Admission: config.AdmissionConfig{
			Backend: config.BackendSQLite,
		},
	}
	new := &config.Config{
		LogLevel: config.LogInfo,
		Discord:  config.DiscordConfig{PrimaryToken: "p2", ForwarderToken: "f2"},
		Relay:    config.RelayConfig{ListenAddr: "localhost:9999"},
		Admission: config.AdmissionConfig{
			Backend:     config.BackendPostgres,
			PostgresDSN: "postgres://localhost/voxbridge",
		},
	}

	d := config.Diff(old, new)
	if d.Changed() {
		t.Errorf("restart-bound fields should not appear in the diff, got %+v", d)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		LogLevel: config.LogInfo,
		Discord:  config.DiscordConfig{ReceiverTokens: []string{"r1"}},
	}
	new := &config.Config{
		LogLevel: config.LogWarn,
		Discord:  config.DiscordConfig{ReceiverTokens: nil},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("expected log level change to warn, got %+v", d)
	}
	if !d.ReceiverTokensChanged {
		t.Error("expected ReceiverTokensChanged=true")
	}
	if len(d.NewReceiverTokens) != 0 {
		t.Errorf("expected empty NewReceiverTokens, got %v", d.NewReceiverTokens)
	}
}
