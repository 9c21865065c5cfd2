package config_test

import (
	"context"
	"errors"
	"testing"

	"github.com/voxbridge/voxbridge/internal/admission"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/token"
	"github.com/voxbridge/voxbridge/internal/worker"
	"github.com/voxbridge/voxbridge/pkg/voice"
)

// factoryStubStore is a do-nothing admission.Store for factory tests.
type factoryStubStore struct {
	admission.Store
	path string
}

// stubDialers is a do-nothing worker.DialerSource for factory tests.
type stubDialers struct{}

func (stubDialers) Dialer(context.Context, token.Token) (voice.Dialer, error) {
	return nil, errors.New("stub")
}

func TestRegistry_CreateStore(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterStore(config.BackendSQLite, func(_ context.Context, cfg config.AdmissionConfig) (admission.Store, error) {
		return &factoryStubStore{path: cfg.SQLitePath}, nil
	})

	store, err := reg.CreateStore(context.Background(), config.AdmissionConfig{
		Backend:    config.BackendSQLite,
		SQLitePath: "test.db",
	})
	if err != nil {
		t.Fatalf("CreateStore() error: %v", err)
	}

	stub, ok := store.(*factoryStubStore)
	if !ok {
		t.Fatalf("CreateStore() returned %T, want *factoryStubStore", store)
	}
	if stub.path != "test.db" {
		t.Errorf("factory received sqlite_path %q, want %q", stub.path, "test.db")
	}
}

func TestRegistry_CreateStoreUnregistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	_, err := reg.CreateStore(context.Background(), config.AdmissionConfig{Backend: config.BackendPostgres})
	if !errors.Is(err, config.ErrFactoryNotRegistered) {
		t.Fatalf("CreateStore() error = %v, want ErrFactoryNotRegistered", err)
	}
}

func TestRegistry_CreateStoreOverwrite(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterStore(config.BackendSQLite, func(context.Context, config.AdmissionConfig) (admission.Store, error) {
		return &factoryStubStore{path: "first"}, nil
	})
	reg.RegisterStore(config.BackendSQLite, func(context.Context, config.AdmissionConfig) (admission.Store, error) {
		return &factoryStubStore{path: "second"}, nil
	})

	store, err := reg.CreateStore(context.Background(), config.AdmissionConfig{Backend: config.BackendSQLite})
	if err != nil {
		t.Fatalf("CreateStore() error: %v", err)
	}
	if got := store.(*factoryStubStore).path; got != "second" {
		t.Errorf("CreateStore() used factory %q, want the overwriting one", got)
	}
}

func TestRegistry_CreateVoice(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	reg.RegisterVoice("discord", func(config.DiscordConfig) (worker.DialerSource, error) {
		return stubDialers{}, nil
	})

	dialers, err := reg.CreateVoice("discord", config.DiscordConfig{})
	if err != nil {
		t.Fatalf("CreateVoice() error: %v", err)
	}
	if _, ok := dialers.(stubDialers); !ok {
		t.Fatalf("CreateVoice() returned %T, want stubDialers", dialers)
	}
}

func TestRegistry_CreateVoiceUnregistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	_, err := reg.CreateVoice("matrix", config.DiscordConfig{})
	if !errors.Is(err, config.ErrFactoryNotRegistered) {
		t.Fatalf("CreateVoice() error = %v, want ErrFactoryNotRegistered", err)
	}
}
