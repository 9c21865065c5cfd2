package discord

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/internal/token"
)

func TestSessionSource_AdoptedSessionIsReused(t *testing.T) {
	t.Parallel()

	src := NewSessionSource()
	src.Adopt("tok-primary", &discordgo.Session{})

	d, err := src.Dialer(context.Background(), token.Token{Value: "tok-primary"})
	if err != nil {
		t.Fatalf("Dialer() error = %v", err)
	}
	if d == nil {
		t.Fatal("Dialer() returned nil dialer")
	}

	// A second lease of the same credential rides the same session.
	if _, err := src.Dialer(context.Background(), token.Token{Value: "tok-primary"}); err != nil {
		t.Fatalf("Dialer() second lease error = %v", err)
	}
	if len(src.sessions) != 1 {
		t.Errorf("expected 1 managed session, got %d", len(src.sessions))
	}
	if src.sessions["tok-primary"].owned {
		t.Error("adopted session must not be marked owned")
	}
}

func TestSessionSource_CloseLeavesAdoptedOpen(t *testing.T) {
	t.Parallel()

	src := NewSessionSource()
	src.Adopt("tok-primary", &discordgo.Session{})

	// Close must not touch the adopted session, only forget it.
	if err := src.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(src.sessions) != 0 {
		t.Errorf("expected empty session map after Close, got %d entries", len(src.sessions))
	}
}
