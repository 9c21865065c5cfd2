package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/internal/token"
	"github.com/voxbridge/voxbridge/pkg/voice"
	voicediscord "github.com/voxbridge/voxbridge/pkg/voice/discord"
)

// Compile-time interface check against the worker runtime's dialer source.
var _ interface {
	Dialer(ctx context.Context, tok token.Token) (voice.Dialer, error)
} = (*SessionSource)(nil)

// SessionSource maintains one discordgo session per worker credential and
// hands out voice dialers bound to them. Sessions are opened lazily on the
// first lease of a credential and reused for every later lease, so
// shared-mode workers all ride the same gateway connection.
//
// Discord grants a bot user a single voice state per guild, so concurrent
// leases of one credential can only serve distinct guilds.
type SessionSource struct {
	mu       sync.Mutex
	sessions map[string]*managedSession
	log      *slog.Logger
}

// managedSession tracks ownership: adopted sessions are closed by whoever
// opened them, not by the source.
type managedSession struct {
	session *discordgo.Session
	owned   bool
}

// NewSessionSource creates an empty source.
func NewSessionSource() *SessionSource {
	return &SessionSource{
		sessions: make(map[string]*managedSession),
		log:      slog.With("component", "discord"),
	}
}

// Adopt registers an already-open session for a credential. Workers leasing
// that credential reuse it instead of opening a second gateway connection.
// The caller keeps ownership; [SessionSource.Close] leaves adopted sessions
// open.
func (src *SessionSource) Adopt(credential string, sess *discordgo.Session) {
	src.mu.Lock()
	defer src.mu.Unlock()
	src.sessions[credential] = &managedSession{session: sess}
}

// Dialer returns a voice dialer for the leased credential, opening the
// credential's gateway session on first use.
func (src *SessionSource) Dialer(_ context.Context, tok token.Token) (voice.Dialer, error) {
	sess, err := src.sessionFor(tok.Value)
	if err != nil {
		return nil, err
	}
	return voicediscord.New(sess), nil
}

func (src *SessionSource) sessionFor(credential string) (*discordgo.Session, error) {
	src.mu.Lock()
	defer src.mu.Unlock()

	if ms, ok := src.sessions[credential]; ok {
		return ms.session, nil
	}

	sess, err := discordgo.New("Bot " + credential)
	if err != nil {
		return nil, fmt.Errorf("discord: create worker session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	if err := sess.Open(); err != nil {
		return nil, fmt.Errorf("discord: open worker session: %w", err)
	}
	src.sessions[credential] = &managedSession{session: sess, owned: true}
	src.log.Info("worker session opened", "sessions", len(src.sessions))
	return sess, nil
}

// Close disconnects every session the source opened itself. Adopted
// sessions are left untouched.
func (src *SessionSource) Close() error {
	src.mu.Lock()
	defer src.mu.Unlock()

	var errs []error
	for credential, ms := range src.sessions {
		if ms.owned {
			if err := ms.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("discord: close worker session: %w", err))
			}
		}
		delete(src.sessions, credential)
	}
	return errors.Join(errs...)
}
