// Package discord is the Discord control surface for VoxBridge. It owns
// the bot's discordgo.Session lifecycle, routes slash command interactions
// to registered handlers, provisions the access roles on guild join, and
// maintains the per-credential worker sessions that audio workers dial
// voice channels with.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/internal/access"
)

// Config holds bot configuration.
type Config struct {
	// Token is the primary bot credential.
	Token string

	// Access authorizes command invokers and provisions guild roles.
	Access *access.Authorizer
}

// Bot owns the Discord gateway connection and routes interactions to
// registered command handlers. The bot serves every guild the bot user is
// a member of; commands are registered globally.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	router    *CommandRouter
	access    *access.Authorizer
	commands  []*discordgo.ApplicationCommand
	log       *slog.Logger
	closeOnce sync.Once
}

// New creates a Bot, connects to Discord, and registers the interaction
// and guild handlers.
func New(cfg Config) (*Bot, error) {
	if cfg.Access == nil {
		return nil, errors.New("discord: access authorizer is required")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	b := &Bot{
		session: session,
		router:  NewCommandRouter(),
		access:  cfg.Access,
		log:     slog.With("component", "discord"),
	}

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	session.AddHandler(func(s *discordgo.Session, g *discordgo.GuildCreate) {
		if err := b.access.EnsureRoles(s, g.ID); err != nil {
			b.log.Warn("role provisioning failed", "guild_id", g.ID, "error", err)
		}
	})

	return b, nil
}

// Session returns the underlying discordgo session. Used by subsystems that
// need direct Discord API access (worker sessions, dashboard updates).
func (b *Bot) Session() *discordgo.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Ready reports whether the gateway handshake has completed. Used as a
// readiness check.
func (b *Bot) Ready() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.session == nil || !b.session.DataReady {
		return errors.New("gateway handshake not complete")
	}
	return nil
}

// Run registers slash commands with the Discord API and blocks until ctx is
// cancelled. Commands are registered globally so every guild gets them.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.RLock()
	appID := b.session.State.User.ID
	b.mu.RUnlock()

	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, "", cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		b.log.Info("commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return ctx.Err()
}

// Close unregisters commands and disconnects from Discord.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.session != nil && len(b.commands) > 0 {
			appID := b.session.State.User.ID
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, "", cmd.ID); err != nil {
					b.log.Warn("failed to delete command", "name", cmd.Name, "error", err)
				}
			}
		}

		if b.session != nil {
			if err := b.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord: close session: %w", err)
			}
		}

		b.log.Info("bot closed")
	})
	return closeErr
}
