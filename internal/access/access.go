// Package access answers "may this user do that" questions for bot
// commands. Authorization is capability-based: the Discord layer builds an
// [Actor] from the interaction and asks for a single capability, so command
// handlers never inspect roles themselves.
package access

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/bwmarrin/discordgo"
)

// Capability names one privileged operation.
type Capability string

const (
	CapBroadcastStart     Capability = "broadcast.start"
	CapBroadcastStop      Capability = "broadcast.stop"
	CapBroadcastStatus    Capability = "broadcast.status"
	CapSubscriptionManage Capability = "subscription.manage"
)

// Actor is the command invoker as seen at the Discord edge.
type Actor struct {
	UserID    string
	GuildID   string
	RoleNames []string

	// Administrator mirrors the Discord administrator permission bit.
	Administrator bool
}

// Role colors for auto-provisioned roles, matching the historical setup.
const (
	colorGreen = 0x2ecc71
	colorBlue  = 0x3498db
	colorRed   = 0xe74c3c
)

// Config configures an [Authorizer]. Role matching is by name, so renaming
// a role in Discord without updating the config revokes its grants.
type Config struct {
	// SpeakerRole marks users allowed into speaker channels and lets them
	// read broadcast status. Defaults to "Speaker".
	SpeakerRole string

	// ListenerRole marks users allowed into listener channels.
	// Defaults to "Listener".
	ListenerRole string

	// AdminRole grants broadcast control. Defaults to "Broadcast Admin".
	AdminRole string

	// Operators are user IDs allowed to manage subscriptions from chat.
	Operators []string

	// AutoCreateRoles provisions missing roles when a guild becomes
	// available.
	AutoCreateRoles bool
}

// Authorizer decides capability grants and provisions the roles it
// recognises.
type Authorizer struct {
	speakerRole  string
	listenerRole string
	adminRole    string
	operators    map[string]struct{}
	autoCreate   bool
	log          *slog.Logger
}

// New creates an [Authorizer], filling config defaults.
func New(cfg Config) *Authorizer {
	if cfg.SpeakerRole == "" {
		cfg.SpeakerRole = "Speaker"
	}
	if cfg.ListenerRole == "" {
		cfg.ListenerRole = "Listener"
	}
	if cfg.AdminRole == "" {
		cfg.AdminRole = "Broadcast Admin"
	}
	operators := make(map[string]struct{}, len(cfg.Operators))
	for _, id := range cfg.Operators {
		operators[id] = struct{}{}
	}
	return &Authorizer{
		speakerRole:  cfg.SpeakerRole,
		listenerRole: cfg.ListenerRole,
		adminRole:    cfg.AdminRole,
		operators:    operators,
		autoCreate:   cfg.AutoCreateRoles,
		log:          slog.With("component", "access"),
	}
}

// Authorize reports whether the actor may exercise the capability. Guild
// administrators pass every check. The broadcast-admin role controls
// broadcasts, speakers may additionally read status, and subscription
// management is reserved for configured operators.
func (a *Authorizer) Authorize(actor Actor, capability Capability) bool {
	if actor.Administrator {
		return true
	}
	switch capability {
	case CapBroadcastStart, CapBroadcastStop:
		return a.hasRole(actor, a.adminRole)
	case CapBroadcastStatus:
		return a.hasRole(actor, a.adminRole) || a.hasRole(actor, a.speakerRole)
	case CapSubscriptionManage:
		_, ok := a.operators[actor.UserID]
		return ok
	default:
		return false
	}
}

// SpeakerRole returns the configured speaker role name.
func (a *Authorizer) SpeakerRole() string { return a.speakerRole }

// ListenerRole returns the configured listener role name.
func (a *Authorizer) ListenerRole() string { return a.listenerRole }

// AdminRole returns the configured broadcast-admin role name.
func (a *Authorizer) AdminRole() string { return a.adminRole }

func (a *Authorizer) hasRole(actor Actor, role string) bool {
	return slices.Contains(actor.RoleNames, role)
}

// GuildRoleManager is the part of the Discord session used to provision
// roles. *discordgo.Session satisfies it.
type GuildRoleManager interface {
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildRoleCreate(guildID string, data *discordgo.RoleParams, options ...discordgo.RequestOption) (*discordgo.Role, error)
}

// EnsureRoles creates any of the three configured roles that are missing
// from the guild. It never assigns roles to members. A no-op unless
// AutoCreateRoles is set.
func (a *Authorizer) EnsureRoles(mgr GuildRoleManager, guildID string) error {
	if !a.autoCreate {
		return nil
	}

	roles, err := mgr.GuildRoles(guildID)
	if err != nil {
		return fmt.Errorf("access: list roles for guild %s: %w", guildID, err)
	}
	existing := make(map[string]bool, len(roles))
	for _, r := range roles {
		existing[r.Name] = true
	}

	for _, want := range []struct {
		name  string
		color int
	}{
		{a.speakerRole, colorGreen},
		{a.listenerRole, colorBlue},
		{a.adminRole, colorRed},
	} {
		if existing[want.name] {
			continue
		}
		color := want.color
		if _, err := mgr.GuildRoleCreate(guildID, &discordgo.RoleParams{
			Name:  want.name,
			Color: &color,
		}); err != nil {
			return fmt.Errorf("access: create role %q in guild %s: %w", want.name, guildID, err)
		}
		a.log.Info("created role", "role", want.name, "guild_id", guildID)
	}
	return nil
}
