package discord

import (
	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/internal/access"
)

// ActorFromInteraction builds the [access.Actor] for an interaction's
// invoker. Role IDs carried on the member are resolved to role names
// through the session's guild state; IDs the state cannot resolve are
// skipped, which only ever narrows what the actor may do.
func ActorFromInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) access.Actor {
	actor := access.Actor{
		UserID:  interactionUserID(i),
		GuildID: i.GuildID,
	}
	if i.Member == nil {
		return actor
	}

	actor.Administrator = i.Member.Permissions&discordgo.PermissionAdministrator != 0

	guild, err := s.State.Guild(i.GuildID)
	if err != nil {
		return actor
	}
	byID := make(map[string]string, len(guild.Roles))
	for _, role := range guild.Roles {
		byID[role.ID] = role.Name
	}
	for _, id := range i.Member.Roles {
		if name, ok := byID[id]; ok {
			actor.RoleNames = append(actor.RoleNames, name)
		}
	}
	return actor
}

// interactionUserID extracts the user ID from an interaction, handling both
// guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
