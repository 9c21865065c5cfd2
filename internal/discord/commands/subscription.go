package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/internal/access"
	"github.com/voxbridge/voxbridge/internal/admission"
	"github.com/voxbridge/voxbridge/internal/discord"
)

// SubscriptionService is the subscription surface the commands drive.
// *admission.Controller satisfies it.
type SubscriptionService interface {
	Upsert(ctx context.Context, inviteCode, guildID, tierName string, maxListeners int) (admission.Subscription, error)
	Get(ctx context.Context, inviteCode string) (admission.Subscription, error)
	GetByGuild(ctx context.Context, guildID string) (admission.Subscription, error)
	Remove(ctx context.Context, inviteCode string) error
}

// SubscriptionCommands handles the /subscription slash command group.
// All subcommands require the subscription-manage capability, which only
// configured operators hold.
type SubscriptionCommands struct {
	subs SubscriptionService
	auth *access.Authorizer
}

// NewSubscriptionCommands creates a SubscriptionCommands handler.
func NewSubscriptionCommands(subs SubscriptionService, auth *access.Authorizer) *SubscriptionCommands {
	return &SubscriptionCommands{
		subs: subs,
		auth: auth,
	}
}

// Register registers the /subscription command group with the router.
func (sc *SubscriptionCommands) Register(r *discord.CommandRouter) {
	def := sc.Definition()
	r.RegisterCommand("subscription", def, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/subscription set`, `/subscription get` or `/subscription remove`.")
	})
	r.RegisterHandler("subscription/set", sc.handleSet)
	r.RegisterHandler("subscription/get", sc.handleGet)
	r.RegisterHandler("subscription/remove", sc.handleRemove)
}

// Definition returns the /subscription ApplicationCommand for Discord
// registration.
func (sc *SubscriptionCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "subscription",
		Description: "Manage guild subscription tiers",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:        "set",
				Description: "Create or update a guild's subscription",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandOption{
					{
						Name:        "invite_code",
						Description: "Invite code the subscription was purchased under",
						Type:        discordgo.ApplicationCommandOptionString,
						Required:    true,
					},
					{
						Name:        "tier",
						Description: "Subscription tier",
						Type:        discordgo.ApplicationCommandOptionString,
						Required:    true,
						Choices:     tierChoices(),
					},
					{
						Name:        "max_listeners",
						Description: "Listener channel limit for the custom tier (0 = unlimited)",
						Type:        discordgo.ApplicationCommandOptionInteger,
					},
					{
						Name:        "guild",
						Description: "Guild ID, defaults to this server",
						Type:        discordgo.ApplicationCommandOptionString,
					},
				},
			},
			{
				Name:        "get",
				Description: "Look a subscription up",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandOption{
					{
						Name:        "invite_code",
						Description: "Invite code, defaults to this server's subscription",
						Type:        discordgo.ApplicationCommandOptionString,
					},
				},
			},
			{
				Name:        "remove",
				Description: "Remove a subscription, reverting the guild to the free tier",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandOption{
					{
						Name:        "invite_code",
						Description: "Invite code of the subscription to remove",
						Type:        discordgo.ApplicationCommandOptionString,
						Required:    true,
					},
				},
			},
		},
	}
}

// handleSet handles /subscription set.
func (sc *SubscriptionCommands) handleSet(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sc.set(s, s, i)
}

func (sc *SubscriptionCommands) set(s *discordgo.Session, r discord.Responder, i *discordgo.InteractionCreate) {
	actor := discord.ActorFromInteraction(s, i)
	if !sc.auth.Authorize(actor, access.CapSubscriptionManage) {
		discord.RespondEphemeral(r, i, "Only subscription operators can manage subscriptions.")
		return
	}

	inviteCode := subcommandStringOption(i, "invite_code")
	guildID := subcommandStringOption(i, "guild")
	if guildID == "" {
		guildID = i.GuildID
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	sub, err := sc.subs.Upsert(ctx, inviteCode, guildID,
		subcommandStringOption(i, "tier"), subcommandIntOption(i, "max_listeners"))
	if err != nil {
		if errors.Is(err, admission.ErrGuildConflict) {
			discord.RespondEphemeral(r, i, "That guild already has a subscription under a different invite code. Remove it first.")
			return
		}
		slog.Warn("subscription set failed", "invite_code", inviteCode, "guild_id", guildID, "err", err)
		discord.RespondEphemeral(r, i, fmt.Sprintf("Failed to save the subscription: %v", err))
		return
	}

	discord.RespondEphemeral(r, i, fmt.Sprintf(
		"Subscription saved.\n**Invite:** `%s`\n**Guild:** %s\n**Tier:** %s (%s)",
		sub.InviteCode, sub.GuildID, sub.Tier, listenerLimitText(sub.MaxListeners),
	))
}

// handleGet handles /subscription get.
func (sc *SubscriptionCommands) handleGet(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sc.get(s, s, i)
}

func (sc *SubscriptionCommands) get(s *discordgo.Session, r discord.Responder, i *discordgo.InteractionCreate) {
	actor := discord.ActorFromInteraction(s, i)
	if !sc.auth.Authorize(actor, access.CapSubscriptionManage) {
		discord.RespondEphemeral(r, i, "Only subscription operators can manage subscriptions.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var (
		sub admission.Subscription
		err error
	)
	if inviteCode := subcommandStringOption(i, "invite_code"); inviteCode != "" {
		sub, err = sc.subs.Get(ctx, inviteCode)
	} else {
		sub, err = sc.subs.GetByGuild(ctx, i.GuildID)
	}
	if err != nil {
		if errors.Is(err, admission.ErrNotFound) {
			discord.RespondEphemeral(r, i, "No subscription found. The guild rides the free tier.")
			return
		}
		slog.Warn("subscription lookup failed", "guild_id", i.GuildID, "err", err)
		discord.RespondEphemeral(r, i, fmt.Sprintf("Failed to look the subscription up: %v", err))
		return
	}

	discord.RespondEmbed(r, i, subscriptionEmbed(sub))
}

// handleRemove handles /subscription remove.
func (sc *SubscriptionCommands) handleRemove(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sc.remove(s, s, i)
}

func (sc *SubscriptionCommands) remove(s *discordgo.Session, r discord.Responder, i *discordgo.InteractionCreate) {
	actor := discord.ActorFromInteraction(s, i)
	if !sc.auth.Authorize(actor, access.CapSubscriptionManage) {
		discord.RespondEphemeral(r, i, "Only subscription operators can manage subscriptions.")
		return
	}

	inviteCode := subcommandStringOption(i, "invite_code")

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := sc.subs.Remove(ctx, inviteCode); err != nil {
		slog.Warn("subscription remove failed", "invite_code", inviteCode, "err", err)
		discord.RespondEphemeral(r, i, fmt.Sprintf("Failed to remove the subscription: %v", err))
		return
	}

	discord.RespondEphemeral(r, i, fmt.Sprintf("Subscription `%s` removed. The guild reverts to the free tier.", inviteCode))
}

// subscriptionEmbed renders one subscription record.
func subscriptionEmbed(sub admission.Subscription) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Subscription",
		Color: 0x5865F2,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Invite Code", Value: fmt.Sprintf("`%s`", sub.InviteCode), Inline: true},
			{Name: "Guild", Value: sub.GuildID, Inline: true},
			{Name: "Tier", Value: string(sub.Tier), Inline: true},
			{Name: "Listener Channels", Value: listenerLimitText(sub.MaxListeners), Inline: true},
			{Name: "Updated", Value: sub.UpdatedAt.UTC().Format(time.RFC3339), Inline: true},
		},
	}
}

// listenerLimitText renders a listener limit, where zero means unlimited.
func listenerLimitText(limit int) string {
	if limit == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("up to %d", limit)
}

// tierChoices builds the static choice list for the tier option.
func tierChoices() []*discordgo.ApplicationCommandOptionChoice {
	tiers := []admission.Tier{
		admission.TierFree,
		admission.TierBasic,
		admission.TierStandard,
		admission.TierAdvanced,
		admission.TierPremium,
		admission.TierCustom,
	}
	choices := make([]*discordgo.ApplicationCommandOptionChoice, len(tiers))
	for n, t := range tiers {
		choices[n] = &discordgo.ApplicationCommandOptionChoice{
			Name:  string(t),
			Value: string(t),
		}
	}
	return choices
}
