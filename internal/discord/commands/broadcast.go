// Package commands implements Discord slash command handlers for VoxBridge.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/internal/access"
	"github.com/voxbridge/voxbridge/internal/admission"
	"github.com/voxbridge/voxbridge/internal/discord"
	"github.com/voxbridge/voxbridge/internal/router"
	"github.com/voxbridge/voxbridge/internal/section"
	"github.com/voxbridge/voxbridge/internal/token"
	"github.com/voxbridge/voxbridge/internal/worker"
)

// commandTimeout bounds engine calls made from a deferred interaction.
const commandTimeout = 30 * time.Second

// Engine is the broadcast surface the commands drive. *router.Router
// satisfies it.
type Engine interface {
	StartBroadcast(ctx context.Context, req section.StartRequest) (section.Section, error)
	StopBroadcast(ctx context.Context, guildID string) error
	SectionStatus(guildID string) (section.Section, bool)
	SystemStatus() router.SystemStatus
}

// BroadcastCommands holds the dependencies for the /broadcast slash
// command group.
type BroadcastCommands struct {
	engine Engine
	auth   *access.Authorizer

	mu         sync.Mutex
	dashboards map[string]*discord.Dashboard // guild ID -> live dashboard
}

// NewBroadcastCommands creates a BroadcastCommands handler.
func NewBroadcastCommands(engine Engine, auth *access.Authorizer) *BroadcastCommands {
	return &BroadcastCommands{
		engine:     engine,
		auth:       auth,
		dashboards: make(map[string]*discord.Dashboard),
	}
}

// Register registers the /broadcast command group and the dashboard stop
// button with the router.
func (bc *BroadcastCommands) Register(r *discord.CommandRouter) {
	def := bc.Definition()
	r.RegisterCommand("broadcast", def, func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(s, i, "Please use a subcommand: `/broadcast start`, `/broadcast stop` or `/broadcast status`.")
	})
	r.RegisterHandler("broadcast/start", bc.handleStart)
	r.RegisterHandler("broadcast/stop", bc.handleStop)
	r.RegisterHandler("broadcast/status", bc.handleStatus)
	r.RegisterComponent(discord.StopButtonCustomID, bc.handleStopButton)
}

// Definition returns the /broadcast ApplicationCommand for Discord
// registration.
func (bc *BroadcastCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "broadcast",
		Description: "Relay audio from your voice channel into other channels",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:        "start",
				Description: "Start broadcasting from your current voice channel",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandOption{
					{
						Name:        "listeners",
						Description: "Listener channels: #mentions, IDs or names, separated by spaces or commas",
						Type:        discordgo.ApplicationCommandOptionString,
						Required:    true,
					},
					{
						Name:        "name",
						Description: "Label for this broadcast",
						Type:        discordgo.ApplicationCommandOptionString,
					},
					{
						Name:        "dashboard",
						Description: "Post a live status message in this channel",
						Type:        discordgo.ApplicationCommandOptionBoolean,
					},
				},
			},
			{
				Name:        "stop",
				Description: "Stop the active broadcast in this server",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
			},
			{
				Name:        "status",
				Description: "Show the state of the active broadcast",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
			},
		},
	}
}

// handleStart handles /broadcast start.
func (bc *BroadcastCommands) handleStart(s *discordgo.Session, i *discordgo.InteractionCreate) {
	bc.start(s, s, i)
}

func (bc *BroadcastCommands) start(s *discordgo.Session, r discord.Responder, i *discordgo.InteractionCreate) {
	actor := discord.ActorFromInteraction(s, i)
	if !bc.auth.Authorize(actor, access.CapBroadcastStart) {
		discord.RespondEphemeral(r, i, fmt.Sprintf("You need the %s role to start a broadcast.", bc.auth.AdminRole()))
		return
	}

	// The invoker's current voice channel becomes the speaker channel.
	vs, err := s.State.VoiceState(i.GuildID, actor.UserID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		discord.RespondEphemeral(r, i, "You must be in a voice channel to start a broadcast.")
		return
	}
	speakerChannelID := vs.ChannelID

	listeners, err := parseChannelRefs(s, i.GuildID, subcommandStringOption(i, "listeners"))
	if err != nil {
		discord.RespondEphemeral(r, i, fmt.Sprintf("Invalid listeners: %v.", err))
		return
	}
	for _, id := range listeners {
		if id == speakerChannelID {
			discord.RespondEphemeral(r, i, "The speaker channel cannot also be a listener channel.")
			return
		}
	}

	// Defer since spawning workers involves several voice handshakes.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	sec, err := bc.engine.StartBroadcast(ctx, section.StartRequest{
		GuildID:            i.GuildID,
		Name:               subcommandStringOption(i, "name"),
		SpeakerChannelID:   speakerChannelID,
		ListenerChannelIDs: listeners,
	})
	if err != nil {
		slog.Warn("broadcast start rejected", "guild_id", i.GuildID, "user_id", actor.UserID, "err", err)
		discord.FollowUp(r, i, startFailureMessage(err))
		return
	}

	mentions := make([]string, len(sec.ListenerChannelIDs))
	for n, id := range sec.ListenerChannelIDs {
		mentions[n] = fmt.Sprintf("<#%s>", id)
	}
	discord.FollowUp(r, i, fmt.Sprintf(
		"Broadcast started!\n**Speaker:** <#%s>\n**Listeners:** %s",
		sec.SpeakerChannelID,
		strings.Join(mentions, " "),
	))

	if subcommandBoolOption(i, "dashboard") {
		bc.openDashboard(s, sec.GuildID, i.ChannelID)
	}
}

// handleStop handles /broadcast stop.
func (bc *BroadcastCommands) handleStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	bc.stop(s, s, i)
}

// handleStopButton handles the dashboard's stop button.
func (bc *BroadcastCommands) handleStopButton(s *discordgo.Session, i *discordgo.InteractionCreate) {
	bc.stop(s, s, i)
}

func (bc *BroadcastCommands) stop(s *discordgo.Session, r discord.Responder, i *discordgo.InteractionCreate) {
	actor := discord.ActorFromInteraction(s, i)
	if !bc.auth.Authorize(actor, access.CapBroadcastStop) {
		discord.RespondEphemeral(r, i, fmt.Sprintf("You need the %s role to stop a broadcast.", bc.auth.AdminRole()))
		return
	}

	sec, ok := bc.engine.SectionStatus(i.GuildID)
	if !ok {
		discord.RespondEphemeral(r, i, "No active broadcast in this server.")
		return
	}
	duration := time.Since(sec.StartedAt).Truncate(time.Second)

	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := bc.engine.StopBroadcast(ctx, i.GuildID); err != nil {
		slog.Warn("broadcast stop failed", "guild_id", i.GuildID, "user_id", actor.UserID, "err", err)
		discord.FollowUp(r, i, "Failed to stop the broadcast cleanly. The workers may still be shutting down; check `/broadcast status`.")
		return
	}

	bc.closeDashboard(i.GuildID)

	discord.FollowUp(r, i, fmt.Sprintf("Broadcast stopped.\n**Duration:** %s", duration))
}

// handleStatus handles /broadcast status.
func (bc *BroadcastCommands) handleStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	bc.status(s, s, i)
}

func (bc *BroadcastCommands) status(s *discordgo.Session, r discord.Responder, i *discordgo.InteractionCreate) {
	actor := discord.ActorFromInteraction(s, i)
	if !bc.auth.Authorize(actor, access.CapBroadcastStatus) {
		discord.RespondEphemeral(r, i, fmt.Sprintf("You need the %s or %s role to view broadcast status.", bc.auth.AdminRole(), bc.auth.SpeakerRole()))
		return
	}

	st := bc.engine.SystemStatus()
	if sec, ok := bc.engine.SectionStatus(i.GuildID); ok {
		discord.RespondEmbed(r, i, discord.StatusEmbed(sec, st))
		return
	}
	discord.RespondEmbed(r, i, discord.IdleEmbed(st))
}

// openDashboard starts a live dashboard for the guild, replacing any
// previous one.
func (bc *BroadcastCommands) openDashboard(poster discord.MessagePoster, guildID, channelID string) {
	d := discord.NewDashboard(discord.DashboardConfig{
		Poster:    poster,
		Engine:    bc.engine,
		GuildID:   guildID,
		ChannelID: channelID,
	})

	bc.mu.Lock()
	if prev, ok := bc.dashboards[guildID]; ok {
		prev.Stop()
	}
	bc.dashboards[guildID] = d
	bc.mu.Unlock()

	d.Start(context.Background())
}

// closeDashboard stops and forgets the guild's dashboard, if any.
func (bc *BroadcastCommands) closeDashboard(guildID string) {
	bc.mu.Lock()
	d, ok := bc.dashboards[guildID]
	delete(bc.dashboards, guildID)
	bc.mu.Unlock()
	if ok {
		d.Stop()
	}
}

// CloseDashboards stops every live dashboard. Called on shutdown.
func (bc *BroadcastCommands) CloseDashboards() {
	bc.mu.Lock()
	dashboards := make([]*discord.Dashboard, 0, len(bc.dashboards))
	for _, d := range bc.dashboards {
		dashboards = append(dashboards, d)
	}
	bc.dashboards = make(map[string]*discord.Dashboard)
	bc.mu.Unlock()

	for _, d := range dashboards {
		d.Stop()
	}
}

// startFailureMessage maps engine errors to operator-facing text. Details
// stay in the logs.
func startFailureMessage(err error) string {
	switch {
	case errors.Is(err, section.ErrChannelBusy):
		return "One of those channels is already part of an active broadcast."
	case errors.Is(err, admission.ErrAdmissionDenied):
		return "Your subscription tier does not allow that many listener channels."
	case errors.Is(err, token.ErrNoTokens):
		return "No bot credentials are free right now. Try again when another broadcast ends."
	case errors.Is(err, worker.ErrHandshakeFailed):
		return "The audio workers could not join the voice channels. Check the bot's channel permissions."
	default:
		return "Could not start the broadcast. Check the logs for details."
	}
}

// parseChannelRefs resolves a listener channel list. References may be
// #mentions, raw channel IDs or voice channel names; names are separated by
// commas so multi-word names survive. Duplicates collapse to one entry.
func parseChannelRefs(s *discordgo.Session, guildID, raw string) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	// Pull the <#id> mentions out first; whatever remains is names and IDs.
	rest := raw
	for {
		open := strings.Index(rest, "<#")
		if open < 0 {
			break
		}
		end := strings.Index(rest[open:], ">")
		if end < 0 {
			return nil, fmt.Errorf("unterminated channel mention %q", rest[open:])
		}
		id := rest[open+2 : open+end]
		if !isDigits(id) {
			return nil, fmt.Errorf("malformed channel mention %q", rest[open:open+end+1])
		}
		add(id)
		rest = rest[:open] + " " + rest[open+end+1:]
	}

	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		fields := strings.Fields(part)
		allDigits := true
		for _, f := range fields {
			if !isDigits(f) {
				allDigits = false
				break
			}
		}
		if allDigits {
			for _, f := range fields {
				add(f)
			}
			continue
		}

		id, err := resolveChannelName(s, guildID, part)
		if err != nil {
			return nil, err
		}
		add(id)
	}

	if len(ids) == 0 {
		return nil, errors.New("no listener channels given")
	}
	return ids, nil
}

// resolveChannelName finds a voice or stage channel by name,
// case-insensitively, through the session's guild state.
func resolveChannelName(s *discordgo.Session, guildID, name string) (string, error) {
	g, err := s.State.Guild(guildID)
	if err == nil {
		for _, ch := range g.Channels {
			if ch.Type != discordgo.ChannelTypeGuildVoice && ch.Type != discordgo.ChannelTypeGuildStageVoice {
				continue
			}
			if strings.EqualFold(ch.Name, name) {
				return ch.ID, nil
			}
		}
	}
	return "", fmt.Errorf("unknown channel %q (use a #mention, channel ID or voice channel name)", name)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// subcommandStringOption extracts a string option value from a subcommand
// interaction.
func subcommandStringOption(i *discordgo.InteractionCreate, name string) string {
	data := i.ApplicationCommandData()
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		for _, opt := range data.Options[0].Options {
			if opt.Name == name {
				return opt.StringValue()
			}
		}
	}
	return ""
}

// subcommandIntOption extracts an integer option value from a subcommand
// interaction. Returns 0 when the option is absent.
func subcommandIntOption(i *discordgo.InteractionCreate, name string) int {
	data := i.ApplicationCommandData()
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		for _, opt := range data.Options[0].Options {
			if opt.Name == name {
				return int(opt.IntValue())
			}
		}
	}
	return 0
}

// subcommandBoolOption extracts a boolean option value from a subcommand
// interaction. Returns false when the option is absent.
func subcommandBoolOption(i *discordgo.InteractionCreate, name string) bool {
	data := i.ApplicationCommandData()
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		for _, opt := range data.Options[0].Options {
			if opt.Name == name {
				return opt.BoolValue()
			}
		}
	}
	return false
}
