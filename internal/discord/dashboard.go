package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/internal/router"
	"github.com/voxbridge/voxbridge/internal/section"
	"github.com/voxbridge/voxbridge/internal/token"
	"github.com/voxbridge/voxbridge/internal/worker"
)

// StatusSource provides the engine snapshots the dashboard renders.
// *router.Router satisfies it.
type StatusSource interface {
	SectionStatus(guildID string) (section.Section, bool)
	SystemStatus() router.SystemStatus
}

// MessagePoster is the slice of the Discord session used to create and edit
// the dashboard message. *discordgo.Session satisfies it.
type MessagePoster interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// StopButtonCustomID is the component ID of the dashboard's stop button.
const StopButtonCustomID = "broadcast_stop"

// embedColorGreen is the embed sidebar color for a live broadcast.
const embedColorGreen = 0x2ECC71

// embedColorRed is the embed sidebar color when a broadcast has ended.
const embedColorRed = 0xE74C3C

// embedColorBlurple is the embed sidebar color for idle status views.
const embedColorBlurple = 0x5865F2

// defaultInterval is the default dashboard update interval.
const defaultInterval = 10 * time.Second

// maxListedChannels caps how many listener channel mentions an embed field
// shows before collapsing the rest into a count.
const maxListedChannels = 12

// Dashboard renders and periodically updates a Discord message showing a
// guild's live broadcast. The message is created on the first update and
// edited in place; when the broadcast ends, a final embed replaces it and
// the loop exits on its own.
//
// Thread-safe for concurrent use.
type Dashboard struct {
	mu        sync.Mutex
	poster    MessagePoster
	engine    StatusSource
	guildID   string
	channelID string
	messageID string // dashboard message; created on first update
	lastSec   section.Section
	ended     bool
	interval  time.Duration
	log       *slog.Logger
	done      chan struct{}
	finished  chan struct{}
	stopOnce  sync.Once
}

// DashboardConfig holds dependencies for creating a Dashboard.
type DashboardConfig struct {
	Poster    MessagePoster
	Engine    StatusSource
	GuildID   string
	ChannelID string
	Interval  time.Duration // Default: 10 seconds
}

// NewDashboard creates a Dashboard for one guild's broadcast.
func NewDashboard(cfg DashboardConfig) *Dashboard {
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}
	return &Dashboard{
		poster:    cfg.Poster,
		engine:    cfg.Engine,
		guildID:   cfg.GuildID,
		channelID: cfg.ChannelID,
		interval:  interval,
		log:       slog.With("component", "dashboard", "guild_id", cfg.GuildID),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// Start begins the periodic update loop in a background goroutine.
func (d *Dashboard) Start(ctx context.Context) {
	go d.loop(ctx)
}

// Stop halts the update loop and replaces the dashboard with the final
// "broadcast ended" embed.
func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.finish()
}

// loop updates the message until the broadcast disappears from the engine,
// Stop is called, or ctx is cancelled.
func (d *Dashboard) loop(ctx context.Context) {
	defer close(d.finished)

	if !d.update() {
		return
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.update() {
				return
			}
		}
	}
}

// update renders the current broadcast state into the dashboard message.
// It returns false once the section is gone and the final embed is posted.
func (d *Dashboard) update() bool {
	sec, ok := d.engine.SectionStatus(d.guildID)
	if !ok {
		d.finish()
		return false
	}
	embed := StatusEmbed(sec, d.engine.SystemStatus())

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSec = sec

	if d.messageID == "" {
		msg, err := d.poster.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: stopButtonRow(),
		})
		if err != nil {
			d.log.Warn("failed to create dashboard message", "channel", d.channelID, "err", err)
			return true
		}
		d.messageID = msg.ID
		d.log.Debug("created dashboard message", "message_id", msg.ID, "channel", d.channelID)
		return true
	}

	edit := discordgo.NewMessageEdit(d.channelID, d.messageID)
	edit.Embeds = &[]*discordgo.MessageEmbed{embed}
	if _, err := d.poster.ChannelMessageEditComplex(edit); err != nil {
		d.log.Warn("failed to edit dashboard message", "message_id", d.messageID, "err", err)
	}
	return true
}

// finish replaces the dashboard with the ended embed and strips the stop
// button. Safe to call from both the loop and Stop; only the first call
// posts.
func (d *Dashboard) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ended {
		return
	}
	d.ended = true
	if d.messageID == "" {
		return
	}

	edit := discordgo.NewMessageEdit(d.channelID, d.messageID)
	edit.Embeds = &[]*discordgo.MessageEmbed{endedEmbed(d.lastSec)}
	noComponents := []discordgo.MessageComponent{}
	edit.Components = &noComponents
	if _, err := d.poster.ChannelMessageEditComplex(edit); err != nil {
		d.log.Warn("failed to post final dashboard embed", "message_id", d.messageID, "err", err)
	}
}

// stopButtonRow builds the dashboard's action row.
func stopButtonRow() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Stop broadcast",
					Style:    discordgo.DangerButton,
					CustomID: StopButtonCustomID,
				},
			},
		},
	}
}

// StatusEmbed builds the live status embed for an active section.
func StatusEmbed(sec section.Section, st router.SystemStatus) *discordgo.MessageEmbed {
	description := ""
	if sec.Name != "" {
		description = fmt.Sprintf("**%s**", sec.Name)
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Speaker", Value: channelMention(sec.SpeakerChannelID), Inline: true},
		{Name: "Duration", Value: formatDuration(time.Since(sec.StartedAt)), Inline: true},
		{Name: "Workers", Value: workerSummary(sec, st.Workers), Inline: true},
		{Name: "Listeners", Value: listenerField(sec.ListenerChannelIDs), Inline: false},
		{Name: "Tokens", Value: tokenSummary(st.Tokens), Inline: true},
		{Name: "Relay", Value: relaySummary(st), Inline: true},
	}

	return &discordgo.MessageEmbed{
		Title:       "Broadcast Status",
		Description: description,
		Color:       embedColorGreen,
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Live broadcast",
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// IdleEmbed builds the status embed shown when the guild has no active
// broadcast.
func IdleEmbed(st router.SystemStatus) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Broadcast Status",
		Description: "No active broadcast in this guild.",
		Color:       embedColorBlurple,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Active Sections", Value: fmt.Sprintf("%d", st.ActiveSections), Inline: true},
			{Name: "Workers", Value: fmt.Sprintf("%d running", st.RunningWorkers), Inline: true},
			{Name: "Tokens", Value: tokenSummary(st.Tokens), Inline: true},
			{Name: "Relay", Value: relaySummary(st), Inline: true},
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// endedEmbed builds the final "broadcast ended" embed from the last section
// snapshot the dashboard saw.
func endedEmbed(sec section.Section) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Speaker", Value: channelMention(sec.SpeakerChannelID), Inline: true},
		{Name: "Listener Channels", Value: fmt.Sprintf("%d", len(sec.ListenerChannelIDs)), Inline: true},
	}
	if !sec.StartedAt.IsZero() {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Duration",
			Value:  formatDuration(time.Since(sec.StartedAt)),
			Inline: true,
		})
	}

	return &discordgo.MessageEmbed{
		Title:       "Broadcast Status",
		Description: "Broadcast has ended.",
		Color:       embedColorRed,
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Broadcast ended",
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// workerSummary condenses the section's worker states into one field value.
func workerSummary(sec section.Section, workers []worker.Worker) string {
	byID := make(map[string]worker.Worker, len(workers))
	for _, w := range workers {
		byID[w.ID] = w
	}

	forwarderState := "unknown"
	restarts := 0
	if w, ok := byID[sec.ForwarderID]; ok {
		forwarderState = w.State.String()
		restarts += w.Restarts
	}

	running := 0
	for _, id := range sec.ReceiverIDs {
		w, ok := byID[id]
		if !ok {
			continue
		}
		if w.State == worker.StateRunning {
			running++
		}
		restarts += w.Restarts
	}

	s := fmt.Sprintf("forwarder %s, receivers %d/%d running", forwarderState, running, len(sec.ReceiverIDs))
	if restarts > 0 {
		s += fmt.Sprintf(", %d restarts", restarts)
	}
	return s
}

// tokenSummary condenses pool occupancy into one field value.
func tokenSummary(ts token.Stats) string {
	s := fmt.Sprintf("%d in use, %d free", ts.Used, ts.Available)
	if ts.SharedMode {
		s += " (shared)"
	}
	return s
}

// relaySummary reports the relay server's listen state.
func relaySummary(st router.SystemStatus) string {
	if !st.RelayRunning {
		return "down"
	}
	return st.RelayAddr
}

// listenerField renders listener channel mentions, collapsing long lists.
func listenerField(channelIDs []string) string {
	mentions := make([]string, 0, len(channelIDs))
	for i, id := range channelIDs {
		if i == maxListedChannels {
			mentions = append(mentions, fmt.Sprintf("and %d more", len(channelIDs)-maxListedChannels))
			break
		}
		mentions = append(mentions, channelMention(id))
	}
	return strings.Join(mentions, " ")
}

// channelMention formats a channel ID as a clickable mention.
func channelMention(id string) string {
	return fmt.Sprintf("<#%s>", id)
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
