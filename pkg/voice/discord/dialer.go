// Package discord provides a [voice.Dialer] implementation backed by Discord
// voice channels via the bwmarrin/discordgo library.
//
// The dialer requires an active *discordgo.Session (owned by the bot layer).
// Each call to [Dialer.Dial] joins one voice channel and returns a
// [voice.Conn] that captures the channel's Opus packets and plays queued
// packets back, with a silence tail when playback idles.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/voxbridge/voxbridge/pkg/voice"
)

// Compile-time interface assertion.
var _ voice.Dialer = (*Dialer)(nil)

// Dialer implements [voice.Dialer] using discordgo voice connections.
//
// Dialer is safe for concurrent use.
type Dialer struct {
	session *discordgo.Session
}

// New creates a Dialer for the given session.
func New(session *discordgo.Session) *Dialer {
	return &Dialer{session: session}
}

// Dial joins the voice channel identified by guildID and channelID. The
// supplied ctx governs the join attempt only; the returned Conn lives until
// [voice.Conn.Close] is called.
func (d *Dialer) Dial(ctx context.Context, guildID, channelID string) (voice.Conn, error) {
	// mute=false (we play audio), deaf=false (we capture audio).
	vc, err := d.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	return newConn(vc), nil
}
