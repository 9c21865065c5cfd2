// Package mock provides test doubles for Discord interaction testing.
package mock

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
type InteractionResponder struct {
	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Err is returned by InteractionRespond and FollowupMessageCreate
	// when non-nil, allowing error injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(i *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *InteractionResponder) FollowupMessageCreate(i *discordgo.Interaction, wait bool, params *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *InteractionResponder) LastFollowUp() *discordgo.WebhookParams {
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// Reset clears all recorded interactions and errors.
func (m *InteractionResponder) Reset() {
	m.Responses = nil
	m.FollowUps = nil
	m.Err = nil
}

// MessagePoster records channel message sends and edits for dashboard tests.
type MessagePoster struct {
	// Sends records all ChannelMessageSendComplex payloads.
	Sends []*discordgo.MessageSend

	// Edits records all ChannelMessageEditComplex payloads.
	Edits []*discordgo.MessageEdit

	// SendErr and EditErr are returned when non-nil, allowing error
	// injection per call type.
	SendErr error
	EditErr error
}

// ChannelMessageSendComplex records the payload and returns a stub message
// with a sequential ID.
func (m *MessagePoster) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.Sends = append(m.Sends, data)
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	return &discordgo.Message{ID: fmt.Sprintf("mock-msg-%d", len(m.Sends)), ChannelID: channelID}, nil
}

// ChannelMessageEditComplex records the payload and returns a stub message.
func (m *MessagePoster) ChannelMessageEditComplex(edit *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.Edits = append(m.Edits, edit)
	if m.EditErr != nil {
		return nil, m.EditErr
	}
	return &discordgo.Message{ID: edit.ID, ChannelID: edit.Channel}, nil
}

// LastEdit returns the most recently recorded edit, or nil.
func (m *MessagePoster) LastEdit() *discordgo.MessageEdit {
	if len(m.Edits) == 0 {
		return nil
	}
	return m.Edits[len(m.Edits)-1]
}
