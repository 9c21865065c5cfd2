// Package section tracks live broadcast sections and drives their worker
// lifecycles: admission, channel exclusivity, all-or-nothing activation and
// failure escalation.
package section

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Section is one live broadcast: audio captured in a speaker channel and
// relayed into a set of listener channels within a guild.
type Section struct {
	// ID is the section's unique identity, shared by all of its workers.
	ID string

	GuildID string

	// Name is the operator-facing label, e.g. "War Room".
	Name string

	SpeakerChannelID   string
	ListenerChannelIDs []string

	// ForwarderID is the worker capturing the speaker channel.
	ForwarderID string

	// ReceiverIDs maps each listener channel to the worker playing into it.
	ReceiverIDs map[string]string

	Active    bool
	StartedAt time.Time
}

func (s Section) clone() Section {
	out := s
	out.ListenerChannelIDs = slices.Clone(s.ListenerChannelIDs)
	out.ReceiverIDs = maps.Clone(s.ReceiverIDs)
	return out
}

// StartRequest describes one broadcast to activate.
type StartRequest struct {
	GuildID            string
	Name               string
	SpeakerChannelID   string
	ListenerChannelIDs []string
}

func (r StartRequest) validate() error {
	var errs []error
	if r.GuildID == "" {
		errs = append(errs, errors.New("guild id is required"))
	}
	if r.SpeakerChannelID == "" {
		errs = append(errs, errors.New("speaker channel id is required"))
	}
	if len(r.ListenerChannelIDs) == 0 {
		errs = append(errs, errors.New("at least one listener channel is required"))
	}
	seen := make(map[string]bool, len(r.ListenerChannelIDs)+1)
	if r.SpeakerChannelID != "" {
		seen[r.SpeakerChannelID] = true
	}
	for _, ch := range r.ListenerChannelIDs {
		if seen[ch] {
			errs = append(errs, fmt.Errorf("channel %s listed more than once", ch))
			continue
		}
		seen[ch] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid start request: %w", errors.Join(errs...))
	}
	return nil
}
