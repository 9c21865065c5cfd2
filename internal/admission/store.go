package admission

import (
	"context"
	"errors"
	"time"
)

// Subscription is one guild's capacity record, keyed by the invite code it
// was purchased under. A guild holds at most one record; MaxListeners of
// zero means unlimited.
type Subscription struct {
	InviteCode   string
	GuildID      string
	Tier         Tier
	MaxListeners int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var (
	// ErrNotFound is returned when no subscription matches the lookup key.
	ErrNotFound = errors.New("admission: subscription not found")

	// ErrGuildConflict is returned when an upsert would give a guild a
	// second record under a different invite code.
	ErrGuildConflict = errors.New("admission: guild already subscribed under a different invite code")
)

// Store persists subscription records.
type Store interface {
	// Upsert creates the record or, when the invite code already exists,
	// updates its guild, tier and listener limit. The stored record is
	// returned with its timestamps filled in.
	Upsert(ctx context.Context, sub Subscription) (Subscription, error)

	// Get looks a subscription up by invite code.
	Get(ctx context.Context, inviteCode string) (Subscription, error)

	// GetByGuild looks a subscription up by guild ID.
	GetByGuild(ctx context.Context, guildID string) (Subscription, error)

	// Remove deletes the record for an invite code. Removing an absent
	// record is not an error.
	Remove(ctx context.Context, inviteCode string) error

	// List returns all subscriptions ordered by guild ID.
	List(ctx context.Context) ([]Subscription, error)
}
