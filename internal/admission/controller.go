package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/resilience"
)

// ErrAdmissionDenied is returned when a broadcast asks for more listener
// channels than the guild's subscription tier allows.
var ErrAdmissionDenied = errors.New("admission: listener limit exceeded for subscription tier")

// ControllerConfig configures a [Controller].
type ControllerConfig struct {
	// Store persists subscription records. Required.
	Store Store

	// StoreName labels the store in logs and breaker state.
	// Defaults to "subscriptions".
	StoreName string

	// Breaker guards each store backend. Zero fields take the resilience
	// package defaults.
	Breaker resilience.CircuitBreakerConfig

	// Metrics records admission denials. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Controller answers capacity questions and manages subscription records.
// Store access runs behind a circuit breaker; when the store is down,
// capacity checks degrade to the free tier instead of blocking broadcasts.
type Controller struct {
	stores  *resilience.FallbackGroup[Store]
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewController builds a controller around cfg.Store.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("admission: controller needs a store")
	}
	name := cfg.StoreName
	if name == "" {
		name = "subscriptions"
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Controller{
		stores: resilience.NewFallbackGroup[Store](cfg.Store, name, resilience.FallbackConfig{
			CircuitBreaker: cfg.Breaker,
		}),
		metrics: metrics,
		log:     slog.With("component", "admission"),
	}, nil
}

// AddReplica registers an additional store consulted when earlier backends
// fail or sit behind an open breaker.
func (c *Controller) AddReplica(name string, store Store) {
	c.stores.AddFallback(name, store)
}

// CheckCapacity reports whether guildID may start a broadcast with the
// requested number of listener channels. Guilds without a subscription ride
// the free tier, and so does a guild whose record cannot be read because
// the store is down. An unreachable database must never block broadcasting
// outright.
func (c *Controller) CheckCapacity(ctx context.Context, guildID string, requested int) error {
	tier, limit := TierFree, TierFree.MaxListeners()

	sub, err := storeCall(c, func(s Store) (Subscription, error) {
		return s.GetByGuild(ctx, guildID)
	})
	switch {
	case err == nil:
		tier, limit = sub.Tier, sub.MaxListeners
	case errors.Is(err, ErrNotFound):
		// Unsubscribed guilds ride the free tier.
	default:
		c.log.Warn("subscription store unavailable, admitting at free tier",
			"guild_id", guildID, "error", err)
	}

	if limit > 0 && requested > limit {
		c.metrics.RecordAdmissionDenial(ctx, string(tier))
		return fmt.Errorf("%w: tier %s allows %d listener channels, %d requested",
			ErrAdmissionDenied, tier, limit, requested)
	}
	return nil
}

// Upsert validates and persists a subscription record. Non-custom tiers
// always store their fixed listener limit; only [TierCustom] keeps the
// caller-supplied one (zero meaning unlimited).
func (c *Controller) Upsert(ctx context.Context, inviteCode, guildID, tierName string, maxListeners int) (Subscription, error) {
	tier, err := ParseTier(tierName)
	if err != nil {
		return Subscription{}, err
	}
	if inviteCode == "" || guildID == "" {
		return Subscription{}, errors.New("admission: invite code and guild ID are required")
	}
	if tier != TierCustom {
		maxListeners = tier.MaxListeners()
	} else if maxListeners < 0 {
		return Subscription{}, fmt.Errorf("admission: negative listener limit %d", maxListeners)
	}

	sub := Subscription{InviteCode: inviteCode, GuildID: guildID, Tier: tier, MaxListeners: maxListeners}
	stored, err := storeCall(c, func(s Store) (Subscription, error) {
		return s.Upsert(ctx, sub)
	})
	if err != nil {
		return Subscription{}, err
	}
	c.log.Info("subscription stored",
		"guild_id", guildID, "tier", string(tier), "max_listeners", stored.MaxListeners)
	return stored, nil
}

// Get looks a subscription up by invite code.
func (c *Controller) Get(ctx context.Context, inviteCode string) (Subscription, error) {
	return storeCall(c, func(s Store) (Subscription, error) {
		return s.Get(ctx, inviteCode)
	})
}

// GetByGuild looks a subscription up by guild ID.
func (c *Controller) GetByGuild(ctx context.Context, guildID string) (Subscription, error) {
	return storeCall(c, func(s Store) (Subscription, error) {
		return s.GetByGuild(ctx, guildID)
	})
}

// Remove deletes the record for an invite code.
func (c *Controller) Remove(ctx context.Context, inviteCode string) error {
	_, err := storeCall(c, func(s Store) (struct{}, error) {
		return struct{}{}, s.Remove(ctx, inviteCode)
	})
	if err == nil {
		c.log.Info("subscription removed", "invite_code", inviteCode)
	}
	return err
}

// List returns all subscriptions.
func (c *Controller) List(ctx context.Context) ([]Subscription, error) {
	return storeCall(c, func(s Store) ([]Subscription, error) {
		return s.List(ctx)
	})
}

// storeCall runs op against the controller's store chain. Domain errors
// (missing records, invite conflicts) pass through without counting against
// a backend's breaker.
func storeCall[R any](c *Controller, op func(Store) (R, error)) (R, error) {
	type result struct {
		value R
		err   error
	}
	res, err := resilience.ExecuteWithResult(c.stores, func(s Store) (result, error) {
		v, opErr := op(s)
		if opErr != nil && isDomainError(opErr) {
			return result{err: opErr}, nil
		}
		return result{value: v}, opErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return res.value, res.err
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrGuildConflict)
}
