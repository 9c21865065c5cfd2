// Package admission decides whether a guild may start a broadcast of a
// given size. Capacity is sold in subscription tiers keyed by the Discord
// invite code the subscription was registered under; guilds without a
// record ride the free tier.
package admission

import (
	"errors"
	"fmt"
	"strings"
)

// Tier is a subscription level.
type Tier string

const (
	TierFree     Tier = "free"
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierAdvanced Tier = "advanced"
	TierPremium  Tier = "premium"

	// TierCustom carries a negotiated per-guild listener limit instead of
	// a fixed one.
	TierCustom Tier = "custom"
)

// ErrInvalidTier is returned when a tier name is not recognised.
var ErrInvalidTier = errors.New("admission: unknown subscription tier")

// tierLimits is the listener allowance sold with each tier. Zero means
// unlimited.
var tierLimits = map[Tier]int{
	TierFree:     1,
	TierBasic:    2,
	TierStandard: 6,
	TierAdvanced: 12,
	TierPremium:  24,
	TierCustom:   0,
}

// ParseTier normalises and validates a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// IsValid reports whether t is a known tier.
func (t Tier) IsValid() bool {
	_, ok := tierLimits[t]
	return ok
}

// MaxListeners returns the tier's default listener allowance. Zero means
// unlimited; [TierCustom] records override this per guild.
func (t Tier) MaxListeners() int {
	return tierLimits[t]
}
