package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (credentials, relay addresses, the store backend) needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ReceiverTokensChanged reports a changed receiver credential list.
	// NewReceiverTokens holds the full new list, ready to resize the
	// token pool with. Order matters: receiver credentials lease in
	// listed order.
	ReceiverTokensChanged bool
	NewReceiverTokens     []string
}

// Changed reports whether the diff contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ReceiverTokensChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if !slices.Equal(old.Discord.ReceiverTokens, new.Discord.ReceiverTokens) {
		d.ReceiverTokensChanged = true
		d.NewReceiverTokens = slices.Clone(new.Discord.ReceiverTokens)
	}

	return d
}
