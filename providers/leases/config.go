package leases

import (
	"log/slog"
	"time"
)

const (
	// DefaultLeaseDuration is granted for requests of [Any] when not configured.
	DefaultLeaseDuration = time.Minute
	// DefaultMaxLeaseDuration caps all grants when not configured.
	DefaultMaxLeaseDuration = time.Hour
)

// Config for a [Lessor]. Embed with kong prefix "lease-".
type Config struct {
	Default      time.Duration `help:"Lease duration granted when a holder requests any duration." default:"1m"`
	Max          time.Duration `help:"Maximum lease duration that will be granted." default:"1h"`
	ReapInterval time.Duration `help:"How often expired leases are evicted." default:"10s"`
	PolicyFile   string        `help:"Per-class lease policy rules." type:"path"`
}

// DefaultConfig returns a [Config] populated with the default values.
func DefaultConfig() Config {
	return Config{
		Default:      DefaultLeaseDuration,
		Max:          DefaultMaxLeaseDuration,
		ReapInterval: DefaultReapingInterval,
	}
}

// Normalise replaces invalid values with defaults, logging a warning for each.
func (c Config) Normalise(logger *slog.Logger) Config {
	if c.Default <= 0 {
		logger.Warn("Invalid default lease duration, using default", "value", c.Default, "default", DefaultLeaseDuration)
		c.Default = DefaultLeaseDuration
	}
	if c.Max <= 0 {
		logger.Warn("Invalid maximum lease duration, using default", "value", c.Max, "default", DefaultMaxLeaseDuration)
		c.Max = DefaultMaxLeaseDuration
	}
	if c.Default > c.Max {
		logger.Warn("Default lease duration exceeds maximum, clamping", "default", c.Default, "max", c.Max)
		c.Default = c.Max
	}
	if c.ReapInterval <= 0 {
		logger.Warn("Invalid reaping interval, using default", "value", c.ReapInterval, "default", DefaultReapingInterval)
		c.ReapInterval = DefaultReapingInterval
	}
	return c
}
