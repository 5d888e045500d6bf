package trace

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the relay heuristics. All of it is operational tuning.
type Config struct {
	// Threshold is the fraction of inflow an address must forward within
	// Window to be classified as a relay.
	Threshold decimal.Decimal
	// Window bounds how long after an inflow an outflow still counts as
	// forwarding it. Zero means any later outflow counts.
	Window time.Duration
	// MaxHops is the deepest hop level whose addresses are examined.
	// Addresses reached beyond it are terminal.
	MaxHops int
	// FanOut bounds concurrent store queries within one hop level.
	FanOut int
	// StopAddresses are never credited or traced; funds reaching them are
	// counted as stopped.
	StopAddresses map[string]struct{}
	// ReturnAddresses are credited as returned funds, like the origin.
	ReturnAddresses map[string]struct{}
}

// DefaultConfig returns the default relay heuristics.
func DefaultConfig() Config {
	return Config{
		Threshold: decimal.RequireFromString("0.90"),
		Window:    72 * time.Hour,
		MaxHops:   4,
		FanOut:    8,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold.IsNegative() || c.Threshold.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("threshold must be within [0, 1], got %s", c.Threshold))
	}
	if c.Window < 0 {
		errs = append(errs, fmt.Errorf("window must not be negative, got %s", c.Window))
	}
	if c.MaxHops < 1 {
		errs = append(errs, fmt.Errorf("max hops must be at least 1, got %d", c.MaxHops))
	}
	if c.FanOut < 1 {
		errs = append(errs, fmt.Errorf("fan-out limit must be at least 1, got %d", c.FanOut))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid trace config: %v", errs)
	}
	return nil
}
