package protection

import (
	"math"
	"time"
)

// TripConfig holds the definite-time settings: pickup current in primary
// amperes, the operate delay and the enable flag. Build it with NewTripConfig.
type TripConfig struct {
	pickupCurrent float64
	timeDelay     time.Duration
	enabled       bool
}

// NewTripConfig validates and builds trip settings.
func NewTripConfig(pickupCurrent float64, timeDelay time.Duration, enabled bool) (TripConfig, error) {
	if math.IsNaN(pickupCurrent) || math.IsInf(pickupCurrent, 0) || pickupCurrent <= 0 {
		return TripConfig{}, invalid("pickup_current", "must be a positive finite current")
	}
	if timeDelay < 0 {
		return TripConfig{}, invalid("time_delay", "must not be negative")
	}
	return TripConfig{
		pickupCurrent: pickupCurrent,
		timeDelay:     timeDelay,
		enabled:       enabled,
	}, nil
}

// PickupCurrent returns the threshold in primary amperes.
func (c TripConfig) PickupCurrent() float64 { return c.pickupCurrent }

// TimeDelay returns the definite operate delay.
func (c TripConfig) TimeDelay() time.Duration { return c.timeDelay }

// Enabled reports whether the function may pick up at all.
func (c TripConfig) Enabled() bool { return c.enabled }

// WithEnabled returns a copy with the enable flag replaced.
func (c TripConfig) WithEnabled(enabled bool) TripConfig {
	c.enabled = enabled
	return c
}

// Valid reports whether the value went through NewTripConfig.
func (c TripConfig) Valid() bool {
	return c.pickupCurrent > 0 && c.timeDelay >= 0
}
