package protection

import (
	"fmt"
	"time"
)

// Phase is the position of the definite-time element.
type Phase int

const (
	PhaseNormal Phase = iota
	PhasePickup
	PhaseTripped
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhasePickup:
		return "pickup"
	case PhaseTripped:
		return "tripped"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase name in JSON payloads.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (p *Phase) UnmarshalText(text []byte) error {
	phase, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = phase
	return nil
}

// ParsePhase maps a phase name back to its value.
func ParsePhase(value string) (Phase, error) {
	switch value {
	case "normal":
		return PhaseNormal, nil
	case "pickup":
		return PhasePickup, nil
	case "tripped":
		return PhaseTripped, nil
	default:
		return PhaseNormal, fmt.Errorf("protection: unknown phase %q", value)
	}
}

// TripState is owned by exactly one TripLogic.
type TripState struct {
	Phase           Phase
	PickupStartedAt time.Time
	LastEvaluatedAt time.Time
}

// PickupStarted returns the pickup timestamp when a timer is running.
func (s TripState) PickupStarted() (time.Time, bool) {
	if s.PickupStartedAt.IsZero() {
		return time.Time{}, false
	}
	return s.PickupStartedAt, true
}

// TripResult is produced for every completed cycle.
type TripResult struct {
	Asserted bool          `json:"asserted"`
	Phase    Phase         `json:"phase"`
	Enabled  bool          `json:"enabled"`
	RMS      float64       `json:"rms"`
	At       time.Time     `json:"at"`
	// ElapsedInPickup is the time since pickup start while in Pickup; zero in
	// Normal and Tripped. TripState.PickupStartedAt still holds the start once tripped.
	ElapsedInPickup time.Duration `json:"elapsed_in_pickup"`
	// Remaining is the time left before operate while in Pickup.
	Remaining time.Duration `json:"remaining"`
}
