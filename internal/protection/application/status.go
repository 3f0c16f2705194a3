package application

import (
	"time"

	protection "ptoc-relay/internal/protection/domain"
)

// Status is a point-in-time copy of the protection function and service counters.
type Status struct {
	Function        string           `json:"function"`
	Running         bool             `json:"running"`
	Enabled         bool             `json:"enabled"`
	Phase           protection.Phase `json:"phase"`
	Asserted        bool             `json:"asserted"`
	PickupStartedAt *time.Time       `json:"pickup_started_at,omitempty"`
	ElapsedInPickup time.Duration    `json:"elapsed_in_pickup"`
	Remaining       time.Duration    `json:"remaining"`
	LastRMS         float64          `json:"last_rms"`
	LastCycleAt     time.Time        `json:"last_cycle_at"`

	PickupCurrent   float64       `json:"pickup_current"`
	TimeDelay       time.Duration `json:"time_delay"`
	SamplesPerCycle int           `json:"samples_per_cycle"`
	SealIn          bool          `json:"seal_in"`

	Samples            uint64 `json:"samples"`
	Cycles             uint64 `json:"cycles"`
	SequenceViolations uint64 `json:"sequence_violations"`
	Dropped            uint64 `json:"dropped"`
}

func (s *Status) applySettings(settings protection.Settings) {
	s.Enabled = settings.Trip.Enabled()
	s.PickupCurrent = settings.Trip.PickupCurrent()
	s.TimeDelay = settings.Trip.TimeDelay()
	s.SamplesPerCycle = settings.SamplesPerCycle
	s.SealIn = settings.SealIn
}

func (s *Status) applyState(state protection.TripState) {
	s.Phase = state.Phase
	s.Asserted = state.Phase == protection.PhaseTripped
	s.PickupStartedAt = nil
	if start, ok := state.PickupStarted(); ok {
		s.PickupStartedAt = &start
	}
	if state.Phase == protection.PhaseNormal {
		s.ElapsedInPickup = 0
		s.Remaining = 0
	}
}

func (s *Status) applyResult(res protection.TripResult) {
	s.LastRMS = res.RMS
	s.LastCycleAt = res.At
	s.ElapsedInPickup = res.ElapsedInPickup
	s.Remaining = res.Remaining
	s.Cycles++
}
