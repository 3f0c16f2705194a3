package protection

import "time"

// TripLogic is the definite-time state machine. It is a deterministic reducer
// over (state, rms, t) and is not safe for concurrent use.
type TripLogic struct {
	cfg    TripConfig
	sealIn bool
	state  TripState
}

// TripLogicOption customizes the trip logic.
type TripLogicOption func(*TripLogic)

// WithSealIn latches the trip until Reset is called.
func WithSealIn(enabled bool) TripLogicOption {
	return func(l *TripLogic) {
		l.sealIn = enabled
	}
}

// NewTripLogic constructs trip logic in the Normal phase.
func NewTripLogic(cfg TripConfig, opts ...TripLogicOption) (*TripLogic, error) {
	if !cfg.Valid() {
		return nil, invalid("trip_config", "not constructed with NewTripConfig")
	}
	logic := &TripLogic{cfg: cfg}
	for _, opt := range opts {
		opt(logic)
	}
	return logic, nil
}

// Evaluate advances the state machine with one cycle RMS value taken at t.
func (l *TripLogic) Evaluate(rms float64, at time.Time) TripResult {
	l.state.LastEvaluatedAt = at
	if !l.cfg.enabled {
		l.toNormal()
		return l.result(rms, at)
	}

	over := rms >= l.cfg.pickupCurrent
	switch l.state.Phase {
	case PhaseNormal:
		if over {
			l.state.Phase = PhasePickup
			l.state.PickupStartedAt = at
			// A zero delay operates on the pickup evaluation itself.
			l.checkExpired(at)
		}
	case PhasePickup:
		if !over {
			l.toNormal()
			break
		}
		l.checkExpired(at)
	case PhaseTripped:
		if !over && !l.sealIn {
			l.toNormal()
		}
	}
	return l.result(rms, at)
}

// State returns a copy of the current state.
func (l *TripLogic) State() TripState {
	return l.state
}

// Config returns the settings in use.
func (l *TripLogic) Config() TripConfig {
	return l.cfg
}

// SealIn reports whether trips latch.
func (l *TripLogic) SealIn() bool {
	return l.sealIn
}

// Reset returns to Normal and discards any pickup timer or latched trip.
func (l *TripLogic) Reset() {
	l.toNormal()
}

// SetEnabled switches the element on or off. Disabling returns to Normal;
// enabling, or repeating the current setting, keeps the state.
func (l *TripLogic) SetEnabled(enabled bool) {
	if enabled == l.cfg.enabled {
		return
	}
	l.cfg = l.cfg.WithEnabled(enabled)
	if !enabled {
		l.toNormal()
	}
}

func (l *TripLogic) checkExpired(at time.Time) {
	if at.Sub(l.state.PickupStartedAt) >= l.cfg.timeDelay {
		l.state.Phase = PhaseTripped
	}
}

func (l *TripLogic) toNormal() {
	l.state.Phase = PhaseNormal
	l.state.PickupStartedAt = time.Time{}
}

func (l *TripLogic) result(rms float64, at time.Time) TripResult {
	res := TripResult{
		Asserted: l.state.Phase == PhaseTripped,
		Phase:    l.state.Phase,
		Enabled:  l.cfg.enabled,
		RMS:      rms,
		At:       at,
	}
	if start, ok := l.state.PickupStarted(); ok && l.state.Phase == PhasePickup {
		res.ElapsedInPickup = at.Sub(start)
		res.Remaining = l.cfg.timeDelay - res.ElapsedInPickup
	}
	return res
}
