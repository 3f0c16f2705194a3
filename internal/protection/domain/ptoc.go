package protection

import (
	"fmt"
	"time"

	measurement "ptoc-relay/internal/measurement/domain"
)

// Name is the logical node name reported by PTOC.
const Name = "PTOC"

// Settings bundles everything needed to build a PTOC.
type Settings struct {
	Scale           measurement.ScaleConfig
	Trip            TripConfig
	SamplesPerCycle int
	SealIn          bool
}

// PTOC is the definite-time overcurrent function: scaler, cycle RMS estimator
// and trip logic owned as one unit. Not safe for concurrent use.
type PTOC struct {
	scaler    measurement.Scaler
	estimator *measurement.RMSEstimator
	logic     *TripLogic
	lastAt    time.Time
	hasLast   bool
}

// NewPTOC validates the settings and builds the function in Normal.
func NewPTOC(settings Settings) (*PTOC, error) {
	scaler, err := measurement.NewScaler(settings.Scale)
	if err != nil {
		return nil, err
	}
	estimator, err := measurement.NewRMSEstimator(settings.SamplesPerCycle)
	if err != nil {
		return nil, err
	}
	logic, err := NewTripLogic(settings.Trip, WithSealIn(settings.SealIn))
	if err != nil {
		return nil, err
	}
	return &PTOC{scaler: scaler, estimator: estimator, logic: logic}, nil
}

// Name returns the logical node name.
func (p *PTOC) Name() string {
	return Name
}

// Evaluate scales the sample and pushes it into the cycle buffer. On a
// completed cycle the RMS magnitude drives the trip logic at time at.
func (p *PTOC) Evaluate(sample measurement.Sample, at time.Time) (TripResult, bool, error) {
	if p == nil {
		return TripResult{}, false, nil
	}
	if p.hasLast && !at.After(p.lastAt) {
		return TripResult{}, false, fmt.Errorf("%w: sample %d at %s not after %s",
			ErrSequenceViolation, sample.Seq, at.Format(time.RFC3339Nano), p.lastAt.Format(time.RFC3339Nano))
	}
	p.lastAt = at
	p.hasLast = true

	rms, ok := p.estimator.Push(p.scaler.Scale(sample.Raw))
	if !ok {
		return TripResult{}, false, nil
	}
	return p.logic.Evaluate(rms, at), true, nil
}

// State returns a copy of the trip state.
func (p *PTOC) State() TripState {
	if p == nil {
		return TripState{}
	}
	return p.logic.State()
}

// Settings returns the settings in use.
func (p *PTOC) Settings() Settings {
	if p == nil {
		return Settings{}
	}
	return Settings{
		Scale:           p.scaler.Config(),
		Trip:            p.logic.Config(),
		SamplesPerCycle: p.estimator.Capacity(),
		SealIn:          p.logic.SealIn(),
	}
}

// Reset returns the trip logic to Normal. The cycle buffer keeps its samples.
func (p *PTOC) Reset() {
	if p == nil {
		return
	}
	p.logic.Reset()
}

// SetEnabled switches the function on or off. Disabling returns it to Normal;
// enabling an enabled function changes nothing, so a trip or seal-in holds.
func (p *PTOC) SetEnabled(enabled bool) {
	if p == nil {
		return
	}
	p.logic.SetEnabled(enabled)
}

// SetTripConfig replaces the trip settings and restarts the trip logic.
func (p *PTOC) SetTripConfig(cfg TripConfig) error {
	if p == nil {
		return errNilFunction
	}
	logic, err := NewTripLogic(cfg, WithSealIn(p.logic.sealIn))
	if err != nil {
		return err
	}
	p.logic = logic
	return nil
}

// SetScaleConfig replaces the calibration and drops the partial cycle, whose
// samples were scaled with the old values.
func (p *PTOC) SetScaleConfig(cfg measurement.ScaleConfig) error {
	if p == nil {
		return errNilFunction
	}
	scaler, err := measurement.NewScaler(cfg)
	if err != nil {
		return err
	}
	p.scaler = scaler
	p.estimator.Reset()
	return nil
}

// SetSamplesPerCycle changes the cycle length and drops the partial cycle.
func (p *PTOC) SetSamplesPerCycle(n int) error {
	if p == nil {
		return errNilFunction
	}
	return p.estimator.Resize(n)
}

// Apply swaps in new settings. Nothing changes unless every part is valid;
// components whose settings are unchanged keep their state.
func (p *PTOC) Apply(settings Settings) error {
	if p == nil {
		return errNilFunction
	}
	if _, err := NewPTOC(settings); err != nil {
		return err
	}
	current := p.Settings()
	if settings.Scale != current.Scale {
		if err := p.SetScaleConfig(settings.Scale); err != nil {
			return err
		}
	}
	if settings.SamplesPerCycle != current.SamplesPerCycle {
		if err := p.SetSamplesPerCycle(settings.SamplesPerCycle); err != nil {
			return err
		}
	}
	if settings.Trip != current.Trip || settings.SealIn != current.SealIn {
		p.logic.sealIn = settings.SealIn
		if err := p.SetTripConfig(settings.Trip); err != nil {
			return err
		}
	}
	return nil
}
