package measurement

import "math"

// ScaleConfig holds ADC calibration and current transformer ratings.
// Values are immutable once built; use NewScaleConfig.
type ScaleConfig struct {
	scaleFactor float64
	offset      float64
	ctPrimary   float64
	ctSecondary float64
}

// NewScaleConfig validates and builds a scale configuration.
func NewScaleConfig(scaleFactor, offset, ctPrimary, ctSecondary float64) (ScaleConfig, error) {
	if !finite(scaleFactor) || scaleFactor == 0 {
		return ScaleConfig{}, invalid("scale_factor", "must be finite and non-zero")
	}
	if !finite(offset) {
		return ScaleConfig{}, invalid("offset", "must be finite")
	}
	if !finite(ctPrimary) || ctPrimary <= 0 {
		return ScaleConfig{}, invalid("ct_primary", "must be positive")
	}
	if !finite(ctSecondary) || ctSecondary <= 0 {
		return ScaleConfig{}, invalid("ct_secondary", "must be positive")
	}
	return ScaleConfig{
		scaleFactor: scaleFactor,
		offset:      offset,
		ctPrimary:   ctPrimary,
		ctSecondary: ctSecondary,
	}, nil
}

// ScaleFactor returns secondary amperes per ADC count.
func (c ScaleConfig) ScaleFactor() float64 { return c.scaleFactor }

// Offset returns the zero-point correction in secondary amperes.
func (c ScaleConfig) Offset() float64 { return c.offset }

// CTPrimary returns the CT primary rating.
func (c ScaleConfig) CTPrimary() float64 { return c.ctPrimary }

// CTSecondary returns the CT secondary rating.
func (c ScaleConfig) CTSecondary() float64 { return c.ctSecondary }

// CTRatio is derived from the ratings on every call.
func (c ScaleConfig) CTRatio() float64 {
	return c.ctPrimary / c.ctSecondary
}

// Valid reports whether the value went through NewScaleConfig.
func (c ScaleConfig) Valid() bool {
	return c.ctSecondary > 0 && c.scaleFactor != 0
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
