package measurement

// Scaler converts raw ADC counts into secondary and primary amperes.
// It holds no mutable state and may be shared between goroutines.
type Scaler struct {
	cfg ScaleConfig
}

// NewScaler constructs a scaler for a validated configuration.
func NewScaler(cfg ScaleConfig) (Scaler, error) {
	if !cfg.Valid() {
		return Scaler{}, invalid("scale_config", "not constructed with NewScaleConfig")
	}
	return Scaler{cfg: cfg}, nil
}

// Config returns the calibration in use.
func (s Scaler) Config() ScaleConfig {
	return s.cfg
}

// Scale applies secondary = raw*scale_factor + offset and primary = secondary*ct_ratio.
func (s Scaler) Scale(raw int32) ScaledSample {
	secondary := float64(raw)*s.cfg.scaleFactor + s.cfg.offset
	return ScaledSample{
		Secondary: secondary,
		Primary:   secondary * s.cfg.CTRatio(),
	}
}

// RawFor inverts the scaling for a primary current; used by simulators.
func (s Scaler) RawFor(primary float64) float64 {
	secondary := primary / s.cfg.CTRatio()
	return (secondary - s.cfg.offset) / s.cfg.scaleFactor
}
