package measurement

import "math"

// RMS returns sqrt(sum(x^2)/n); an empty slice yields 0.
func RMS(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(values)))
}

// RMSEstimator batches primary-ampere samples into one power-system cycle and
// yields a single RMS magnitude per completed cycle.
type RMSEstimator struct {
	buf []float64
	n   int
}

// NewRMSEstimator builds an estimator for samplesPerCycle samples per cycle.
func NewRMSEstimator(samplesPerCycle int) (*RMSEstimator, error) {
	if samplesPerCycle <= 0 {
		return nil, invalid("samples_per_cycle", "must be positive")
	}
	return &RMSEstimator{
		buf: make([]float64, 0, samplesPerCycle),
		n:   samplesPerCycle,
	}, nil
}

// Push adds one sample. When the cycle buffer fills it returns the cycle RMS
// and true, and the buffer starts empty again.
func (e *RMSEstimator) Push(s ScaledSample) (float64, bool) {
	e.buf = append(e.buf, s.Primary)
	if len(e.buf) < e.n {
		return 0, false
	}
	rms := RMS(e.buf)
	e.buf = e.buf[:0]
	return rms, true
}

// Resize changes the cycle length. Any partial cycle is discarded.
func (e *RMSEstimator) Resize(samplesPerCycle int) error {
	if samplesPerCycle <= 0 {
		return invalid("samples_per_cycle", "must be positive")
	}
	e.n = samplesPerCycle
	e.buf = make([]float64, 0, samplesPerCycle)
	return nil
}

// Reset drops the partial cycle.
func (e *RMSEstimator) Reset() {
	e.buf = e.buf[:0]
}

// Len returns the number of samples in the current partial cycle.
func (e *RMSEstimator) Len() int {
	return len(e.buf)
}

// Capacity returns the samples-per-cycle setting.
func (e *RMSEstimator) Capacity() int {
	return e.n
}
