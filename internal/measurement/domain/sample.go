package measurement

import (
	"errors"
	"time"
)

// Sample is one raw acquisition count as delivered by the sampled-values feed.
type Sample struct {
	Seq uint64
	Raw int32
	At  time.Time
}

// ScaledSample is a sample after ADC and CT calibration.
type ScaledSample struct {
	Secondary float64
	Primary   float64
}

var (
	// ErrNoData means a source had nothing to deliver this tick.
	ErrNoData = errors.New("measurement: no sample data")
	// ErrEndOfStream means a source will deliver no further samples.
	ErrEndOfStream = errors.New("measurement: end of sample stream")
)
