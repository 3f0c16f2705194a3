package protection

import (
	"time"

	measurement "ptoc-relay/internal/measurement/domain"
)

// Function is a protection logical node fed one sample at a time.
type Function interface {
	Name() string
	// Evaluate returns a result and true when the sample completed a cycle.
	Evaluate(sample measurement.Sample, at time.Time) (TripResult, bool, error)
}

var _ Function = (*PTOC)(nil)
