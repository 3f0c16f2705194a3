package application

import (
	"context"
	"time"

	measurement "ptoc-relay/internal/measurement/domain"
	protection "ptoc-relay/internal/protection/domain"
)

// SampleSource delivers raw samples. Next returns measurement.ErrNoData when
// nothing is available yet and measurement.ErrEndOfStream when exhausted.
type SampleSource interface {
	Next(ctx context.Context) (measurement.Sample, error)
}

// TripSink receives the trip output.
type TripSink interface {
	PublishTrip(ctx context.Context, asserted bool, at time.Time) error
}

// TripNotifier publishes trip lifecycle events.
type TripNotifier interface {
	Notify(ctx context.Context, event protection.TripEvent)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// resettableSink restarts its output numbering on a relay reset.
type resettableSink interface {
	Reset()
}

type namedSink interface {
	Name() string
}

func sinkName(sink TripSink) string {
	if named, ok := sink.(namedSink); ok {
		return named.Name()
	}
	return "sink"
}
