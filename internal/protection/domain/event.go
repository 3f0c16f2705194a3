package protection

import (
	"context"
	"time"
)

// EventType classifies a trip lifecycle event.
type EventType string

const (
	EventPickup  EventType = "pickup"
	EventDropout EventType = "dropout"
	EventTrip    EventType = "trip"
	EventClear   EventType = "clear"
	// EventReset marks an operator action that forced the logic back to Normal.
	EventReset EventType = "reset"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventPickup, EventDropout, EventTrip, EventClear, EventReset:
		return true
	default:
		return false
	}
}

// TripEvent records one phase change of a protection function.
type TripEvent struct {
	ID         string        `json:"id"`
	Function   string        `json:"function"`
	Type       EventType     `json:"type"`
	Phase      Phase         `json:"phase"`
	RMS        float64       `json:"rms"`
	Elapsed    time.Duration `json:"elapsed"`
	At         time.Time     `json:"at"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// EventQuery filters stored trip events. Zero times are open bounds.
type EventQuery struct {
	From     time.Time
	To       time.Time
	Function string
	Limit    int
}

// DefaultEventLimit caps queries that do not set a limit.
const DefaultEventLimit = 500

// NormalizedLimit returns the effective row limit.
func (q EventQuery) NormalizedLimit() int {
	if q.Limit <= 0 || q.Limit > 10*DefaultEventLimit {
		return DefaultEventLimit
	}
	return q.Limit
}

// Matches reports whether event passes the filter.
func (q EventQuery) Matches(event TripEvent) bool {
	if !q.From.IsZero() && event.At.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !event.At.Before(q.To) {
		return false
	}
	if q.Function != "" && event.Function != q.Function {
		return false
	}
	return true
}

// TripEventRepository persists trip events.
type TripEventRepository interface {
	Record(ctx context.Context, event TripEvent) error
	List(ctx context.Context, query EventQuery) ([]TripEvent, error)
}
