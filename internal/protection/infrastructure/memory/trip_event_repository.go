package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	protection "ptoc-relay/internal/protection/domain"
)

const defaultCapacity = 10000

// TripEventRepository keeps the most recent trip events in memory.
type TripEventRepository struct {
	mu       sync.RWMutex
	events   []protection.TripEvent
	capacity int
}

// NewTripEventRepository constructs a repository holding up to capacity events.
func NewTripEventRepository(capacity int) *TripEventRepository {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &TripEventRepository{capacity: capacity}
}

// Record appends an event, evicting the oldest when full.
func (r *TripEventRepository) Record(ctx context.Context, event protection.TripEvent) error {
	_ = ctx
	if r == nil {
		return errors.New("trip event repo: nil repository")
	}
	if event.ID == "" {
		return errors.New("trip event repo: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if over := len(r.events) - r.capacity; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}
	return nil
}

// List returns matching events, newest first.
func (r *TripEventRepository) List(ctx context.Context, query protection.EventQuery) ([]protection.TripEvent, error) {
	_ = ctx
	if r == nil {
		return nil, errors.New("trip event repo: nil repository")
	}
	r.mu.RLock()
	result := make([]protection.TripEvent, 0, len(r.events))
	for _, event := range r.events {
		if query.Matches(event) {
			result = append(result, event)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].At.After(result[j].At)
	})
	if limit := query.NormalizedLimit(); len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Get loads an event by id.
func (r *TripEventRepository) Get(ctx context.Context, id string) (protection.TripEvent, error) {
	_ = ctx
	if r == nil {
		return protection.TripEvent{}, errors.New("trip event repo: nil repository")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, event := range r.events {
		if event.ID == id {
			return event, nil
		}
	}
	return protection.TripEvent{}, protection.ErrNotFound
}
