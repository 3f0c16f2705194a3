package notify

import (
	"context"
	"sync"

	"ptoc-relay/internal/protection/application"
	protection "ptoc-relay/internal/protection/domain"
)

// MultiNotifier dispatches trip events to multiple notifiers.
type MultiNotifier struct {
	mu        sync.RWMutex
	notifiers []application.TripNotifier
}

// NewMultiNotifier constructs a MultiNotifier.
func NewMultiNotifier(notifiers ...application.TripNotifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Add appends a notifier; used when a notifier depends on the service it observes.
func (m *MultiNotifier) Add(notifier application.TripNotifier) {
	if m == nil || notifier == nil {
		return
	}
	m.mu.Lock()
	m.notifiers = append(m.notifiers, notifier)
	m.mu.Unlock()
}

// Notify forwards events to all notifiers.
func (m *MultiNotifier) Notify(ctx context.Context, event protection.TripEvent) {
	if m == nil {
		return
	}
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()
	for _, notifier := range notifiers {
		if notifier != nil {
			notifier.Notify(ctx, event)
		}
	}
}
