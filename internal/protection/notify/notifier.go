package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ptoc-relay/internal/observability/logging"
	"ptoc-relay/internal/observability/metrics"
	"ptoc-relay/internal/protection/application"
	protection "ptoc-relay/internal/protection/domain"
)

const eventEscalated = "escalated"

// StatusReader exposes the live protection status.
type StatusReader interface {
	Status() application.Status
}

// Clock provides time for scheduling.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier sends trip notifications via a channel and escalates trips that
// stay asserted.
type Notifier struct {
	relay          string
	status         StatusReader
	channel        Channel
	template       *Template
	types          map[protection.EventType]bool
	escalation     time.Duration
	clock          Clock
	logger         *zap.SugaredLogger
	mu             sync.Mutex
	timers         map[string]*time.Timer
	sent           map[string]sendRecord
	cooldown       time.Duration
	dedupeWindow   time.Duration
	statusURL      string
	requestTimeout time.Duration
}

// Option configures the notifier.
type Option func(*Notifier)

// WithRelayName sets the relay name shown in messages.
func WithRelayName(name string) Option {
	return func(n *Notifier) {
		if name != "" {
			n.relay = name
		}
	}
}

// WithStatusReader enables settings in messages and escalation checks.
func WithStatusReader(reader StatusReader) Option {
	return func(n *Notifier) {
		n.status = reader
	}
}

// WithEventTypes restricts which event types are sent.
func WithEventTypes(types ...protection.EventType) Option {
	return func(n *Notifier) {
		if len(types) == 0 {
			return
		}
		n.types = make(map[protection.EventType]bool, len(types))
		for _, t := range types {
			n.types[t] = true
		}
	}
}

// WithEscalation configures escalation delay.
func WithEscalation(after time.Duration) Option {
	return func(n *Notifier) {
		if after > 0 {
			n.escalation = after
		}
	}
}

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithRequestTimeout overrides the default timeout for escalation sends.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// WithCooldown sets a minimum interval between notifications for the same function and event.
func WithCooldown(interval time.Duration) Option {
	return func(n *Notifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithStatusURL adds a link to the relay status page.
func WithStatusURL(url string) Option {
	return func(n *Notifier) {
		n.statusURL = url
	}
}

// NewNotifier constructs a trip notifier. By default it sends trip, clear and
// reset events.
func NewNotifier(channel Channel, template *Template, opts ...Option) (*Notifier, error) {
	if channel == nil {
		return nil, errors.New("trip notifier: nil channel")
	}
	if template == nil {
		defaultTemplate, err := NewTemplate("")
		if err != nil {
			return nil, err
		}
		template = defaultTemplate
	}
	n := &Notifier{
		relay:    "relay",
		channel:  channel,
		template: template,
		types: map[protection.EventType]bool{
			protection.EventTrip:  true,
			protection.EventClear: true,
			protection.EventReset: true,
		},
		clock:          systemClock{},
		logger:         logging.OrNop(nil),
		timers:         make(map[string]*time.Timer),
		sent:           make(map[string]sendRecord),
		requestTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Notify implements application.TripNotifier.
func (n *Notifier) Notify(ctx context.Context, event protection.TripEvent) {
	if n == nil || n.channel == nil {
		return
	}
	if n.types[event.Type] {
		n.dispatch(ctx, string(event.Type), event)
	}

	switch event.Type {
	case protection.EventTrip:
		n.scheduleEscalation(event)
	case protection.EventClear, protection.EventReset:
		n.cancelEscalation(event.Function)
	}
}

// Close stops all pending escalation timers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	timers := n.timers
	n.timers = make(map[string]*time.Timer)
	n.mu.Unlock()
	for _, timer := range timers {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, eventType string, event protection.TripEvent) {
	var status *application.Status
	if n.status != nil {
		st := n.status.Status()
		status = &st
	}
	content, err := n.template.Render(n.buildTemplateData(eventType, event, status))
	if err != nil {
		n.logger.Errorw("trip notifier: render failed", "error", err)
		return
	}
	if !n.shouldSend(event.Function, eventType, content) {
		metrics.IncNotification("suppressed")
		return
	}
	if err := n.channel.Send(ctx, content); err != nil {
		metrics.IncNotification(metrics.ResultError)
		n.logger.Warnw("trip notifier: send failed", "event", eventType, "error", err)
		return
	}
	metrics.IncNotification(metrics.ResultSuccess)
	n.markSent(event.Function, eventType, content)
}

func (n *Notifier) scheduleEscalation(event protection.TripEvent) {
	if n.escalation <= 0 || n.status == nil {
		return
	}
	key := event.Function
	n.mu.Lock()
	if existing, ok := n.timers[key]; ok && existing != nil {
		existing.Stop()
	}
	n.timers[key] = time.AfterFunc(n.escalation, func() {
		n.runEscalation(event)
	})
	n.mu.Unlock()
}

func (n *Notifier) cancelEscalation(function string) {
	n.mu.Lock()
	timer := n.timers[function]
	delete(n.timers, function)
	n.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (n *Notifier) runEscalation(event protection.TripEvent) {
	n.mu.Lock()
	delete(n.timers, event.Function)
	n.mu.Unlock()

	status := n.status.Status()
	if status.Phase != protection.PhaseTripped {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.requestTimeout)
	defer cancel()
	event.RMS = status.LastRMS
	if status.PickupStartedAt != nil && !status.LastCycleAt.IsZero() {
		event.Elapsed = status.LastCycleAt.Sub(*status.PickupStartedAt)
	}
	n.dispatch(ctx, eventEscalated, event)
}

func (n *Notifier) buildTemplateData(eventType string, event protection.TripEvent, status *application.Status) TemplateData {
	pickup := ""
	if status != nil {
		pickup = fmt.Sprintf(">= %s A for %s", formatFloat(status.PickupCurrent), status.TimeDelay)
	}
	return TemplateData{
		Relay:      n.relay,
		Function:   event.Function,
		EventID:    event.ID,
		Event:      eventType,
		EventLabel: eventLabel(eventType),
		Phase:      event.Phase.String(),
		Current:    formatFloat(event.RMS),
		Pickup:     pickup,
		Elapsed:    event.Elapsed.String(),
		Time:       event.At.UTC().Format(time.RFC3339Nano),
		Suggestion: suggestionFor(eventType),
		StatusURL:  n.statusURL,
	}
}

func eventLabel(event string) string {
	switch protection.EventType(event) {
	case protection.EventPickup:
		return "Pickup"
	case protection.EventDropout:
		return "Dropout"
	case protection.EventTrip:
		return "Trip"
	case protection.EventClear:
		return "Cleared"
	case protection.EventReset:
		return "Reset"
	}
	if event == eventEscalated {
		return "Escalated"
	}
	return event
}

func suggestionFor(event string) string {
	switch event {
	case string(protection.EventTrip), eventEscalated:
		return "Inspect the feeder and confirm the breaker opened."
	case string(protection.EventClear):
		return "Verify the fault is cleared before re-energizing."
	case string(protection.EventReset):
		return "Confirm the operator reset was intended."
	default:
		return "Monitor the feeder current."
	}
}

func formatFloat(value float64) string {
	return fmt.Sprintf("%.2f", value)
}

func (n *Notifier) shouldSend(function, eventType, content string) bool {
	if n.cooldown <= 0 && n.dedupeWindow <= 0 {
		return true
	}
	key := notificationKey(function, eventType)
	now := n.clock.Now().UTC()
	hash := hashContent(content)

	n.mu.Lock()
	record, ok := n.sent[key]
	n.mu.Unlock()
	if !ok {
		return true
	}
	if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
		return false
	}
	if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
		return false
	}
	return true
}

func (n *Notifier) markSent(function, eventType, content string) {
	key := notificationKey(function, eventType)
	n.mu.Lock()
	n.sent[key] = sendRecord{
		at:   n.clock.Now().UTC(),
		hash: hashContent(content),
	}
	n.mu.Unlock()
}

func notificationKey(function, eventType string) string {
	return function + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
