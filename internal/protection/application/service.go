package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	measurement "ptoc-relay/internal/measurement/domain"
	"ptoc-relay/internal/observability/logging"
	"ptoc-relay/internal/observability/metrics"
	protection "ptoc-relay/internal/protection/domain"
)

const (
	defaultSampleBuffer = 1024
	defaultOutputBuffer = 256
	defaultPollInterval = time.Millisecond
	defaultSinkTimeout  = 2 * time.Second
)

var (
	// ErrAlreadyRunning is returned by Run when the loop is active.
	ErrAlreadyRunning = errors.New("protection service: already running")

	errNilService = errors.New("protection service: nil service")
)

// Service owns one protection function and runs it in a single goroutine.
// Acquisition and output I/O happen in separate goroutines connected by
// bounded channels; the function itself is never shared.
type Service struct {
	fn       *protection.PTOC
	source   SampleSource
	sinks    []TripSink
	events   protection.TripEventRepository
	notifier TripNotifier
	clock    Clock
	logger   *zap.SugaredLogger

	sampleBuffer int
	outputBuffer int
	pollInterval time.Duration
	sinkTimeout  time.Duration
	heartbeat    time.Duration

	commands chan command

	mu      sync.Mutex
	running bool
	done    chan struct{}

	statusMu sync.RWMutex
	status   Status

	// Owned by the evaluation loop, or by a command applied while stopped.
	samples       uint64
	violations    uint64
	dropped       uint64
	published     bool
	lastAsserted  bool
	lastPublishAt time.Time
	lastSampleAt  time.Time
}

type command struct {
	name  string
	apply func(fn *protection.PTOC) error
	reply chan error
}

type output struct {
	events     []protection.TripEvent
	publish    bool
	asserted   bool
	at         time.Time
	resetSinks bool
}

// ServiceOption customizes the protection service.
type ServiceOption func(*Service)

// WithSinks adds trip sinks.
func WithSinks(sinks ...TripSink) ServiceOption {
	return func(s *Service) {
		for _, sink := range sinks {
			if sink != nil {
				s.sinks = append(s.sinks, sink)
			}
		}
	}
}

// WithEventRepository persists trip events.
func WithEventRepository(repo protection.TripEventRepository) ServiceOption {
	return func(s *Service) {
		s.events = repo
	}
}

// WithNotifier assigns a notifier.
func WithNotifier(notifier TripNotifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.SugaredLogger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBuffers sizes the sample and output queues.
func WithBuffers(samples, outputs int) ServiceOption {
	return func(s *Service) {
		if samples > 0 {
			s.sampleBuffer = samples
		}
		if outputs > 0 {
			s.outputBuffer = outputs
		}
	}
}

// WithPollInterval sets the wait after a source reports no data.
func WithPollInterval(interval time.Duration) ServiceOption {
	return func(s *Service) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithSinkTimeout bounds each sink, store and notifier call.
func WithSinkTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.sinkTimeout = timeout
		}
	}
}

// WithHeartbeat republishes an unchanged trip output at this interval.
// Zero publishes on change only.
func WithHeartbeat(interval time.Duration) ServiceOption {
	return func(s *Service) {
		if interval >= 0 {
			s.heartbeat = interval
		}
	}
}

// NewService constructs a protection service.
func NewService(fn *protection.PTOC, source SampleSource, opts ...ServiceOption) (*Service, error) {
	if fn == nil {
		return nil, errors.New("protection service: nil function")
	}
	if source == nil {
		return nil, errors.New("protection service: nil sample source")
	}
	service := &Service{
		fn:           fn,
		source:       source,
		clock:        systemClock{},
		logger:       logging.OrNop(nil),
		sampleBuffer: defaultSampleBuffer,
		outputBuffer: defaultOutputBuffer,
		pollInterval: defaultPollInterval,
		sinkTimeout:  defaultSinkTimeout,
		commands:     make(chan command),
	}
	for _, opt := range opts {
		opt(service)
	}
	service.status.Function = fn.Name()
	service.status.applySettings(fn.Settings())
	service.status.applyState(fn.State())
	return service, nil
}

// Run evaluates samples until the source ends or ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s == nil {
		return errNilService
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()
	s.updateStatus(func(st *Status) { st.Running = true })
	s.logger.Infow("protection service: started", "function", s.fn.Name(), "samples_per_cycle", s.fn.Settings().SamplesPerCycle)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	samples := make(chan measurement.Sample, s.sampleBuffer)
	outputs := make(chan output, s.outputBuffer)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer logging.Recover("sample pump", s.logger)
		s.pump(runCtx, samples)
	}()
	go func() {
		defer wg.Done()
		defer logging.Recover("trip dispatcher", s.logger)
		for out := range outputs {
			s.deliver(out)
		}
	}()

	s.loop(runCtx, samples, outputs)

	// Commands wait on done, so none runs inline until the dispatcher drains.
	cancel()
	close(outputs)
	wg.Wait()

	s.mu.Lock()
	s.running = false
	close(done)
	s.mu.Unlock()
	s.updateStatus(func(st *Status) { st.Running = false })
	s.logger.Infow("protection service: stopped", "samples", s.samples, "dropped", s.dropped)
	return nil
}

func (s *Service) loop(ctx context.Context, samples <-chan measurement.Sample, outputs chan<- output) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			cmd.reply <- s.execute(cmd.name, cmd.apply, func(out output) { s.enqueue(outputs, out) })
		case sample, ok := <-samples:
			if !ok {
				s.logger.Infow("protection service: sample stream ended")
				return
			}
			s.evaluate(sample, outputs)
		}
	}
}

func (s *Service) pump(ctx context.Context, samples chan<- measurement.Sample) {
	defer close(samples)
	for {
		sample, err := s.source.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, measurement.ErrNoData):
			if !sleepCtx(ctx, s.pollInterval) {
				return
			}
			continue
		case errors.Is(err, measurement.ErrEndOfStream):
			return
		case ctx.Err() != nil:
			return
		default:
			metrics.IncSourceError("read")
			s.logger.Warnw("protection service: sample source failed", "error", err)
			if !sleepCtx(ctx, 100*s.pollInterval) {
				return
			}
			continue
		}
		select {
		case samples <- sample:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) evaluate(sample measurement.Sample, outputs chan<- output) {
	at := sample.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	prev := s.fn.State()
	started := time.Now()
	res, ok, err := s.fn.Evaluate(sample, at)
	metrics.ObserveSample(time.Since(started))
	s.samples++
	if err != nil {
		s.violations++
		metrics.IncSequenceViolation()
		s.logger.Warnw("protection service: sample rejected", "seq", sample.Seq, "error", err)
		s.updateStatus(func(st *Status) { st.SequenceViolations = s.violations })
		return
	}
	s.lastSampleAt = at
	if !ok {
		return
	}

	metrics.ObserveCycle(res.RMS, res.Asserted)
	events := s.transitionEvents(prev, res)
	state := s.fn.State()
	s.updateStatus(func(st *Status) {
		st.applyResult(res)
		st.applyState(state)
		st.Enabled = res.Enabled
		st.Samples = s.samples
		st.Dropped = s.dropped
	})

	out := output{events: events, asserted: res.Asserted, at: res.At}
	out.publish = s.shouldPublish(res.Asserted, res.At)
	if len(out.events) == 0 && !out.publish {
		return
	}
	s.enqueue(outputs, out)
}

func (s *Service) transitionEvents(prev protection.TripState, res protection.TripResult) []protection.TripEvent {
	if prev.Phase == res.Phase {
		return nil
	}
	metrics.IncPhaseTransition(res.Phase.String())
	var elapsed time.Duration
	if start, ok := prev.PickupStarted(); ok {
		elapsed = res.At.Sub(start)
	}
	event := func(t protection.EventType) protection.TripEvent {
		return s.newEvent(t, res.Phase, res.RMS, elapsed, res.At)
	}

	switch {
	case prev.Phase == protection.PhaseNormal && res.Phase == protection.PhasePickup:
		return []protection.TripEvent{event(protection.EventPickup)}
	case prev.Phase == protection.PhaseNormal && res.Phase == protection.PhaseTripped:
		return []protection.TripEvent{event(protection.EventPickup), event(protection.EventTrip)}
	case prev.Phase == protection.PhasePickup && res.Phase == protection.PhaseTripped:
		return []protection.TripEvent{event(protection.EventTrip)}
	case prev.Phase == protection.PhasePickup && res.Phase == protection.PhaseNormal:
		return []protection.TripEvent{event(protection.EventDropout)}
	case prev.Phase == protection.PhaseTripped && res.Phase == protection.PhaseNormal:
		return []protection.TripEvent{event(protection.EventClear)}
	}
	return nil
}

func (s *Service) newEvent(t protection.EventType, phase protection.Phase, rms float64, elapsed time.Duration, at time.Time) protection.TripEvent {
	return protection.TripEvent{
		ID:         uuid.NewString(),
		Function:   s.fn.Name(),
		Type:       t,
		Phase:      phase,
		RMS:        rms,
		Elapsed:    elapsed,
		At:         at,
		RecordedAt: s.clock.Now().UTC(),
	}
}

func (s *Service) shouldPublish(asserted bool, at time.Time) bool {
	changed := !s.published || asserted != s.lastAsserted
	due := s.heartbeat > 0 && at.Sub(s.lastPublishAt) >= s.heartbeat
	if !changed && !due {
		return false
	}
	s.published = true
	s.lastAsserted = asserted
	s.lastPublishAt = at
	return true
}

func (s *Service) enqueue(outputs chan<- output, out output) {
	select {
	case outputs <- out:
	default:
		s.dropped++
		metrics.IncDropped("output")
		s.logger.Warnw("protection service: output queue full, result dropped",
			"events", len(out.events), "asserted", out.asserted, "dropped_total", s.dropped)
	}
}

func (s *Service) deliver(out output) {
	for _, event := range out.events {
		metrics.IncTripEvent(string(event.Type))
		s.logger.Infow("protection: trip event",
			"id", event.ID,
			"type", event.Type,
			"phase", event.Phase.String(),
			"rms", event.RMS,
			"elapsed", event.Elapsed,
			"at", event.At)
		if s.events != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.sinkTimeout)
			if err := s.events.Record(ctx, event); err != nil {
				s.logger.Errorw("protection service: record trip event failed", "id", event.ID, "error", err)
			}
			cancel()
		}
		if s.notifier != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.sinkTimeout)
			s.notifier.Notify(ctx, event)
			cancel()
		}
	}
	if out.resetSinks {
		for _, sink := range s.sinks {
			if resettable, ok := sink.(resettableSink); ok {
				resettable.Reset()
			}
		}
	}
	if !out.publish {
		return
	}
	for _, sink := range s.sinks {
		name := sinkName(sink)
		ctx, cancel := context.WithTimeout(context.Background(), s.sinkTimeout)
		err := sink.PublishTrip(ctx, out.asserted, out.at)
		cancel()
		if err != nil {
			metrics.IncSinkPublish(name, metrics.ResultError)
			s.logger.Errorw("protection service: trip sink failed", "sink", name, "asserted", out.asserted, "error", err)
			continue
		}
		metrics.IncSinkPublish(name, metrics.ResultSuccess)
	}
}

// execute applies a command to the function. Any forced return to Normal, and
// every explicit reset, is reported as a reset event.
func (s *Service) execute(name string, apply func(*protection.PTOC) error, emit func(output)) error {
	prev := s.fn.State()
	if err := apply(s.fn); err != nil {
		s.logger.Warnw("protection service: command rejected", "command", name, "error", err)
		return err
	}
	state := s.fn.State()
	settings := s.fn.Settings()
	s.updateStatus(func(st *Status) {
		st.applySettings(settings)
		st.applyState(state)
	})
	if name != commandRead {
		s.logger.Infow("protection service: command applied", "command", name, "phase", state.Phase.String(), "enabled", settings.Trip.Enabled())
	}

	if name != commandReset && prev.Phase == state.Phase {
		return nil
	}
	if name == commandReset {
		// Sinks restart their numbering; the next output is a fresh publication.
		s.published = false
	}
	at := s.commandTime()
	var elapsed time.Duration
	if start, ok := prev.PickupStarted(); ok {
		elapsed = at.Sub(start)
	}
	if prev.Phase != state.Phase {
		metrics.IncPhaseTransition(state.Phase.String())
	}
	asserted := state.Phase == protection.PhaseTripped
	emit(output{
		events:     []protection.TripEvent{s.newEvent(protection.EventReset, state.Phase, 0, elapsed, at)},
		asserted:   asserted,
		at:         at,
		publish:    s.shouldPublish(asserted, at),
		resetSinks: name == commandReset,
	})
	return nil
}

// commandTime stamps command events on the sample time base so they order
// with cycle events and heartbeats. The clock is used before the first sample.
func (s *Service) commandTime() time.Time {
	if !s.lastSampleAt.IsZero() {
		return s.lastSampleAt
	}
	return s.clock.Now().UTC()
}

const (
	commandReset    = "reset"
	commandEnable   = "enable"
	commandDisable  = "disable"
	commandSettings = "settings"
	commandRead     = "read_settings"
)

// Reset returns the trip logic to Normal, releasing a latched trip.
func (s *Service) Reset(ctx context.Context) error {
	return s.submit(ctx, commandReset, func(fn *protection.PTOC) error {
		fn.Reset()
		return nil
	})
}

// SetEnabled switches the protection function on or off.
func (s *Service) SetEnabled(ctx context.Context, enabled bool) error {
	name := commandDisable
	if enabled {
		name = commandEnable
	}
	return s.submit(ctx, name, func(fn *protection.PTOC) error {
		fn.SetEnabled(enabled)
		return nil
	})
}

// Update merges a change into the current settings and applies the result in
// one command, so concurrent updates never overwrite each other.
func (s *Service) Update(ctx context.Context, merge func(protection.Settings) (protection.Settings, error)) (protection.Settings, error) {
	var applied protection.Settings
	err := s.submit(ctx, commandSettings, func(fn *protection.PTOC) error {
		next, err := merge(fn.Settings())
		if err != nil {
			return err
		}
		if err := fn.Apply(next); err != nil {
			return err
		}
		applied = fn.Settings()
		return nil
	})
	return applied, err
}

// Settings returns the settings in use.
func (s *Service) Settings(ctx context.Context) (protection.Settings, error) {
	var settings protection.Settings
	err := s.submit(ctx, commandRead, func(fn *protection.PTOC) error {
		settings = fn.Settings()
		return nil
	})
	return settings, err
}

func (s *Service) submit(ctx context.Context, name string, apply func(*protection.PTOC) error) error {
	if s == nil {
		return errNilService
	}
	for {
		done, handled, err := s.tryInline(name, apply)
		if handled {
			return err
		}
		cmd := command{name: name, apply: apply, reply: make(chan error, 1)}
		select {
		case s.commands <- cmd:
			select {
			case err := <-cmd.reply:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tryInline applies the command directly when the loop is not running.
func (s *Service) tryInline(name string, apply func(*protection.PTOC) error) (<-chan struct{}, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return s.done, false, nil
	}
	return nil, true, s.execute(name, apply, s.deliver)
}

// Status returns a snapshot of the function state.
func (s *Service) Status() Status {
	if s == nil {
		return Status{}
	}
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	status := s.status
	if status.PickupStartedAt != nil {
		start := *status.PickupStartedAt
		status.PickupStartedAt = &start
	}
	return status
}

// Events lists stored trip events.
func (s *Service) Events(ctx context.Context, query protection.EventQuery) ([]protection.TripEvent, error) {
	if s == nil {
		return nil, errNilService
	}
	if s.events == nil {
		return []protection.TripEvent{}, nil
	}
	return s.events.List(ctx, query)
}

func (s *Service) updateStatus(fn func(*Status)) {
	s.statusMu.Lock()
	fn(&s.status)
	s.statusMu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
