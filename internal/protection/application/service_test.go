package application

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	measurement "ptoc-relay/internal/measurement/domain"
	protection "ptoc-relay/internal/protection/domain"
	"ptoc-relay/internal/goose"
	"ptoc-relay/internal/protection/infrastructure/memory"
)

const (
	samplesPerCycle = 80
	samplePeriod    = 250 * time.Microsecond
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type sliceSource struct {
	mu      sync.Mutex
	samples []measurement.Sample
	next    int
}

func (s *sliceSource) Next(ctx context.Context) (measurement.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.samples) {
		return measurement.Sample{}, measurement.ErrEndOfStream
	}
	sample := s.samples[s.next]
	s.next++
	return sample, nil
}

type chanSource struct {
	ch chan measurement.Sample
}

func (s *chanSource) Next(ctx context.Context) (measurement.Sample, error) {
	select {
	case sample := <-s.ch:
		return sample, nil
	case <-ctx.Done():
		return measurement.Sample{}, ctx.Err()
	default:
		return measurement.Sample{}, measurement.ErrNoData
	}
}

type publication struct {
	asserted bool
	at       time.Time
}

type recordingSink struct {
	mu    sync.Mutex
	items []publication
	err   error
}

func (r *recordingSink) PublishTrip(_ context.Context, asserted bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, publication{asserted: asserted, at: at})
	return r.err
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Items() []publication {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]publication(nil), r.items...)
}

type slowSink struct {
	recordingSink
	delay time.Duration
}

func (s *slowSink) PublishTrip(ctx context.Context, asserted bool, at time.Time) error {
	time.Sleep(s.delay)
	return s.recordingSink.PublishTrip(ctx, asserted, at)
}

type discardTransport struct{}

func (discardTransport) Send(context.Context, goose.Message) error { return nil }

func (r *recordingSink) Asserted() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.items))
	for i, item := range r.items {
		out[i] = item.asserted
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []protection.TripEvent
}

func (r *recordingNotifier) Notify(_ context.Context, event protection.TripEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingNotifier) Types() []protection.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protection.EventType, len(r.events))
	for i, event := range r.events {
		out[i] = event.Type
	}
	return out
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newPTOC(t *testing.T, sealIn bool) *protection.PTOC {
	t.Helper()
	scale, err := measurement.NewScaleConfig(0.001, 0, 400, 1)
	require.NoError(t, err)
	trip, err := protection.NewTripConfig(100, 100*time.Millisecond, true)
	require.NoError(t, err)
	fn, err := protection.NewPTOC(protection.Settings{Scale: scale, Trip: trip, SamplesPerCycle: samplesPerCycle, SealIn: sealIn})
	require.NoError(t, err)
	return fn
}

type waveform struct {
	seq     uint64
	now     time.Time
	samples []measurement.Sample
}

func (w *waveform) cycles(n int, primary float64) *waveform {
	raw := int32(math.Round(primary / 0.4))
	for c := 0; c < n; c++ {
		for i := 0; i < samplesPerCycle; i++ {
			w.seq++
			w.now = w.now.Add(samplePeriod)
			w.samples = append(w.samples, measurement.Sample{Seq: w.seq, Raw: raw, At: w.now})
		}
	}
	return w
}

func TestServiceRunsScenarioToEndOfStream(t *testing.T) {
	wave := (&waveform{now: t0}).cycles(5, 80).cycles(6, 120).cycles(1, 80)
	repo := memory.NewTripEventRepository(0)
	sink := &recordingSink{}
	notifier := &recordingNotifier{}

	svc, err := NewService(newPTOC(t, false), &sliceSource{samples: wave.samples},
		WithSinks(sink),
		WithEventRepository(repo),
		WithNotifier(notifier),
		WithClock(fixedClock{now: t0}),
	)
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background()))

	assert.Equal(t, []protection.EventType{protection.EventPickup, protection.EventTrip, protection.EventClear}, notifier.Types())
	assert.Equal(t, []bool{false, true, false}, sink.Asserted())

	events, err := svc.Events(context.Background(), protection.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, protection.EventClear, events[0].Type)
	assert.Equal(t, 120*time.Millisecond, events[0].Elapsed)
	assert.Equal(t, protection.EventTrip, events[1].Type)
	assert.Equal(t, 100*time.Millisecond, events[1].Elapsed)
	assert.Equal(t, "PTOC", events[1].Function)
	assert.NotEmpty(t, events[1].ID)

	status := svc.Status()
	assert.False(t, status.Running)
	assert.Equal(t, protection.PhaseNormal, status.Phase)
	assert.Equal(t, uint64(12), status.Cycles)
	assert.Equal(t, uint64(12*samplesPerCycle), status.Samples)
	assert.Equal(t, 100.0, status.PickupCurrent)
	assert.Equal(t, 100*time.Millisecond, status.TimeDelay)
	assert.InDelta(t, 80, status.LastRMS, 0.5)
}

func TestServiceHeartbeatRepublishes(t *testing.T) {
	wave := (&waveform{now: t0}).cycles(10, 50)
	sink := &recordingSink{}
	svc, err := NewService(newPTOC(t, false), &sliceSource{samples: wave.samples},
		WithSinks(sink), WithHeartbeat(60*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background()))
	// First cycle at 20ms, then every third cycle.
	assert.Equal(t, []bool{false, false, false, false}, sink.Asserted())
}

func TestServiceCountsSequenceViolations(t *testing.T) {
	wave := (&waveform{now: t0}).cycles(1, 50)
	dup := wave.samples[len(wave.samples)-1]
	wave.samples = append(wave.samples, dup, dup)

	svc, err := NewService(newPTOC(t, false), &sliceSource{samples: wave.samples})
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background()))

	status := svc.Status()
	assert.Equal(t, uint64(2), status.SequenceViolations)
	assert.Equal(t, uint64(1), status.Cycles)
}

func TestServiceResetWhileStoppedReleasesSealIn(t *testing.T) {
	wave := (&waveform{now: t0}).cycles(6, 150).cycles(2, 0)
	repo := memory.NewTripEventRepository(0)
	sink := &recordingSink{}
	svc, err := NewService(newPTOC(t, true), &sliceSource{samples: wave.samples},
		WithSinks(sink), WithEventRepository(repo), WithClock(fixedClock{now: t0.Add(time.Hour)}))
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background()))
	require.Equal(t, protection.PhaseTripped, svc.Status().Phase)

	require.NoError(t, svc.Reset(context.Background()))
	assert.Equal(t, protection.PhaseNormal, svc.Status().Phase)
	assert.False(t, svc.Status().Asserted)

	events, err := repo.List(context.Background(), protection.EventQuery{})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, protection.EventReset, events[0].Type)
	assert.Equal(t, []bool{false, true, false}, sink.Asserted())
}

func TestServiceCommandsWhileRunning(t *testing.T) {
	source := &chanSource{ch: make(chan measurement.Sample, 1024)}
	notifier := &recordingNotifier{}
	svc, err := NewService(newPTOC(t, false), source, WithNotifier(notifier), WithPollInterval(100*time.Microsecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.Status().Running }, time.Second, time.Millisecond)
	require.ErrorIs(t, svc.Run(ctx), ErrAlreadyRunning)

	wave := (&waveform{now: t0}).cycles(2, 150)
	for _, sample := range wave.samples {
		source.ch <- sample
	}
	require.Eventually(t, func() bool { return svc.Status().Cycles == 2 }, time.Second, time.Millisecond)
	require.Equal(t, protection.PhasePickup, svc.Status().Phase)

	require.NoError(t, svc.SetEnabled(ctx, false))
	status := svc.Status()
	assert.False(t, status.Enabled)
	assert.Equal(t, protection.PhaseNormal, status.Phase)

	settings, err := svc.Update(ctx, func(current protection.Settings) (protection.Settings, error) {
		trip, err := protection.NewTripConfig(300, 40*time.Millisecond, true)
		current.Trip = trip
		return current, err
	})
	require.NoError(t, err)
	assert.Equal(t, 300.0, settings.Trip.PickupCurrent())
	assert.True(t, svc.Status().Enabled)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	require.Eventually(t, func() bool {
		types := notifier.Types()
		return len(types) == 2 && types[1] == protection.EventReset
	}, time.Second, time.Millisecond)
}

func TestServiceRejectsInvalidSettings(t *testing.T) {
	svc, err := NewService(newPTOC(t, false), &sliceSource{})
	require.NoError(t, err)
	before := svc.Status()

	_, err = svc.Update(context.Background(), func(settings protection.Settings) (protection.Settings, error) {
		settings.SamplesPerCycle = -1
		return settings, nil
	})
	require.ErrorIs(t, err, measurement.ErrInvalidConfig)
	assert.Equal(t, before.SamplesPerCycle, svc.Status().SamplesPerCycle)
}

func TestServiceDropsWhenOutputQueueFull(t *testing.T) {
	svc, err := NewService(newPTOC(t, false), &sliceSource{})
	require.NoError(t, err)
	outputs := make(chan output, 1)
	svc.enqueue(outputs, output{})
	svc.enqueue(outputs, output{})
	svc.enqueue(outputs, output{})
	assert.Equal(t, uint64(2), svc.dropped)
	assert.Len(t, outputs, 1)
}

func TestServiceSinkFailureDoesNotStopLoop(t *testing.T) {
	wave := (&waveform{now: t0}).cycles(3, 50)
	sink := &recordingSink{err: errors.New("broker down")}
	svc, err := NewService(newPTOC(t, false), &sliceSource{samples: wave.samples}, WithSinks(sink))
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background()))
	assert.Equal(t, uint64(3), svc.Status().Cycles)
	assert.Len(t, sink.Asserted(), 1)
}

func TestNewServiceValidatesArguments(t *testing.T) {
	_, err := NewService(nil, &sliceSource{})
	require.Error(t, err)
	_, err = NewService(newPTOC(t, false), nil)
	require.Error(t, err)
}

func TestServiceHeartbeatContinuesAfterCommand(t *testing.T) {
	source := &chanSource{ch: make(chan measurement.Sample, 4096)}
	sink := &recordingSink{}
	// Wall clock well ahead of the sample time base.
	svc, err := NewService(newPTOC(t, false), source,
		WithSinks(sink),
		WithHeartbeat(60*time.Millisecond),
		WithClock(fixedClock{now: t0.Add(time.Hour)}),
		WithPollInterval(100*time.Microsecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()
	require.Eventually(t, func() bool { return svc.Status().Running }, time.Second, time.Millisecond)

	wave := &waveform{now: t0}
	wave.cycles(1, 50)
	for _, sample := range wave.samples {
		source.ch <- sample
	}
	require.Eventually(t, func() bool { return len(sink.Items()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, svc.Reset(ctx))
	require.Eventually(t, func() bool { return len(sink.Items()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, t0.Add(20*time.Millisecond), sink.Items()[1].at, "reset is stamped with the last sample time")

	wave.samples = nil
	wave.cycles(30, 50)
	for _, sample := range wave.samples {
		source.ch <- sample
	}
	// Cycles at 40..620ms republish every 60ms after the reset at 20ms.
	require.Eventually(t, func() bool { return len(sink.Items()) == 12 }, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-runErr)
}

func TestServiceResetRestartsGooseNumbering(t *testing.T) {
	wave := (&waveform{now: t0}).cycles(6, 150).cycles(2, 0)
	publisher, err := goose.NewPublisher(goose.DefaultIdentity(), discardTransport{})
	require.NoError(t, err)
	svc, err := NewService(newPTOC(t, true), &sliceSource{samples: wave.samples}, WithSinks(publisher))
	require.NoError(t, err)
	require.NoError(t, svc.Run(context.Background()))

	stNum, sqNum := publisher.Counters()
	require.Equal(t, uint32(1), stNum)
	require.Equal(t, uint32(2), sqNum)
	require.True(t, publisher.LastTrip())

	require.NoError(t, svc.Reset(context.Background()))
	stNum, sqNum = publisher.Counters()
	assert.Equal(t, uint32(0), stNum)
	assert.Equal(t, uint32(1), sqNum, "reset publishes once with fresh numbering")
	assert.False(t, publisher.LastTrip())
}

func TestServiceResetWaitsForDispatcherDrain(t *testing.T) {
	wave := (&waveform{now: t0}).cycles(6, 150)
	sink := &slowSink{delay: 30 * time.Millisecond}
	svc, err := NewService(newPTOC(t, true), &sliceSource{samples: wave.samples}, WithSinks(sink))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(context.Background()) }()
	require.Eventually(t, func() bool { return svc.Status().Phase == protection.PhaseTripped }, time.Second, time.Millisecond)

	require.NoError(t, svc.Reset(context.Background()))
	require.NoError(t, <-runErr)
	assert.Equal(t, []bool{false, true, false}, sink.Asserted())
}

func TestServiceConcurrentUpdatesBothApply(t *testing.T) {
	svc, err := NewService(newPTOC(t, false), &sliceSource{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.Update(context.Background(), func(current protection.Settings) (protection.Settings, error) {
			trip, err := protection.NewTripConfig(300, current.Trip.TimeDelay(), current.Trip.Enabled())
			current.Trip = trip
			return current, err
		})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := svc.Update(context.Background(), func(current protection.Settings) (protection.Settings, error) {
			current.SealIn = true
			return current, nil
		})
		assert.NoError(t, err)
	}()
	wg.Wait()

	settings, err := svc.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 300.0, settings.Trip.PickupCurrent())
	assert.True(t, settings.SealIn)
}
