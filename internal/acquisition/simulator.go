package acquisition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	measurement "ptoc-relay/internal/measurement/domain"
)

// Waveform selects the simulated signal shape.
type Waveform string

const (
	WaveformSine Waveform = "sine"
	WaveformDC   Waveform = "dc"
)

// Segment holds a constant current level for a duration.
// Current is the RMS primary current for a sine, or the level for DC.
type Segment struct {
	Current  float64
	Duration time.Duration
}

// SimulatorConfig describes a scripted waveform.
type SimulatorConfig struct {
	Scale      measurement.ScaleConfig
	SampleRate int
	Frequency  float64
	Waveform   Waveform
	Segments   []Segment
	Start      time.Time
	// Realtime paces samples against the wall clock.
	Realtime bool
	// Loop restarts the script instead of ending the stream.
	Loop bool
}

var errEmptyScript = errors.New("acquisition: simulator needs at least one segment")

// Simulator generates raw samples for a scripted current profile.
type Simulator struct {
	cfg    SimulatorConfig
	scaler measurement.Scaler
	period time.Duration
	total  time.Duration
	now    func() time.Time

	mu        sync.Mutex
	index     uint64
	wallStart time.Time
}

// NewSimulator validates cfg and builds a simulator.
func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	scaler, err := measurement.NewScaler(cfg.Scale)
	if err != nil {
		return nil, err
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("acquisition: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.Waveform == "" {
		cfg.Waveform = WaveformSine
	}
	if cfg.Waveform != WaveformSine && cfg.Waveform != WaveformDC {
		return nil, fmt.Errorf("acquisition: unknown waveform %q", cfg.Waveform)
	}
	if cfg.Waveform == WaveformSine && (cfg.Frequency <= 0 || math.IsNaN(cfg.Frequency) || math.IsInf(cfg.Frequency, 0)) {
		return nil, fmt.Errorf("acquisition: frequency must be positive, got %v", cfg.Frequency)
	}
	if len(cfg.Segments) == 0 {
		return nil, errEmptyScript
	}
	var total time.Duration
	for i, seg := range cfg.Segments {
		if seg.Duration <= 0 {
			return nil, fmt.Errorf("acquisition: segment %d duration must be positive", i)
		}
		if math.IsNaN(seg.Current) || math.IsInf(seg.Current, 0) {
			return nil, fmt.Errorf("acquisition: segment %d current must be finite", i)
		}
		total += seg.Duration
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now().UTC()
	}
	return &Simulator{
		cfg:    cfg,
		scaler: scaler,
		period: time.Second / time.Duration(cfg.SampleRate),
		total:  total,
		now:    time.Now,
	}, nil
}

// Period returns the sample interval.
func (s *Simulator) Period() time.Duration {
	return s.period
}

// Duration returns the length of one pass through the script.
func (s *Simulator) Duration() time.Duration {
	return s.total
}

// Next implements application.SampleSource.
func (s *Simulator) Next(ctx context.Context) (measurement.Sample, error) {
	if err := ctx.Err(); err != nil {
		return measurement.Sample{}, err
	}
	s.mu.Lock()
	index := s.index
	offset := time.Duration(index) * s.period
	if offset >= s.total && !s.cfg.Loop {
		s.mu.Unlock()
		return measurement.Sample{}, measurement.ErrEndOfStream
	}
	s.index++
	if s.wallStart.IsZero() {
		s.wallStart = s.now()
	}
	wallStart := s.wallStart
	s.mu.Unlock()

	if s.cfg.Realtime {
		wait := time.Until(wallStart.Add(offset))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return measurement.Sample{}, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return measurement.Sample{
		Seq: index + 1,
		Raw: s.rawAt(offset),
		At:  s.cfg.Start.Add(offset),
	}, nil
}

func (s *Simulator) rawAt(offset time.Duration) int32 {
	position := offset % s.total
	current := s.cfg.Segments[len(s.cfg.Segments)-1].Current
	var elapsed time.Duration
	for _, seg := range s.cfg.Segments {
		if position < elapsed+seg.Duration {
			current = seg.Current
			break
		}
		elapsed += seg.Duration
	}

	value := current
	if s.cfg.Waveform == WaveformSine {
		phase := 2 * math.Pi * s.cfg.Frequency * offset.Seconds()
		value = current * math.Sqrt2 * math.Sin(phase)
	}
	raw := math.Round(s.scaler.RawFor(value))
	switch {
	case raw > math.MaxInt32:
		return math.MaxInt32
	case raw < math.MinInt32:
		return math.MinInt32
	}
	return int32(raw)
}
