package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	measurement "ptoc-relay/internal/measurement/domain"
	"ptoc-relay/internal/observability/metrics"
)

const (
	defaultTopic         = "relay/sv/current"
	defaultClientID      = "ptoc-relay"
	defaultBuffer        = 4096
	defaultConnectWindow = 10 * time.Second
)

var (
	errEmptyBroker = errors.New("mqtt source: empty broker url")
	errEmptyFrame  = errors.New("mqtt source: frame has no samples")
)

// Config addresses the sampled-values topic.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	Buffer   int
}

// wireSample is one sample as published by the merging unit gateway.
// Timestamp is in microseconds since the Unix epoch.
type wireSample struct {
	CurrentADC   *int32 `json:"current_adc"`
	SampleNumber uint16 `json:"sample_number"`
	Timestamp    int64  `json:"timestamp"`
}

type wireFrame struct {
	wireSample
	Samples []wireSample `json:"samples"`
}

// Source receives sampled values over MQTT and buffers them for the evaluation loop.
type Source struct {
	client  paho.Client
	topic   string
	qos     byte
	samples chan measurement.Sample
	logger  *zap.SugaredLogger

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Option configures the source.
type Option func(*Source)

// WithLogger sets the source logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSource builds an unconnected source.
func NewSource(cfg Config, opts ...Option) (*Source, error) {
	if cfg.Broker == "" {
		return nil, errEmptyBroker
	}
	if cfg.Topic == "" {
		cfg.Topic = defaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt source: invalid qos %d", cfg.QoS)
	}
	source := &Source{
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		samples: make(chan measurement.Sample, cfg.Buffer),
		logger:  zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(source)
	}

	clientOpts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			metrics.IncSourceError("mqtt_connection_lost")
			source.logger.Warnw("mqtt source: connection lost", "error", err)
		}).
		SetOnConnectHandler(func(client paho.Client) {
			source.subscribe(client)
		})
	if cfg.Username != "" {
		clientOpts.SetUsername(cfg.Username)
		clientOpts.SetPassword(cfg.Password)
	}
	source.client = paho.NewClient(clientOpts)
	return source, nil
}

// Connect dials the broker; the subscription is made on every (re)connect.
func (s *Source) Connect(ctx context.Context) error {
	token := s.client.Connect()
	window := defaultConnectWindow
	if deadline, ok := ctx.Deadline(); ok {
		window = time.Until(deadline)
	}
	if !token.WaitTimeout(window) {
		return fmt.Errorf("mqtt source: connect timed out after %s", window)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt source: connect: %w", err)
	}
	s.logger.Infow("mqtt source: connected", "topic", s.topic, "qos", s.qos)
	return nil
}

func (s *Source) subscribe(client paho.Client) {
	token := client.Subscribe(s.topic, s.qos, func(_ paho.Client, msg paho.Message) {
		s.ingest(msg.Payload())
	})
	if token.WaitTimeout(defaultConnectWindow) && token.Error() != nil {
		metrics.IncSourceError("mqtt_subscribe")
		s.logger.Errorw("mqtt source: subscribe failed", "topic", s.topic, "error", token.Error())
	}
}

// Next implements application.SampleSource.
func (s *Source) Next(ctx context.Context) (measurement.Sample, error) {
	select {
	case <-ctx.Done():
		return measurement.Sample{}, ctx.Err()
	case sample := <-s.samples:
		return sample, nil
	default:
		return measurement.Sample{}, measurement.ErrNoData
	}
}

// Dropped returns the number of samples lost to a full buffer.
func (s *Source) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and disconnects.
func (s *Source) Close() {
	if s == nil || s.client == nil || !s.client.IsConnected() {
		return
	}
	s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
	s.client.Disconnect(250)
}

func (s *Source) ingest(payload []byte) {
	samples, err := decodeFrame(payload)
	if err != nil {
		metrics.IncSourceError("decode")
		s.logger.Warnw("mqtt source: bad frame", "error", err, "bytes", len(payload))
		return
	}
	for _, raw := range samples {
		sample := measurement.Sample{
			Seq: s.seq.Add(1),
			Raw: *raw.CurrentADC,
		}
		if raw.Timestamp > 0 {
			sample.At = time.UnixMicro(raw.Timestamp).UTC()
		}
		select {
		case s.samples <- sample:
		default:
			s.dropped.Add(1)
			metrics.IncDropped("mqtt_samples")
		}
	}
}

// decodeFrame accepts a single sample object or a {"samples": [...]} batch.
func decodeFrame(payload []byte) ([]wireSample, error) {
	var frame wireFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("mqtt source: decode frame: %w", err)
	}
	samples := frame.Samples
	if len(samples) == 0 {
		if frame.CurrentADC == nil {
			return nil, errEmptyFrame
		}
		samples = []wireSample{frame.wireSample}
	}
	for i, sample := range samples {
		if sample.CurrentADC == nil {
			return nil, fmt.Errorf("mqtt source: sample %d missing current_adc", i)
		}
	}
	return samples, nil
}
