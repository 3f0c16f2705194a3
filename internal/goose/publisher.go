package goose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultDstMAC  = "01:0C:CD:01:00:00"
	DefaultAppID   = 0x0001
	DefaultGoID    = "PTOC_TRIP"
	DefaultGoCBRef = "IED1LD0/LLN0$GO$PTOC1"
	DefaultDatSet  = "IED1LD0/LLN0$PTOC1"

	// Time allowed to live for a state change and for a steady-state retransmission.
	changeTTL    = 10 * time.Millisecond
	heartbeatTTL = 2 * time.Second
)

var errNilTransport = errors.New("goose publisher: nil transport")

// Identity is the control block addressing carried in every message.
type Identity struct {
	DstMAC  string
	AppID   uint16
	GoID    string
	GoCBRef string
	DatSet  string
}

// DefaultIdentity returns the factory control block addressing.
func DefaultIdentity() Identity {
	return Identity{
		DstMAC:  DefaultDstMAC,
		AppID:   DefaultAppID,
		GoID:    DefaultGoID,
		GoCBRef: DefaultGoCBRef,
		DatSet:  DefaultDatSet,
	}
}

// Message is one trip publication.
type Message struct {
	GoID              string        `json:"go_id"`
	GoCBRef           string        `json:"gocb_ref"`
	DatSet            string        `json:"dat_set"`
	AppID             uint16        `json:"app_id"`
	DstMAC            string        `json:"dst_mac"`
	StNum             uint32        `json:"st_num"`
	SqNum             uint32        `json:"sq_num"`
	Trip              bool          `json:"trip"`
	Timestamp         time.Time     `json:"timestamp"`
	TimeAllowedToLive time.Duration `json:"time_allowed_to_live"`
}

// Transport carries encoded messages to subscribers.
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// Publisher numbers trip publications: stNum counts state changes and
// sqNum counts every publication.
type Publisher struct {
	identity  Identity
	transport Transport
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	stNum     uint32
	sqNum     uint32
	lastTrip  bool
	published uint64
}

// Option configures the publisher.
type Option func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher constructs a publisher. Empty identity fields take the defaults.
func NewPublisher(identity Identity, transport Transport, opts ...Option) (*Publisher, error) {
	if transport == nil {
		return nil, errNilTransport
	}
	defaults := DefaultIdentity()
	if identity.DstMAC == "" {
		identity.DstMAC = defaults.DstMAC
	}
	if identity.AppID == 0 {
		identity.AppID = defaults.AppID
	}
	if identity.GoID == "" {
		identity.GoID = defaults.GoID
	}
	if identity.GoCBRef == "" {
		identity.GoCBRef = defaults.GoCBRef
	}
	if identity.DatSet == "" {
		identity.DatSet = defaults.DatSet
	}
	publisher := &Publisher{
		identity:  identity,
		transport: transport,
		logger:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(publisher)
	}
	return publisher, nil
}

// Name identifies the publisher in sink metrics.
func (p *Publisher) Name() string {
	return "goose"
}

// PublishTrip implements application.TripSink.
func (p *Publisher) PublishTrip(ctx context.Context, asserted bool, at time.Time) error {
	if p == nil {
		return errNilTransport
	}
	msg := p.next(asserted, at)
	if err := p.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("goose publisher: send stNum=%d sqNum=%d: %w", msg.StNum, msg.SqNum, err)
	}
	return nil
}

func (p *Publisher) next(trip bool, at time.Time) Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sqNum++
	ttl := heartbeatTTL
	if trip != p.lastTrip {
		p.stNum++
		p.lastTrip = trip
		ttl = changeTTL
		p.logger.Infow("goose publisher: trip state changed", "trip", trip, "st_num", p.stNum, "sq_num", p.sqNum)
	}
	p.published++
	return Message{
		GoID:              p.identity.GoID,
		GoCBRef:           p.identity.GoCBRef,
		DatSet:            p.identity.DatSet,
		AppID:             p.identity.AppID,
		DstMAC:            p.identity.DstMAC,
		StNum:             p.stNum,
		SqNum:             p.sqNum,
		Trip:              trip,
		Timestamp:         at.UTC(),
		TimeAllowedToLive: ttl,
	}
}

// Counters returns the current state and sequence numbers.
func (p *Publisher) Counters() (stNum, sqNum uint32) {
	if p == nil {
		return 0, 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stNum, p.sqNum
}

// LastTrip returns the last published trip value.
func (p *Publisher) LastTrip() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTrip
}

// Identity returns the control block addressing.
func (p *Publisher) Identity() Identity {
	if p == nil {
		return Identity{}
	}
	return p.identity
}

// Reset zeroes both counters and the remembered trip value. The protection
// service calls it when the relay is reset.
func (p *Publisher) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stNum = 0
	p.sqNum = 0
	p.lastTrip = false
	p.logger.Infow("goose publisher: counters reset")
}
