package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"ptoc-relay/internal/goose"
)

const defaultTopic = "relay.goose.trip"

var errNoBrokers = errors.New("goose kafka: no brokers configured")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Transport publishes GOOSE messages to a Kafka topic keyed by GoID.
type Transport struct {
	writer messageWriter
	topic  string
}

// NewTransport builds a synchronous writer for topic.
func NewTransport(brokers []string, topic string) (*Transport, error) {
	if len(brokers) == 0 {
		return nil, errNoBrokers
	}
	if topic == "" {
		topic = defaultTopic
	}
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
		BatchTimeout: 5 * time.Millisecond,
		Async:        false,
	}
	return &Transport{writer: writer, topic: topic}, nil
}

// Send implements goose.Transport.
func (t *Transport) Send(ctx context.Context, msg goose.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("goose kafka: encode: %w", err)
	}
	err = t.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(msg.GoID),
		Value: value,
		Time:  msg.Timestamp,
		Headers: []kafkago.Header{
			{Key: "st_num", Value: []byte(fmt.Sprint(msg.StNum))},
			{Key: "sq_num", Value: []byte(fmt.Sprint(msg.SqNum))},
		},
	})
	if err != nil {
		return fmt.Errorf("goose kafka: write %s: %w", t.topic, err)
	}
	return nil
}

// Topic returns the destination topic.
func (t *Transport) Topic() string {
	return t.topic
}

// Close flushes and closes the writer.
func (t *Transport) Close() error {
	if t == nil || t.writer == nil {
		return nil
	}
	return t.writer.Close()
}
