package goose

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingTransport struct {
	messages []Message
	err      error
}

func (t *recordingTransport) Send(_ context.Context, msg Message) error {
	if t.err != nil {
		return t.err
	}
	t.messages = append(t.messages, msg)
	return nil
}

func TestPublisherNumbering(t *testing.T) {
	transport := &recordingTransport{}
	publisher, err := NewPublisher(Identity{}, transport)
	require.NoError(t, err)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	st, sq := publisher.Counters()
	assert.Zero(t, st)
	assert.Zero(t, sq)

	require.NoError(t, publisher.PublishTrip(ctx, false, at))
	st, sq = publisher.Counters()
	assert.Equal(t, uint32(0), st)
	assert.Equal(t, uint32(1), sq)

	require.NoError(t, publisher.PublishTrip(ctx, true, at.Add(time.Millisecond)))
	st, sq = publisher.Counters()
	assert.Equal(t, uint32(1), st)
	assert.Equal(t, uint32(2), sq)

	require.NoError(t, publisher.PublishTrip(ctx, true, at.Add(2*time.Millisecond)))
	st, sq = publisher.Counters()
	assert.Equal(t, uint32(1), st)
	assert.Equal(t, uint32(3), sq)

	require.NoError(t, publisher.PublishTrip(ctx, false, at.Add(3*time.Millisecond)))
	st, sq = publisher.Counters()
	assert.Equal(t, uint32(2), st)
	assert.Equal(t, uint32(4), sq)

	require.Len(t, transport.messages, 4)
	change := transport.messages[1]
	assert.True(t, change.Trip)
	assert.Equal(t, changeTTL, change.TimeAllowedToLive)
	assert.Equal(t, heartbeatTTL, transport.messages[2].TimeAllowedToLive)
	assert.Equal(t, DefaultGoID, change.GoID)
	assert.Equal(t, DefaultGoCBRef, change.GoCBRef)
	assert.Equal(t, DefaultDatSet, change.DatSet)
	assert.Equal(t, uint16(DefaultAppID), change.AppID)
	assert.Equal(t, DefaultDstMAC, change.DstMAC)
}

func TestPublisherReset(t *testing.T) {
	publisher, err := NewPublisher(Identity{GoID: "FEEDER7"}, &recordingTransport{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, publisher.PublishTrip(ctx, true, time.Now()))
	assert.True(t, publisher.LastTrip())

	publisher.Reset()
	st, sq := publisher.Counters()
	assert.Zero(t, st)
	assert.Zero(t, sq)
	assert.False(t, publisher.LastTrip())
	assert.Equal(t, "FEEDER7", publisher.Identity().GoID)
}

func TestPublisherTransportError(t *testing.T) {
	boom := errors.New("link down")
	publisher, err := NewPublisher(Identity{}, &recordingTransport{err: boom})
	require.NoError(t, err)

	err = publisher.PublishTrip(context.Background(), true, time.Now())
	require.ErrorIs(t, err, boom)
	st, sq := publisher.Counters()
	assert.Equal(t, uint32(1), st)
	assert.Equal(t, uint32(1), sq)
}

func TestNewPublisherRequiresTransport(t *testing.T) {
	_, err := NewPublisher(Identity{}, nil)
	require.Error(t, err)
}

func TestLogTransport(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	publisher, err := NewPublisher(Identity{}, NewLogTransport(zap.New(core).Sugar()))
	require.NoError(t, err)

	require.NoError(t, publisher.PublishTrip(context.Background(), true, time.Now()))
	require.NoError(t, publisher.PublishTrip(context.Background(), true, time.Now()))

	entries := logs.FilterMessage("goose: publish").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
}
