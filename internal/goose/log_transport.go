package goose

import (
	"context"

	"go.uber.org/zap"
)

// LogTransport writes messages to the logger instead of the network.
type LogTransport struct {
	logger *zap.SugaredLogger
}

// NewLogTransport constructs a log transport.
func NewLogTransport(logger *zap.SugaredLogger) *LogTransport {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogTransport{logger: logger}
}

// Send logs msg at debug level, or info level on a state change.
func (t *LogTransport) Send(_ context.Context, msg Message) error {
	log := t.logger.Debugw
	if msg.TimeAllowedToLive == changeTTL {
		log = t.logger.Infow
	}
	log("goose: publish",
		"go_id", msg.GoID,
		"app_id", msg.AppID,
		"trip", msg.Trip,
		"st_num", msg.StNum,
		"sq_num", msg.SqNum,
		"ttl", msg.TimeAllowedToLive)
	return nil
}
