package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry records one operator action against the relay.
type Entry struct {
	ID            string
	Actor         string
	Role          string
	Action        string
	Resource      string
	Metadata      json.RawMessage
	PayloadDigest string
	IP            string
	UserAgent     string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates an audit id.
func NewID() string {
	return "audit-" + uuid.NewString()
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (e *Entry) fill() {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.PayloadDigest == "" {
		e.PayloadDigest = DigestJSON(e.Metadata)
	}
}

// ClientIP returns the originating client address, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// ZapLogger writes audit entries to the application log when no database is configured.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

// NewZapLogger constructs a log-backed audit logger.
func NewZapLogger(logger *zap.SugaredLogger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ZapLogger{logger: logger}
}

// Log implements Logger.
func (l *ZapLogger) Log(_ context.Context, entry Entry) error {
	entry.fill()
	l.logger.Infow("audit: "+entry.Action,
		"id", entry.ID,
		"actor", entry.Actor,
		"role", entry.Role,
		"resource", entry.Resource,
		"metadata", string(entry.Metadata),
		"digest", entry.PayloadDigest,
		"ip", entry.IP,
		"user_agent", entry.UserAgent)
	return nil
}
