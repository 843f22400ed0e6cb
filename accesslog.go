package contentgate

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AccessLogger writes one structured record per filtered exchange.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry holds the fields of an access record.
type AccessLogEntry struct {
	// ID correlates the record with engine log lines for the same exchange.
	ID string

	Timestamp time.Time
	Method    string
	Host      string
	Path      string
	Scheme    string

	// StatusCode is the status returned to the client, 403 when denied.
	StatusCode int

	Duration     time.Duration
	BytesWritten int64
	ClientAddr   string

	// Decision is the final filtering decision for the exchange.
	Decision Decision

	// Stage is StageRequest or StageResponse for denials.
	Stage string

	Error     string
	UserAgent string
}

// NewExchangeID returns a fresh exchange identifier.
func NewExchangeID() string {
	return uuid.NewString()
}

// NewAccessLogger creates an AccessLogger writing to logger.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes e using slog.LogAttrs.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 14)

	if e.ID != "" {
		attrs = append(attrs, slog.String("id", e.ID))
	}
	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("scheme", e.Scheme),
		slog.String("client", e.ClientAddr),
		slog.Int("status", e.StatusCode),
		slog.String("verdict", e.Decision.Verdict.String()),
		slog.String("kind", string(e.Decision.Kind)),
	)

	if e.Decision.Denied() {
		attrs = append(attrs, slog.String("stage", e.Stage))
		if e.Decision.Entry != "" {
			attrs = append(attrs, slog.String("entry", e.Decision.Entry))
		}
		if e.Decision.Category != "" {
			attrs = append(attrs, slog.String("category", e.Decision.Category))
		}
	} else {
		attrs = append(attrs, slog.Int64("bytes", e.BytesWritten))
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
