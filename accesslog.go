package adproxy

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes structured access log entries for each proxied request.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	Timestamp time.Time
	RequestID string

	Method string
	Host   string
	Path   string
	Scheme string

	// ResourceType is the type the proxy inferred for the request.
	ResourceType ResourceType

	// Verdict is the classification outcome; Rule the deciding rule text.
	Verdict Action
	Rule    string

	// Cache is how the response cache answered, empty for blocked
	// requests and tunnels.
	Cache string

	// StatusCode is the status sent to the client.
	StatusCode int

	Duration     time.Duration
	BytesWritten int64
	ClientAddr   string
	Error        string
	UserAgent    string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
// For best performance, pass a logger configured with slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry using slog.LogAttrs to minimize allocations.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 16)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("scheme", e.Scheme),
		slog.String("client", e.ClientAddr),
		slog.String("type", e.ResourceType.String()),
		slog.String("verdict", e.Verdict.String()),
		slog.Int("status", e.StatusCode),
		slog.Int64("bytes", e.BytesWritten),
		slog.Duration("duration", e.Duration),
	)

	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.Rule != "" {
		attrs = append(attrs, slog.String("rule", e.Rule))
	}
	if e.Cache != "" {
		attrs = append(attrs, slog.String("cache", e.Cache))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
