package logger

import (
	"context"
)

// Correlation identifies the client and request an operation runs on behalf of.
type Correlation struct {
	ClientID  string
	RequestID string
}

type correlationKey struct{}

// WithCorrelation returns a context carrying c. Async stages inherit it from
// the context captured when the work was enqueued.
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	return context.WithValue(ctx, correlationKey{}, c)
}

// CorrelationFrom returns the correlation stored in ctx, if any.
func CorrelationFrom(ctx context.Context) (Correlation, bool) {
	if ctx == nil {
		return Correlation{}, false
	}
	c, ok := ctx.Value(correlationKey{}).(Correlation)
	return c, ok
}

// FromContext returns a child logger tagged with the context's correlation ids.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	c, ok := CorrelationFrom(ctx)
	if !ok {
		return l
	}
	fields := map[string]interface{}{}
	if c.ClientID != "" {
		fields["client"] = c.ClientID
	}
	if c.RequestID != "" {
		fields["request"] = c.RequestID
	}
	return l.WithFields(fields)
}
