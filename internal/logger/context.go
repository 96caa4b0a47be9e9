package logger

import "context"

type contextKey struct{}

var requestIDKey = contextKey{}

// WithRequestID stores the request ID for correlation across log lines
// and audit entries produced while serving one request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID from the context, or "" when unset.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
