package logging

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	CorrelationIDHeader = "X-Correlation-ID"
	RequestIDHeader     = "X-Request-ID"
)

// GenerateRequestID generates a new request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// CorrelationIDMiddleware is HTTP middleware that carries correlation and
// request IDs from the incoming headers into the request context.
func CorrelationIDMiddleware(logger *Logger, service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			correlationID := SanitizeCorrelationID(r.Header.Get(CorrelationIDHeader))

			requestID := SanitizeCorrelationID(r.Header.Get(RequestIDHeader))
			if requestID == "" {
				requestID = GenerateRequestID()
			}

			if correlationID != "" {
				ctx = context.WithValue(ctx, CorrelationIDKey, correlationID)
				w.Header().Set(CorrelationIDHeader, correlationID)
			}
			ctx = context.WithValue(ctx, RequestIDKey, requestID)
			ctx = context.WithValue(ctx, ServiceKey, service)
			w.Header().Set(RequestIDHeader, requestID)

			r = r.WithContext(ctx)

			logger.RequestStart(ctx, r.Method, r.URL.Path, r.UserAgent())

			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs HTTP requests and responses
func LoggingMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     200,
			}

			next.ServeHTTP(wrapped, r)

			logger.RequestEnd(r.Context(), r.Method, r.URL.Path, wrapped.statusCode, time.Since(start), wrapped.size)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(data)
	rw.size += int64(size)
	return size, err
}

// ExtractCorrelationID extracts correlation ID from context
func ExtractCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// ExtractRequestID extracts request ID from context
func ExtractRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// PropagateCorrelationID copies the run id as correlation ID onto an outgoing
// request and stamps it with a fresh request ID.
func PropagateCorrelationID(ctx context.Context, req *http.Request) {
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		req.Header.Set(CorrelationIDHeader, runID)
	} else if correlationID := ExtractCorrelationID(ctx); correlationID != "" {
		req.Header.Set(CorrelationIDHeader, correlationID)
	}
	req.Header.Set(RequestIDHeader, GenerateRequestID())
}

// SanitizeCorrelationID sanitizes correlation ID to prevent log injection
func SanitizeCorrelationID(id string) string {
	id = strings.ReplaceAll(id, "\n", "")
	id = strings.ReplaceAll(id, "\r", "")
	id = strings.ReplaceAll(id, "\t", "")

	if len(id) > 64 {
		id = id[:64]
	}

	return id
}
