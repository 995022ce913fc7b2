package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"quicksim/logging"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-Id"

type ctxKeyRequestID struct{}

// RequestIDFromContext returns the id assigned by RequestID
func RequestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return v, ok
}

// Chain returns the middleware stack in the order the router applies it
func Chain(logger *slog.Logger) []mux.MiddlewareFunc {
	return []mux.MiddlewareFunc{RequestID, Recover(logger), RequestLog(logger)}
}

// RequestID reuses the client's X-Request-Id or assigns a fresh one, and
// attaches it to the logging context
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, id)
		ctx = logging.ContextAttrs(ctx, slog.String("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// RequestLog logs one line per request
func RequestLog(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			switch {
			case sw.status >= 500:
				logger.ErrorContext(r.Context(), "http request", attrs...)
			case r.URL.Path == "/health" || r.URL.Path == "/metrics" || strings.HasSuffix(r.URL.Path, "/result"):
				// polled endpoints
				logger.DebugContext(r.Context(), "http request", attrs...)
			default:
				logger.InfoContext(r.Context(), "http request", attrs...)
			}
		})
	}
}

// Recover turns a handler panic into a 500
func Recover(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					requestID, _ := RequestIDFromContext(r.Context())
					logger.ErrorContext(r.Context(), "panic recovered", "panic", v, "path", r.URL.Path)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]any{
						"error":      "internal server error",
						"request_id": requestID,
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
