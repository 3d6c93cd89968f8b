package middleware

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

// LoggingMiddleware logs API requests
type LoggingMiddleware struct {
	log *logger.Logger
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(log *logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		log: log.With("component", "http"),
	}
}

// Handler logs each request with its status and latency. Panics are
// recovered into a 500 and reported through the logger's error tracker.
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				m.log.ErrorWithContext(r.Context(), errors.Newf("panic serving %s %s: %v", r.Method, r.URL.Path, p),
					map[string]string{"path": r.URL.Path})
				if !wrapped.wrote {
					http.Error(wrapped, "internal error", http.StatusInternalServerError)
				}
			}

			fields := []interface{}{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			}
			switch {
			case wrapped.statusCode >= 500:
				m.log.Warnw("HTTP request failed", fields...)
			case r.URL.Path == "/metrics" || r.URL.Path == "/live" || r.URL.Path == "/ready":
				m.log.Debugw("HTTP request", fields...)
			default:
				m.log.Infow("HTTP request", fields...)
			}
		}()

		next.ServeHTTP(wrapped, r)
	})
}

// statusRecorder captures the status code. It passes hijacking through so
// websocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wrote {
		rw.statusCode = code
		rw.wrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.wrote = true
	return rw.ResponseWriter.Write(b)
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	rw.wrote = true
	return h.Hijack()
}

func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
