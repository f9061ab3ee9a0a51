package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/harun/curie/internal/observability"
	"github.com/harun/curie/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// RequestIDHeader carries the request id back to the client.
const RequestIDHeader = "X-Request-ID"

// statusRecorder captures the response status for logs and metrics. It
// keeps the streaming and upgrade capabilities of the wrapped writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// instrument wraps h with request ids, panic recovery, logging and metrics.
func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID, _ = gonanoid.New()
		}
		ctx := tracing.WithRequestID(tracing.NewRequestContext(r.Context()), requestID)
		r = r.WithContext(ctx)
		w.Header().Set(RequestIDHeader, requestID)

		rec := &statusRecorder{ResponseWriter: w}
		logger := tracing.LoggerFromContext(ctx, s.logger)

		defer func() {
			if p := recover(); p != nil {
				logger.Error().
					Interface("panic", p).
					Str("stack", string(debug.Stack())).
					Str("route", route).
					Msg("Handler panicked")
				if rec.status == 0 {
					writeError(rec, http.StatusInternalServerError, fmt.Errorf("internal server error"))
				}
			}

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			observability.RecordHTTPRequest(route, status)
			logger.Info().
				Str("method", r.Method).
				Str("route", route).
				Str("ip", clientIP(r)).
				Int("status", status).
				Dur("duration", time.Since(startTime)).
				Msg("Request completed")
		}()

		h(rec, r)
	})
}

// limited rejects clients over the rate limit with 429 and Retry-After.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.rateLimiter.Allow(ip) {
			retryAfter := s.rateLimiter.RetryAfter(ip)
			logger := tracing.LoggerFromContext(r.Context(), s.logger)
			logger.Warn().
				Str("ip", ip).
				Int("retry_after", retryAfter).
				Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeError(w, http.StatusTooManyRequests, fmt.Errorf("too many requests"))
			return
		}
		h(w, r)
	}
}

// clientIP prefers proxy headers over the connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
