package api

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aetherhub/aether/common/trace"
	"github.com/aetherhub/aether/internal/aether/connmgr"
)

const traceHeader = "X-Trace-ID"

// handle registers h under pattern with tracing, request logging and
// metrics labelled by the pattern.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.instrument(pattern, h))
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		if id := strings.TrimSpace(req.Header.Get(traceHeader)); id != "" {
			ctx = trace.WithTraceID(ctx, id)
		}
		ctx, traceID := trace.Ensure(ctx)
		w.Header().Set(traceHeader, traceID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.HTTPRequest(req.Method, route, status, elapsed)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", elapsed.Milliseconds(),
			"trace_id", traceID,
		}
		switch {
		case status >= http.StatusInternalServerError:
			slog.Error("api: request", fields...)
		case status >= http.StatusBadRequest:
			slog.Warn("api: request", fields...)
		default:
			slog.Debug("api: request", fields...)
		}
	}
}

// withSendLimit rejects chat sends over the role's rate with 429.
func (s *Server) withSendLimit(role connmgr.Role, next http.HandlerFunc) http.HandlerFunc {
	limiter := s.limiters[role]
	if limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		if !limiter.Allow() {
			s.metrics.RateLimited(req.Pattern)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Detail: "rate limit exceeded"})
			return
		}
		next(w, req)
	}
}

// checkOrigin accepts requests without an Origin, same-host origins and
// the configured allowlist.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrader take over the connection. A hijacked
// request is recorded as 101.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		sr.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}
