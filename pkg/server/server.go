package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/curie/internal/observability"
	"github.com/harun/curie/pkg/session"
	"github.com/rs/zerolog"
)

// Options configures a Server.
type Options struct {
	Host string
	Port int

	// RateLimitPerMinute bounds chat requests per client IP; negative
	// disables limiting.
	RateLimitPerMinute int
	// TurnTimeout bounds one agent turn.
	TurnTimeout time.Duration
	// ShutdownTimeout bounds Stop when its context has no deadline.
	ShutdownTimeout time.Duration

	// Roles the factory can build. DefaultRole must be one of them.
	Roles       []string
	DefaultRole string
	// RouterRole classifies requests without an intent when it is served.
	RouterRole string

	Logger zerolog.Logger
}

// Server is the chat HTTP surface over a session registry.
type Server struct {
	options     Options
	registry    *session.Registry
	factory     session.Factory
	roles       map[string]bool
	rateLimiter *RateLimiter
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	startTime   time.Time

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
	inFlight sync.WaitGroup
}

// New creates a Server. Agents are looked up in registry and built by
// factory on first use.
func New(options Options, registry *session.Registry, factory session.Factory) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("agent factory is required")
	}

	if options.Host == "" {
		options.Host = "0.0.0.0"
	}
	if options.Port == 0 {
		options.Port = 8000
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 100
	}
	if options.TurnTimeout == 0 {
		options.TurnTimeout = 5 * time.Minute
	}
	if options.ShutdownTimeout == 0 {
		options.ShutdownTimeout = 30 * time.Second
	}
	if options.DefaultRole == "" {
		options.DefaultRole = RoleManager
	}

	roles := make(map[string]bool, len(options.Roles))
	for _, role := range options.Roles {
		roles[role] = true
	}
	if !roles[options.DefaultRole] {
		return nil, fmt.Errorf("default role %q is not served", options.DefaultRole)
	}

	observability.EnsureRegistered()

	return &Server{
		options:     options,
		registry:    registry,
		factory:     factory,
		roles:       roles,
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute, time.Minute),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:    options.Logger.With().Str("component", "server").Logger(),
		startTime: time.Now(),
	}, nil
}

// Handler returns the routed handler of every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /{$}", s.instrument("/", s.handleRoot))
	mux.Handle("GET /health", s.instrument("/health", s.handleHealth))
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.Handle("POST /chat", s.instrument("/chat", s.tracked(s.limited(s.handleChat))))
	mux.Handle("POST /chat/stream", s.instrument("/chat/stream", s.tracked(s.limited(s.handleChatStream))))
	mux.Handle("DELETE /chat/{user_id}", s.instrument("/chat/{user_id}", s.handleClear))
	mux.Handle("GET /ws", s.instrument("/ws", s.tracked(s.limited(s.handleWebSocket))))
	return mux
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.options.Host, s.options.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting server")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop refuses new chat requests, waits for in-flight turns and shuts the
// listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.server
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down server")
	defer s.rateLimiter.Stop()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Server stopped")
	return nil
}

// tracked counts h as in flight and rejects it once shutdown began.
func (s *Server) tracked(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("server is shutting down"))
			return
		}
		s.inFlight.Add(1)
		s.mu.Unlock()
		defer s.inFlight.Done()

		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
