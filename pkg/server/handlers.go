package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/curie/internal/tracing"
	"github.com/harun/curie/pkg/agent"
	"github.com/harun/curie/pkg/provider"
)

const maxRequestBytes = 1 << 20

// badRequestError marks client mistakes answered with 400.
type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

func statusFor(err error) int {
	var bad *badRequestError
	var unknown *UnknownIntentError
	if errors.As(err, &bad) || errors.As(err, &unknown) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Curie agent API is running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.startTime).Seconds(),
		"agents": s.registry.Len(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.options.TurnTimeout)
	defer cancel()

	a, err := s.agentFor(ctx, req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	thread, err := a.Run(ctx, req.Message, agent.RunOptions{})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Result: results(thread)})
}

// handleChatStream serves a turn as server-sent events. Content deltas are
// sent as they arrive, followed by an empty terminating event.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChat(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.options.TurnTimeout)
	defer cancel()

	a, err := s.agentFor(ctx, req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(data string) error {
		if _, err := io.WriteString(w, sseEvent(data)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	_, err = a.RunStream(ctx, req.Message, agent.RunOptions{}, func(f provider.Fragment) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		if f.Content == "" {
			return nil
		}
		return send(f.Content)
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().Err(err).Msg("Streamed turn failed")
		_ = send("Error: " + err.Error())
		return
	}
	_ = send("")
}

// sseEvent frames data as one event, one data line per text line.
func sseEvent(data string) string {
	var b strings.Builder
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id is required"))
		return
	}
	n := s.registry.ClearSession(userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "cleared",
		"user_id": userID,
		"agents":  n,
	})
}

// wsConn serializes writes to one websocket connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(frame)
}

// handleWebSocket runs one streamed turn per request frame until the client
// closes the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	ws := &wsConn{conn: conn}
	logger := tracing.LoggerFromContext(r.Context(), s.logger)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket closed unexpectedly")
			}
			return
		}

		var req ChatRequest
		if err := json.Unmarshal(message, &req); err != nil {
			_ = ws.send(Frame{Type: FrameError, Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}
		if err := validateChat(req); err != nil {
			_ = ws.send(Frame{Type: FrameError, Error: err.Error()})
			continue
		}

		if err := s.streamTurn(r.Context(), ws, req); err != nil {
			logger.Warn().Err(err).Msg("WebSocket turn failed")
			if sendErr := ws.send(Frame{Type: FrameError, Error: err.Error()}); sendErr != nil {
				return
			}
		}
	}
}

func (s *Server) streamTurn(ctx context.Context, ws *wsConn, req ChatRequest) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.TurnTimeout)
	defer cancel()

	a, err := s.agentFor(ctx, req)
	if err != nil {
		return err
	}
	thread, err := a.RunStream(ctx, req.Message, agent.RunOptions{}, func(f provider.Fragment) error {
		return ws.send(Frame{Type: FrameDelta, Content: f.Content, ToolCall: f.ToolCall})
	})
	if err != nil {
		return err
	}
	return ws.send(Frame{Type: FrameDone, Result: results(thread)})
}

// agentFor resolves the role of req and returns its agent.
func (s *Server) agentFor(ctx context.Context, req ChatRequest) (*agent.Agent, error) {
	ctx = tracing.WithSessionID(ctx, req.UserID)
	role, err := s.resolveRole(ctx, req)
	if err != nil {
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	if req.ProjectID != "" {
		logger = logger.With().Str("project_id", req.ProjectID).Logger()
	}
	logger.Debug().Str("role", role).Msg("Dispatching chat turn")

	return s.registry.GetOrCreate(ctx, role, req.UserID, s.factory)
}

func decodeChat(body io.Reader) (ChatRequest, error) {
	var req ChatRequest
	dec := json.NewDecoder(io.LimitReader(body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		return req, &badRequestError{err: fmt.Errorf("invalid request body: %w", err)}
	}
	return req, validateChat(req)
}

func validateChat(req ChatRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return &badRequestError{err: fmt.Errorf("message is required")}
	}
	if strings.TrimSpace(req.UserID) == "" {
		return &badRequestError{err: fmt.Errorf("user_id is required")}
	}
	return nil
}
