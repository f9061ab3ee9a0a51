package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/curie/internal/tracing"
	"github.com/harun/curie/pkg/agent"
	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/provider"
)

// IntentCode selects the coder role.
const IntentCode = "code"

// Default role names.
const (
	RoleManager = "manager"
	RoleEditor  = "editor"
	RoleCoder   = "coder"
	RoleRouter  = "router"
)

// categories maps router classifications to roles.
var categories = map[string]string{
	"manager_agent": RoleManager,
	"editor_agent":  RoleEditor,
	"coder_agent":   RoleCoder,
}

// UnknownIntentError is returned for an intent that names no served role.
type UnknownIntentError struct {
	Intent string
}

func (e *UnknownIntentError) Error() string {
	return fmt.Sprintf("unknown intent: %s", e.Intent)
}

// resolveRole picks the role answering req. An empty intent is classified
// by the router role when one is served, and falls back to the default role.
func (s *Server) resolveRole(ctx context.Context, req ChatRequest) (string, error) {
	intent := strings.TrimSpace(req.Intent)
	switch {
	case intent == IntentCode && s.roles[RoleCoder]:
		return RoleCoder, nil
	case intent != "" && intent != s.options.RouterRole && s.roles[intent]:
		return intent, nil
	case intent != "":
		return "", &UnknownIntentError{Intent: intent}
	}

	if s.options.RouterRole == "" || !s.roles[s.options.RouterRole] {
		return s.options.DefaultRole, nil
	}

	role, err := s.classify(ctx, req)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	if err != nil {
		logger.Warn().Err(err).Str("fallback", s.options.DefaultRole).Msg("Routing failed; using default role")
		return s.options.DefaultRole, nil
	}
	if !s.roles[role] {
		logger.Warn().Str("role", role).Str("fallback", s.options.DefaultRole).Msg("Router chose a role that is not served")
		return s.options.DefaultRole, nil
	}
	logger.Debug().Str("role", role).Msg("Request routed")
	return role, nil
}

// classify runs the router agent in JSON mode and maps its category.
func (s *Server) classify(ctx context.Context, req ChatRequest) (string, error) {
	router, err := s.registry.GetOrCreate(ctx, s.options.RouterRole, req.UserID, s.factory)
	if err != nil {
		return "", err
	}
	thread, err := router.Run(ctx, req.Message, agent.RunOptions{ResponseFormat: provider.FormatJSON})
	if err != nil {
		return "", err
	}

	last, ok := answerOf(thread, s.options.RouterRole)
	if !ok {
		return "", fmt.Errorf("router produced no answer")
	}
	var answer struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(last.Text()), &answer); err != nil {
		return "", fmt.Errorf("router answer is not JSON: %w", err)
	}
	role, ok := categories[answer.Category]
	if !ok {
		return "", fmt.Errorf("router returned unknown category %q", answer.Category)
	}
	return role, nil
}

// answerOf returns the last assistant message role wrote in thread. The
// thread is the one returned by that role's run, so later runs of the same
// identity cannot have appended to it.
func answerOf(thread conversation.Thread, role string) (conversation.Message, bool) {
	for i := len(thread) - 1; i >= 0; i-- {
		msg := thread[i]
		if msg.Role == conversation.RoleAssistant && msg.AgentName == role {
			return msg, true
		}
	}
	return conversation.Message{}, false
}
