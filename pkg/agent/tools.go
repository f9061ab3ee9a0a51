package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/harun/curie/internal/tracing"
	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/toolexecutor"
)

// dispatch runs the requested calls and returns one tool message per call,
// in request order. Tool failures become error payloads; the returned error
// is non-nil only when ctx ended, in which case every call is still answered.
func (a *Agent) dispatch(ctx context.Context, calls []conversation.ToolCall) ([]conversation.Message, error) {
	results := make([]conversation.Message, len(calls))
	errs := make([]error, len(calls))

	if a.parallel && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call conversation.ToolCall) {
				defer wg.Done()
				results[i], errs[i] = a.invoke(ctx, call)
			}(i, call)
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			results[i], errs[i] = a.invoke(ctx, call)
		}
	}

	if ctx.Err() != nil {
		for _, err := range errs {
			if err != nil {
				return results, err
			}
		}
		return results, ctx.Err()
	}
	return results, nil
}

// invoke answers one call. The error is returned alongside the error
// payload message so the caller can decide whether to abort.
func (a *Agent) invoke(ctx context.Context, call conversation.ToolCall) (conversation.Message, error) {
	logger := tracing.LoggerFromContext(ctx, a.logger).With().
		Str("tool", call.Name).
		Str("tool_call_id", call.ID).
		Logger()

	if !a.tools.Has(call.Name) {
		err := &toolexecutor.UnknownToolError{Name: call.Name}
		logger.Warn().Msg("Backend requested an unregistered tool")
		return a.errorMessage(call, err), nil
	}

	value, err := a.tools.Dispatch(ctx, call.Name, call.Arguments)
	if err != nil {
		var unknown *toolexecutor.UnknownToolError
		if errors.As(err, &unknown) {
			logger.Warn().Msg("Backend requested an unregistered tool")
			return a.errorMessage(call, err), nil
		}
		logger.Warn().Err(err).Msg("Tool failed; reporting the error to the backend")
		return a.errorMessage(call, err), err
	}

	content := "{}"
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			logger.Warn().Err(err).Msg("Tool result is not JSON-serializable")
			return a.errorMessage(call, err), nil
		}
		content = string(raw)
	}

	msg := conversation.ToolMessage(call.ID, call.Name, content, a.tools.TagFor(call.Name))
	msg.AgentName = a.id.Role
	return msg, nil
}

func (a *Agent) errorMessage(call conversation.ToolCall, err error) conversation.Message {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	msg := conversation.ToolMessage(call.ID, call.Name, string(raw), conversation.TagError)
	msg.AgentName = a.id.Role
	return msg
}
