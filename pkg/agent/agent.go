package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/curie/internal/observability"
	"github.com/harun/curie/internal/tracing"
	"github.com/harun/curie/pkg/commandqueue"
	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/provider"
	"github.com/harun/curie/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultMaxToolCalls bounds tool rounds per run when Config leaves it unset.
	DefaultMaxToolCalls = 1

	persistTimeout = 10 * time.Second
	laneWarnAfter  = 10 * time.Second
)

// ErrNothingToResume is returned by a resumed run when the agent-local thread
// already ends with an answer.
var ErrNothingToResume = errors.New("nothing to resume: thread ends with an answer")

// Config binds an agent to its identity, backend, tools and storage.
type Config struct {
	Role         string
	SessionID    string
	Instructions string

	Model          string
	Temperature    float64
	MaxTokens      int
	MaxToolCalls   int
	ResponseFormat provider.ResponseFormat
	ParallelTools  bool

	Provider provider.Provider
	Tools    *toolexecutor.Registry
	Store    *conversation.Store
	Queue    *commandqueue.CommandQueue
	Logger   zerolog.Logger
}

// RunOptions tunes a single run.
type RunOptions struct {
	// ResponseFormat overrides Config.ResponseFormat when set.
	ResponseFormat provider.ResponseFormat

	// Resume continues an interrupted turn instead of appending input. The
	// agent-local thread must end with a user or tool message.
	Resume bool
}

// Agent owns the agent-local and overall threads of one identity.
type Agent struct {
	id           conversation.Identity
	instructions string
	model        string
	temperature  float64
	maxTokens    int
	maxToolCalls int
	format       provider.ResponseFormat
	parallel     bool

	provider provider.Provider
	tools    *toolexecutor.Registry
	store    *conversation.Store
	queue    *commandqueue.CommandQueue
	logger   zerolog.Logger

	mu      sync.RWMutex
	thread  conversation.Thread
	overall conversation.Thread
	pending []conversation.Message // overall-thread additions not yet persisted
}

// Lane is the commandqueue lane serializing turns of id.
func Lane(id conversation.Identity) string {
	return "agent:" + id.Role + ":" + id.SessionID
}

func overallLane(sessionID string) string {
	return "session:overall:" + sessionID
}

// New builds an agent and loads both of its threads. Missing threads start
// fresh with only the system message.
func New(ctx context.Context, cfg Config) (*Agent, error) {
	observability.EnsureRegistered()

	if cfg.Role == "" {
		return nil, fmt.Errorf("role is required")
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.MaxToolCalls < 0 {
		return nil, fmt.Errorf("max tool calls cannot be negative")
	}

	maxToolCalls := cfg.MaxToolCalls
	if maxToolCalls == 0 {
		maxToolCalls = DefaultMaxToolCalls
	}
	queue := cfg.Queue
	if queue == nil {
		queue = commandqueue.New()
	}

	id := conversation.Identity{Role: cfg.Role, SessionID: cfg.SessionID}
	a := &Agent{
		id:           id,
		instructions: cfg.Instructions,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		maxToolCalls: maxToolCalls,
		format:       cfg.ResponseFormat,
		parallel:     cfg.ParallelTools,
		provider:     cfg.Provider,
		tools:        cfg.Tools,
		store:        cfg.Store,
		queue:        queue,
		logger: cfg.Logger.With().
			Str("role", cfg.Role).
			Str("session_id", cfg.SessionID).
			Str("provider", cfg.Provider.Name()).
			Logger(),
	}

	if a.provider.Kind() == provider.KindInstruction && a.tools.Len() > 0 {
		a.logger.Warn().Int("tools", a.tools.Len()).Msg("Instruction-style provider cannot call tools; tools ignored")
	}

	thread, ok, err := a.store.Load(ctx, conversation.AgentKey(id.Role, id.SessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to load agent thread: %w", err)
	}
	a.thread = a.withInstructions(thread, ok)

	overall, ok, err := a.store.Load(ctx, conversation.OverallKey(id.SessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to load overall thread: %w", err)
	}
	if !ok || len(overall) == 0 {
		overall = conversation.NewThread(a.instructions)
	}
	a.overall = overall

	a.logger.Debug().
		Int("thread_len", len(a.thread)).
		Int("overall_len", len(a.overall)).
		Msg("Agent created")

	return a, nil
}

// withInstructions returns the agent-local thread headed by the current
// instructions. The agent-local thread is the backend context, so a changed
// instruction text replaces the stored system message.
func (a *Agent) withInstructions(thread conversation.Thread, found bool) conversation.Thread {
	if !found || len(thread) == 0 {
		return conversation.NewThread(a.instructions)
	}
	if thread[0].Role != conversation.RoleSystem {
		a.logger.Warn().Msg("Persisted thread has no system message; prepending one")
		return append(conversation.NewThread(a.instructions), thread...)
	}
	if thread[0].Text() != a.instructions {
		thread = thread.Clone()
		thread[0] = conversation.SystemMessage(a.instructions)
	}
	return thread
}

// Identity returns the role and session this agent serves.
func (a *Agent) Identity() conversation.Identity { return a.id }

// Kind returns the style of the bound provider.
func (a *Agent) Kind() provider.Kind { return a.provider.Kind() }

// Thread returns a copy of the agent-local thread.
func (a *Agent) Thread() conversation.Thread {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.thread.Clone()
}

// OverallThread returns a copy of the overall thread as last persisted,
// followed by this agent's unpersisted additions.
func (a *Agent) OverallThread() conversation.Thread {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.overall.Clone().Append(a.pending...)
}

// Run appends input, drives the turn loop to completion and returns the
// overall thread of the session.
func (a *Agent) Run(ctx context.Context, input string, opts RunOptions) (conversation.Thread, error) {
	return a.enqueue(ctx, input, opts, nil)
}

// RunStream is Run over the streaming transport. Content deltas are passed
// to emit as they arrive; the resulting thread is the same as Run's.
func (a *Agent) RunStream(ctx context.Context, input string, opts RunOptions, emit func(provider.Fragment) error) (conversation.Thread, error) {
	if emit == nil {
		return nil, fmt.Errorf("emit callback is required")
	}
	return a.enqueue(ctx, input, opts, emit)
}

func (a *Agent) enqueue(ctx context.Context, input string, opts RunOptions, emit func(provider.Fragment) error) (conversation.Thread, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.NewTurnContext(ctx, a.id.Role, a.id.SessionID)

	result, err := a.queue.EnqueueWithContext(ctx, Lane(a.id), func(taskCtx context.Context) (any, error) {
		return a.run(taskCtx, input, opts, emit)
	}, &commandqueue.TaskOptions{WarnAfter: laneWarnAfter})
	if err != nil {
		return nil, err
	}
	return result.(conversation.Thread), nil
}

func (a *Agent) run(ctx context.Context, input string, opts RunOptions, emit func(provider.Fragment) error) (thread conversation.Thread, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerAgent, "agent.run",
		attribute.String("provider", a.provider.Name()),
		attribute.String("provider.kind", string(a.provider.Kind())),
		attribute.Bool("stream", emit != nil),
	)
	startTime := time.Now()
	defer func() {
		observability.RecordTurn(a.id.Role, a.provider.Name(), time.Since(startTime), err == nil)
		tracing.EndSpan(span, err)
	}()

	logger := tracing.LoggerFromContext(ctx, a.logger)

	format := opts.ResponseFormat
	if format == provider.FormatText {
		format = a.format
	}

	if opts.Resume {
		if !a.resumable() {
			return nil, ErrNothingToResume
		}
		logger.Info().Msg("Resuming interrupted turn")
	} else {
		a.append(conversation.UserMessage(input))
	}

	var runErr error
	switch a.provider.Kind() {
	case provider.KindInstruction:
		runErr = a.runInstruction(ctx, emit)
	default:
		runErr = a.runCompletion(ctx, format, emit)
	}

	// Persist whatever was appended so a retried turn resumes from a
	// consistent point, even when the caller's context is already done.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	persistErr := a.persist(persistCtx)

	if runErr != nil {
		if persistErr != nil {
			logger.Error().Err(persistErr).Msg("Failed to persist partial turn")
		}
		logger.Warn().Err(runErr).Dur("duration", time.Since(startTime)).Msg("Agent turn failed")
		return nil, runErr
	}
	if persistErr != nil {
		return nil, persistErr
	}

	logger.Debug().Dur("duration", time.Since(startTime)).Msg("Agent turn completed")
	return a.OverallThread(), nil
}

// resumable reports whether the agent-local thread is waiting on the backend.
func (a *Agent) resumable() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	last, ok := a.thread.Last()
	if !ok {
		return false
	}
	return last.Role == conversation.RoleUser || last.Role == conversation.RoleTool
}

// Resume retries the interrupted turn from the persisted point without
// replaying the user message.
func (a *Agent) Resume(ctx context.Context, opts RunOptions) (conversation.Thread, error) {
	opts.Resume = true
	return a.enqueue(ctx, "", opts, nil)
}

// runInstruction makes the single tool-free call of an instruction-style
// backend and records its text as generated code.
func (a *Agent) runInstruction(ctx context.Context, emit func(provider.Fragment) error) error {
	turn, err := a.send(ctx, nil, provider.FormatText, emit)
	if err != nil {
		return err
	}

	content := turn.Content
	if content == nil {
		content = conversation.String("")
	}
	a.append(conversation.Message{
		Role:      conversation.RoleAssistant,
		Content:   content,
		Tag:       conversation.TagCode,
		AgentName: a.id.Role,
	})
	return nil
}

// runCompletion is the bounded tool loop:
// AwaitingBackend -> (PendingTools | Done) -> AwaitingBackend -> ... -> Done.
func (a *Agent) runCompletion(ctx context.Context, format provider.ResponseFormat, emit func(provider.Fragment) error) error {
	logger := tracing.LoggerFromContext(ctx, a.logger)

	for rounds := 0; ; rounds++ {
		var specs []toolexecutor.ToolSpec
		if rounds < a.maxToolCalls {
			specs = a.tools.Specs()
		}

		turn, err := a.send(ctx, specs, format, emit)
		if err != nil {
			return err
		}

		msg := conversation.Message{
			Role:      conversation.RoleAssistant,
			Content:   turn.Content,
			ToolCalls: turn.ToolCalls,
			Tag:       conversation.TagText,
			AgentName: a.id.Role,
		}

		if len(turn.ToolCalls) == 0 {
			a.append(msg)
			return nil
		}
		if rounds >= a.maxToolCalls {
			// No tools were offered; calls made anyway cannot be answered
			// without breaking the call/result pairing.
			logger.Warn().
				Int("tool_calls", len(turn.ToolCalls)).
				Int("max_tool_calls", a.maxToolCalls).
				Msg("Tool-call bound reached; dropping requested calls")
			msg.ToolCalls = nil
			if msg.Content == nil {
				msg.Content = conversation.String("")
			}
			a.append(msg)
			return nil
		}

		a.append(msg)
		results, err := a.dispatch(ctx, turn.ToolCalls)
		a.append(results...)
		if err != nil {
			return err
		}
	}
}

// send performs one backend round trip over the transport in use.
func (a *Agent) send(ctx context.Context, specs []toolexecutor.ToolSpec, format provider.ResponseFormat, emit func(provider.Fragment) error) (*provider.Turn, error) {
	req := provider.Request{
		Model:          a.model,
		Thread:         a.Thread(),
		Tools:          specs,
		Temperature:    a.temperature,
		MaxTokens:      a.maxTokens,
		ResponseFormat: format,
	}

	logger := tracing.LoggerFromContext(ctx, a.logger)
	logger.Debug().
		Int("messages", len(req.Thread)).
		Int("tools", len(specs)).
		Bool("stream", emit != nil).
		Msg("Calling backend")

	if emit == nil {
		turn, err := a.provider.Send(ctx, req)
		if err != nil {
			return nil, a.backendError(err)
		}
		logger.Debug().
			Int("input_tokens", turn.Usage.InputTokens).
			Int("output_tokens", turn.Usage.OutputTokens).
			Int("tool_calls", len(turn.ToolCalls)).
			Msg("Backend responded")
		return turn, nil
	}

	stream, err := a.provider.Stream(ctx, req)
	if err != nil {
		return nil, a.backendError(err)
	}

	var emitErr error
	turn, err := provider.Collect(stream, func(f provider.Fragment) error {
		if f.Content == "" {
			return nil
		}
		if err := emit(f); err != nil {
			emitErr = err
			return err
		}
		return nil
	})
	if err != nil {
		if emitErr != nil {
			return nil, emitErr
		}
		return nil, a.backendError(err)
	}
	return turn, nil
}

func (a *Agent) backendError(err error) error {
	var backendErr *provider.BackendError
	if errors.As(err, &backendErr) {
		return err
	}
	return &provider.BackendError{Provider: a.provider.Name(), Cause: err}
}

// append adds msgs to the agent-local thread and queues them for the
// overall thread.
func (a *Agent) append(msgs ...conversation.Message) {
	if len(msgs) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thread = a.thread.Append(msgs...)
	a.pending = append(a.pending, msgs...)
}

// persist saves the agent-local thread, then merges this agent's pending
// messages into the freshest overall thread of the session. The merge runs
// in a per-session lane so roles sharing a session do not lose updates.
func (a *Agent) persist(ctx context.Context) error {
	local := a.Thread()
	if err := a.store.Save(ctx, conversation.AgentKey(a.id.Role, a.id.SessionID), local); err != nil {
		return fmt.Errorf("failed to save agent thread: %w", err)
	}

	_, err := a.queue.EnqueueWithContext(ctx, overallLane(a.id.SessionID), func(ctx context.Context) (any, error) {
		key := conversation.OverallKey(a.id.SessionID)

		overall, ok, err := a.store.Load(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok || len(overall) == 0 {
			overall = conversation.NewThread(a.instructions)
		}

		a.mu.RLock()
		pending := append([]conversation.Message(nil), a.pending...)
		a.mu.RUnlock()

		overall = overall.Append(pending...)
		if err := a.store.Save(ctx, key, overall); err != nil {
			return nil, err
		}

		a.mu.Lock()
		a.overall = overall
		a.pending = a.pending[len(pending):]
		a.mu.Unlock()
		return nil, nil
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to save overall thread: %w", err)
	}
	return nil
}
