package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/curie/internal/observability"
	"github.com/harun/curie/internal/tracing"
	"github.com/harun/curie/pkg/conversation"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTimeout bounds a single tool call when Options.Timeout is unset.
const DefaultTimeout = 30 * time.Second

// ErrInvalidArguments is the cause of a ToolExecutionError raised when the
// arguments do not match the declared schema.
var ErrInvalidArguments = errors.New("invalid arguments")

// Options configures a Registry.
type Options struct {
	Timeout time.Duration
}

type registeredTool struct {
	def    ToolDefinition
	spec   ToolSpec
	schema *gojsonschema.Schema
}

// Registry holds tools by name and dispatches calls to them.
type Registry struct {
	tools   map[string]*registeredTool
	order   []string
	timeout time.Duration
	mu      sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	observability.EnsureRegistered()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		tools:   make(map[string]*registeredTool),
		timeout: timeout,
	}
}

// Register adds def. Names must be unique.
func (r *Registry) Register(def ToolDefinition) error {
	spec, err := Describe(def)
	if err != nil {
		return err
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.JSONSchema()))
	if err != nil {
		return &SchemaError{Tool: def.Name, Reason: err.Error()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = &registeredTool{def: def, spec: spec, schema: schema}
	r.order = append(r.order, def.Name)

	log.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// MustRegister is Register for static tool tables; it panics on error.
func (r *Registry) MustRegister(defs ...ToolDefinition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Subset returns a Registry holding only the named tools, sharing their
// definitions. Unknown names are an error.
func (r *Registry) Subset(names []string) (*Registry, error) {
	sub := NewRegistry(Options{Timeout: r.timeout})

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, &UnknownToolError{Name: name}
		}
		if _, dup := sub.tools[name]; dup {
			continue
		}
		sub.tools[name] = t
		sub.order = append(sub.order, name)
	}
	return sub, nil
}

// Specs returns the tool specs in registration order.
func (r *Registry) Specs() []ToolSpec {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].spec)
	}
	return specs
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// TagFor returns the classification of name's output: the declared tag when
// set, otherwise the name-derived default.
func (r *Registry) TagFor(name string) conversation.Tag {
	if r != nil {
		r.mu.RLock()
		t, ok := r.tools[name]
		r.mu.RUnlock()
		if ok && t.def.Tag != "" {
			return t.def.Tag
		}
	}
	return DefaultTag(name)
}

// Dispatch validates args and runs the named tool, bounded by the registry
// timeout and ctx.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (result any, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "tool.dispatch", attribute.String("tool", name))
	defer func() { tracing.EndSpan(span, err) }()

	var tool *registeredTool
	if r != nil {
		r.mu.RLock()
		tool = r.tools[name]
		r.mu.RUnlock()
	}
	if tool == nil {
		return nil, &UnknownToolError{Name: name}
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("tool", name).Logger()
	startTime := time.Now()
	defer func() {
		observability.RecordToolExecution(name, time.Since(startTime), err == nil)
	}()

	params := withDefaults(tool.spec, args)
	if err := validateParameters(tool.schema, params); err != nil {
		logger.Warn().Err(err).Msg("Tool arguments rejected")
		return nil, &ToolExecutionError{ToolName: name, Cause: err}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		value, err := tool.def.Handler(timeoutCtx, params)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		duration := time.Since(startTime)
		if out.err != nil {
			logger.Error().Err(out.err).Dur("duration", duration).Msg("Tool execution failed")
			return nil, &ToolExecutionError{ToolName: name, Cause: out.err}
		}
		logger.Debug().Dur("duration", duration).Msg("Tool execution completed")
		return out.value, nil

	case <-timeoutCtx.Done():
		cause := timeoutCtx.Err()
		if errors.Is(cause, context.DeadlineExceeded) && ctx.Err() == nil {
			cause = fmt.Errorf("timeout after %v: %w", r.timeout, cause)
		}
		logger.Error().Err(cause).Msg("Tool execution aborted")
		return nil, &ToolExecutionError{ToolName: name, Cause: cause}
	}
}

// withDefaults copies args, filling declared defaults for absent parameters.
func withDefaults(spec ToolSpec, args map[string]any) map[string]any {
	params := make(map[string]any, len(args)+len(spec.Parameters))
	for k, v := range args {
		params[k] = v
	}
	for name, p := range spec.Parameters {
		if _, ok := params[name]; !ok && p.Default != nil {
			params[name] = p.Default
		}
	}
	return params
}

func validateParameters(schema *gojsonschema.Schema, params map[string]any) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
	}
	return nil
}
