package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	antstream "github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/harun/curie/internal/observability"
	"github.com/harun/curie/internal/tracing"
	"github.com/harun/curie/pkg/conversation"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultAnthropicModel     = "claude-3-5-sonnet-latest"
	DefaultAnthropicMaxTokens = 8192
)

// ErrNoInput is returned when an instruction-style request carries no user
// message.
var ErrNoInput = errors.New("instruction-style request has no user input")

// AnthropicProvider is the instruction-style adapter: it sends the standing
// instructions as the system prompt plus the latest user input, and returns
// plain text. Tools are never offered to it.
type AnthropicProvider struct {
	name   string
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	name := cfg.Name
	if name == "" {
		name = TypeAnthropic
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &AnthropicProvider{
		name:   name,
		client: anthropic.NewClient(opts...),
	}
}

func (p *AnthropicProvider) Kind() Kind   { return KindInstruction }
func (p *AnthropicProvider) Name() string { return p.name }

// Send issues one message request.
func (p *AnthropicProvider) Send(ctx context.Context, req Request) (turn *Turn, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerProvider, "provider.send",
		attribute.String("provider", p.name),
		attribute.String("model", req.Model),
	)
	defer func() {
		observability.RecordBackendCall(p.name, "send", err == nil)
		tracing.EndSpan(span, err)
	}()

	params, err := p.buildParams(ctx, req)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &BackendError{Provider: p.name, Cause: err}
	}

	var content strings.Builder
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(b.Text)
		}
	}

	return &Turn{
		Content: conversation.String(content.String()),
		Usage: Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// Stream issues one streaming message request. Only text deltas are yielded.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	params, err := p.buildParams(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerProvider, "provider.stream",
		attribute.String("provider", p.name),
		attribute.String("model", req.Model),
	)

	return &anthropicStream{
		provider: p.name,
		stream:   p.client.Messages.NewStreaming(ctx, params),
		span:     span,
		started:  time.Now(),
	}, nil
}

func (p *AnthropicProvider) buildParams(ctx context.Context, req Request) (anthropic.MessageNewParams, error) {
	system, input, ok := instructionInput(req.Thread)
	if !ok {
		return anthropic.MessageNewParams{}, ErrNoInput
	}

	if len(req.Tools) > 0 {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Debug().
			Str("provider", p.name).
			Int("tools", len(req.Tools)).
			Msg("Instruction-style provider ignores tools")
	}

	model := req.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(input)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params, nil
}

// instructionInput picks the system instructions and the latest user input
// out of a thread.
func instructionInput(thread conversation.Thread) (system, input string, ok bool) {
	if len(thread) > 0 && thread[0].Role == conversation.RoleSystem {
		system = thread[0].Text()
	}
	for i := len(thread) - 1; i >= 0; i-- {
		if thread[i].Role == conversation.RoleUser {
			return system, thread[i].Text(), true
		}
	}
	return system, "", false
}

type anthropicStream struct {
	provider string
	stream   *antstream.Stream[anthropic.MessageStreamEventUnion]
	span     trace.Span
	started  time.Time

	current  Fragment
	finished bool
}

func (s *anthropicStream) Next() bool {
	for !s.finished && s.stream.Next() {
		event := s.stream.Current()
		ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
			s.current = Fragment{Content: d.Text}
			return true
		}
	}
	s.finish()
	return false
}

func (s *anthropicStream) Current() Fragment {
	return s.current
}

func (s *anthropicStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return &BackendError{Provider: s.provider, Cause: err}
	}
	return nil
}

func (s *anthropicStream) Close() error {
	s.finish()
	return s.stream.Close()
}

func (s *anthropicStream) finish() {
	if s.finished {
		return
	}
	s.finished = true
	err := s.Err()
	observability.RecordBackendCall(s.provider, "stream", err == nil)
	s.span.SetAttributes(attribute.Int64("duration_ms", time.Since(s.started).Milliseconds()))
	tracing.EndSpan(s.span, err)
}
