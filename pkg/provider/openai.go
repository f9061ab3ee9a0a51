package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/curie/internal/observability"
	"github.com/harun/curie/internal/tracing"
	"github.com/harun/curie/pkg/conversation"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	oaistream "github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OpenAIProvider is the completion-style adapter over the chat-completions
// API. It also serves compatible endpoints through Config.BaseURL.
type OpenAIProvider struct {
	name   string
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	name := cfg.Name
	if name == "" {
		name = TypeOpenAI
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClient(clientOptions(cfg)...),
	}
}

func clientOptions(cfg Config) []option.RequestOption {
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
	return opts
}

func (p *OpenAIProvider) Kind() Kind   { return KindCompletion }
func (p *OpenAIProvider) Name() string { return p.name }

// Send issues one chat completion.
func (p *OpenAIProvider) Send(ctx context.Context, req Request) (turn *Turn, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerProvider, "provider.send",
		attribute.String("provider", p.name),
		attribute.String("model", req.Model),
	)
	defer func() {
		observability.RecordBackendCall(p.name, "send", err == nil)
		tracing.EndSpan(span, err)
	}()

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, &BackendError{Provider: p.name, Cause: err}
	}
	if len(response.Choices) == 0 {
		return nil, &BackendError{Provider: p.name, Cause: errors.New("no response choices returned")}
	}

	msg := response.Choices[0].Message
	turn = &Turn{
		Usage: Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}

	for _, tc := range msg.ToolCalls {
		args, err := conversation.ParseArguments(tc.Function.Arguments)
		if err != nil {
			return nil, &BackendError{Provider: p.name, Cause: fmt.Errorf("tool call %s: %w", tc.ID, err)}
		}
		turn.ToolCalls = append(turn.ToolCalls, conversation.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	if msg.Content != "" || len(turn.ToolCalls) == 0 {
		turn.Content = conversation.String(msg.Content)
	}

	return turn, nil
}

// Stream issues one streaming chat completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerProvider, "provider.stream",
		attribute.String("provider", p.name),
		attribute.String("model", req.Model),
	)

	return &openAIStream{
		provider: p.name,
		stream:   p.client.Chat.Completions.NewStreaming(ctx, params),
		span:     span,
		started:  time.Now(),
	}, nil
}

func (p *OpenAIProvider) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	messages, err := toOpenAIMessages(req.Thread)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.ResponseFormat == FormatJSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, spec := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        spec.Name,
					Description: openai.String(spec.Description),
					Parameters:  openai.FunctionParameters(spec.JSONSchema()),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}

func toOpenAIMessages(thread conversation.Thread) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(thread))

	for _, msg := range thread {
		switch msg.Role {
		case conversation.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Text()))
		case conversation.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Text()))
		case conversation.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Text()))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool parameters: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Text(),
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case conversation.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Text(), msg.ToolCallID))
		default:
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}

	return messages, nil
}

type openAIStream struct {
	provider string
	stream   *oaistream.Stream[openai.ChatCompletionChunk]
	span     trace.Span
	started  time.Time

	pending  []Fragment
	current  Fragment
	finished bool
}

func (s *openAIStream) Next() bool {
	for len(s.pending) == 0 {
		if s.finished || !s.stream.Next() {
			s.finish()
			return false
		}
		for _, ch := range s.stream.Current().Choices {
			if ch.Delta.Content != "" {
				s.pending = append(s.pending, Fragment{Content: ch.Delta.Content})
			}
			for _, tc := range ch.Delta.ToolCalls {
				s.pending = append(s.pending, Fragment{ToolCall: &ToolCallDelta{
					Index:          int(tc.Index),
					ID:             tc.ID,
					Name:           tc.Function.Name,
					ArgumentsDelta: tc.Function.Arguments,
				}})
			}
		}
	}

	s.current = s.pending[0]
	s.pending = s.pending[1:]
	return true
}

func (s *openAIStream) Current() Fragment {
	return s.current
}

func (s *openAIStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return &BackendError{Provider: s.provider, Cause: err}
	}
	return nil
}

func (s *openAIStream) Close() error {
	s.finish()
	return s.stream.Close()
}

func (s *openAIStream) finish() {
	if s.finished {
		return
	}
	s.finished = true
	err := s.Err()
	observability.RecordBackendCall(s.provider, "stream", err == nil)
	s.span.SetAttributes(attribute.Int64("duration_ms", time.Since(s.started).Milliseconds()))
	tracing.EndSpan(s.span, err)
}
