package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/toolexecutor"
)

// Kind is the request/response style of a backend.
type Kind string

const (
	// KindCompletion backends replay the whole thread and support tool calls.
	KindCompletion Kind = "completion"
	// KindInstruction backends take the instructions plus one input and return text only.
	KindInstruction Kind = "instruction"
)

// ResponseFormat constrains the assistant output.
type ResponseFormat string

const (
	FormatText ResponseFormat = ""
	FormatJSON ResponseFormat = "json"
)

// Request is one logical backend call.
type Request struct {
	Model          string
	Thread         conversation.Thread
	Tools          []toolexecutor.ToolSpec
	Temperature    float64
	MaxTokens      int
	ResponseFormat ResponseFormat
}

// Usage tracks token consumption
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Turn is the assistant side of one round trip.
type Turn struct {
	Content   *string
	ToolCalls []conversation.ToolCall
	Usage     Usage
}

// Provider is the capability set the agent drives.
type Provider interface {
	Kind() Kind
	Name() string
	Send(ctx context.Context, req Request) (*Turn, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// BackendError reports a failed remote inference call.
type BackendError struct {
	Provider string
	Cause    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Provider, e.Cause)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Supported backend types.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
)

// Config selects and configures one backend.
type Config struct {
	Name    string        `json:"name"`
	Type    string        `json:"type"` // openai, anthropic
	APIKey  string        `json:"api_key"`
	BaseURL string        `json:"base_url,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// KindOf returns the style served by a backend type.
func KindOf(providerType string) (Kind, error) {
	switch strings.ToLower(providerType) {
	case TypeOpenAI:
		return KindCompletion, nil
	case TypeAnthropic:
		return KindInstruction, nil
	default:
		return "", fmt.Errorf("unsupported provider: %s", providerType)
	}
}

// New creates the provider described by cfg.
func New(cfg Config) (Provider, error) {
	if cfg.Name == "" {
		cfg.Name = strings.ToLower(cfg.Type)
	}
	switch strings.ToLower(cfg.Type) {
	case TypeOpenAI:
		return NewOpenAIProvider(cfg), nil
	case TypeAnthropic:
		return NewAnthropicProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Type)
	}
}
