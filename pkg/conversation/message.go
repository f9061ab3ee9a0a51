package conversation

import (
	"encoding/json"
	"fmt"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Tag classifies message content so clients can render it appropriately.
type Tag string

const (
	TagText        Tag = "text"
	TagCode        Tag = "code"
	TagJSON        Tag = "json"
	TagJSONFiles   Tag = "json-files"
	TagJSONButton  Tag = "json-button"
	TagError       Tag = "error"
	TagUIReference Tag = "ui-reference"
)

// IsJSON reports whether content carrying this tag is a JSON document.
func (t Tag) IsJSON() bool {
	return t == TagJSON || t == TagJSONButton || t == TagJSONFiles
}

// Message is one entry of a thread. It is never modified once appended.
type Message struct {
	Role       Role       `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Tag        Tag        `json:"type,omitempty"`
	AgentName  string     `json:"agent_name,omitempty"`
}

// Text returns the content, or "" when the content is null.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// String returns a pointer to s, for building messages with content.
func String(s string) *string {
	return &s
}

// SystemMessage creates the leading message of a thread.
func SystemMessage(instructions string) Message {
	return Message{Role: RoleSystem, Content: String(instructions)}
}

// UserMessage creates a message carrying caller input.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: String(content)}
}

// ToolMessage creates the result message answering one tool call.
func ToolMessage(callID, name, content string, tag Tag) Message {
	return Message{
		Role:       RoleTool,
		Content:    String(content),
		ToolCallID: callID,
		Name:       name,
		Tag:        tag,
	}
}

// ToolCall is a backend request to invoke a registered tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

// MarshalJSON writes the chat-completions wire shape, where arguments are a
// JSON-encoded string.
func (tc ToolCall) MarshalJSON() ([]byte, error) {
	args := tc.Arguments
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments of %s: %w", tc.Name, err)
	}
	return json.Marshal(wireToolCall{
		ID:       tc.ID,
		Type:     "function",
		Function: wireFunction{Name: tc.Name, Arguments: string(raw)},
	})
}

func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var w wireToolCall
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	args, err := ParseArguments(w.Function.Arguments)
	if err != nil {
		return fmt.Errorf("tool call %s: %w", w.ID, err)
	}
	tc.ID = w.ID
	tc.Name = w.Function.Name
	tc.Arguments = args
	return nil
}

// ParseArguments decodes a JSON-encoded argument object. An empty string is
// an empty object.
func ParseArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
