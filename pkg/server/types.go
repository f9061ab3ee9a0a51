package server

import (
	"encoding/json"

	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/provider"
)

// ChatRequest is the body of POST /chat, POST /chat/stream and of each
// websocket request frame.
type ChatRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id"`
	Intent    string `json:"intent,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// ChatResponse is the success body of POST /chat.
type ChatResponse struct {
	Result []ResultMessage `json:"result"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ResultMessage is a thread message as served to clients. Content holds the
// decoded document when the message is tagged as JSON.
type ResultMessage struct {
	conversation.Message
	Content any `json:"content"`
}

// Frame types sent over /ws.
const (
	FrameDelta = "delta"
	FrameDone  = "done"
	FrameError = "error"
)

// Frame is one websocket message sent to the client.
type Frame struct {
	Type     string                  `json:"type"`
	Content  string                  `json:"content,omitempty"`
	ToolCall *provider.ToolCallDelta `json:"tool_call,omitempty"`
	Result   []ResultMessage         `json:"result,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// results drops the system message. Only the final message is decoded, and
// only when tagged json or json-button; json-files content stays a string
// the client parses itself.
func results(thread conversation.Thread) []ResultMessage {
	out := make([]ResultMessage, 0, len(thread))
	for _, msg := range thread {
		if msg.Role == conversation.RoleSystem {
			continue
		}
		var value any
		if msg.Content != nil {
			value = *msg.Content
		}
		out = append(out, ResultMessage{Message: msg, Content: value})
	}
	if n := len(out); n > 0 {
		out[n-1].Content = content(out[n-1].Message)
	}
	return out
}

func content(msg conversation.Message) any {
	if msg.Content == nil {
		return nil
	}
	if msg.Tag == conversation.TagJSON || msg.Tag == conversation.TagJSONButton {
		var doc any
		if err := json.Unmarshal([]byte(*msg.Content), &doc); err == nil {
			return doc
		}
	}
	return *msg.Content
}
