// Package providertest offers a scripted provider for tests.
package providertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/harun/curie/pkg/conversation"
	"github.com/harun/curie/pkg/provider"
)

// ErrExhausted is returned when a Fake runs out of scripted steps.
var ErrExhausted = errors.New("fake provider: no scripted turn left")

// Step is one scripted backend response.
type Step struct {
	Turn      *provider.Turn
	Fragments []provider.Fragment // streamed as-is when set, otherwise derived from Turn
	Err       error               // returned wrapped in a BackendError
}

// Text scripts a plain text answer.
func Text(content string) Step {
	return Step{Turn: &provider.Turn{Content: conversation.String(content)}}
}

// ToolCalls scripts an assistant turn requesting tools, with null content.
func ToolCalls(calls ...conversation.ToolCall) Step {
	return Step{Turn: &provider.Turn{ToolCalls: calls}}
}

// Fail scripts a backend failure.
func Fail(err error) Step {
	return Step{Err: err}
}

// Call builds a tool call request.
func Call(id, name string, args map[string]any) conversation.ToolCall {
	return conversation.ToolCall{ID: id, Name: name, Arguments: args}
}

// Fake replays scripted steps in order and records every request.
type Fake struct {
	name string
	kind provider.Kind

	// Before runs ahead of every call; a returned error becomes the backend
	// error of that call.
	Before func(ctx context.Context, req provider.Request) error

	mu       sync.Mutex
	steps    []Step
	requests []provider.Request
}

// New creates a Fake of the given kind.
func New(kind provider.Kind, steps ...Step) *Fake {
	return &Fake{name: "fake", kind: kind, steps: steps}
}

func (f *Fake) Kind() provider.Kind { return f.kind }
func (f *Fake) Name() string        { return f.name }

// Push appends steps to the script.
func (f *Fake) Push(steps ...Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
}

// Requests returns the recorded requests.
func (f *Fake) Requests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.requests...)
}

// Calls returns how many backend calls were made.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *Fake) next(ctx context.Context, req provider.Request) (Step, error) {
	req.Thread = req.Thread.Clone()
	req.Tools = append(req.Tools[:0:0], req.Tools...)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.Before != nil {
		if err := f.Before(ctx, req); err != nil {
			return Step{}, &provider.BackendError{Provider: f.name, Cause: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return Step{}, &provider.BackendError{Provider: f.name, Cause: err}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.steps) == 0 {
		return Step{}, &provider.BackendError{Provider: f.name, Cause: ErrExhausted}
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	if step.Err != nil {
		return Step{}, &provider.BackendError{Provider: f.name, Cause: step.Err}
	}
	return step, nil
}

// Send returns the next scripted turn.
func (f *Fake) Send(ctx context.Context, req provider.Request) (*provider.Turn, error) {
	step, err := f.next(ctx, req)
	if err != nil {
		return nil, err
	}
	if step.Turn == nil {
		return nil, &provider.BackendError{Provider: f.name, Cause: fmt.Errorf("step has no turn")}
	}
	turn := *step.Turn
	turn.ToolCalls = append([]conversation.ToolCall(nil), step.Turn.ToolCalls...)
	return &turn, nil
}

// Stream replays the next scripted turn as fragments. Tool-call arguments
// are split across two deltas, the second carrying only the index.
func (f *Fake) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	step, err := f.next(ctx, req)
	if err != nil {
		return nil, err
	}
	if step.Fragments != nil {
		return provider.NewSliceStream(step.Fragments, nil), nil
	}
	fragments, err := Fragments(step.Turn)
	if err != nil {
		return nil, err
	}
	return provider.NewSliceStream(fragments, nil), nil
}

// Fragments splits a turn into the deltas a streaming backend would emit.
func Fragments(turn *provider.Turn) ([]provider.Fragment, error) {
	if turn == nil {
		return nil, nil
	}

	var out []provider.Fragment
	if turn.Content != nil {
		text := *turn.Content
		half := len(text) / 2
		for _, part := range []string{text[:half], text[half:]} {
			if part != "" {
				out = append(out, provider.Fragment{Content: part})
			}
		}
	}

	for i, tc := range turn.ToolCalls {
		args, err := json.Marshal(tc.Arguments)
		if err != nil {
			return nil, err
		}
		half := len(args) / 2
		out = append(out,
			provider.Fragment{ToolCall: &provider.ToolCallDelta{
				Index: i, ID: tc.ID, Name: tc.Name, ArgumentsDelta: string(args[:half]),
			}},
			provider.Fragment{ToolCall: &provider.ToolCallDelta{
				Index: i, ArgumentsDelta: string(args[half:]),
			}},
		)
	}
	return out, nil
}
