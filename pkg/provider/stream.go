package provider

import (
	"fmt"
	"strings"

	"github.com/harun/curie/pkg/conversation"
)

// Fragment is one incremental piece of a streamed turn: a content delta or
// a partial tool call.
type Fragment struct {
	Content  string         `json:"content,omitempty"`
	ToolCall *ToolCallDelta `json:"tool_call,omitempty"`
}

// ToolCallDelta is a partial tool call. Only the first delta of a call
// usually carries ID and Name; later ones carry Index and argument text.
type ToolCallDelta struct {
	Index          int    `json:"index"`
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments,omitempty"`
}

// Stream yields the fragments of one turn. Callers must Close it.
type Stream interface {
	Next() bool
	Current() Fragment
	Err() error
	Close() error
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// Coalescer merges streamed fragments back into a Turn. Tool-call deltas are
// keyed by call id, falling back to the index for deltas without one.
type Coalescer struct {
	content strings.Builder
	calls   []*pendingCall
	byID    map[string]*pendingCall
	byIndex map[int]*pendingCall
}

// NewCoalescer creates an empty Coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{
		byID:    make(map[string]*pendingCall),
		byIndex: make(map[int]*pendingCall),
	}
}

// Add folds f into the turn under construction.
func (c *Coalescer) Add(f Fragment) {
	c.content.WriteString(f.Content)

	d := f.ToolCall
	if d == nil {
		return
	}

	var call *pendingCall
	if d.ID != "" {
		call = c.byID[d.ID]
		if call == nil {
			if prev, ok := c.byIndex[d.Index]; ok && prev.id == "" {
				call = prev
			}
		}
	} else {
		call = c.byIndex[d.Index]
	}

	if call == nil {
		call = &pendingCall{}
		c.calls = append(c.calls, call)
	}
	if d.ID != "" && call.id == "" {
		call.id = d.ID
		c.byID[d.ID] = call
	}
	c.byIndex[d.Index] = call

	if d.Name != "" {
		call.name = d.Name
	}
	call.args.WriteString(d.ArgumentsDelta)
}

// Turn returns the coalesced turn. Calls that never received an id get a
// positional one so tool results can still be paired.
func (c *Coalescer) Turn() (*Turn, error) {
	turn := &Turn{}

	for i, call := range c.calls {
		if call.name == "" {
			return nil, fmt.Errorf("streamed tool call %d has no name", i)
		}
		args, err := conversation.ParseArguments(call.args.String())
		if err != nil {
			return nil, fmt.Errorf("streamed tool call %s: %w", call.name, err)
		}
		id := call.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		turn.ToolCalls = append(turn.ToolCalls, conversation.ToolCall{
			ID:        id,
			Name:      call.name,
			Arguments: args,
		})
	}

	if c.content.Len() > 0 || len(turn.ToolCalls) == 0 {
		turn.Content = conversation.String(c.content.String())
	}
	return turn, nil
}

// Collect drains s into a Turn, invoking emit for every fragment when set.
// The stream is closed on return.
func Collect(s Stream, emit func(Fragment) error) (*Turn, error) {
	defer s.Close()

	c := NewCoalescer()
	for s.Next() {
		f := s.Current()
		c.Add(f)
		if emit != nil {
			if err := emit(f); err != nil {
				return nil, err
			}
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return c.Turn()
}

// SliceStream replays a fixed list of fragments.
type SliceStream struct {
	fragments []Fragment
	pos       int
	err       error
	closed    bool
}

// NewSliceStream returns a Stream over fragments that fails with err, if
// non-nil, once they are exhausted.
func NewSliceStream(fragments []Fragment, err error) *SliceStream {
	return &SliceStream{fragments: fragments, pos: -1, err: err}
}

func (s *SliceStream) Next() bool {
	if s.closed || s.pos+1 >= len(s.fragments) {
		s.pos = len(s.fragments)
		return false
	}
	s.pos++
	return true
}

func (s *SliceStream) Current() Fragment {
	if s.pos < 0 || s.pos >= len(s.fragments) {
		return Fragment{}
	}
	return s.fragments[s.pos]
}

func (s *SliceStream) Err() error {
	if s.pos >= len(s.fragments) {
		return s.err
	}
	return nil
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}
