package conversation

// Thread is an ordered message history, replayed to the backend as context.
type Thread []Message

// NewThread returns a fresh thread holding only the system message.
func NewThread(instructions string) Thread {
	return Thread{SystemMessage(instructions)}
}

// Append returns the thread extended by msgs.
func (t Thread) Append(msgs ...Message) Thread {
	return append(t, msgs...)
}

// Clone returns a copy that shares no backing array with t.
func (t Thread) Clone() Thread {
	if t == nil {
		return nil
	}
	out := make(Thread, len(t))
	copy(out, t)
	return out
}

// Last returns the final message, if any.
func (t Thread) Last() (Message, bool) {
	if len(t) == 0 {
		return Message{}, false
	}
	return t[len(t)-1], true
}

// WithoutSystem drops system messages, for presenting a thread to end users.
func (t Thread) WithoutSystem() Thread {
	out := make(Thread, 0, len(t))
	for _, m := range t {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// PendingToolCalls lists the ids of tool calls that have no answering tool
// message yet, in request order.
func (t Thread) PendingToolCalls() []string {
	answered := make(map[string]bool)
	for _, m := range t {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	var pending []string
	for _, m := range t {
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				pending = append(pending, tc.ID)
			}
		}
	}
	return pending
}

// HasValidHead reports whether the thread starts with exactly one system
// message and contains no other.
func (t Thread) HasValidHead() bool {
	if len(t) == 0 || t[0].Role != RoleSystem || t[0].Content == nil {
		return false
	}
	for _, m := range t[1:] {
		if m.Role == RoleSystem {
			return false
		}
	}
	return true
}
