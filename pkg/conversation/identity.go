package conversation

import "fmt"

// OverallPrefix namespaces the cross-role thread of a session.
const OverallPrefix = "conversation:"

// Identity names one agent conversation: a role within a session.
type Identity struct {
	Role      string
	SessionID string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s:%s", id.Role, id.SessionID)
}

// AgentKey is the store key of the per-role thread.
func AgentKey(role, sessionID string) string {
	return role + sessionID
}

// OverallKey is the store key of the overall thread of a session.
func OverallKey(sessionID string) string {
	return OverallPrefix + sessionID
}
