// Package domain contains core domain types for the experiment chat.
package domain

// Role tags a transcript entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Valid reports whether r is one of the three roles the backend accepts.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleAssistant, RoleUser:
		return true
	default:
		return false
	}
}

// Message is a single role-tagged transcript entry. Messages are values and
// are never modified after they have been appended to a transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Hidden returns true for entries that are not shown to the participant.
func (m Message) Hidden() bool {
	return m.Role == RoleSystem
}

// SystemMessage builds a hidden instruction entry.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// AssistantMessage builds an assistant entry.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// UserMessage builds a participant entry.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}
