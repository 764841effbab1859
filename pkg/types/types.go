// Package types defines the shared types used across parley packages.
//
// These types form the lingua franca between providers, the session store, and
// the pipeline orchestrator. Each package defines its own domain types;
// cross-cutting data structures live here to avoid circular imports.
package types

// Role tags the author of a conversational message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single entry in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role Role

	// Content is the text content of the message.
	Content string
}
