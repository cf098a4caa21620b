package domain

import "encoding/json"

// ChatMessage is the provider-agnostic chat message shape used by the
// responders and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PersonType is the author role the chat vendor attaches to a message.
type PersonType string

const (
	PersonUser    PersonType = "user"
	PersonManager PersonType = "manager"
	PersonBot     PersonType = "bot"
)

// HistoryMessage is one prior message of a conversation as reported by the
// chat vendor.
type HistoryMessage struct {
	PersonType PersonType
	PlainText  string
}

// ResponseSchema constrains a model reply to one JSON document matching
// Schema.
type ResponseSchema struct {
	Name   string
	Schema json.RawMessage
}
