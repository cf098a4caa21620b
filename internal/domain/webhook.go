package domain

// Inbound webhook type tags.
const (
	WebhookTypeUserChat = "userChat"
	WebhookTypeMessage  = "message"
)

// InboundEvent is the closed set of webhook shapes this service accepts.
type InboundEvent interface {
	// Fragment returns the conversation the event belongs to and the
	// customer text it carries.
	Fragment() (ConversationID, string)
	inboundEvent()
}

// ConversationEvent is a conversation-level webhook referencing the message
// that triggered it.
type ConversationEvent struct {
	ChatID     ConversationID
	PlainText  string
	PersonType PersonType
}

func (e ConversationEvent) Fragment() (ConversationID, string) { return e.ChatID, e.PlainText }
func (ConversationEvent) inboundEvent() {}

// MessageEvent is a message-level webhook carrying the message directly.
type MessageEvent struct {
	ChatID     ConversationID
	PlainText  string
	PersonType PersonType
}

func (e MessageEvent) Fragment() (ConversationID, string) { return e.ChatID, e.PlainText }
func (MessageEvent) inboundEvent() {}
