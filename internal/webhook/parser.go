// Package webhook turns raw chat vendor webhook payloads into buffered
// fragments. Anything that is not a customer-authored chat message is
// rejected with ErrInvalidEvent.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"support-agent/internal/domain"
)

// ErrInvalidEvent marks payloads that are acknowledged but not processed.
var ErrInvalidEvent = errors.New("webhook: invalid event")

type rawMessage struct {
	ChatID     *string `json:"chatId"`
	PlainText  string  `json:"plainText"`
	PersonType string  `json:"personType"`
}

type rawEntity struct {
	ID *string `json:"id"`
	rawMessage
}

type rawPayload struct {
	Type   string    `json:"type"`
	Entity rawEntity `json:"entity"`
	Refers struct {
		Message rawMessage `json:"message"`
	} `json:"refers"`
}

// Parse decodes raw into one of the accepted event variants. The returned
// event always has a non-empty chat id, trimmed non-empty text and a
// customer author.
func Parse(raw []byte) (domain.InboundEvent, error) {
	var p rawPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalid("malformed payload: %v", err)
	}

	var ev domain.InboundEvent
	switch p.Type {
	case domain.WebhookTypeUserChat:
		ev = domain.ConversationEvent{
			ChatID:     deref(p.Entity.ID),
			PlainText:  strings.TrimSpace(p.Refers.Message.PlainText),
			PersonType: domain.PersonType(p.Refers.Message.PersonType),
		}
	case domain.WebhookTypeMessage:
		ev = domain.MessageEvent{
			ChatID:     deref(p.Entity.ChatID),
			PlainText:  strings.TrimSpace(p.Entity.PlainText),
			PersonType: domain.PersonType(p.Entity.PersonType),
		}
	default:
		return nil, invalid("unsupported type %q", p.Type)
	}

	if err := validate(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func validate(ev domain.InboundEvent) error {
	var author domain.PersonType
	switch e := ev.(type) {
	case domain.ConversationEvent:
		author = e.PersonType
	case domain.MessageEvent:
		author = e.PersonType
	}
	chatID, text := ev.Fragment()
	switch {
	case strings.TrimSpace(chatID) == "":
		return invalid("missing chat id")
	case text == "":
		return invalid("empty text")
	case author != domain.PersonUser:
		return invalid("author %q is not a customer", author)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
