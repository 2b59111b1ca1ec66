// Package ingest accepts raw feed events from the messenger integrations,
// validates them against a wire schema, resolves identities and persists
// messages for the analyzer runner to pick up.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/store"
)

// Event is the wire format every feed adapter normalizes to.
type Event struct {
	Source string      `json:"source"`
	Sender EventSender `json:"sender"`
	Chat   EventChat   `json:"chat"`
	Body   EventBody   `json:"message"`
}

type EventSender struct {
	ExternalID  string `json:"external_id"`
	UserName    string `json:"user_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	IsContact   bool   `json:"is_contact,omitempty"`
}

type EventChat struct {
	ExternalID string `json:"external_id"`
	Type       string `json:"type,omitempty"`
	Title      string `json:"title,omitempty"`
}

type EventBody struct {
	Timestamp  int64  `json:"timestamp"`
	IsOutgoing bool   `json:"is_outgoing,omitempty"`
	Text       string `json:"text,omitempty"`
	URLSpans   []struct {
		Offset int `json:"offset"`
		Length int `json:"length"`
	} `json:"url_spans,omitempty"`
	RemotePhotoID    string `json:"remote_photo_id,omitempty"`
	RemoteDocumentID string `json:"remote_document_id,omitempty"`
	RemoteVoiceID    string `json:"remote_voice_id,omitempty"`
}

const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["source", "sender", "chat", "message"],
	"properties": {
		"source": {"type": "string", "enum": ["SMS", "TELEGRAM", "WHATSAPP", "MAX"]},
		"sender": {
			"type": "object",
			"required": ["external_id"],
			"properties": {
				"external_id": {"type": "string", "minLength": 1},
				"user_name": {"type": "string"},
				"first_name": {"type": "string"},
				"last_name": {"type": "string"},
				"phone_number": {"type": "string"},
				"is_contact": {"type": "boolean"}
			}
		},
		"chat": {
			"type": "object",
			"required": ["external_id"],
			"properties": {
				"external_id": {"type": "string", "minLength": 1},
				"type": {"type": "string", "enum": ["PRIVATE", "GROUP"]},
				"title": {"type": "string"}
			}
		},
		"message": {
			"type": "object",
			"required": ["timestamp"],
			"properties": {
				"timestamp": {"type": "integer", "minimum": 0},
				"is_outgoing": {"type": "boolean"},
				"text": {"type": "string"},
				"url_spans": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["offset", "length"],
						"properties": {
							"offset": {"type": "integer", "minimum": 0},
							"length": {"type": "integer", "minimum": 1}
						}
					}
				},
				"remote_photo_id": {"type": "string"},
				"remote_document_id": {"type": "string"},
				"remote_voice_id": {"type": "string"}
			}
		}
	}
}`

// Validator checks raw feed payloads against the wire schema before any
// identity resolution runs.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator needs for integer bounds.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Parse validates and decodes one raw payload.
func (v *Validator) Parse(raw []byte) (Event, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return Event{}, fmt.Errorf("malformed event payload: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return Event{}, fmt.Errorf("event failed schema validation: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// ToMessage resolves identities and derives the deterministic row ids.
func (ev Event) ToMessage() (store.User, store.Chat, store.Message, error) {
	src, ok := label.ParseSource(ev.Source)
	if !ok {
		return store.User{}, store.Chat{}, store.Message{}, fmt.Errorf("unknown source %q", ev.Source)
	}
	userID := store.ResolveUserID(src, ev.Sender.ExternalID)
	chatID := store.ResolveChatID(src, ev.Chat.ExternalID)

	user := store.User{
		UserID:      userID,
		Source:      src,
		UserName:    ev.Sender.UserName,
		FirstName:   ev.Sender.FirstName,
		LastName:    ev.Sender.LastName,
		PhoneNumber: ev.Sender.PhoneNumber,
		IsContact:   ev.Sender.IsContact,
	}
	chat := store.Chat{
		ChatID:   chatID,
		Source:   src,
		ChatType: store.ChatType(ev.Chat.Type),
		Title:    ev.Chat.Title,
	}
	if chat.ChatType == "" {
		chat.ChatType = store.ChatPrivate
	}
	if chat.ChatType == store.ChatPrivate && !ev.Body.IsOutgoing {
		chat.OppositeUserID = userID
	}

	msg := store.Message{
		ID:               store.MessageID(ev.Sender.ExternalID, ev.Body.Timestamp, ev.Body.Text),
		Source:           src,
		SenderUserID:     userID,
		ChatID:           chatID,
		IsOutgoing:       ev.Body.IsOutgoing,
		Date:             ev.Body.Timestamp,
		Text:             ev.Body.Text,
		RemotePhotoID:    ev.Body.RemotePhotoID,
		RemoteDocumentID: ev.Body.RemoteDocumentID,
		RemoteVoiceID:    ev.Body.RemoteVoiceID,
	}
	for _, span := range ev.Body.URLSpans {
		msg.URLSpans = append(msg.URLSpans, store.URLSpan{Offset: span.Offset, Length: span.Length})
	}
	return user, chat, msg, nil
}
