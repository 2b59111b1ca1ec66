package label

import "strings"

// Source identifies the messenger integration a message arrived from.
type Source string

const (
	SourceSMS      Source = "SMS"
	SourceTelegram Source = "TELEGRAM"
	SourceWhatsApp Source = "WHATSAPP"
	SourceMax      Source = "MAX"
)

// Sources lists every supported integration, in display order.
var Sources = []Source{SourceSMS, SourceTelegram, SourceWhatsApp, SourceMax}

// ParseSource validates a wire token against the known sources.
func ParseSource(s string) (Source, bool) {
	src := Source(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Sources {
		if src == known {
			return src, true
		}
	}
	return "", false
}

// Field names a message content field that analyzers process
// independently.
type Field string

const (
	FieldURL      Field = "url"
	FieldText     Field = "text"
	FieldPhoto    Field = "photo"
	FieldDocument Field = "document"
	FieldVoice    Field = "voice"
)

// TrackedFields are the fields that participate in the fully-processed
// readiness predicate. Voice completion is recorded but does not gate
// notification dispatch.
var TrackedFields = []Field{FieldURL, FieldText, FieldPhoto, FieldDocument}

// ParseField validates a wire token against the known fields.
func ParseField(s string) (Field, bool) {
	f := Field(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FieldURL, FieldText, FieldPhoto, FieldDocument, FieldVoice:
		return f, true
	}
	return "", false
}

// Tag is a user-assigned classification of a sender.
type Tag string

const (
	TagSpam Tag = "SPAM"
	TagAd   Tag = "AD"
	TagScam Tag = "SCAM"
	TagSafe Tag = "SAFE"
)

// ParseTag validates a tag token.
func ParseTag(s string) (Tag, bool) {
	t := Tag(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TagSpam, TagAd, TagScam, TagSafe:
		return t, true
	}
	return "", false
}

// MessageAction is the terminal disposition applied to a message by the
// user or by an automatic rule.
type MessageAction string

const (
	ActionDelete     MessageAction = "DELETE"
	ActionViewed     MessageAction = "VIEWED"
	ActionBlock      MessageAction = "BLOCK"
	ActionIgnored    MessageAction = "IGNORED"
	ActionAwaitsUser MessageAction = "AWAITS_USER"
	ActionSkipped    MessageAction = "SKIPPED"
)
