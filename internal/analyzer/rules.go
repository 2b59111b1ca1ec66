package analyzer

import (
	"context"
	"strings"

	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/store"
)

// Func adapts a plain function to the Analyzer interface.
type Func struct {
	F     func(ctx context.Context, m store.Message) (label.Set, error)
	field label.Field
}

func NewFunc(field label.Field, f func(ctx context.Context, m store.Message) (label.Set, error)) Func {
	return Func{F: f, field: field}
}

func (f Func) Field() label.Field { return f.field }

func (f Func) Analyze(ctx context.Context, m store.Message) (label.Set, error) {
	return f.F(ctx, m)
}

// criticalPhrases are near-certain fraud markers in message text.
var criticalPhrases = []string{
	"ваша карта заблокирована",
	"переведите деньги",
	"номер карты и cvv",
	"your account has been suspended",
	"send the verification code",
	"wire transfer immediately",
}

// suspiciousPhrases warrant a warning without a hard verdict.
var suspiciousPhrases = []string{
	"вы выиграли",
	"срочно",
	"подтвердите перевод",
	"you have won",
	"claim your prize",
	"urgent action required",
	"one-time password",
}

// TextAnalyzer classifies message text with phrase rules. It covers the
// offline path; remote classification layers on top when available.
type TextAnalyzer struct{}

func (TextAnalyzer) Field() label.Field { return label.FieldText }

func (TextAnalyzer) Analyze(_ context.Context, m store.Message) (label.Set, error) {
	return classifyText(m.Text), nil
}

func classifyText(text string) label.Set {
	lower := strings.ToLower(text)
	out := label.NewSet()
	for _, phrase := range criticalPhrases {
		if strings.Contains(lower, phrase) {
			out.Add(label.FraudulentAccount)
			return out
		}
	}
	for _, phrase := range suspiciousPhrases {
		if strings.Contains(lower, phrase) {
			out.Add(label.SuspiciousAccount)
			return out
		}
	}
	return out
}

// suspiciousHosts flag link shorteners and throwaway TLDs.
var suspiciousHosts = []string{
	"bit.ly", "tinyurl.com", "t.co", "goo.su", "clck.ru",
	".tk", ".ml", ".gq", ".cf", ".top", ".xyz",
}

// URLAnalyzer inspects the spans extracted from the text.
type URLAnalyzer struct{}

func (URLAnalyzer) Field() label.Field { return label.FieldURL }

func (URLAnalyzer) Analyze(_ context.Context, m store.Message) (label.Set, error) {
	out := label.NewSet()
	for _, span := range m.URLSpans {
		url := extractSpan(m.Text, span)
		if url == "" {
			continue
		}
		lower := strings.ToLower(url)
		for _, host := range suspiciousHosts {
			if strings.Contains(lower, host) {
				out.Add(label.SuspiciousAccount)
				return out, nil
			}
		}
	}
	return out, nil
}

func extractSpan(text string, span store.URLSpan) string {
	runes := []rune(text)
	if span.Offset < 0 || span.Length <= 0 || span.Offset+span.Length > len(runes) {
		return ""
	}
	return string(runes[span.Offset : span.Offset+span.Length])
}

// VoiceAnalyzer classifies transcribed voice messages with the text
// rules. Messages without a transcript yet stay pending.
type VoiceAnalyzer struct{}

func (VoiceAnalyzer) Field() label.Field { return label.FieldVoice }

func (VoiceAnalyzer) Analyze(_ context.Context, m store.Message) (label.Set, error) {
	if m.VoiceTranscript == "" {
		return nil, errTranscriptPending
	}
	return classifyText(m.VoiceTranscript), nil
}
