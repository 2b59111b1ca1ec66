package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret- or PII-bearing patterns in log/event/error
// strings. Message bodies and sender identities are personal data and must
// never land in logs in the clear.
var secretPatterns = []*regexp.Regexp{
	// API keys and bot tokens preceded by key-like prefixes.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|bot[_-]?token|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=:]{16,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Telegram bot tokens (numeric id, colon, secret).
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}\b`),
	// International phone numbers (7+ digits, optional +, separators).
	regexp.MustCompile(`\+?\d[\d\s\-()]{6,}\d`),
}

// Redact replaces secret- and PII-bearing patterns in the input with
// [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactPhone keeps the last two digits of a phone number for log
// correlation and hides the rest.
func RedactPhone(number string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) < 4 {
		return redactedPlaceholder
	}
	return "***" + digits[len(digits)-2:]
}

// SensitiveLogKey reports whether a structured-log attribute key carries
// content that must not be logged verbatim.
func SensitiveLogKey(key string) bool {
	keyLower := strings.ToLower(strings.TrimSpace(key))
	if keyLower == "" {
		return false
	}
	sensitive := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "message_text", "body", "phone"}
	for _, s := range sensitive {
		if strings.Contains(keyLower, s) {
			return true
		}
	}
	return false
}
