// Package label defines the threat-label vocabulary, the ordinal danger
// scale derived from it, and the serialized forms stored in the database.
package label

import (
	"sort"
	"strings"
)

// DangerLevel is the ordinal severity of a message. Stored as a small
// integer; the zero value is Safe.
type DangerLevel int

const (
	Safe DangerLevel = iota
	Suspicious
	Critical
)

func (d DangerLevel) String() string {
	switch d {
	case Safe:
		return "SAFE"
	case Suspicious:
		return "SUSPICIOUS"
	case Critical:
		return "CRITICAL"
	default:
		return "SAFE"
	}
}

// ParseDangerLevel maps a stored token back to a level. Unknown tokens
// degrade to Safe rather than failing the decode.
func ParseDangerLevel(s string) DangerLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return Critical
	case "SUSPICIOUS":
		return Suspicious
	default:
		return Safe
	}
}

// Label is a detected classification signal. The vocabulary is open:
// unknown tokens round-trip through DecodeSet as dropped values so old
// binaries tolerate rows written by newer ones.
type Label string

const (
	SafeAccount       Label = "SAFE_ACCOUNT"
	SuspiciousAccount Label = "SUSPICIOUS_ACCOUNT"
	FraudulentAccount Label = "FRAUDULENT_ACCOUNT"
	SuspiciousChat    Label = "SUSPICIOUS_CHAT"
	FraudulentChat    Label = "FRAUDULENT_CHAT"
)

var knownLabels = map[Label]DangerLevel{
	SafeAccount:       Safe,
	SuspiciousAccount: Suspicious,
	FraudulentAccount: Critical,
	SuspiciousChat:    Suspicious,
	FraudulentChat:    Critical,
}

// Contagious reports whether the label propagates across sibling messages
// once seen on any of them.
func (l Label) Contagious() bool {
	return l == SuspiciousChat || l == FraudulentChat
}

// Danger maps a single label to its level. Unknown labels are Safe.
func (l Label) Danger() DangerLevel {
	return knownLabels[l]
}

// Known reports whether the label belongs to the current vocabulary.
func (l Label) Known() bool {
	_, ok := knownLabels[l]
	return ok
}

// Set is an unordered collection of labels.
type Set map[Label]struct{}

func NewSet(labels ...Label) Set {
	s := make(Set, len(labels))
	for _, l := range labels {
		s[l] = struct{}{}
	}
	return s
}

func (s Set) Has(l Label) bool {
	_, ok := s[l]
	return ok
}

// Union returns a new set containing every label of s and other.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for l := range s {
		out[l] = struct{}{}
	}
	for l := range other {
		out[l] = struct{}{}
	}
	return out
}

// Add inserts l into s in place.
func (s Set) Add(l Label) {
	s[l] = struct{}{}
}

// MaxDanger returns the highest-severity level among the labels, or Safe
// for the empty set. Monotonic: adding a label never lowers the result.
func (s Set) MaxDanger() DangerLevel {
	max := Safe
	for l := range s {
		if d := l.Danger(); d > max {
			max = d
		}
	}
	return max
}

// MaxDanger is the resolver over an explicit level list, mirroring the set
// form for callers that already mapped labels to levels.
func MaxDanger(levels []DangerLevel) DangerLevel {
	max := Safe
	for _, d := range levels {
		if d > max {
			max = d
		}
	}
	return max
}

// EncodeSet serializes labels as a sorted comma-joined token list. Sorting
// keeps the stored form deterministic so identical sets compare equal.
func EncodeSet(s Set) string {
	if len(s) == 0 {
		return ""
	}
	tokens := make([]string, 0, len(s))
	for l := range s {
		tokens = append(tokens, string(l))
	}
	sort.Strings(tokens)
	return strings.Join(tokens, ",")
}

// DecodeSet parses a stored token list. Unknown tokens are dropped
// silently to tolerate schema drift in either direction.
func DecodeSet(data string) Set {
	s := make(Set)
	if data == "" {
		return s
	}
	for _, tok := range strings.Split(data, ",") {
		l := Label(strings.TrimSpace(tok))
		if l.Known() {
			s[l] = struct{}{}
		}
	}
	return s
}

// PropagationLabel maps an aggregate danger level to the chat-wide label
// spread across the sibling set, or "" for Safe.
func PropagationLabel(d DangerLevel) (Label, bool) {
	switch d {
	case Suspicious:
		return SuspiciousChat, true
	case Critical:
		return FraudulentChat, true
	default:
		return "", false
	}
}
