// Package analyzer runs content classification over stored messages.
// Each analyzer owns one content field; a runner polls the store for
// pending work per (source, field) and commits verdicts through the
// label aggregation transaction.
package analyzer

import (
	"context"

	"github.com/maksec/msgguard/internal/label"
	"github.com/maksec/msgguard/internal/store"
)

// Analyzer classifies one content field of a message. Implementations
// must be safe for concurrent use; the runner calls them from per-source
// goroutines.
type Analyzer interface {
	// Field names the content field this analyzer consumes.
	Field() label.Field
	// Analyze returns the labels detected on the message's field. An
	// empty set is a clean verdict; an error leaves the message pending
	// for the next poll.
	Analyze(ctx context.Context, m store.Message) (label.Set, error)
}
