// Package archive persists finished conversation transcripts outside the
// in-memory session store, to Postgres and optionally to S3.
package archive

import (
	"context"

	"github.com/tablerelay/tablerelay/internal/state"
)

// Archiver stores a finished conversation. Implementations must tolerate
// being called once per session stop, including sessions with no history.
type Archiver interface {
	Archive(ctx context.Context, conv *state.Conversation) error
}

// Multi fans one transcript out to several archivers. Each archiver is
// attempted; the first error is returned after all have run.
type Multi []Archiver

// Archive sends the conversation to every archiver.
func (m Multi) Archive(ctx context.Context, conv *state.Conversation) error {
	var first error
	for _, a := range m {
		if err := a.Archive(ctx, conv); err != nil && first == nil {
			first = err
		}
	}
	return first
}
