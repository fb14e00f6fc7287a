package store

import (
	"context"
	"errors"

	"taskdeck-conflict-engine/internal/domain"
)

var (
	// ErrNotFound means the document or revision does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrRevisionGone means a specific revision was already removed.
	// Cleanup of losing revisions swallows this.
	ErrRevisionGone = errors.New("revision already removed")

	// ErrWriteConflict means the store rejected a write because the
	// targeted revision is no longer current.
	ErrWriteConflict = errors.New("write conflict")
)

// Change is one entry from the store's live change feed.
type Change struct {
	DocID        string
	Rev          string
	HasConflicts bool
	Deleted      bool
}

// Store is the replicated document store boundary the engine consumes:
// multi-version get/put/remove plus a conflict-aware change feed. The
// engine never implements storage itself.
type Store interface {
	// Get returns the current winning revision and, alongside it, the
	// revision tokens of any losing conflicting leaves.
	Get(ctx context.Context, docID string) (*domain.DocumentVersion, []string, error)

	// GetRev fetches one specific historical revision.
	GetRev(ctx context.Context, docID, rev string) (*domain.DocumentVersion, error)

	// Put writes a document under the revision token it carries.
	Put(ctx context.Context, version *domain.DocumentVersion) error

	// Remove deletes one specific losing revision. Returns
	// ErrRevisionGone when it was already removed.
	Remove(ctx context.Context, docID, rev string) error

	// Changes opens a live change feed. The channel closes when the
	// context is cancelled or the feed breaks.
	Changes(ctx context.Context) (<-chan Change, error)
}
