package lookuppool

import (
	"context"
)

// HistoryBackend represents the interface for history storage backends.
// Implementations must be thread-safe. Records are keyed by requester and kept
// in append order.
type HistoryBackend interface {
	// Append stores a run record at the end of the requester's history
	Append(ctx context.Context, requester RequesterID, record RunRecord) error

	// Records returns the requester's full history in append order.
	// Returns ErrStoreCorrupt (wrapped) if stored data cannot be decoded.
	Records(ctx context.Context, requester RequesterID) ([]RunRecord, error)

	// AppendQuery stores an audit entry for a successful drive
	AppendQuery(ctx context.Context, entry QueryEntry) error

	// Queries returns up to limit most recent audit entries, oldest first.
	// A limit <= 0 returns all entries.
	Queries(ctx context.Context, limit int) ([]QueryEntry, error)

	// Close closes the backend
	Close() error
}
