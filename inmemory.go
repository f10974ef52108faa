package lookuppool

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryBackend implements the HistoryBackend interface using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing.
type InMemoryBackend struct {
	mu      sync.RWMutex
	records map[RequesterID][]RunRecord
	queries []QueryEntry
	closed  bool
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		records: make(map[RequesterID][]RunRecord),
	}
}

// Close closes the backend and prevents further operations.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Append stores a run record at the end of the requester's history.
func (b *InMemoryBackend) Append(ctx context.Context, requester RequesterID, record RunRecord) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if requester == "" {
		return fmt.Errorf("requester is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	b.records[requester] = append(b.records[requester], cloneRecord(record))
	return nil
}

// Records returns a copy of the requester's history.
func (b *InMemoryBackend) Records(ctx context.Context, requester RequesterID) ([]RunRecord, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}
	stored := b.records[requester]
	out := make([]RunRecord, len(stored))
	for i, r := range stored {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

// AppendQuery stores an audit entry.
func (b *InMemoryBackend) AppendQuery(ctx context.Context, entry QueryEntry) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}
	b.queries = append(b.queries, entry)
	return nil
}

// Queries returns up to limit most recent audit entries.
func (b *InMemoryBackend) Queries(ctx context.Context, limit int) ([]QueryEntry, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}
	entries := b.queries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]QueryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (b *InMemoryBackend) ensureOpenLocked() error {
	if b.closed {
		return fmt.Errorf("backend is closed")
	}
	return nil
}

func cloneRecord(r RunRecord) RunRecord {
	if r.DurationSec != nil {
		d := *r.DurationSec
		r.DurationSec = &d
	}
	return r
}
