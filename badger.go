package lookuppool

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend implements the HistoryBackend interface using BadgerDB.
// Records are stored one key per entry, so appends never rewrite the history.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerBackend opens (or creates) the history database in dbPath.
// BadgerDB's own logger is disabled; a nil logger falls back to slog.Default.
func NewBadgerBackend(dbPath string, logger *slog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &BadgerBackend{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
func (b *BadgerBackend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, retryDelay); err != nil {
				return err
			}
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}

	if lastErr != nil {
		return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
	}
	return fmt.Errorf("transaction conflict after %d retries", maxRetries)
}

// key prefixes
const (
	keyPrefixHistory = "hist:"
	keyPrefixQuery   = "query:"
	keyPrefixSeq     = "seq:"
	querySeqName     = "\x00queries"
)

// historyPrefix returns the key prefix of a requester's records.
// The NUL separator keeps requester "a" from matching requester "a:b".
func historyPrefix(requester RequesterID) []byte {
	return []byte(keyPrefixHistory + string(requester) + "\x00")
}

// historyKey returns the key for a requester's record with the given sequence
func historyKey(requester RequesterID, seq uint64) []byte {
	return appendSeq(historyPrefix(requester), seq)
}

// queryKey returns the key for an audit entry
func queryKey(seq uint64) []byte {
	return appendSeq([]byte(keyPrefixQuery), seq)
}

// seqKey returns the key holding the last sequence used for name
func seqKey(name string) []byte {
	return []byte(keyPrefixSeq + name)
}

func appendSeq(prefix []byte, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, seq)
	return append(key, seqBytes...)
}

// nextSeq increments and returns the sequence stored under name within txn.
func nextSeq(txn *badger.Txn, name string) (uint64, error) {
	var current uint64
	item, err := txn.Get(seqKey(name))
	switch {
	case err == nil:
		value, err := item.ValueCopy(nil)
		if err != nil {
			return 0, fmt.Errorf("failed to read sequence: %w", err)
		}
		if len(value) != 8 {
			return 0, fmt.Errorf("%w: malformed sequence for %q", ErrStoreCorrupt, name)
		}
		current = binary.BigEndian.Uint64(value)
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return 0, fmt.Errorf("failed to get sequence: %w", err)
	}

	next := current + 1
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, next)
	if err := txn.Set(seqKey(name), seqBytes); err != nil {
		return 0, fmt.Errorf("failed to store sequence: %w", err)
	}
	return next, nil
}

// Append stores a run record at the end of the requester's history
func (b *BadgerBackend) Append(ctx context.Context, requester RequesterID, record RunRecord) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if requester == "" {
		return fmt.Errorf("requester is required")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq, err := nextSeq(txn, string(requester))
		if err != nil {
			return err
		}
		if err := txn.Set(historyKey(requester, seq), data); err != nil {
			return fmt.Errorf("failed to store record: %w", err)
		}
		b.logger.Debug("Append: stored record", "requester", requester, "seq", seq, "status", record.Status)
		return nil
	})
}

// Records returns the requester's full history in append order
func (b *BadgerBackend) Records(ctx context.Context, requester RequesterID) ([]RunRecord, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	records := make([]RunRecord, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = historyPrefix(requester)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to copy record: %w", err)
			}
			var record RunRecord
			if err := json.Unmarshal(data, &record); err != nil {
				return fmt.Errorf("%w: record %x: %v", ErrStoreCorrupt, it.Item().Key(), err)
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AppendQuery stores an audit entry for a successful drive
func (b *BadgerBackend) AppendQuery(ctx context.Context, entry QueryEntry) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal query entry: %w", err)
	}

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, querySeqName)
		if err != nil {
			return err
		}
		if err := txn.Set(queryKey(seq), data); err != nil {
			return fmt.Errorf("failed to store query entry: %w", err)
		}
		return nil
	})
}

// Queries returns up to limit most recent audit entries, oldest first
func (b *BadgerBackend) Queries(ctx context.Context, limit int) ([]QueryEntry, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	entries := make([]QueryEntry, 0)
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixQuery)
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last key with the prefix.
		seekKey := append([]byte(keyPrefixQuery), 0xFF)
		for it.Seek(seekKey); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(entries) >= limit {
				break
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to copy query entry: %w", err)
			}
			var entry QueryEntry
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("%w: query entry: %v", ErrStoreCorrupt, err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}
