package lookuppool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
)

// HistoryStore serializes access to a HistoryBackend with a single lock and
// derives per-requester statistics on read. A corrupt store reads as empty.
type HistoryStore struct {
	backend HistoryBackend
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewHistoryStore creates a store over backend.
func NewHistoryStore(backend HistoryBackend, logger *slog.Logger) *HistoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryStore{backend: backend, logger: logger}
}

// Append writes one record for the requester. The timestamp defaults to now.
func (h *HistoryStore) Append(ctx context.Context, requester RequesterID, record RunRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.backend.Append(ctx, requester, record); err != nil {
		return fmt.Errorf("append history for %s: %w", requester, err)
	}
	return nil
}

// Recent returns the last limit records of the requester in stored order.
// When statuses are given only matching records are considered. A limit <= 0
// returns every matching record.
func (h *HistoryStore) Recent(ctx context.Context, requester RequesterID, limit int, statuses ...RunStatus) ([]RunRecord, error) {
	records, err := h.records(ctx, requester)
	if err != nil {
		return nil, err
	}
	if len(statuses) > 0 {
		filtered := records[:0]
		for _, r := range records {
			if hasStatus(r.Status, statuses) {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

// Stats computes aggregate statistics for the requester.
func (h *HistoryStore) Stats(ctx context.Context, requester RequesterID) (Stats, error) {
	records, err := h.records(ctx, requester)
	if err != nil {
		return Stats{}, err
	}
	return computeStats(records), nil
}

// LogQuery appends an audit entry for a successful drive.
func (h *HistoryStore) LogQuery(ctx context.Context, entry QueryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.backend.AppendQuery(ctx, entry); err != nil {
		return fmt.Errorf("append query log: %w", err)
	}
	return nil
}

// Queries returns up to limit most recent audit entries, oldest first.
func (h *HistoryStore) Queries(ctx context.Context, limit int) ([]QueryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries, err := h.backend.Queries(ctx, limit)
	if errors.Is(err, ErrStoreCorrupt) {
		h.logger.Warn("query log unreadable, treating as empty", "error", err)
		return []QueryEntry{}, nil
	}
	return entries, err
}

// ExportXLSX renders the requester's full history as a workbook.
func (h *HistoryStore) ExportXLSX(ctx context.Context, requester RequesterID) ([]byte, error) {
	start := time.Now()
	records, err := h.records(ctx, requester)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "History"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}

	headers := []string{"Timestamp", "Identifier", "Duration (sec)", "Status"}
	for i, title := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, title)
	}

	for i, r := range records {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.Timestamp.Format("2006-01-02 15:04:05"))
		write(2, r.Identifier)
		if r.DurationSec != nil {
			write(3, *r.DurationSec)
		}
		write(4, string(r.Status))
	}

	_ = f.SetColWidth(sheet, "A", "A", 20)
	_ = f.SetColWidth(sheet, "B", "B", 14)
	_ = f.SetColWidth(sheet, "C", "D", 14)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	h.logger.Info("history export", "requester", requester, "rows", len(records), "elapsed_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}

func (h *HistoryStore) records(ctx context.Context, requester RequesterID) ([]RunRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	records, err := h.backend.Records(ctx, requester)
	if errors.Is(err, ErrStoreCorrupt) {
		h.logger.Warn("history unreadable, treating as empty", "requester", requester, "error", err)
		return []RunRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", requester, err)
	}
	return records, nil
}

func computeStats(records []RunRecord) Stats {
	stats := Stats{TotalRuns: len(records)}
	var total float64
	var completed int
	for _, r := range records {
		switch r.Status {
		case RunStatusCancelled:
			stats.TotalCancelled++
		case RunStatusCompleted:
			if r.DurationSec != nil {
				total += *r.DurationSec
				completed++
			}
		}
	}
	if completed > 0 {
		stats.AvgRuntimeSec = math.Round(total/float64(completed)*100) / 100
	}
	return stats
}

func hasStatus(status RunStatus, statuses []RunStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
