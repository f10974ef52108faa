package lookuppool

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Coordinator is the entry point transports use to talk to the core. It is
// safe for concurrent use; the queue and the cancel registry are the only
// state it shares with the worker.
type Coordinator struct {
	queue    *JobQueue
	registry *CancelRegistry
	history  *HistoryStore
	worker   *Worker
	limiter  *RateLimiter
	config   *Config
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator. worker may be nil, in which case
// Repeat always reports ErrNoPreviousLookup.
func NewCoordinator(queue *JobQueue, registry *CancelRegistry, history *HistoryStore, worker *Worker, config *Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = LoadConfig()
	}
	return &Coordinator{
		queue:    queue,
		registry: registry,
		history:  history,
		worker:   worker,
		limiter:  NewRateLimiter(config.RatePerMinute),
		config:   config,
		logger:   logger,
	}
}

// Submit validates the identifier and enqueues a lookup. It returns the
// 1-based queue position at insertion.
func (c *Coordinator) Submit(ctx context.Context, requester RequesterID, name, identifier string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := ValidateIdentifier(identifier); err != nil {
		c.logger.Warn("invalid identifier received", "requester", requester, "name", name, "identifier", identifier)
		return 0, err
	}
	if !c.limiter.Allow(requester) {
		c.logger.Warn("submission rate limited", "requester", requester)
		return 0, ErrRateLimited
	}
	if c.config.MaxQueueDepth > 0 && c.queue.Len() > c.config.MaxQueueDepth {
		c.logger.Warn("submission rejected under load", "requester", requester, "queueLength", c.queue.Len())
		return 0, ErrQueueBusy
	}

	job := &Job{
		Requester:     requester,
		RequesterName: name,
		Identifier:    identifier,
	}
	position, err := c.queue.Enqueue(job)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue lookup: %w", err)
	}

	c.logger.Info("lookup queued", "jobID", job.ID, "requester", requester, "name", name,
		"identifier", identifier, "position", position, "estimatedWait", c.EstimatedWait(position))
	return position, nil
}

// Repeat re-submits the identifier of the requester's last completed lookup.
func (c *Coordinator) Repeat(ctx context.Context, requester RequesterID, name string) (int, error) {
	if c.worker == nil {
		return 0, ErrNoPreviousLookup
	}
	identifier, ok := c.worker.LastIdentifier(requester)
	if !ok {
		return 0, ErrNoPreviousLookup
	}
	return c.Submit(ctx, requester, name, identifier)
}

// RequestCancel cancels the requester's lookup.
//
// A queued job is removed outright and never produces a history record. A job
// already taken by the worker gets the cancel flag so the worker or the
// driver observes it at the next checkpoint. The flag is set only in that
// case, so it can never reach a later submission.
func (c *Coordinator) RequestCancel(requester RequesterID) CancelOutcome {
	removed, position, active := c.queue.cancelRequester(requester, func() {
		c.registry.MarkCancel(requester)
	})
	outcome := CancelOutcome{RemovedFromQueue: removed != nil, Position: position, Flagged: active}

	switch {
	case removed != nil:
		c.logger.Info("removed queued lookup", "jobID", removed.ID, "requester", requester, "position", position, "flagged", active)
	case active:
		c.logger.Info("lookup marked for cancellation", "requester", requester)
	default:
		c.logger.Info("nothing to cancel", "requester", requester)
	}
	return outcome
}

// QueryStatus reports where the requester stands in the queue.
func (c *Coordinator) QueryStatus(requester RequesterID) Status {
	status := Status{
		QueueLength: c.queue.Len(),
		InProgress:  c.queue.Active(requester),
	}
	if position, ok := c.queue.FindPosition(requester); ok {
		status.Position = position
		status.EstimatedWait = c.EstimatedWait(position)
	}
	return status
}

// QueryHistory returns the requester's last limit completed runs. A
// non-positive limit uses the configured default.
func (c *Coordinator) QueryHistory(ctx context.Context, requester RequesterID, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = c.config.HistoryLimit
	}
	return c.history.Recent(ctx, requester, limit, RunStatusCompleted)
}

// QueryStats returns the requester's aggregate statistics.
func (c *Coordinator) QueryStats(ctx context.Context, requester RequesterID) (Stats, error) {
	return c.history.Stats(ctx, requester)
}

// ExportHistory renders the requester's full history as an XLSX workbook.
func (c *Coordinator) ExportHistory(ctx context.Context, requester RequesterID) ([]byte, error) {
	return c.history.ExportXLSX(ctx, requester)
}

// EstimatedWait is the naive wait estimate for a queue position.
func (c *Coordinator) EstimatedWait(position int) time.Duration {
	return time.Duration(position) * c.config.AvgProcessing
}
