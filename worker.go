package lookuppool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/VsevolodSauta/lookuppool"

// DriveRequest carries what the driver needs to perform one lookup.
type DriveRequest struct {
	JobID         string
	Requester     RequesterID
	RequesterName string
	Identifier    string
}

// Driver performs one lookup against the target application.
//
// cancelCheck must be consulted before starting the work and again after it;
// when it reports true the driver runs its abort sequence and returns
// ErrCancelled (optionally wrapped), together with whatever partial artifact
// it produced so the caller can remove it. Failures are returned as
// *DriverError.
type Driver interface {
	Drive(ctx context.Context, req DriveRequest, cancelCheck func() bool) (*Artifact, error)
}

// Delivery transmits an artifact to its requester and removes the artifact
// files once the transmission succeeded.
type Delivery interface {
	Deliver(ctx context.Context, requester RequesterID, artifact *Artifact) error
}

// Notifier sends short text notices to a requester. Notices are best effort.
type Notifier interface {
	Notify(ctx context.Context, requester RequesterID, text string) error
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithMeter sets the meter used for job metrics. The global meter provider is
// used otherwise.
func WithMeter(meter metric.Meter) WorkerOption {
	return func(w *Worker) {
		if meter != nil {
			w.meter = meter
		}
	}
}

// WithJobObserver registers a callback invoked after each job reaches its
// terminal status and its flags are cleared.
func WithJobObserver(fn func(job Job, status RunStatus)) WorkerOption {
	return func(w *Worker) { w.observer = fn }
}

// Worker is the single consumer of the job queue. It drives one job at a time
// and guarantees, on every exit path of a job, that:
//   - exactly one RunRecord is appended for the job
//   - the requester's cancel and in-progress flags are cleared
//   - no artifact file produced by the job is left behind
//
// Cancellation is observed at two checkpoints: before the drive starts
// (TryStart) and by the driver itself around its work (cancelCheck).
type Worker struct {
	queue    *JobQueue
	registry *CancelRegistry
	history  *HistoryStore
	driver   Driver
	delivery Delivery
	notifier Notifier
	config   *Config
	logger   *slog.Logger

	meter       metric.Meter
	jobsTotal   metric.Int64Counter
	driveTiming metric.Float64Histogram
	observer    func(job Job, status RunStatus)

	mu       sync.Mutex
	current  *Job
	lastByID map[RequesterID]string

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	sweepCh   chan struct{}
}

// NewWorker creates a new worker.
// notifier may be nil, in which case requester notices are dropped.
func NewWorker(queue *JobQueue, registry *CancelRegistry, history *HistoryStore, driver Driver, delivery Delivery, notifier Notifier, config *Config, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = LoadConfig()
	}
	w := &Worker{
		queue:    queue,
		registry: registry,
		history:  history,
		driver:   driver,
		delivery: delivery,
		notifier: notifier,
		config:   config,
		logger:   logger,
		meter:    otel.Meter(instrumentationName),
		lastByID: make(map[RequesterID]string),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		sweepCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.initMetrics()
	return w
}

func (w *Worker) initMetrics() {
	var err error
	w.jobsTotal, err = w.meter.Int64Counter("lookup_jobs_total",
		metric.WithDescription("Jobs handled by the worker, by terminal status"),
		metric.WithUnit("{job}"))
	if err != nil {
		w.logger.Error("failed to create metric", "name", "lookup_jobs_total", "error", err)
	}
	w.driveTiming, err = w.meter.Float64Histogram("lookup_drive_seconds",
		metric.WithDescription("Wall time of completed drives"),
		metric.WithUnit("s"))
	if err != nil {
		w.logger.Error("failed to create metric", "name", "lookup_drive_seconds", "error", err)
	}
}

// Start starts the worker and begins processing jobs from the queue.
// It starts two background goroutines:
//   - the artifact sweeper, which removes stale files from ArtifactDir
//   - the processing loop, which handles jobs strictly one at a time
//
// This method returns immediately. The worker runs until Stop is called or
// the queue is closed. A worker can be started once; Start after Stop fails.
func (w *Worker) Start(ctx context.Context) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if w.driver == nil {
		return fmt.Errorf("worker requires a driver")
	}

	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	switch {
	case w.stopped:
		return ErrWorkerStopped
	case w.started:
		return ErrWorkerStarted
	}
	if w.config.ArtifactDir != "" {
		if err := os.MkdirAll(w.config.ArtifactDir, 0o755); err != nil {
			return fmt.Errorf("failed to create artifact dir: %w", err)
		}
	}

	w.started = true
	go w.cleanupLoop(ctx)
	go w.processLoop(ctx)

	w.logger.Info("worker started", "artifactDir", w.config.ArtifactDir)
	return nil
}

// Stop stops the worker gracefully.
// The queue is closed so no further job is dequeued, and Stop blocks until a
// job currently being driven has finished its handling. Stop is idempotent
// and returns at once for a worker that never started.
func (w *Worker) Stop() {
	w.lifecycle.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
		_ = w.queue.Close()
	}
	started := w.started
	w.lifecycle.Unlock()

	if !started {
		return
	}
	<-w.doneCh
	<-w.sweepCh
	w.logger.Info("worker stopped")
}

// Current returns the job being handled, if any.
func (w *Worker) Current() (Job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return Job{}, false
	}
	return *w.current, true
}

// LastIdentifier returns the identifier of the requester's last completed lookup.
func (w *Worker) LastIdentifier(requester RequesterID) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.lastByID[requester]
	return id, ok
}

// processLoop continuously processes jobs
func (w *Worker) processLoop(ctx context.Context) {
	defer close(w.doneCh)

	// A job in flight is finished even when ctx is cancelled mid-drive.
	jobCtx := context.WithoutCancel(ctx)
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to dequeue job", "error", err)
			continue
		}
		w.processJob(jobCtx, job)

		select {
		case <-w.stopCh:
			return
		default:
		}
	}
}

// processJob handles a single job from dequeue to its terminal record.
func (w *Worker) processJob(ctx context.Context, job *Job) (status RunStatus) {
	start := time.Now()
	status = RunStatusError
	var duration *float64

	w.setCurrent(job)
	w.logger.Info("job started", "jobID", job.ID, "requester", job.Requester, "identifier", job.Identifier)
	defer func() {
		w.finish(ctx, job, status, duration, time.Since(start))
	}()

	if !w.registry.TryStart(job.Requester) {
		w.notify(ctx, job.Requester, "Your request was cancelled before processing began.")
		status = RunStatusCancelled
		return status
	}

	w.notify(ctx, job.Requester, fmt.Sprintf("Now processing your request for ID %s...", job.Identifier))

	artifact, err := w.drive(ctx, job)
	switch {
	case errors.Is(err, ErrCancelled):
		w.removeArtifact(artifact)
		w.notify(ctx, job.Requester, "Cancellation in progress... Closing the application.")
		status = RunStatusCancelled
		return status
	case err != nil:
		w.removeArtifact(artifact)
		w.logger.Error("drive failed", "jobID", job.ID, "requester", job.Requester, "error", err)
		w.notify(ctx, job.Requester, "An error occurred:\n"+err.Error())
		return status
	case artifact == nil:
		w.logger.Error("drive returned no artifact", "jobID", job.ID, "requester", job.Requester)
		w.notify(ctx, job.Requester, "An error occurred:\n"+NewDriverError("drive", errors.New("no artifact produced")).Error())
		return status
	}

	elapsed := artifact.Duration
	if elapsed <= 0 {
		elapsed = time.Since(start)
	}
	duration = durationSeconds(elapsed)
	status = RunStatusCompleted
	if w.driveTiming != nil {
		w.driveTiming.Record(ctx, *duration)
	}

	w.notify(ctx, job.Requester, "Uploading your result...")
	if err := w.deliver(ctx, job, artifact); err != nil {
		w.logger.Error("delivery failed", "jobID", job.ID, "requester", job.Requester, "error", err)
		w.notify(ctx, job.Requester, "Failed to send result: "+err.Error())
	}
	// Delivery removes files on success; this covers failures and partial cleanup.
	w.removeArtifact(artifact)

	w.mu.Lock()
	w.lastByID[job.Requester] = job.Identifier
	w.mu.Unlock()

	entry := QueryEntry{
		Timestamp:     time.Now(),
		Requester:     job.Requester,
		RequesterName: job.RequesterName,
		Identifier:    job.Identifier,
		DurationSec:   *duration,
		Status:        "ok",
	}
	if err := w.history.LogQuery(ctx, entry); err != nil {
		w.logger.Error("failed to log query", "jobID", job.ID, "error", err)
	}
	return status
}

// finish releases the job and writes its terminal record. The queue marker
// is released before the flags so a concurrent cancel either sees the job
// active or finds nothing to flag.
func (w *Worker) finish(ctx context.Context, job *Job, status RunStatus, duration *float64, elapsed time.Duration) {
	w.queue.Done(job)
	w.registry.Clear(job.Requester)
	w.setCurrent(nil)

	record := RunRecord{
		Timestamp:   time.Now(),
		Identifier:  job.Identifier,
		DurationSec: duration,
		Status:      status,
	}
	if err := w.history.Append(ctx, job.Requester, record); err != nil {
		w.logger.Error("failed to record run", "jobID", job.ID, "requester", job.Requester, "error", err)
	}

	if w.jobsTotal != nil {
		w.jobsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	w.logger.Info("job done", "jobID", job.ID, "requester", job.Requester, "status", status, "elapsed_ms", elapsed.Milliseconds())

	if w.observer != nil {
		w.observer(*job, status)
	}
}

// drive calls the driver, turning a panic into a DriverError.
func (w *Worker) drive(ctx context.Context, job *Job) (artifact *Artifact, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewDriverError("drive", fmt.Errorf("panic: %v", p))
		}
	}()
	req := DriveRequest{
		JobID:         job.ID,
		Requester:     job.Requester,
		RequesterName: job.RequesterName,
		Identifier:    job.Identifier,
	}
	return w.driver.Drive(ctx, req, func() bool {
		return w.registry.ShouldCancel(job.Requester)
	})
}

func (w *Worker) deliver(ctx context.Context, job *Job, artifact *Artifact) (err error) {
	if w.delivery == nil {
		return &DeliveryError{Requester: job.Requester, Err: errors.New("no delivery configured")}
	}
	defer func() {
		if p := recover(); p != nil {
			err = &DeliveryError{Requester: job.Requester, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	return w.delivery.Deliver(ctx, job.Requester, artifact)
}

func (w *Worker) notify(ctx context.Context, requester RequesterID, text string) {
	if w.notifier == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			w.logger.Warn("notifier panicked", "requester", requester, "panic", p)
		}
	}()
	if err := w.notifier.Notify(ctx, requester, text); err != nil {
		w.logger.Warn("failed to notify requester", "requester", requester, "error", err)
	}
}

func (w *Worker) removeArtifact(artifact *Artifact) {
	for _, path := range artifact.Paths() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("failed to remove artifact", "path", path, "error", err)
		}
	}
}

func (w *Worker) setCurrent(job *Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = job
}

// cleanupLoop periodically sweeps stale artifacts
func (w *Worker) cleanupLoop(ctx context.Context) {
	defer close(w.sweepCh)
	if w.config.ArtifactDir == "" || w.config.CleanupInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	w.cleanup()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup()
		}
	}
}

// cleanup performs one sweep of the artifact directory
func (w *Worker) cleanup() {
	removed, err := SweepArtifacts(w.config.ArtifactDir, w.config.ArtifactTTL, time.Now())
	if err != nil {
		w.logger.Error("failed to sweep artifacts", "dir", w.config.ArtifactDir, "error", err)
		return
	}
	if removed > 0 {
		w.logger.Info("swept stale artifacts", "removed", removed)
	}
}

// SweepArtifacts removes files under dir last modified more than ttl before
// now, then removes emptied sub-directories. dir itself is kept. It returns
// the number of files removed.
func SweepArtifacts(dir string, ttl time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-ttl)
	removed := 0
	var dirs []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to remove %s: %w", path, err)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	// Deepest first so parents empty out after their children.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
	return removed, nil
}
