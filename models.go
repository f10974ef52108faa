// Package lookuppool coordinates identifier lookups against a single legacy
// desktop application that can only be driven by one automation session at a
// time.
//
// The library provides:
//   - A FIFO job queue with lookup and removal by requester
//   - A cancellation registry with per-requester cancel and in-progress flags
//   - A single worker loop that drives the application, observes cancellation
//     at the pre-drive and post-drive checkpoints and cleans up artifacts
//   - A history store with pluggable backends (BadgerDB, SQLite, in-memory)
//   - A coordinator exposing submit/cancel/status/history/stats to transports
//
// Example usage:
//
//	backend, _ := lookuppool.NewBadgerBackend("./history", logger)
//	history := lookuppool.NewHistoryStore(backend, logger)
//	queue := lookuppool.NewJobQueue(logger)
//	registry := lookuppool.NewCancelRegistry()
//	worker := lookuppool.NewWorker(queue, registry, history, driver, hub, hub, cfg, logger)
//	_ = worker.Start(ctx)
//	coord := lookuppool.NewCoordinator(queue, registry, history, worker, cfg, logger)
//	pos, err := coord.Submit(ctx, "42", "Dana", "123456789")
package lookuppool

import (
	"time"
)

// RequesterID identifies the user that submitted a lookup. It is opaque to the
// core and stable per user.
type RequesterID string

// RunStatus represents the terminal status of a job attempt.
type RunStatus string

const (
	// RunStatusCompleted indicates the drive produced an artifact.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusCancelled indicates the requester cancelled before or during the drive.
	RunStatusCancelled RunStatus = "cancelled"
	// RunStatusError indicates the driver failed.
	RunStatusError RunStatus = "error"
)

// Job represents a pending lookup request.
type Job struct {
	ID            string      // Unique job identifier
	Requester     RequesterID // Who submitted the job
	RequesterName string      // Display name, used for the watermark and logs
	Identifier    string      // 8 or 9 digit identifier to look up
	Seq           uint64      // Submission order, assigned by the queue
	CreatedAt     time.Time   // When the job was submitted
}

// RunRecord is one history entry per job attempt that reached the worker.
// Records are append-only.
type RunRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Identifier  string    `json:"id_number"`
	DurationSec *float64  `json:"duration_sec"`
	Status      RunStatus `json:"status"`
}

// Duration returns the recorded run time, if any.
func (r RunRecord) Duration() (time.Duration, bool) {
	if r.DurationSec == nil {
		return 0, false
	}
	return time.Duration(*r.DurationSec * float64(time.Second)), true
}

// QueryEntry is an audit entry written for every successful drive.
type QueryEntry struct {
	Timestamp     time.Time   `json:"timestamp"`
	Requester     RequesterID `json:"user_id"`
	RequesterName string      `json:"user_name"`
	Identifier    string      `json:"id_number"`
	DurationSec   float64     `json:"duration_sec"`
	Status        string      `json:"status"`
}

// Stats represents aggregate history for one requester, computed on read.
type Stats struct {
	TotalRuns      int     // Number of recorded runs of any status
	AvgRuntimeSec  float64 // Mean duration of completed runs (0 if none)
	TotalCancelled int     // Number of cancelled runs
}

// Artifact is the output of a successful drive.
type Artifact struct {
	ImagePath string        // Watermarked screenshot
	PDFPath   string        // PDF rendered from ImagePath
	Duration  time.Duration // Wall time of the drive
}

// Paths returns the artifact's file paths, skipping empty ones.
func (a *Artifact) Paths() []string {
	if a == nil {
		return nil
	}
	paths := make([]string, 0, 2)
	if a.ImagePath != "" {
		paths = append(paths, a.ImagePath)
	}
	if a.PDFPath != "" {
		paths = append(paths, a.PDFPath)
	}
	return paths
}

// Status is the queue view returned to a requester.
type Status struct {
	Position      int           // 1-based position of the earliest queued job, 0 if none
	QueueLength   int           // Number of queued jobs
	EstimatedWait time.Duration // Position times the average processing time
	InProgress    bool          // A job of this requester is currently being driven
}

// CancelOutcome describes what a cancel request did.
type CancelOutcome struct {
	RemovedFromQueue bool // A queued job was removed; no history record will be written for it
	Position         int  // Position the removed job held
	Flagged          bool // The cancel flag remains set for an in-flight job
}

func durationSeconds(d time.Duration) *float64 {
	sec := float64(d.Round(10*time.Millisecond)) / float64(time.Second)
	return &sec
}
