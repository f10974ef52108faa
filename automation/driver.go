// Package automation drives the registry desktop application through
// external helper commands and turns the captured screenshot into the
// deliverable artifact.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/VsevolodSauta/lookuppool"
	"github.com/VsevolodSauta/lookuppool/render"
)

// ScriptDriver implements lookuppool.Driver.
//
// The application is launched with AppCommand, which must return once the
// main window is ready. AutomationCommand then performs the clicks and
// keystrokes and writes the region screenshot; it is invoked as
//
//	AutomationCommand <identifier> <license> <output.png>
//
// CloseCommand closes the application and doubles as the abort sequence.
//
// Every command runs under the configured StepTimeout. A helper that outlives
// it is killed, the application is closed and the drive fails with a
// DriverError wrapping context.DeadlineExceeded.
type ScriptDriver struct {
	cfg         lookuppool.AutomationConfig
	artifactDir string
	runner      Runner
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a ScriptDriver.
type Option func(*ScriptDriver)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(d *ScriptDriver) {
		if r != nil {
			d.runner = r
		}
	}
}

// WithClock replaces the time source used for timing and artifact paths.
func WithClock(now func() time.Time) Option {
	return func(d *ScriptDriver) {
		if now != nil {
			d.now = now
		}
	}
}

// NewScriptDriver creates a driver writing artifacts below artifactDir.
func NewScriptDriver(cfg lookuppool.AutomationConfig, artifactDir string, logger *slog.Logger, opts ...Option) *ScriptDriver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = lookuppool.DefaultStepTimeout
	}
	d := &ScriptDriver{
		cfg:         cfg,
		artifactDir: artifactDir,
		runner:      ExecRunner{Dir: cfg.AppDir},
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ArtifactPaths returns where the PNG and PDF of a lookup are written.
func (d *ScriptDriver) ArtifactPaths(identifier string, at time.Time) (pngPath, pdfPath string) {
	dir := filepath.Join(d.artifactDir, at.Format("2006-01-02"))
	base := filepath.Join(dir, "result_"+identifier)
	return base + ".png", base + ".pdf"
}

// Drive runs one lookup. cancelCheck is consulted before launching the
// application and after the artifact is complete.
func (d *ScriptDriver) Drive(ctx context.Context, req lookuppool.DriveRequest, cancelCheck func() bool) (*lookuppool.Artifact, error) {
	log := d.logger.With("jobID", req.JobID, "requester", req.Requester, "identifier", req.Identifier)

	if cancelCheck != nil && cancelCheck() {
		d.abort(ctx, log)
		log.Info("drive cancelled before start")
		return nil, lookuppool.ErrCancelled
	}

	if err := lookuppool.ValidateIdentifier(req.Identifier); err != nil {
		return nil, lookuppool.NewDriverError("validate", err)
	}

	start := d.now()
	pngPath, pdfPath := d.ArtifactPaths(req.Identifier, start)
	artifact := &lookuppool.Artifact{ImagePath: pngPath, PDFPath: pdfPath}

	step := 0
	logStep := func(msg string, args ...any) {
		step++
		log.Info(fmt.Sprintf("step %d: %s", step, msg), args...)
	}

	logStep("launching application")
	if d.cfg.AppCommand != "" {
		if err := d.run(ctx, log, "launch", d.cfg.AppCommand); err != nil {
			d.abort(ctx, log)
			return nil, lookuppool.NewDriverError("launch", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(pngPath), 0o755); err != nil {
		d.abort(ctx, log)
		return nil, lookuppool.NewDriverError("prepare", err)
	}

	logStep("capturing result", "path", pngPath)
	if d.cfg.AutomationCommand == "" {
		d.abort(ctx, log)
		return nil, lookuppool.NewDriverError("capture", errors.New("no automation command configured"))
	}
	if err := d.run(ctx, log, "capture", d.cfg.AutomationCommand, req.Identifier, d.cfg.LicenseKey, pngPath); err != nil {
		d.abort(ctx, log)
		return artifact, lookuppool.NewDriverError("capture", err)
	}
	if _, err := os.Stat(pngPath); err != nil {
		d.abort(ctx, log)
		return artifact, lookuppool.NewDriverError("capture", fmt.Errorf("screenshot not written: %w", err))
	}

	// A missing watermark does not invalidate the result.
	if err := render.Watermark(pngPath, render.WatermarkText(req.Identifier, req.RequesterName, d.now())); err != nil {
		log.Warn("failed to add watermark", "error", err)
	} else {
		logStep("watermark added")
	}

	if err := render.ToPDF(pngPath, pdfPath); err != nil {
		d.abort(ctx, log)
		return artifact, lookuppool.NewDriverError("pdf", err)
	}
	logStep("saved pdf", "path", pdfPath)

	d.closeApp(ctx, log)
	artifact.Duration = d.now().Sub(start)
	logStep("execution completed", "duration_ms", artifact.Duration.Milliseconds())

	if cancelCheck != nil && cancelCheck() {
		d.abort(ctx, log)
		log.Info("drive cancelled after capture")
		return artifact, lookuppool.ErrCancelled
	}
	return artifact, nil
}

// abort is the best-effort close sequence run on cancellation and failure.
func (d *ScriptDriver) abort(ctx context.Context, log *slog.Logger) {
	d.closeApp(ctx, log)
}

func (d *ScriptDriver) closeApp(ctx context.Context, log *slog.Logger) {
	if d.cfg.CloseCommand == "" {
		return
	}
	if err := d.run(ctx, log, "close", d.cfg.CloseCommand); err != nil {
		log.Warn("failed to close application", "error", err)
	}
}

// run executes a configured command line under the step timeout; extra args
// follow its own fields.
func (d *ScriptDriver) run(ctx context.Context, log *slog.Logger, step, command string, args ...string) error {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return errors.New("empty command")
	}
	cmd := Command{Step: step, Name: fields[0], Args: append(fields[1:], args...)}

	stepCtx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
	defer cancel()

	res, err := d.runner.Run(stepCtx, log, cmd)
	if err == nil {
		return nil
	}
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%s did not finish within %s: %w", cmd.Name, d.cfg.StepTimeout, context.DeadlineExceeded)
	}
	if msg := strings.TrimSpace(string(res.Stderr)); msg != "" {
		return fmt.Errorf("%s: %w: %s", cmd.Name, err, truncate(msg, 512))
	}
	return fmt.Errorf("%s: %w", cmd.Name, err)
}
