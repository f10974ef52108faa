// Package telemetry builds the service logger and metric pipeline.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrorLogName is the file inside the log directory that receives error
// records only.
const ErrorLogName = "error.log"

// LoggerOptions configures NewLogger.
type LoggerOptions struct {
	Dir     string     // log directory; empty disables file output
	Level   slog.Level // minimum level for stderr and the daily file
	Console io.Writer  // defaults to os.Stderr
	Now     func() time.Time
}

// NewLogger returns a logger writing text records to the console, to a
// daily file lookupd-YYYY-MM-DD.log and, for Error records, to error.log.
// The returned closer releases the files.
func NewLogger(opts LoggerOptions) (*slog.Logger, io.Closer, error) {
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(opts.Console, &slog.HandlerOptions{Level: opts.Level}),
	}
	var closers multiCloser

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		daily := &dailyFile{dir: opts.Dir, prefix: "lookupd", now: opts.Now}
		errFile, err := os.OpenFile(filepath.Join(opts.Dir, ErrorLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open error log: %w", err)
		}
		handlers = append(handlers,
			slog.NewTextHandler(daily, &slog.HandlerOptions{Level: opts.Level}),
			slog.NewTextHandler(errFile, &slog.HandlerOptions{Level: slog.LevelError}),
		)
		closers = append(closers, daily, errFile)
	}

	return slog.New(fanout(handlers)), closers, nil
}

// fanout sends every record to each handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// dailyFile appends to <dir>/<prefix>-YYYY-MM-DD.log, switching files when
// the date changes.
type dailyFile struct {
	dir    string
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().Format("2006-01-02")
	if d.file == nil || day != d.day {
		if d.file != nil {
			_ = d.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(d.dir, d.prefix+"-"+day+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			d.file = nil
			return 0, err
		}
		d.file, d.day = f, day
	}
	return d.file.Write(p)
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var errs []error
	for _, c := range m {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
