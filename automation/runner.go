package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Command is one invocation of an external helper during a drive.
type Command struct {
	Step string // drive step the command belongs to, e.g. "launch"
	Name string
	Args []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result is what a finished command produced.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Runner executes helper commands. Implementations must return once ctx is
// done.
type Runner interface {
	Run(ctx context.Context, log *slog.Logger, cmd Command) (Result, error)
}

// killGrace bounds how long Run waits for output pipes after the process was
// killed; a helper that forked a child holding stdout would block otherwise.
const killGrace = 2 * time.Second

// ExecRunner runs helpers as child processes in Dir.
type ExecRunner struct {
	Dir string
}

// Run starts cmd and waits for it. When ctx expires the process is killed and
// the context error is returned wrapped.
func (r ExecRunner) Run(ctx context.Context, log *slog.Logger, cmd Command) (Result, error) {
	log = log.With("step", cmd.Step)
	log.Debug("running helper", "cmd_line", cmd.String())

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = r.Dir
	c.WaitDelay = killGrace
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}

	switch {
	case err == nil:
		log.Debug("helper finished", "cmd", cmd.Name, "duration_ms", res.Duration.Milliseconds())
		return res, nil
	case ctx.Err() != nil:
		// Report the deadline rather than the kill signal.
		err = fmt.Errorf("%s killed after %s: %w", cmd.Name, res.Duration.Round(time.Millisecond), ctx.Err())
	case errors.Is(err, exec.ErrNotFound):
		err = fmt.Errorf("helper %q not found: %w", cmd.Name, err)
	}
	log.Warn("helper failed", "cmd", cmd.Name, "duration_ms", res.Duration.Milliseconds(),
		"error", err, "stderr", truncate(stderr.String(), 8<<10))
	return res, err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
