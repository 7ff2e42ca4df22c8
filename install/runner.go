// Package install carries the installation strategies: Debian packages,
// archives (binary move, tree copy, source compile, AppImage placement),
// flatpak delegation, and upstream install scripts.
package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/appupd/appupd"
	"github.com/appupd/appupd/internal/cleanup"
)

// Runner executes the engine's subprocesses: argv arrays only, output
// streamed to a per-operation log file, a hard budget per invocation, and
// exit status folded into the error taxonomy.
type Runner struct {
	// LogsDir receives one log file per invocation unless a proc names its
	// own.
	LogsDir string
	// Registry tracks started children for signal teardown. Optional.
	Registry *cleanup.Registry
}

// Proc describes one subprocess invocation.
type proc struct {
	app, op string
	// Kind is the error kind for a non-zero exit.
	kind   appupd.ErrorKind
	budget time.Duration
	argv   []string
	// Dir is the working directory; empty means inherit.
	dir string
	// LogPath overrides the generated per-operation log file name.
	logPath string
	// Capture collects combined output for the caller.
	capture bool
}

// Run executes argv with output appended to a per-operation log file.
// The returned error carries kind TIMEOUT_ERROR when the budget is
// exhausted, or the provided kind otherwise.
func (r *Runner) Run(ctx context.Context, app, op string, kind appupd.ErrorKind, budget time.Duration, argv ...string) error {
	_, err := r.run(ctx, proc{app: app, op: op, kind: kind, budget: budget, argv: argv})
	return err
}

// RunOutput is Run but additionally returns the combined output.
func (r *Runner) RunOutput(ctx context.Context, app, op string, kind appupd.ErrorKind, budget time.Duration, argv ...string) (string, error) {
	return r.run(ctx, proc{app: app, op: op, kind: kind, budget: budget, argv: argv, capture: true})
}

func (r *Runner) run(ctx context.Context, p proc) (string, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "install/Runner.run", "app", p.app, "op", p.op)
	if len(p.argv) == 0 {
		panic("programmer error: empty argv")
	}
	if _, err := exec.LookPath(p.argv[0]); err != nil {
		return "", &appupd.Error{
			Inner:   err,
			Kind:    appupd.ErrDependency,
			Op:      `install.` + p.op,
			Message: fmt.Sprintf("required command %q not found", p.argv[0]),
		}
	}

	logName := p.logPath
	if logName == "" {
		if err := os.MkdirAll(r.LogsDir, 0o700); err != nil {
			return "", err
		}
		logName = filepath.Join(r.LogsDir, fmt.Sprintf("%s_%s_%s.log", p.app, p.op, uuid.New().String()[:8]))
	}
	logF, err := os.OpenFile(logName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", err
	}
	defer logF.Close()
	fmt.Fprintf(logF, "+ %v\n", p.argv)

	cctx, done := context.WithTimeout(ctx, p.budget)
	defer done()
	cmd := exec.CommandContext(cctx, p.argv[0], p.argv[1:]...)
	cmd.Dir = p.dir
	var out bytes.Buffer
	sink := io.Writer(logF)
	if p.capture {
		sink = io.MultiWriter(logF, &out)
	}
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.WaitDelay = 5 * time.Second
	if r.Registry != nil {
		r.Registry.Track(cmd)
		defer r.Registry.Untrack(cmd)
	}

	zlog.Debug(ctx).Strs("argv", p.argv).Str("log", logName).Msg("spawning")
	err = cmd.Run()
	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		return out.String(), &appupd.Error{
			Kind:    appupd.ErrTimeout,
			Op:      `install.` + p.op,
			Message: fmt.Sprintf("%q exceeded %v (log: %s)", p.argv[0], p.budget, logName),
		}
	case err != nil:
		return out.String(), &appupd.Error{
			Inner:   err,
			Kind:    p.kind,
			Op:      `install.` + p.op,
			Message: fmt.Sprintf("%q failed (log: %s)", p.argv[0], logName),
		}
	}
	return out.String(), nil
}

// Elevate prefixes argv with sudo when the process is not already
// privileged.
func elevate(argv ...string) []string {
	if os.Geteuid() == 0 {
		return argv
	}
	return append([]string{"sudo"}, argv...)
}
