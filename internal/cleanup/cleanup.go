// Package cleanup tracks resources that must be released on process exit,
// whether the exit is orderly or signal-driven.
package cleanup

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/quay/zlog"
)

// DefaultStaleAge is how old a cache entry must be before the exit sweep
// removes it.
const DefaultStaleAge = 60 * time.Minute

// Registry collects temp paths and child processes to tear down. The zero
// value is ready for use. All methods are safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	paths map[string]struct{}
	procs map[*exec.Cmd]struct{}
	once  sync.Once
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		paths: make(map[string]struct{}),
		procs: make(map[*exec.Cmd]struct{}),
	}
}

// AddPath registers a file or directory for removal at teardown.
func (r *Registry) AddPath(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paths == nil {
		r.paths = make(map[string]struct{})
	}
	r.paths[p] = struct{}{}
}

// ForgetPath removes a registration, for paths that were promoted into
// permanent locations.
func (r *Registry) ForgetPath(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paths, p)
}

// Track registers a started child process; it is killed at teardown if
// still running.
func (r *Registry) Track(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.procs == nil {
		r.procs = make(map[*exec.Cmd]struct{})
	}
	r.procs[cmd] = struct{}{}
}

// Untrack removes a finished child process.
func (r *Registry) Untrack(cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, cmd)
}

// Run tears everything down: children killed, registered paths removed.
// It runs at most once; later calls are no-ops.
func (r *Registry) Run(ctx context.Context) {
	r.once.Do(func() {
		ctx = zlog.ContextWithValues(ctx, "component", "internal/cleanup/Registry.Run")
		r.mu.Lock()
		defer r.mu.Unlock()
		for cmd := range r.procs {
			if cmd.Process == nil || (cmd.ProcessState != nil && cmd.ProcessState.Exited()) {
				continue
			}
			if err := cmd.Process.Kill(); err != nil {
				zlog.Warn(ctx).Err(err).Int("pid", cmd.Process.Pid).Msg("unable to kill child")
			}
		}
		for p := range r.paths {
			if err := os.RemoveAll(p); err != nil {
				zlog.Warn(ctx).Err(err).Str("path", p).Msg("unable to remove temp path")
			}
		}
	})
}

// SweepCache removes regular files directly under dir whose modification
// time is older than age. Subdirectories (artifacts, logs) are left alone.
func SweepCache(ctx context.Context, dir string, age time.Duration) error {
	ctx = zlog.ContextWithValues(ctx, "component", "internal/cleanup/SweepCache", "dir", dir)
	des, err := os.ReadDir(dir)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		return nil
	default:
		return err
	}
	cutoff := time.Now().Add(-age)
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(cutoff) {
			continue
		}
		p := filepath.Join(dir, de.Name())
		if err := os.Remove(p); err != nil {
			zlog.Warn(ctx).Err(err).Str("path", p).Msg("unable to sweep cache entry")
			continue
		}
		zlog.Debug(ctx).Str("path", p).Msg("swept stale cache entry")
	}
	return nil
}
