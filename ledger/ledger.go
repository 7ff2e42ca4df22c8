// Package ledger persists the installed-version record: one JSON document
// mapping app keys to version strings.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/sys/unix"

	"github.com/appupd/appupd"
)

// Lock acquisition budgets. Writers fail loudly on timeout; readers proceed
// best-effort.
const (
	writeLockTimeout = 10 * time.Second
	readLockTimeout  = 5 * time.Second
	lockPollInterval = 100 * time.Millisecond
)

// Ledger is a handle to the installed-versions document. Writers across the
// host are serialized by an advisory lock on "<path>.lock"; the document
// itself is only ever replaced atomically.
type Ledger struct {
	path string
}

// New returns a handle for the document at path. No I/O happens until Init,
// Get, or Set.
func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Path reports the document's location.
func (l *Ledger) Path() string { return l.path }

// Init creates an empty document if none exists.
func (l *Ledger) Init(ctx context.Context) error {
	_, err := os.Stat(l.path)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
	default:
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	return l.replace(map[string]string{})
}

// Get returns the recorded version for key, or the not-installed sentinel
// "0.0.0".
//
// A missing document is an empty map. A corrupt document is logged and
// treated as empty; readers must not block operation.
func (l *Ledger) Get(ctx context.Context, key string) string {
	ctx = zlog.ContextWithValues(ctx, "component", "ledger/Ledger.Get")
	unlock, err := l.lock(ctx, unix.LOCK_SH, readLockTimeout)
	if err != nil {
		zlog.Warn(ctx).Err(err).Msg("proceeding without read lock")
	} else {
		defer unlock()
	}
	m, err := l.read()
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("path", l.path).Msg("unreadable ledger, treating as empty")
		return appupd.NotInstalled
	}
	if v, ok := m[key]; ok {
		return v
	}
	return appupd.NotInstalled
}

// Keys returns the recorded app keys, sorted.
func (l *Ledger) Keys(ctx context.Context) []string {
	m, err := l.read()
	if err != nil {
		return nil
	}
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

// Set records version for key.
//
// The update is read-modify-rename under the exclusive advisory lock. If
// the existing document does not parse, Set refuses to clobber it: operator
// data is never silently replaced with an empty map.
func (l *Ledger) Set(ctx context.Context, key, version string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "ledger/Ledger.Set", "app", key)
	unlock, err := l.lock(ctx, unix.LOCK_EX, writeLockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := l.read()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &appupd.Error{
			Inner:   err,
			Kind:    appupd.ErrValidation,
			Op:      `ledger.Set`,
			Message: fmt.Sprintf("ledger %q is corrupt, refusing to overwrite", l.path),
		}
	}
	if m == nil {
		m = make(map[string]string)
	}
	m[key] = version
	if err := l.replace(m); err != nil {
		return err
	}
	zlog.Debug(ctx).Str("version", version).Msg("ledger updated")
	return nil
}

// Read parses the document. A missing file is an empty map; a present but
// unparseable file is an error.
func (l *Ledger) read() (map[string]string, error) {
	b, err := os.ReadFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return map[string]string{}, nil
	case err != nil:
		return nil, err
	}
	m := make(map[string]string)
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Replace writes the document atomically: temp file in the same directory,
// fsync, rename. Ownership is restored to the pre-escalation user when
// running under sudo.
func (l *Ledger) replace(m map[string]string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(l.path), "."+filepath.Base(l.path)+".*")
	if err != nil {
		return err
	}
	name := f.Name()
	defer os.Remove(name)
	if _, err := f.Write(append(b, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		return err
	}
	restoreOwner(name)
	return os.Rename(name, l.path)
}

// RestoreOwner hands the file back to the invoking user when the process
// has been escalated via sudo. Best-effort.
func restoreOwner(path string) {
	if os.Geteuid() != 0 {
		return
	}
	uid, err := strconv.Atoi(os.Getenv("SUDO_UID"))
	if err != nil {
		return
	}
	gid, err := strconv.Atoi(os.Getenv("SUDO_GID"))
	if err != nil {
		gid = -1
	}
	_ = os.Chown(path, uid, gid)
}

// Lock acquires the named flock flavor on "<path>.lock", polling until the
// budget is spent.
func (l *Ledger) lock(ctx context.Context, how int, budget time.Duration) (func(), error) {
	lf, err := os.OpenFile(l.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &appupd.Error{Inner: err, Kind: appupd.ErrLock, Op: `ledger.lock`, Message: "cannot open lock file"}
	}
	deadline := time.Now().Add(budget)
	for {
		err := unix.Flock(int(lf.Fd()), how|unix.LOCK_NB)
		switch {
		case err == nil:
			return func() {
				unix.Flock(int(lf.Fd()), unix.LOCK_UN)
				lf.Close()
			}, nil
		case errors.Is(err, unix.EWOULDBLOCK):
		default:
			lf.Close()
			return nil, &appupd.Error{Inner: err, Kind: appupd.ErrLock, Op: `ledger.lock`, Message: "flock failed"}
		}
		if time.Now().After(deadline) {
			lf.Close()
			return nil, &appupd.Error{
				Kind:    appupd.ErrLock,
				Op:      `ledger.lock`,
				Message: fmt.Sprintf("timed out acquiring %q after %v", l.path+".lock", budget),
			}
		}
		select {
		case <-ctx.Done():
			lf.Close()
			return nil, context.Cause(ctx)
		case <-time.After(lockPollInterval):
		}
	}
}
