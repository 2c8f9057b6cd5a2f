// Package lockfile implements Git-style "<path>.lock" files: a writer
// creates the lock exclusively, writes the new content into it, and commits
// by renaming the lock over the target. Readers never see partial writes.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/giterr"
)

// Suffix is appended to the target path to form the lock path.
const Suffix = ".lock"

const (
	DefaultTimeout = 2 * time.Second
	DefaultRetry   = 5 * time.Millisecond
)

// Options bound lock acquisition. A negative Timeout means a single attempt.
type Options struct {
	Timeout time.Duration
	Retry   time.Duration
	Mode    os.FileMode
	Log     *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Retry <= 0 {
		o.Retry = DefaultRetry
	}
	if o.Mode == 0 {
		o.Mode = 0o644
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// Lock is a held lock on a target path.
type Lock struct {
	target string
	path   string
	f      *os.File
	done   bool
}

// Acquire creates path+".lock" exclusively, retrying until opts.Timeout
// elapses. A lock that is still present after the timeout yields a Locked
// error; a stale lock left by a crashed process is reported the same way.
func Acquire(path string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	lockPath := path + Suffix
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock %s: mkdir: %w", path, err)
	}

	deadline := time.Now().Add(opts.Timeout)
	warned := false
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, opts.Mode)
		if err == nil {
			return &Lock{target: path, path: lockPath, f: f}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if opts.Timeout < 0 || time.Now().After(deadline) {
			return nil, giterr.New(giterr.KindLocked, "lock", lockPath,
				"lock file still present after %s", max(opts.Timeout, 0))
		}
		if !warned {
			opts.Log.Warn("waiting for lock", zap.String("lock", lockPath))
			warned = true
		}
		time.Sleep(opts.Retry)
	}
}

// Target returns the path the lock protects.
func (l *Lock) Target() string { return l.target }

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

func (l *Lock) Write(p []byte) (int, error) {
	if l.done {
		return 0, os.ErrClosed
	}
	return l.f.Write(p)
}

func (l *Lock) WriteString(s string) (int, error) {
	return l.Write([]byte(s))
}

// Commit flushes the lock file and renames it over the target.
func (l *Lock) Commit() error {
	if l.done {
		return os.ErrClosed
	}
	l.done = true
	if err := l.f.Sync(); err != nil {
		_ = l.f.Close()
		_ = os.Remove(l.path)
		return fmt.Errorf("commit %s: sync: %w", l.target, err)
	}
	if err := l.f.Close(); err != nil {
		_ = os.Remove(l.path)
		return fmt.Errorf("commit %s: close: %w", l.target, err)
	}
	if err := os.Rename(l.path, l.target); err != nil {
		_ = os.Remove(l.path)
		return fmt.Errorf("commit %s: rename: %w", l.target, err)
	}
	return nil
}

// Remove commits a deletion: the target is removed while the lock is held,
// then the lock is released.
func (l *Lock) Remove() error {
	if l.done {
		return os.ErrClosed
	}
	err := os.Remove(l.target)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	if rerr := l.Rollback(); err == nil {
		err = rerr
	}
	return err
}

// Rollback releases the lock without touching the target. It is a no-op
// after Commit or a previous Rollback, so it is safe to defer.
func (l *Lock) Rollback() error {
	if l.done {
		return nil
	}
	l.done = true
	_ = l.f.Close()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WriteFile replaces path with data under its lock.
func WriteFile(path string, data []byte, opts Options) error {
	l, err := Acquire(path, opts)
	if err != nil {
		return err
	}
	defer l.Rollback()
	if _, err := l.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return l.Commit()
}
