// Package config loads gitcore's tunables from a TOML file:
//
//	lock_timeout = "2s"
//	lock_retry = "5ms"
//	max_delta_depth = 50
//	max_symbolic_depth = 5
//	log_level = "info"
//	reflog = true
//
// Repository settings such as user.name live in the git config file and are
// handled by the repo package.
package config

import (
	"errors"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/lockfile"
)

// Tunables are the library limits and defaults.
type Tunables struct {
	LockTimeout      time.Duration `toml:"lock_timeout"`
	LockRetry        time.Duration `toml:"lock_retry"`
	MaxDeltaDepth    int           `toml:"max_delta_depth"`
	MaxSymbolicDepth int           `toml:"max_symbolic_depth"`
	LogLevel         string        `toml:"log_level"`
	Reflog           bool          `toml:"reflog"`
}

// Defaults returns the built-in tunables.
func Defaults() *Tunables {
	return &Tunables{
		LockTimeout:      lockfile.DefaultTimeout,
		LockRetry:        lockfile.DefaultRetry,
		MaxDeltaDepth:    50,
		MaxSymbolicDepth: 5,
		LogLevel:         "info",
		Reflog:           true,
	}
}

// Load reads path over the defaults. A missing file, or an empty path,
// yields the defaults. Unknown keys are rejected so typos do not pass
// silently.
func Load(path string) (*Tunables, error) {
	const op = "load config"
	t := Defaults()
	if path == "" {
		return t, nil
	}
	md, err := toml.DecodeFile(path, t)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	if err != nil {
		return nil, giterr.Wrap(giterr.KindInvalidSpec, op, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, giterr.New(giterr.KindInvalidSpec, op, path, "unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := t.Validate(); err != nil {
		return nil, giterr.Wrap(giterr.KindInvalidSpec, op, path, err)
	}
	return t, nil
}

// Validate checks that every limit is usable.
func (t *Tunables) Validate() error {
	switch {
	case t.LockTimeout < 0:
		return errors.New("lock_timeout must not be negative")
	case t.LockRetry <= 0:
		return errors.New("lock_retry must be positive")
	case t.MaxDeltaDepth <= 0:
		return errors.New("max_delta_depth must be positive")
	case t.MaxSymbolicDepth <= 0:
		return errors.New("max_symbolic_depth must be positive")
	}
	return nil
}

// LockOptions converts the lock tunables for the lockfile package.
func (t *Tunables) LockOptions(log *zap.Logger) lockfile.Options {
	return lockfile.Options{Timeout: t.LockTimeout, Retry: t.LockRetry, Log: log}
}
