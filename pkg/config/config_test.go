package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gitcore/pkg/giterr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gitcore.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	require.Equal(t, Defaults(), got)

	got, err = Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults(), got)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
lock_timeout = "250ms"
max_delta_depth = 10
reflog = false
`)
	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, got.LockTimeout)
	require.Equal(t, 10, got.MaxDeltaDepth)
	require.False(t, got.Reflog)
	require.Equal(t, 5, got.MaxSymbolicDepth, "unset keys keep defaults")

	opts := got.LockOptions(nil)
	require.Equal(t, 250*time.Millisecond, opts.Timeout)
	require.Equal(t, 5*time.Millisecond, opts.Retry)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := map[string]string{
		"unknown key":   "lock_timout = \"1s\"\n",
		"bad syntax":    "max_delta_depth = \n",
		"zero depth":    "max_symbolic_depth = 0\n",
		"negative lock": "lock_timeout = \"-1s\"\n",
		"wrong type":    "max_delta_depth = \"deep\"\n",
	}
	for name, body := range tests {
		_, err := Load(writeConfig(t, body))
		require.ErrorIs(t, err, giterr.ErrInvalidSpec, name)
	}
}
