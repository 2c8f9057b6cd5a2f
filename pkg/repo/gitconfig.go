package repo

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/go-ini/ini"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/lockfile"
)

// GitConfig is the repository's config file. Keys are written in git's
// dotted form: "core.bare", "remote.origin.url".
type GitConfig struct {
	path     string
	lockOpts lockfile.Options

	mu   sync.RWMutex
	file *ini.File
}

var iniOptions = ini.LoadOptions{
	InsensitiveKeys:  true,
	AllowBooleanKeys: true,
	// Git values routinely contain ';' and '#' inside quotes.
	IgnoreInlineComment: true,
}

func newGitConfig(path string, lockOpts lockfile.Options) *GitConfig {
	return &GitConfig{path: path, lockOpts: lockOpts, file: ini.Empty(iniOptions)}
}

func loadGitConfig(path string, lockOpts lockfile.Options) (*GitConfig, error) {
	const op = "load config"
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newGitConfig(path, lockOpts), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	f, err := ini.LoadSources(iniOptions, data)
	if err != nil {
		return nil, giterr.Wrap(giterr.KindCorruption, op, path, err)
	}
	return &GitConfig{path: path, lockOpts: lockOpts, file: f}, nil
}

// splitKey turns "remote.origin.url" into the ini section `remote "origin"`
// and key "url". Section names are case-insensitive, subsections are not.
func splitKey(key string) (section, name string, ok bool) {
	first := strings.IndexByte(key, '.')
	last := strings.LastIndexByte(key, '.')
	if first <= 0 || last == len(key)-1 {
		return "", "", false
	}
	section = strings.ToLower(key[:first])
	if last > first {
		section += ` "` + key[first+1:last] + `"`
	}
	return section, strings.ToLower(key[last+1:]), true
}

// Get returns the value of key.
func (c *GitConfig) Get(key string) (string, bool) {
	section, name, ok := splitKey(key)
	if !ok {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	sec, err := c.file.GetSection(section)
	if err != nil || !sec.HasKey(name) {
		return "", false
	}
	return sec.Key(name).String(), true
}

// Bool parses key with git's boolean rules, returning def when unset.
func (c *GitConfig) Bool(key string, def bool) (bool, error) {
	v, ok := c.Get(key)
	if !ok {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0", "":
		return false, nil
	}
	return false, giterr.New(giterr.KindInvalidSpec, "config", c.path, "bad boolean value %q for %s", v, key)
}

// Set stores key in memory; Save persists it.
func (c *GitConfig) Set(key, value string) {
	section, name, ok := splitKey(key)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.file.Section(section).Key(name).SetValue(value)
}

func (c *GitConfig) SetBool(key string, v bool) {
	if v {
		c.Set(key, "true")
	} else {
		c.Set(key, "false")
	}
}

// Unset removes key, and its section once empty.
func (c *GitConfig) Unset(key string) {
	section, name, ok := splitKey(key)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, err := c.file.GetSection(section)
	if err != nil {
		return
	}
	sec.DeleteKey(name)
	if len(sec.Keys()) == 0 {
		c.file.DeleteSection(section)
	}
}

// Save writes the config under config.lock.
func (c *GitConfig) Save() error {
	c.mu.RLock()
	var buf bytes.Buffer
	_, err := c.file.WriteTo(&buf)
	c.mu.RUnlock()
	if err != nil {
		return giterr.Wrap(giterr.KindCorruption, "save config", c.path, err)
	}
	return lockfile.WriteFile(c.path, buf.Bytes(), c.lockOpts)
}
