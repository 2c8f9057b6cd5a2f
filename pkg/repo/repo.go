// Package repo ties the object database, reference database, index and git
// config of one repository together, and implements the HEAD and
// in-progress-operation state machines on top of them.
package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/config"
	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/index"
	"github.com/odvcencio/gitcore/pkg/odb"
	"github.com/odvcencio/gitcore/pkg/refdb"
)

const (
	dotGit        = ".git"
	defaultBranch = "main"
)

var epochs atomic.Uint64

// Repository is an open Git repository. Its methods are safe for concurrent
// use; the *index.Index it hands out is not. After Close every method, and
// every object handle obtained from the repository, fails with a Closed
// error.
type Repository struct {
	gitDir    string
	commonDir string
	workDir   string // "" for bare repositories
	bare      bool

	log      *zap.Logger
	tunables *config.Tunables

	odb  *odb.Odb
	refs *refdb.RefDb

	// epoch is stamped into object handles; Close resets it to zero.
	epoch atomic.Uint64

	cfgOnce sync.Once
	cfg     *GitConfig
	cfgErr  error

	indexOnce sync.Once
	index     *index.Index
	indexErr  error

	identMu  sync.RWMutex
	identity *identityOverride
}

type options struct {
	log           *zap.Logger
	tunables      *config.Tunables
	registry      prometheus.Registerer
	bare          bool
	initialBranch string
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithTunables overrides the default limits (lock timeout, delta depth,
// symbolic depth, reflog).
func WithTunables(t *config.Tunables) Option {
	return func(o *options) {
		if t != nil {
			o.tunables = t
		}
	}
}

// WithMetrics registers object database counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithBare makes Init create a bare repository.
func WithBare(bare bool) Option {
	return func(o *options) { o.bare = bare }
}

// WithInitialBranch sets the branch HEAD points at after Init.
func WithInitialBranch(name string) Option {
	return func(o *options) { o.initialBranch = name }
}

func buildOptions(opts []Option) *options {
	o := &options{log: zap.NewNop(), tunables: config.Defaults(), initialBranch: defaultBranch}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Init creates a repository at path: path/.git, or path itself when bare.
// It fails with Exists if a repository is already there.
func Init(path string, opts ...Option) (*Repository, error) {
	const op = "init"
	o := buildOptions(opts)
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	gitDir := abs
	if !o.bare {
		gitDir = filepath.Join(abs, dotGit)
	}
	if isGitDir(gitDir) {
		return nil, giterr.New(giterr.KindExists, op, gitDir, "repository already exists")
	}
	branch := refdb.BranchPrefix + o.initialBranch
	if err := refdb.ValidateName(branch); err != nil {
		return nil, err
	}

	for _, d := range []string{
		filepath.Join(gitDir, "objects", "info"),
		filepath.Join(gitDir, "objects", "pack"),
		filepath.Join(gitDir, "refs", "heads"),
		filepath.Join(gitDir, "refs", "tags"),
		filepath.Join(gitDir, "info"),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("%s: mkdir %s: %w", op, d, err)
		}
	}
	if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: "+branch+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("%s: write HEAD: %w", op, err)
	}
	desc := "Unnamed repository; edit this file 'description' to name the repository.\n"
	if err := os.WriteFile(filepath.Join(gitDir, "description"), []byte(desc), 0o644); err != nil {
		return nil, fmt.Errorf("%s: write description: %w", op, err)
	}

	cfg := newGitConfig(filepath.Join(gitDir, "config"), o.tunables.LockOptions(o.log))
	cfg.Set("core.repositoryformatversion", "0")
	cfg.Set("core.filemode", "true")
	cfg.SetBool("core.bare", o.bare)
	if !o.bare {
		cfg.SetBool("core.logallrefupdates", true)
	}
	if err := cfg.Save(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	o.log.Debug("initialized repository", zap.String("gitdir", gitDir), zap.Bool("bare", o.bare))

	workDir := ""
	if !o.bare {
		workDir = abs
	}
	return openAt(gitDir, workDir, o)
}

// Open opens the repository containing path, searching parent directories.
// path may be a working directory, a .git directory, a .git file of a
// linked worktree ("gitdir: <dir>"), or a bare repository.
func Open(path string, opts ...Option) (*Repository, error) {
	const op = "open"
	o := buildOptions(opts)
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for cur := abs; ; {
		gitDir, workDir, ok, err := probe(cur)
		if err != nil {
			return nil, err
		}
		if ok {
			return openAt(gitDir, workDir, o)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return nil, giterr.New(giterr.KindNotFound, op, abs, "not a git repository (or any parent up to /)")
		}
		cur = parent
	}
}

// probe checks whether dir is, or directly holds, a repository.
func probe(dir string) (gitDir, workDir string, ok bool, err error) {
	dotPath := filepath.Join(dir, dotGit)
	fi, statErr := os.Stat(dotPath)
	switch {
	case statErr == nil && fi.IsDir() && isGitDir(dotPath):
		return dotPath, dir, true, nil
	case statErr == nil && fi.Mode().IsRegular():
		target, err := readGitFile(dotPath)
		if err != nil {
			return "", "", false, err
		}
		return target, dir, true, nil
	}
	if isGitDir(dir) {
		// A gitdir opened directly: bare unless it is somebody's .git.
		if filepath.Base(dir) == dotGit {
			return dir, filepath.Dir(dir), true, nil
		}
		return dir, "", true, nil
	}
	return "", "", false, nil
}

// readGitFile parses a ".git" file of the form "gitdir: <path>".
func readGitFile(path string) (string, error) {
	const op = "open"
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	line := strings.TrimSpace(string(data))
	target, ok := strings.CutPrefix(line, "gitdir:")
	if !ok {
		return "", giterr.New(giterr.KindCorruption, op, path, "expected \"gitdir: <path>\"")
	}
	target = strings.TrimSpace(target)
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	target = filepath.Clean(target)
	if !isGitDir(target) {
		return "", giterr.New(giterr.KindNotFound, op, target, "gitdir named by %s is not a repository", path)
	}
	return target, nil
}

// isGitDir reports whether dir looks like a gitdir: it has HEAD, and either
// objects/ and refs/ or a commondir file.
func isGitDir(dir string) bool {
	if fi, err := os.Stat(filepath.Join(dir, "HEAD")); err != nil || fi.IsDir() {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, "commondir")); err == nil {
		return true
	}
	for _, sub := range []string{"objects", "refs"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			return false
		}
	}
	return true
}

func resolveCommonDir(gitDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(gitDir, "commondir"))
	if errors.Is(err, fs.ErrNotExist) {
		return gitDir, nil
	}
	if err != nil {
		return "", fmt.Errorf("read commondir: %w", err)
	}
	dir := strings.TrimSpace(string(data))
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(gitDir, dir)
	}
	return filepath.Clean(dir), nil
}

func openAt(gitDir, workDir string, o *options) (*Repository, error) {
	commonDir, err := resolveCommonDir(gitDir)
	if err != nil {
		return nil, err
	}
	r := &Repository{
		gitDir:    gitDir,
		commonDir: commonDir,
		workDir:   workDir,
		log:       o.log,
		tunables:  o.tunables,
	}
	cfg, err := r.loadConfig()
	if err != nil {
		return nil, err
	}
	// core.bare only applies to the main gitdir; linked worktrees always
	// have a working directory.
	r.bare = workDir == ""
	if gitDir == commonDir {
		bare, err := cfg.Bool("core.bare", r.bare)
		if err != nil {
			return nil, err
		}
		if bare {
			r.bare, r.workDir = true, ""
		}
	}
	if wt, ok := cfg.Get("core.worktree"); ok && !r.bare && gitDir == commonDir {
		if !filepath.IsAbs(wt) {
			wt = filepath.Join(gitDir, wt)
		}
		r.workDir = filepath.Clean(wt)
	}

	logAll, err := cfg.Bool("core.logallrefupdates", !r.bare)
	if err != nil {
		return nil, err
	}

	db, err := odb.Open(filepath.Join(commonDir, "objects"),
		odb.WithLogger(o.log),
		odb.WithMaxDeltaDepth(o.tunables.MaxDeltaDepth),
		odb.WithMetrics(o.registry))
	if err != nil {
		return nil, err
	}
	r.odb = db
	r.refs = refdb.New(gitDir,
		refdb.WithCommonDir(commonDir),
		refdb.WithLogger(o.log),
		refdb.WithLockOptions(o.tunables.LockOptions(o.log)),
		refdb.WithMaxSymbolicDepth(o.tunables.MaxSymbolicDepth),
		refdb.WithReflog(o.tunables.Reflog && logAll),
		refdb.WithIdentity(r.reflogIdentity))
	r.epoch.Store(epochs.Add(1))
	o.log.Debug("opened repository",
		zap.String("gitdir", gitDir),
		zap.String("commondir", commonDir),
		zap.String("workdir", r.workDir))
	return r, nil
}

// Close releases the object database. Object handles obtained from r stop
// working. Closing twice is a no-op.
func (r *Repository) Close() error {
	if r.epoch.Swap(0) == 0 {
		return nil
	}
	return r.odb.Close()
}

func (r *Repository) checkOpen(op string) error {
	if r.epoch.Load() == 0 {
		return giterr.New(giterr.KindClosed, op, r.gitDir, "")
	}
	return nil
}

// GitDir returns the repository's (per-worktree) gitdir.
func (r *Repository) GitDir() string { return r.gitDir }

// CommonDir returns the gitdir shared by all worktrees.
func (r *Repository) CommonDir() string { return r.commonDir }

// IsBare reports whether the repository has no working directory.
func (r *Repository) IsBare() bool { return r.bare }

// IsWorktree reports whether r is a linked worktree.
func (r *Repository) IsWorktree() bool { return r.gitDir != r.commonDir }

// Workdir returns the working directory.
func (r *Repository) Workdir() (string, error) {
	const op = "workdir"
	if err := r.checkOpen(op); err != nil {
		return "", err
	}
	if r.bare {
		return "", giterr.New(giterr.KindBareRepoViolation, op, r.gitDir, "")
	}
	return r.workDir, nil
}

func (r *Repository) Odb() (*odb.Odb, error) {
	if err := r.checkOpen("odb"); err != nil {
		return nil, err
	}
	return r.odb, nil
}

func (r *Repository) RefDb() (*refdb.RefDb, error) {
	if err := r.checkOpen("refdb"); err != nil {
		return nil, err
	}
	return r.refs, nil
}

// Config returns the git config of the repository, loaded once.
func (r *Repository) Config() (*GitConfig, error) {
	if err := r.checkOpen("config"); err != nil {
		return nil, err
	}
	return r.loadConfig()
}

func (r *Repository) loadConfig() (*GitConfig, error) {
	r.cfgOnce.Do(func() {
		r.cfg, r.cfgErr = loadGitConfig(filepath.Join(r.commonDir, "config"), r.tunables.LockOptions(r.log))
	})
	return r.cfg, r.cfgErr
}

// Index returns the staging area, loaded once from <gitdir>/index. Bare
// repositories have no index.
func (r *Repository) Index() (*index.Index, error) {
	const op = "index"
	if err := r.checkOpen(op); err != nil {
		return nil, err
	}
	if r.bare {
		return nil, giterr.New(giterr.KindBareRepoViolation, op, r.gitDir, "")
	}
	r.indexOnce.Do(func() {
		r.index, r.indexErr = index.Read(r.indexPath())
	})
	return r.index, r.indexErr
}

// WriteIndex persists the in-memory index under index.lock.
func (r *Repository) WriteIndex() error {
	idx, err := r.Index()
	if err != nil {
		return err
	}
	return idx.Write(r.indexPath(), r.tunables.LockOptions(r.log))
}

func (r *Repository) indexPath() string { return filepath.Join(r.gitDir, "index") }

// SetNamespace scopes every refs/ name to refs/namespaces/<ns>/.
func (r *Repository) SetNamespace(ns string) error {
	if err := r.checkOpen("set namespace"); err != nil {
		return err
	}
	return r.refs.SetNamespace(ns)
}

// Namespace returns the active namespace, or "".
func (r *Repository) Namespace() string { return r.refs.Namespace() }
