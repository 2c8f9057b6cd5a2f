package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/refdb"
)

func (r *Repository) worktreeGitDir(name string) string {
	return filepath.Join(r.commonDir, "worktrees", name)
}

// AddWorktree links a new working directory at path with HEAD attached to
// branch, and opens it. The worktree's private gitdir is
// <commondir>/worktrees/<name>.
func (r *Repository) AddWorktree(name, path, branch string, opts ...Option) (*Repository, error) {
	const op = "add worktree"
	if err := r.checkOpen(op); err != nil {
		return nil, err
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, giterr.New(giterr.KindInvalidSpec, op, name, "invalid worktree name")
	}
	branchRef := refdb.BranchPrefix + branch
	if err := refdb.ValidateName(branchRef); err != nil {
		return nil, err
	}
	wtGitDir := r.worktreeGitDir(name)
	if _, err := os.Stat(wtGitDir); err == nil {
		return nil, giterr.New(giterr.KindExists, op, wtGitDir, "worktree already exists")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	dotPath := filepath.Join(abs, dotGit)
	if _, err := os.Lstat(dotPath); err == nil {
		return nil, giterr.New(giterr.KindExists, op, dotPath, "")
	}

	if err := os.MkdirAll(wtGitDir, 0o755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	files := []struct{ path, data string }{
		{filepath.Join(wtGitDir, "commondir"), "../..\n"},
		{filepath.Join(wtGitDir, "gitdir"), dotPath + "\n"},
		{filepath.Join(wtGitDir, "HEAD"), "ref: " + branchRef + "\n"},
		{dotPath, "gitdir: " + wtGitDir + "\n"},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, []byte(f.data), 0o644); err != nil {
			_ = os.RemoveAll(wtGitDir)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	r.log.Debug("added worktree", zap.String("name", name), zap.String("path", abs), zap.String("branch", branchRef))

	o := buildOptions(append([]Option{WithLogger(r.log), WithTunables(r.tunables)}, opts...))
	return openAt(wtGitDir, abs, o)
}

// Worktrees returns the names of the linked worktrees, sorted.
func (r *Repository) Worktrees() ([]string, error) {
	const op = "worktrees"
	if err := r.checkOpen(op); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(r.commonDir, "worktrees"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && isGitDir(filepath.Join(r.commonDir, "worktrees", e.Name())) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (r *Repository) worktreeHead(op, name string) (HeadState, error) {
	if err := r.checkOpen(op); err != nil {
		return HeadState{}, err
	}
	dir := r.worktreeGitDir(name)
	if !isGitDir(dir) {
		return HeadState{}, giterr.New(giterr.KindNotFound, op, name, "no such worktree")
	}
	refs := refdb.New(dir, refdb.WithCommonDir(r.commonDir), refdb.WithLogger(r.log),
		refdb.WithMaxSymbolicDepth(r.tunables.MaxSymbolicDepth))
	return headState(refs)
}

// HeadForWorktree returns what HEAD of the linked worktree name resolves
// to; see Head.
func (r *Repository) HeadForWorktree(name string) (*refdb.Reference, error) {
	st, err := r.worktreeHead("head for worktree", name)
	if err != nil {
		return nil, err
	}
	return headReference(st)
}

func (r *Repository) IsHeadDetachedForWorktree(name string) (bool, error) {
	st, err := r.worktreeHead("head detached for worktree", name)
	return st.Kind == HeadDetached, err
}
