package repo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
	"github.com/odvcencio/gitcore/pkg/refdb"
)

// CreateBranch creates refs/heads/<name> at the commit target peels to.
// Without force an existing branch fails with Exists.
func (r *Repository) CreateBranch(name string, target object.Oid, force bool) error {
	const op = "create branch"
	if err := r.checkOpen(op); err != nil {
		return err
	}
	refName := refdb.BranchPrefix + strings.TrimSpace(name)
	if err := refdb.ValidateName(refName); err != nil {
		return err
	}
	commit, err := r.Peel(target, object.TypeCommit)
	if err != nil {
		return fmt.Errorf("%s %q: %w", op, name, err)
	}
	var expected *refdb.Target
	if !force {
		expected = &refdb.Target{}
	}
	err = r.refs.Update(refName, refdb.Direct(commit.id), expected, "branch: Created from "+target.String())
	if !force && errors.Is(err, giterr.ErrConflict) && r.refs.Exists(refName) {
		return giterr.New(giterr.KindExists, op, refName, "branch already exists")
	}
	return err
}

// DeleteBranch removes refs/heads/<name>. The branch HEAD is attached to
// cannot be deleted.
func (r *Repository) DeleteBranch(name string) error {
	const op = "delete branch"
	current, err := r.CurrentBranch()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if current == name {
		return giterr.New(giterr.KindConflict, op, name, "cannot delete the current branch")
	}
	return r.refs.Delete(refdb.BranchPrefix+name, nil)
}

// ListBranches returns the short names of all local branches, sorted.
func (r *Repository) ListBranches() ([]string, error) {
	return r.listShort("list branches", refdb.BranchPrefix)
}

// CurrentBranch returns the short name of the branch HEAD is attached to,
// born or unborn, or "" when HEAD is detached.
func (r *Repository) CurrentBranch() (string, error) {
	st, err := r.HeadState()
	if err != nil {
		return "", err
	}
	if st.Kind == HeadDetached {
		return "", nil
	}
	return strings.TrimPrefix(st.Branch, refdb.BranchPrefix), nil
}

func (r *Repository) listShort(op, prefix string) ([]string, error) {
	if err := r.checkOpen(op); err != nil {
		return nil, err
	}
	var names []string
	for ref, err := range r.refs.All() {
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if strings.HasPrefix(ref.Name, prefix) {
			names = append(names, strings.TrimPrefix(ref.Name, prefix))
		}
	}
	return names, nil
}
