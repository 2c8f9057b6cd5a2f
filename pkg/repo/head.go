package repo

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
	"github.com/odvcencio/gitcore/pkg/refdb"
)

// HeadKind is the state of HEAD.
type HeadKind int

const (
	// HeadAttached: HEAD names a branch that has commits.
	HeadAttached HeadKind = iota + 1
	// HeadDetached: HEAD holds a commit id directly.
	HeadDetached
	// HeadUnborn: HEAD names a branch that does not exist yet.
	HeadUnborn
)

func (k HeadKind) String() string {
	switch k {
	case HeadAttached:
		return "attached"
	case HeadDetached:
		return "detached"
	case HeadUnborn:
		return "unborn"
	}
	return "invalid"
}

// HeadState describes HEAD. Branch is set when attached or unborn, Oid when
// attached or detached.
type HeadState struct {
	Kind   HeadKind
	Branch string
	Oid    object.Oid
}

// HeadState reads HEAD of the current worktree.
func (r *Repository) HeadState() (HeadState, error) {
	if err := r.checkOpen("head"); err != nil {
		return HeadState{}, err
	}
	return headState(r.refs)
}

func headState(refs *refdb.RefDb) (HeadState, error) {
	const op = "head"
	head, err := refs.Lookup(refdb.HEAD)
	if err != nil {
		return HeadState{}, err
	}
	if !head.Target.IsSymbolic() {
		return HeadState{Kind: HeadDetached, Oid: head.Target.Oid}, nil
	}
	branch := head.Target.Symbolic
	ref, err := refs.ResolveReference(branch)
	switch {
	case giterr.IsNotFound(err):
		return HeadState{Kind: HeadUnborn, Branch: branch}, nil
	case err != nil:
		return HeadState{}, fmt.Errorf("%s: %w", op, err)
	}
	return HeadState{Kind: HeadAttached, Branch: branch, Oid: ref.Target.Oid}, nil
}

// Head returns the reference HEAD resolves to: the branch when attached, or
// HEAD itself when detached. An unborn branch fails with UnbornBranch.
func (r *Repository) Head() (*refdb.Reference, error) {
	st, err := r.HeadState()
	if err != nil {
		return nil, err
	}
	return headReference(st)
}

func headReference(st HeadState) (*refdb.Reference, error) {
	switch st.Kind {
	case HeadUnborn:
		return nil, giterr.New(giterr.KindUnbornBranch, "head", st.Branch, "")
	case HeadDetached:
		return &refdb.Reference{Name: refdb.HEAD, Target: refdb.Direct(st.Oid)}, nil
	}
	return &refdb.Reference{Name: st.Branch, Target: refdb.Direct(st.Oid)}, nil
}

func (r *Repository) IsHeadDetached() (bool, error) {
	st, err := r.HeadState()
	return st.Kind == HeadDetached, err
}

func (r *Repository) IsHeadUnborn() (bool, error) {
	st, err := r.HeadState()
	return st.Kind == HeadUnborn, err
}

// IsEmpty reports whether the repository has no references at all and HEAD
// points at an unborn branch.
func (r *Repository) IsEmpty() (bool, error) {
	unborn, err := r.IsHeadUnborn()
	if err != nil || !unborn {
		return false, err
	}
	for _, err := range r.refs.All() {
		if err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SetHead points HEAD at name. A branch name (existing or not) attaches
// HEAD to it. Any other existing ref detaches HEAD at the commit it peels
// to; a missing non-branch ref fails with NotFound.
func (r *Repository) SetHead(name string) error {
	const op = "set head"
	if err := r.checkOpen(op); err != nil {
		return err
	}
	if err := refdb.ValidateName(name); err != nil {
		return err
	}
	if refdb.IsBranch(name) {
		err := r.refs.Update(refdb.HEAD, refdb.Symbolic(name), nil, r.checkoutMessage(name))
		if err == nil {
			r.log.Debug("attached HEAD", zap.String("branch", name))
		}
		return err
	}
	id, err := r.refs.Resolve(name)
	if err != nil {
		return err
	}
	return r.SetHeadDetached(id)
}

// SetHeadDetached points HEAD directly at the commit id peels to. An id that
// cannot be peeled to a commit fails with Peel.
func (r *Repository) SetHeadDetached(id object.Oid) error {
	const op = "set head detached"
	if err := r.checkOpen(op); err != nil {
		return err
	}
	obj, err := r.Peel(id, object.TypeCommit)
	if err != nil {
		return err
	}
	if err := r.refs.Update(refdb.HEAD, refdb.Direct(obj.id), nil, r.checkoutMessage(obj.id.String())); err != nil {
		return err
	}
	r.log.Debug("detached HEAD", zap.Stringer("oid", obj.id))
	return nil
}

// DetachHead detaches HEAD at the commit it currently resolves to. It does
// nothing when HEAD is already detached at a commit; a detached HEAD holding
// a tag is rewritten to the tagged commit.
func (r *Repository) DetachHead() error {
	const op = "detach head"
	st, err := r.HeadState()
	if err != nil {
		return err
	}
	switch st.Kind {
	case HeadUnborn:
		return giterr.New(giterr.KindUnbornBranch, op, st.Branch, "")
	case HeadDetached:
		typ, _, err := r.odb.ReadHeader(st.Oid)
		if err != nil {
			return err
		}
		switch typ {
		case object.TypeCommit:
			return nil
		case object.TypeTag:
		default:
			return giterr.New(giterr.KindPeel, op, st.Oid.String(), "HEAD holds a %s, not a commit", typ)
		}
	}
	return r.SetHeadDetached(st.Oid)
}

func (r *Repository) checkoutMessage(to string) string {
	from := "HEAD"
	if st, err := headState(r.refs); err == nil {
		switch st.Kind {
		case HeadDetached:
			from = st.Oid.String()
		default:
			from = refdb.ShortName(st.Branch)
		}
	}
	return "checkout: moving from " + from + " to " + refdb.ShortName(to)
}
