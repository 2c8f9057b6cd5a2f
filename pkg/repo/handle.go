package repo

import (
	"time"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
)

// handle ties an object view to the repository generation it was read in.
// Close bumps the repository to generation zero, so every later call that
// needs the repository fails with Closed.
type handle struct {
	repo  *Repository
	epoch uint64
}

func (r *Repository) newHandle() handle {
	return handle{repo: r, epoch: r.epoch.Load()}
}

func (h handle) check(op string) error {
	if h.repo == nil || h.epoch == 0 || h.repo.epoch.Load() != h.epoch {
		return giterr.New(giterr.KindClosed, op, "", "object handle outlived its repository")
	}
	return nil
}

// Repository returns the owning repository.
func (h handle) Repository() (*Repository, error) {
	if err := h.check("repository"); err != nil {
		return nil, err
	}
	return h.repo, nil
}

// Object is an untyped object read from the database.
type Object struct {
	handle
	id  object.Oid
	typ object.ObjectType
	raw []byte
}

func (o *Object) Id() object.Oid          { return o.id }
func (o *Object) Type() object.ObjectType { return o.typ }
func (o *Object) Size() int               { return len(o.raw) }

// Data returns the canonical payload.
func (o *Object) Data() ([]byte, error) {
	if err := o.check("object data"); err != nil {
		return nil, err
	}
	return o.raw, nil
}

// Peel follows o to an object of type typ; see Repository.Peel.
func (o *Object) Peel(typ object.ObjectType) (*Object, error) {
	if err := o.check("peel"); err != nil {
		return nil, err
	}
	return o.repo.Peel(o.id, typ)
}

type Blob struct {
	handle
	id   object.Oid
	data []byte
}

func (b *Blob) Id() object.Oid { return b.id }
func (b *Blob) Size() int      { return len(b.data) }

func (b *Blob) Content() ([]byte, error) {
	if err := b.check("blob content"); err != nil {
		return nil, err
	}
	return b.data, nil
}

type Tree struct {
	handle
	id   object.Oid
	tree *object.Tree
}

func (t *Tree) Id() object.Oid { return t.id }
func (t *Tree) Len() int       { return len(t.tree.Entries) }

// Entries returns the entries in git tree order.
func (t *Tree) Entries() []object.TreeEntry { return t.tree.Entries }

func (t *Tree) EntryByName(name string) (object.TreeEntry, bool) {
	return t.tree.Find(name)
}

// EntryObject reads the object named by the entry called name.
func (t *Tree) EntryObject(name string) (*Object, error) {
	const op = "tree entry"
	if err := t.check(op); err != nil {
		return nil, err
	}
	e, ok := t.tree.Find(name)
	if !ok {
		return nil, giterr.New(giterr.KindNotFound, op, name, "no entry in tree %s", t.id.Short(7))
	}
	return t.repo.Lookup(e.Oid)
}

type Commit struct {
	handle
	id     object.Oid
	commit *object.Commit
}

func (c *Commit) Id() object.Oid              { return c.id }
func (c *Commit) TreeId() object.Oid          { return c.commit.Tree }
func (c *Commit) ParentIds() []object.Oid     { return c.commit.Parents }
func (c *Commit) ParentCount() int            { return len(c.commit.Parents) }
func (c *Commit) Author() object.Signature    { return c.commit.Author }
func (c *Commit) Committer() object.Signature { return c.commit.Committer }
func (c *Commit) Message() string             { return c.commit.Message }
func (c *Commit) Time() time.Time             { return c.commit.Committer.When }
func (c *Commit) Raw() *object.Commit         { return c.commit }

// Tree loads the commit's root tree.
func (c *Commit) Tree() (*Tree, error) {
	if err := c.check("commit tree"); err != nil {
		return nil, err
	}
	return c.repo.LookupTree(c.commit.Tree)
}

// Parent loads the n-th parent.
func (c *Commit) Parent(n int) (*Commit, error) {
	const op = "commit parent"
	if err := c.check(op); err != nil {
		return nil, err
	}
	if n < 0 || n >= len(c.commit.Parents) {
		return nil, giterr.New(giterr.KindNotFound, op, c.id.String(), "commit has no parent %d", n)
	}
	return c.repo.LookupCommit(c.commit.Parents[n])
}

type Tag struct {
	handle
	id  object.Oid
	tag *object.Tag
}

func (t *Tag) Id() object.Oid                { return t.id }
func (t *Tag) Name() string                  { return t.tag.Name }
func (t *Tag) Message() string               { return t.tag.Message }
func (t *Tag) TargetId() object.Oid          { return t.tag.Target }
func (t *Tag) TargetType() object.ObjectType { return t.tag.TargetType }

// Tagger returns the tagger, which old tags may omit.
func (t *Tag) Tagger() (object.Signature, bool) {
	if t.tag.Tagger == nil {
		return object.Signature{}, false
	}
	return *t.tag.Tagger, true
}

// Target loads the tagged object.
func (t *Tag) Target() (*Object, error) {
	if err := t.check("tag target"); err != nil {
		return nil, err
	}
	return t.repo.Lookup(t.tag.Target)
}

// Peel follows the tag chain to the first non-tag object.
func (t *Tag) Peel() (*Object, error) {
	if err := t.check("peel tag"); err != nil {
		return nil, err
	}
	return t.repo.Peel(t.id, object.TypeAny)
}
