package repo

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
	"github.com/odvcencio/gitcore/pkg/refdb"
)

// maxPeel bounds tag-to-tag chains.
const maxPeel = 64

func (r *Repository) wrapObject(id object.Oid, obj *object.Object) *Object {
	return &Object{handle: r.newHandle(), id: id, typ: obj.Type, raw: obj.Data}
}

// Lookup reads the object id.
func (r *Repository) Lookup(id object.Oid) (*Object, error) {
	if err := r.checkOpen("lookup"); err != nil {
		return nil, err
	}
	obj, err := r.odb.Read(id)
	if err != nil {
		return nil, err
	}
	return r.wrapObject(id, obj), nil
}

// LookupPrefix reads the unique object whose hex id starts with prefix.
func (r *Repository) LookupPrefix(prefix string) (*Object, error) {
	if err := r.checkOpen("lookup prefix"); err != nil {
		return nil, err
	}
	id, obj, err := r.odb.ReadPrefix(prefix)
	if err != nil {
		return nil, err
	}
	return r.wrapObject(id, obj), nil
}

// lookupTyped reads id and fails with NotFound when it is not of type want.
func (r *Repository) lookupTyped(op string, id object.Oid, want object.ObjectType) (*object.Object, error) {
	if err := r.checkOpen(op); err != nil {
		return nil, err
	}
	obj, err := r.odb.Read(id)
	if err != nil {
		return nil, err
	}
	if obj.Type != want {
		return nil, giterr.New(giterr.KindNotFound, op, id.String(), "object is a %s, not a %s", obj.Type, want)
	}
	return obj, nil
}

func (r *Repository) LookupBlob(id object.Oid) (*Blob, error) {
	obj, err := r.lookupTyped("lookup blob", id, object.TypeBlob)
	if err != nil {
		return nil, err
	}
	return &Blob{handle: r.newHandle(), id: id, data: obj.Data}, nil
}

func (r *Repository) LookupTree(id object.Oid) (*Tree, error) {
	obj, err := r.lookupTyped("lookup tree", id, object.TypeTree)
	if err != nil {
		return nil, err
	}
	t, err := object.UnmarshalTree(obj.Data)
	if err != nil {
		return nil, fmt.Errorf("lookup tree %s: %w", id, err)
	}
	return &Tree{handle: r.newHandle(), id: id, tree: t}, nil
}

func (r *Repository) LookupCommit(id object.Oid) (*Commit, error) {
	obj, err := r.lookupTyped("lookup commit", id, object.TypeCommit)
	if err != nil {
		return nil, err
	}
	c, err := object.UnmarshalCommit(obj.Data)
	if err != nil {
		return nil, fmt.Errorf("lookup commit %s: %w", id, err)
	}
	return &Commit{handle: r.newHandle(), id: id, commit: c}, nil
}

func (r *Repository) LookupTag(id object.Oid) (*Tag, error) {
	obj, err := r.lookupTyped("lookup tag", id, object.TypeTag)
	if err != nil {
		return nil, err
	}
	t, err := object.UnmarshalTag(obj.Data)
	if err != nil {
		return nil, fmt.Errorf("lookup tag %s: %w", id, err)
	}
	return &Tag{handle: r.newHandle(), id: id, tag: t}, nil
}

// Peel follows id through annotated tags, and from a commit to its tree,
// until it reaches an object of type typ. With object.TypeAny it stops at
// the first object that is not a tag. Anything else fails with Peel.
func (r *Repository) Peel(id object.Oid, typ object.ObjectType) (*Object, error) {
	const op = "peel"
	cur, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	for range maxPeel {
		if cur.typ == typ || (typ == object.TypeAny && cur.typ != object.TypeTag) {
			return cur, nil
		}
		var next object.Oid
		switch {
		case cur.typ == object.TypeTag:
			t, err := object.UnmarshalTag(cur.raw)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", op, cur.id, err)
			}
			next = t.Target
		case cur.typ == object.TypeCommit && typ == object.TypeTree:
			c, err := object.UnmarshalCommit(cur.raw)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", op, cur.id, err)
			}
			next = c.Tree
		default:
			return nil, giterr.New(giterr.KindPeel, op, id.String(), "%s %s cannot be peeled to %s", cur.typ, cur.id.Short(7), typ)
		}
		if cur, err = r.Lookup(next); err != nil {
			return nil, err
		}
	}
	return nil, giterr.New(giterr.KindPeel, op, id.String(), "tag chain longer than %d", maxPeel)
}

// peelOid adapts Peel for refdb.PackRefs: tags peel to their target, other
// objects and dangling refs yield the zero id.
func (r *Repository) peelOid(id object.Oid) (object.Oid, error) {
	typ, _, err := r.odb.ReadHeader(id)
	if giterr.IsNotFound(err) {
		return object.ZeroOid, nil
	}
	if err != nil || typ != object.TypeTag {
		return object.ZeroOid, err
	}
	obj, err := r.Peel(id, object.TypeAny)
	if err != nil {
		return object.ZeroOid, err
	}
	return obj.id, nil
}

// CreateBlob stores data as a blob.
func (r *Repository) CreateBlob(data []byte) (object.Oid, error) {
	if err := r.checkOpen("create blob"); err != nil {
		return object.ZeroOid, err
	}
	return r.odb.Write(object.TypeBlob, data)
}

// CreateTree stores a tree built from entries, sorting them into git order.
// Entry names must be single path components and unique.
func (r *Repository) CreateTree(entries []object.TreeEntry) (object.Oid, error) {
	const op = "create tree"
	if err := r.checkOpen(op); err != nil {
		return object.ZeroOid, err
	}
	sorted := append([]object.TreeEntry(nil), entries...)
	seen := make(map[string]struct{}, len(sorted))
	for _, e := range sorted {
		if e.Name == "" || e.Name == "." || e.Name == ".." || strings.ContainsAny(e.Name, "/\x00") {
			return object.ZeroOid, giterr.New(giterr.KindInvalidSpec, op, e.Name, "invalid tree entry name")
		}
		if _, dup := seen[e.Name]; dup {
			return object.ZeroOid, giterr.New(giterr.KindInvalidSpec, op, e.Name, "duplicate tree entry")
		}
		seen[e.Name] = struct{}{}
	}
	object.SortTreeEntries(sorted)
	return r.odb.Write(object.TypeTree, object.MarshalTree(&object.Tree{Entries: sorted}))
}

// CreateCommit writes a commit and, when refName is non-empty, moves refName
// to it. The ref update is a compare-and-swap against the first parent (or
// against the ref not existing for a root commit), so a concurrent commit
// on the same branch fails with Conflict instead of being lost. refName
// "HEAD" updates the branch HEAD is attached to.
func (r *Repository) CreateCommit(refName string, author, committer object.Signature, message string, tree object.Oid, parents ...object.Oid) (object.Oid, error) {
	const op = "create commit"
	if err := r.checkOpen(op); err != nil {
		return object.ZeroOid, err
	}
	if _, err := r.lookupTyped(op, tree, object.TypeTree); err != nil {
		return object.ZeroOid, err
	}
	for _, p := range parents {
		if _, err := r.lookupTyped(op, p, object.TypeCommit); err != nil {
			return object.ZeroOid, err
		}
	}
	c := &object.Commit{
		Tree:      tree,
		Parents:   parents,
		Author:    author,
		Committer: committer,
		Message:   message,
	}
	id, err := r.odb.Write(object.TypeCommit, object.MarshalCommit(c))
	if err != nil {
		return object.ZeroOid, err
	}
	if refName == "" {
		return id, nil
	}

	target, err := r.updateTarget(refName)
	if err != nil {
		return id, err
	}
	// A branch that already exists must still point at the first parent;
	// one that does not must still be absent.
	expected := refdb.Target{}
	kind := "commit (initial)"
	if len(parents) > 0 {
		kind = "commit"
		if len(parents) > 1 {
			kind = "commit (merge)"
		}
		_, err := r.refs.Lookup(target)
		switch {
		case err == nil:
			expected = refdb.Direct(parents[0])
		case !giterr.IsNotFound(err):
			return id, err
		}
	}
	if err := r.refs.Update(target, refdb.Direct(id), &expected, kind+": "+subject(message)); err != nil {
		return id, err
	}
	r.log.Debug("created commit", zap.String("ref", target), zap.Stringer("oid", id))
	return id, nil
}

// updateTarget follows symbolic refs from name to the direct ref a write
// should land on. A dangling symbolic ref, such as HEAD on an unborn branch,
// yields the missing target.
func (r *Repository) updateTarget(name string) (string, error) {
	cur := name
	for range r.tunables.MaxSymbolicDepth + 1 {
		ref, err := r.refs.Lookup(cur)
		if giterr.IsNotFound(err) {
			return cur, nil
		}
		if err != nil {
			return "", err
		}
		if !ref.Target.IsSymbolic() {
			return cur, nil
		}
		cur = ref.Target.Symbolic
	}
	return "", giterr.New(giterr.KindCycle, "resolve ref", name, "more than %d symbolic hops", r.tunables.MaxSymbolicDepth)
}

func subject(msg string) string {
	msg = strings.TrimLeft(msg, "\n")
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

// RevParse resolves a revision: a full or abbreviated hex id, a reference
// name (expanded the way git does), optionally followed by ^{}, ^{type},
// ^n and ~n suffixes.
func (r *Repository) RevParse(spec string) (object.Oid, error) {
	const op = "rev-parse"
	if err := r.checkOpen(op); err != nil {
		return object.ZeroOid, err
	}
	base, rest := spec, ""
	if i := strings.IndexAny(spec, "^~"); i >= 0 {
		base, rest = spec[:i], spec[i:]
	}
	if base == "" {
		return object.ZeroOid, giterr.New(giterr.KindInvalidSpec, op, spec, "empty revision")
	}
	id, err := r.resolveBase(base)
	if err != nil {
		return object.ZeroOid, err
	}
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, "^{"):
			end := strings.IndexByte(rest, '}')
			if end < 0 {
				return object.ZeroOid, giterr.New(giterr.KindInvalidSpec, op, spec, "unterminated ^{")
			}
			want := object.TypeAny
			if name := rest[2:end]; name != "" {
				if want, err = object.ParseObjectType(name); err != nil {
					return object.ZeroOid, giterr.New(giterr.KindInvalidSpec, op, spec, "unknown peel type %q", name)
				}
			}
			obj, err := r.Peel(id, want)
			if err != nil {
				return object.ZeroOid, err
			}
			id, rest = obj.id, rest[end+1:]
		case rest[0] == '^' || rest[0] == '~':
			n, digits := 1, strings.IndexFunc(rest[1:], func(c rune) bool { return c < '0' || c > '9' })
			if digits < 0 {
				digits = len(rest) - 1
			}
			if digits > 0 {
				if n, err = strconv.Atoi(rest[1 : 1+digits]); err != nil {
					return object.ZeroOid, giterr.New(giterr.KindInvalidSpec, op, spec, "bad number")
				}
			}
			if rest[0] == '^' {
				id, err = r.nthParent(id, n)
			} else {
				for i := 0; i < n && err == nil; i++ {
					id, err = r.nthParent(id, 1)
				}
			}
			if err != nil {
				return object.ZeroOid, err
			}
			rest = rest[1+digits:]
		default:
			return object.ZeroOid, giterr.New(giterr.KindInvalidSpec, op, spec, "unexpected %q", rest)
		}
	}
	return id, nil
}

func (r *Repository) resolveBase(base string) (object.Oid, error) {
	const op = "rev-parse"
	if object.IsHexOid(base) {
		return object.ParseOid(base)
	}
	for _, name := range refdb.DWIMCandidates(base) {
		if refdb.ValidateName(name) != nil {
			continue
		}
		id, err := r.refs.Resolve(name)
		if err == nil {
			return id, nil
		}
		if !giterr.IsNotFound(err) {
			return object.ZeroOid, err
		}
	}
	if object.ValidatePrefix(base) == nil {
		return r.odb.ResolvePrefix(base)
	}
	return object.ZeroOid, giterr.New(giterr.KindNotFound, op, base, "unknown revision")
}

// nthParent returns the n-th parent of the commit id peels to; n == 0 is the
// commit itself.
func (r *Repository) nthParent(id object.Oid, n int) (object.Oid, error) {
	obj, err := r.Peel(id, object.TypeCommit)
	if err != nil {
		return object.ZeroOid, err
	}
	if n == 0 {
		return obj.id, nil
	}
	c, err := object.UnmarshalCommit(obj.raw)
	if err != nil {
		return object.ZeroOid, err
	}
	if n > len(c.Parents) {
		return object.ZeroOid, giterr.New(giterr.KindNotFound, "rev-parse", obj.id.String(), "commit has no parent %d", n)
	}
	return c.Parents[n-1], nil
}
