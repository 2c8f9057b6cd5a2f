// Package refdb stores Git references: loose files under the gitdir plus the
// packed-refs file, with per-reference lock files for compare-and-swap
// updates.
//
// Reads take no locks. Loose refs shadow packed ones; packed-refs is parsed
// into an immutable snapshot that is re-validated against the file on every
// read, so an external rewrite is never served stale.
package refdb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/lockfile"
	"github.com/odvcencio/gitcore/pkg/object"
)

// DefaultMaxSymbolicDepth bounds how many symbolic hops Resolve follows.
const DefaultMaxSymbolicDepth = 5

// RefDb is a reference database rooted at a gitdir. It is safe for
// concurrent use.
type RefDb struct {
	gitDir    string
	commonDir string

	log      *zap.Logger
	lockOpts lockfile.Options
	maxDepth int
	reflog   bool
	identity func() object.Signature

	namespace atomic.Pointer[string]
	packed    atomic.Pointer[packedSnapshot]
}

type Option func(*RefDb)

func WithLogger(l *zap.Logger) Option {
	return func(db *RefDb) {
		if l != nil {
			db.log = l
		}
	}
}

// WithLockOptions sets the timeout and retry interval for ref lock files.
func WithLockOptions(o lockfile.Options) Option {
	return func(db *RefDb) { db.lockOpts = o }
}

func WithMaxSymbolicDepth(n int) Option {
	return func(db *RefDb) {
		if n > 0 {
			db.maxDepth = n
		}
	}
}

// WithReflog enables reflog appends for HEAD, branches, remote-tracking refs
// and notes, plus any ref that already has a log.
func WithReflog(enabled bool) Option {
	return func(db *RefDb) { db.reflog = enabled }
}

// WithCommonDir sets the shared gitdir of a linked worktree. Refs that are
// not per-worktree, and packed-refs, live there.
func WithCommonDir(dir string) Option {
	return func(db *RefDb) { db.commonDir = dir }
}

// WithIdentity sets the committer recorded in reflog entries.
func WithIdentity(fn func() object.Signature) Option {
	return func(db *RefDb) { db.identity = fn }
}

// New opens the reference database of gitDir. Nothing is read until the
// first lookup.
func New(gitDir string, opts ...Option) *RefDb {
	db := &RefDb{
		gitDir:   gitDir,
		log:      zap.NewNop(),
		maxDepth: DefaultMaxSymbolicDepth,
		identity: defaultIdentity,
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.commonDir == "" {
		db.commonDir = gitDir
	}
	if db.lockOpts.Log == nil {
		db.lockOpts.Log = db.log
	}
	return db
}

func defaultIdentity() object.Signature {
	return object.Signature{Name: "gitcore", Email: "gitcore@localhost", When: time.Now()}
}

func (db *RefDb) GitDir() string    { return db.gitDir }
func (db *RefDb) CommonDir() string { return db.commonDir }

// SetNamespace makes every name under refs/ resolve inside
// refs/namespaces/<ns>/. An empty ns clears it.
func (db *RefDb) SetNamespace(ns string) error {
	ns = strings.Trim(ns, "/")
	if ns != "" {
		if err := checkRefFormat("refs/" + ns); err != nil {
			return giterr.New(giterr.KindInvalidSpec, "set namespace", ns, "%s", err)
		}
	}
	db.namespace.Store(&ns)
	return nil
}

// Namespace returns the active namespace, or "".
func (db *RefDb) Namespace() string {
	if p := db.namespace.Load(); p != nil {
		return *p
	}
	return ""
}

func (db *RefDb) storageName(name string) string {
	if !strings.HasPrefix(name, "refs/") {
		return name
	}
	return namespacePrefix(db.Namespace()) + name
}

// publicName maps a storage name back to the caller's view. ok is false for
// refs outside the active namespace.
func (db *RefDb) publicName(sname string) (string, bool) {
	prefix := namespacePrefix(db.Namespace())
	if prefix == "" || !strings.HasPrefix(sname, "refs/") {
		return sname, true
	}
	rest, ok := strings.CutPrefix(sname, prefix)
	return rest, ok
}

func (db *RefDb) storageTarget(t Target) Target {
	if t.Symbolic != "" {
		t.Symbolic = db.storageName(t.Symbolic)
	}
	return t
}

func (db *RefDb) publicTarget(t Target) Target {
	if t.Symbolic != "" {
		if name, ok := db.publicName(t.Symbolic); ok {
			t.Symbolic = name
		}
	}
	return t
}

func (db *RefDb) dirFor(sname string) string {
	if IsPerWorktree(sname) {
		return db.gitDir
	}
	return db.commonDir
}

func (db *RefDb) refPath(sname string) string {
	return filepath.Join(db.dirFor(sname), filepath.FromSlash(sname))
}

func (db *RefDb) commonPath(rel string) string {
	return filepath.Join(db.commonDir, filepath.FromSlash(rel))
}

// readLoose reads the loose file for sname. ok is false when there is no such
// file, including when a directory or a file sits where the ref would be.
func (db *RefDb) readLoose(sname string) (Target, bool, error) {
	path := db.refPath(sname)
	data, err := os.ReadFile(path)
	if err == nil {
		t, err := parseLoose(sname, data)
		return t, err == nil, err
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return Target{}, false, nil
	}
	if fi, serr := os.Stat(path); serr == nil && fi.IsDir() {
		return Target{}, false, nil
	}
	return Target{}, false, fmt.Errorf("read ref %s: %w", sname, err)
}

// current returns the stored value of sname (loose first, then packed), or
// the zero Target when absent.
func (db *RefDb) current(sname string) (Target, *packedSnapshot, error) {
	t, ok, err := db.readLoose(sname)
	if err != nil || ok {
		return t, nil, err
	}
	snap, err := db.loadPacked()
	if err != nil {
		return Target{}, nil, err
	}
	if r, ok := snap.get(sname); ok {
		return r.Target, snap, nil
	}
	return Target{}, snap, nil
}

// Lookup returns the reference called name without following symbolic
// targets.
func (db *RefDb) Lookup(name string) (*Reference, error) {
	const op = "lookup ref"
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	sname := db.storageName(name)
	t, ok, err := db.readLoose(sname)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Reference{Name: name, Target: db.publicTarget(t)}, nil
	}
	snap, err := db.loadPacked()
	if err != nil {
		return nil, err
	}
	if r, ok := snap.get(sname); ok {
		return &Reference{Name: name, Target: r.Target, Peeled: r.Peeled}, nil
	}
	return nil, giterr.New(giterr.KindNotFound, op, name, "")
}

// ResolveReference follows symbolic references from name until it reaches a
// direct one. A chain longer than the configured depth, including any
// cycle, fails with a Cycle error. A symbolic ref whose target does not
// exist yields NotFound naming the missing target.
func (db *RefDb) ResolveReference(name string) (*Reference, error) {
	const op = "resolve ref"
	cur := name
	for hops := 0; ; hops++ {
		ref, err := db.Lookup(cur)
		if err != nil {
			return nil, err
		}
		if ref.Target.Symbolic == "" {
			return ref, nil
		}
		if hops >= db.maxDepth {
			return nil, giterr.New(giterr.KindCycle, op, name, "more than %d symbolic hops", db.maxDepth)
		}
		cur = ref.Target.Symbolic
	}
}

// Resolve returns the object id name ultimately points at.
func (db *RefDb) Resolve(name string) (object.Oid, error) {
	ref, err := db.ResolveReference(name)
	if err != nil {
		return object.ZeroOid, err
	}
	return ref.Target.Oid, nil
}

// Exists reports whether name is present, loose or packed.
func (db *RefDb) Exists(name string) bool {
	_, err := db.Lookup(name)
	return err == nil
}

// Update points name at target. When expectedOld is non-nil the write only
// happens if the current value equals *expectedOld; the zero Target means
// "must not exist". A mismatch fails with Conflict and leaves the ref
// untouched. The new value shadows any packed entry.
func (db *RefDb) Update(name string, target Target, expectedOld *Target, message string) error {
	const op = "update ref"
	if err := ValidateName(name); err != nil {
		return err
	}
	switch target.Kind() {
	case KindInvalid:
		return giterr.New(giterr.KindInvalidSpec, op, name, "empty target")
	case KindSymbolic:
		if err := ValidateName(target.Symbolic); err != nil {
			return err
		}
	}

	sname := db.storageName(name)
	if err := db.checkNameConflict(sname); err != nil {
		return err
	}
	lock, err := lockfile.Acquire(db.refPath(sname), db.lockOpts)
	if err != nil {
		// A missing directory right after Acquire created it means a
		// racing update cleared the slot.
		if errors.Is(err, fs.ErrNotExist) {
			return giterr.Wrap(giterr.KindConflict, op, name, err)
		}
		return nameConflict(op, name, err)
	}
	defer lock.Rollback()
	// A ref racing us for the same file/directory slot may have appeared
	// between the first check and the lock.
	if err := db.checkNameConflict(sname); err != nil {
		return err
	}

	old, _, err := db.current(sname)
	if err != nil {
		return err
	}
	if expectedOld != nil && db.publicTarget(old) != *expectedOld {
		return giterr.New(giterr.KindConflict, op, name, "expected %s, found %s", *expectedOld, db.publicTarget(old))
	}
	if _, err := lock.Write(encodeLoose(db.storageTarget(target))); err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	if err := lock.Commit(); err != nil {
		return nameConflict(op, name, err)
	}
	db.log.Debug("updated ref", zap.String("ref", sname), zap.Stringer("old", old), zap.Stringer("new", target))

	if err := db.logUpdate(sname, old, db.storageTarget(target), message); err != nil {
		return &ReflogError{Ref: name, Err: err}
	}
	return nil
}

// Delete removes name from both the loose and packed stores, then its
// reflog. expectedOld has the same meaning as for Update.
func (db *RefDb) Delete(name string, expectedOld *Target) error {
	const op = "delete ref"
	if err := ValidateName(name); err != nil {
		return err
	}
	sname := db.storageName(name)
	path := db.refPath(sname)
	lock, err := lockfile.Acquire(path, db.lockOpts)
	if err != nil {
		return err
	}
	defer lock.Rollback()

	loose, inLoose, err := db.readLoose(sname)
	if err != nil {
		return err
	}
	snap, err := db.loadPacked()
	if err != nil {
		return err
	}
	packed, inPacked := snap.get(sname)
	if !inLoose && !inPacked {
		return giterr.New(giterr.KindNotFound, op, name, "")
	}
	cur := loose
	if !inLoose {
		cur = packed.Target
	}
	if expectedOld != nil && db.publicTarget(cur) != *expectedOld {
		return giterr.New(giterr.KindConflict, op, name, "expected %s, found %s", *expectedOld, db.publicTarget(cur))
	}

	if inPacked {
		err := db.rewritePacked(func(refs []*Reference) []*Reference {
			out := refs[:0]
			for _, r := range refs {
				if r.Name != sname {
					out = append(out, r)
				}
			}
			return out
		})
		if err != nil {
			return err
		}
	}
	if inLoose {
		if err := lock.Remove(); err != nil {
			return fmt.Errorf("%s %s: %w", op, name, err)
		}
	}
	if err := os.Remove(db.logPath(sname)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		db.log.Warn("could not remove reflog", zap.String("ref", sname), zap.Error(err))
	}
	db.pruneEmptyParents(sname)
	db.log.Debug("deleted ref", zap.String("ref", sname))
	return nil
}

// checkNameConflict rejects names that would need a file and a directory at
// the same path: refs/heads/a and refs/heads/a/b cannot coexist.
func (db *RefDb) checkNameConflict(sname string) error {
	const op = "update ref"
	snap, err := db.loadPacked()
	if err != nil {
		return err
	}
	parts := strings.Split(sname, "/")
	for i := 1; i < len(parts); i++ {
		parent := strings.Join(parts[:i], "/")
		if parent == "refs" {
			continue
		}
		if _, ok := snap.get(parent); ok {
			return giterr.New(giterr.KindConflict, op, sname, "%s exists", parent)
		}
		if fi, err := os.Stat(db.refPath(parent)); err == nil && !fi.IsDir() {
			return giterr.New(giterr.KindConflict, op, sname, "%s exists", parent)
		}
	}

	nested := false
	snap.walk(sname+"/", func(*Reference) bool {
		nested = true
		return true
	})
	if nested {
		return giterr.New(giterr.KindConflict, op, sname, "refs exist under %s/", sname)
	}
	dir := db.refPath(sname)
	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		if hasFiles(dir) {
			return giterr.New(giterr.KindConflict, op, sname, "refs exist under %s/", sname)
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("%s %s: clear empty directory: %w", op, sname, err)
		}
	}
	return nil
}

// nameConflict reports filesystem errors caused by a file standing where a
// directory is needed (or the reverse) as a Conflict.
func nameConflict(op, name string, err error) error {
	for _, errno := range []syscall.Errno{syscall.ENOTDIR, syscall.EISDIR, syscall.ENOTEMPTY, syscall.EEXIST} {
		if errors.Is(err, errno) {
			return giterr.Wrap(giterr.KindConflict, op, name, err)
		}
	}
	return err
}

func hasFiles(dir string) bool {
	found := false
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// pruneEmptyParents removes directories left empty by a delete. The
// top-level namespaces such as refs/heads are kept.
func (db *RefDb) pruneEmptyParents(sname string) {
	parts := strings.SplitN(sname, "/", 3)
	if len(parts) < 3 {
		return
	}
	keep := filepath.Join(parts[0], parts[1])
	root := db.dirFor(sname)
	pruneDirs(filepath.Dir(db.refPath(sname)), filepath.Join(root, keep))
	pruneDirs(filepath.Dir(db.logPath(sname)), filepath.Join(root, "logs", keep))
}

func pruneDirs(dir, stop string) {
	for strings.HasPrefix(dir, stop+string(filepath.Separator)) {
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// rewritePacked replaces packed-refs with edit applied to its current
// entries, under packed-refs.lock.
func (db *RefDb) rewritePacked(edit func([]*Reference) []*Reference) error {
	path := db.commonPath(packedRefsFile)
	lock, err := lockfile.Acquire(path, db.lockOpts)
	if err != nil {
		return err
	}
	defer lock.Rollback()

	snap, err := db.loadPacked()
	if err != nil {
		return err
	}
	refs := edit(snap.list())
	peeled := false
	for _, r := range refs {
		if !r.Peeled.IsZero() {
			peeled = true
			break
		}
	}
	if _, err := lock.Write(encodePacked(refs, peeled)); err != nil {
		return fmt.Errorf("write packed-refs: %w", err)
	}
	return lock.Commit()
}
