package refdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/lockfile"
	"github.com/odvcencio/gitcore/pkg/object"
)

func oid(s string) object.Oid { return object.HashObject(object.TypeBlob, []byte(s)) }

func newTestDB(t *testing.T, opts ...Option) (*RefDb, string) {
	t.Helper()
	dir := t.TempDir()
	return New(dir, opts...), dir
}

func TestUpdateLookupDirectAndSymbolic(t *testing.T) {
	db, dir := newTestDB(t)
	a := oid("a")

	require.NoError(t, db.Update("refs/heads/main", Direct(a), nil, "create"))
	require.NoError(t, db.Update(HEAD, Symbolic("refs/heads/main"), nil, ""))

	data, err := os.ReadFile(filepath.Join(dir, "refs", "heads", "main"))
	require.NoError(t, err)
	require.Equal(t, a.String()+"\n", string(data))
	data, err = os.ReadFile(filepath.Join(dir, "HEAD"))
	require.NoError(t, err)
	require.Equal(t, "ref: refs/heads/main\n", string(data))

	head, err := db.Lookup(HEAD)
	require.NoError(t, err)
	require.Equal(t, KindSymbolic, head.Kind())
	require.Equal(t, "refs/heads/main", head.Target.Symbolic)

	got, err := db.Resolve(HEAD)
	require.NoError(t, err)
	require.Equal(t, a, got)

	_, err = db.Lookup("refs/heads/missing")
	require.ErrorIs(t, err, giterr.ErrNotFound)
	require.False(t, db.Exists("refs/heads/missing"))
}

func TestUpdateRejectsStaleExpectedOld(t *testing.T) {
	db, _ := newTestDB(t)
	a, b, c := oid("a"), oid("b"), oid("c")
	require.NoError(t, db.Update("refs/heads/main", Direct(a), &Target{}, ""))

	err := db.Update("refs/heads/main", Direct(c), &Target{Oid: b}, "")
	require.ErrorIs(t, err, giterr.ErrConflict)
	got, err := db.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, a, got)

	// The zero target as expected-old means "must not exist".
	err = db.Update("refs/heads/main", Direct(c), &Target{}, "")
	require.ErrorIs(t, err, giterr.ErrConflict)

	require.NoError(t, db.Update("refs/heads/main", Direct(b), &Target{Oid: a}, ""))
	got, _ = db.Resolve("refs/heads/main")
	require.Equal(t, b, got)
}

func TestUpdateRejectsInvalidInput(t *testing.T) {
	db, _ := newTestDB(t)
	require.ErrorIs(t, db.Update("refs/heads/bad..name", Direct(oid("a")), nil, ""), giterr.ErrInvalidSpec)
	require.ErrorIs(t, db.Update("refs/heads/x", Target{}, nil, ""), giterr.ErrInvalidSpec)
	require.ErrorIs(t, db.Update(HEAD, Symbolic("not a ref"), nil, ""), giterr.ErrInvalidSpec)
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"HEAD", true},
		{"ORIG_HEAD", true},
		{"FETCH_HEAD", true},
		{"refs/heads/main", true},
		{"refs/heads/feature/x", true},
		{"refs/tags/v1.0", true},
		{"head", false},
		{"main", false},
		{"", false},
		{"refs/heads/", false},
		{"refs/heads//x", false},
		{"refs/heads/.hidden", false},
		{"refs/heads/x.lock", false},
		{"refs/heads/a..b", false},
		{"refs/heads/a b", false},
		{"refs/heads/a~1", false},
		{"refs/heads/a^", false},
		{"refs/heads/a:b", false},
		{"refs/heads/a?", false},
		{"refs/heads/a*", false},
		{"refs/heads/a[", false},
		{"refs/heads/a\\b", false},
		{"refs/heads/a@{1}", false},
		{"refs/heads/end.", false},
		{"refs/heads/tab\t", false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.ok {
			require.NoError(t, err, tt.name)
		} else {
			require.ErrorIs(t, err, giterr.ErrInvalidSpec, tt.name)
		}
	}
}

func TestResolveBoundsSymbolicChains(t *testing.T) {
	db, _ := newTestDB(t)
	target := oid("tip")
	require.NoError(t, db.Update("refs/heads/l5", Direct(target), nil, ""))
	// l0 -> l1 -> ... -> l5 is five symbolic hops.
	for i := 4; i >= 0; i-- {
		require.NoError(t, db.Update(fmt.Sprintf("refs/heads/l%d", i), Symbolic(fmt.Sprintf("refs/heads/l%d", i+1)), nil, ""))
	}
	got, err := db.Resolve("refs/heads/l0")
	require.NoError(t, err)
	require.Equal(t, target, got)

	require.NoError(t, db.Update("refs/heads/lx", Symbolic("refs/heads/l0"), nil, ""))
	_, err = db.Resolve("refs/heads/lx")
	require.ErrorIs(t, err, giterr.ErrCycle)

	require.NoError(t, db.Update("refs/heads/self", Symbolic("refs/heads/self"), nil, ""))
	_, err = db.Resolve("refs/heads/self")
	require.ErrorIs(t, err, giterr.ErrCycle)

	require.NoError(t, db.Update("refs/heads/p", Symbolic("refs/heads/q"), nil, ""))
	require.NoError(t, db.Update("refs/heads/q", Symbolic("refs/heads/p"), nil, ""))
	_, err = db.Resolve("refs/heads/p")
	require.ErrorIs(t, err, giterr.ErrCycle)

	require.NoError(t, db.Update(HEAD, Symbolic("refs/heads/unborn"), nil, ""))
	_, err = db.Resolve(HEAD)
	require.ErrorIs(t, err, giterr.ErrNotFound)
}

func TestMaxSymbolicDepthOption(t *testing.T) {
	db, _ := newTestDB(t, WithMaxSymbolicDepth(1))
	require.NoError(t, db.Update("refs/heads/b", Direct(oid("b")), nil, ""))
	require.NoError(t, db.Update("refs/heads/a", Symbolic("refs/heads/b"), nil, ""))
	require.NoError(t, db.Update(HEAD, Symbolic("refs/heads/a"), nil, ""))

	_, err := db.Resolve("refs/heads/a")
	require.NoError(t, err)
	_, err = db.Resolve(HEAD)
	require.ErrorIs(t, err, giterr.ErrCycle)
}

func TestConcurrentUpdatesDifferentRefsAllSucceed(t *testing.T) {
	db, _ := newTestDB(t)
	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- db.Update(fmt.Sprintf("refs/heads/b%d", i), Direct(oid(fmt.Sprint(i))), &Target{}, "")
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	n := 0
	for _, err := range db.All() {
		require.NoError(t, err)
		n++
	}
	require.Equal(t, workers, n)
}

func TestConcurrentCASSingleWinner(t *testing.T) {
	db, _ := newTestDB(t, WithLockOptions(lockfile.Options{Timeout: 10 * time.Second, Retry: time.Millisecond}))
	base := oid("base")
	require.NoError(t, db.Update("refs/heads/main", Direct(base), nil, ""))

	const workers = 16
	var wg sync.WaitGroup
	winners := make(chan object.Oid, workers)
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := oid(fmt.Sprintf("next-%d", i))
			if err := db.Update("refs/heads/main", Direct(next), &Target{Oid: base}, ""); err != nil {
				errs <- err
				return
			}
			winners <- next
		}(i)
	}
	wg.Wait()
	close(winners)
	close(errs)

	require.Len(t, winners, 1)
	winner := <-winners
	conflicts := 0
	for err := range errs {
		require.ErrorIs(t, err, giterr.ErrConflict)
		conflicts++
	}
	require.Equal(t, workers-1, conflicts)
	got, err := db.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, winner, got)
}

func TestStaleLockReportsLocked(t *testing.T) {
	db, dir := newTestDB(t, WithLockOptions(lockfile.Options{Timeout: 20 * time.Millisecond, Retry: time.Millisecond}))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "refs", "heads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "refs", "heads", "main.lock"), nil, 0o644))

	err := db.Update("refs/heads/main", Direct(oid("a")), nil, "")
	require.ErrorIs(t, err, giterr.ErrLocked)
	require.NoError(t, db.Update("refs/heads/other", Direct(oid("a")), nil, ""))
}

func writePackedRefs(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, packedRefsFile), []byte(content), 0o644))
}

func TestLooseShadowsPacked(t *testing.T) {
	db, dir := newTestDB(t)
	p, l := oid("packed"), oid("loose")
	writePackedRefs(t, dir, "# pack-refs with: peeled fully-peeled sorted \n"+
		p.String()+" refs/heads/main\n"+
		p.String()+" refs/tags/v1\n^"+l.String()+"\n")

	ref, err := db.Lookup("refs/tags/v1")
	require.NoError(t, err)
	require.Equal(t, p, ref.Target.Oid)
	require.Equal(t, l, ref.Peeled)

	got, err := db.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, p, got)

	require.NoError(t, db.Update("refs/heads/main", Direct(l), &Target{Oid: p}, ""))
	got, err = db.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, l, got)

	var names []string
	for ref, err := range db.All() {
		require.NoError(t, err)
		names = append(names, ref.Name)
		if ref.Name == "refs/heads/main" {
			require.Equal(t, l, ref.Target.Oid)
		}
	}
	require.Equal(t, []string{"refs/heads/main", "refs/tags/v1"}, names)

	require.NoError(t, db.Delete("refs/heads/main", &Target{Oid: l}))
	_, err = db.Lookup("refs/heads/main")
	require.ErrorIs(t, err, giterr.ErrNotFound)

	data, err := os.ReadFile(filepath.Join(dir, packedRefsFile))
	require.NoError(t, err)
	require.NotContains(t, string(data), "refs/heads/main")
	require.Contains(t, string(data), "refs/tags/v1")
}

func TestPackedRefsExternalRewriteIsSeen(t *testing.T) {
	db, dir := newTestDB(t)
	a, b := oid("a"), oid("b")
	writePackedRefs(t, dir, a.String()+" refs/heads/main\n")
	got, err := db.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, a, got)

	tmp := filepath.Join(dir, "packed-refs.new")
	require.NoError(t, os.WriteFile(tmp, []byte(b.String()+" refs/heads/main\n"), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, packedRefsFile)))

	got, err = db.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, b, got)

	require.NoError(t, os.Remove(filepath.Join(dir, packedRefsFile)))
	_, err = db.Resolve("refs/heads/main")
	require.ErrorIs(t, err, giterr.ErrNotFound)
}

func TestCorruptPackedRefs(t *testing.T) {
	db, dir := newTestDB(t)
	writePackedRefs(t, dir, "not-an-id refs/heads/main\n")
	_, err := db.Lookup("refs/heads/main")
	require.ErrorIs(t, err, giterr.ErrCorruption)
}

func TestDeleteRules(t *testing.T) {
	db, dir := newTestDB(t)
	a := oid("a")
	require.ErrorIs(t, db.Delete("refs/heads/none", nil), giterr.ErrNotFound)

	require.NoError(t, db.Update("refs/heads/feature/deep/x", Direct(a), nil, ""))
	require.ErrorIs(t, db.Delete("refs/heads/feature/deep/x", &Target{Oid: oid("b")}), giterr.ErrConflict)
	require.NoError(t, db.Delete("refs/heads/feature/deep/x", &Target{Oid: a}))

	_, err := os.Stat(filepath.Join(dir, "refs", "heads", "feature"))
	require.True(t, os.IsNotExist(err), "empty parent directories should be pruned")

	// The freed name can now be used as a plain ref.
	require.NoError(t, db.Update("refs/heads/feature", Direct(a), nil, ""))
}

func TestNameConflicts(t *testing.T) {
	db, dir := newTestDB(t)
	a := oid("a")
	require.NoError(t, db.Update("refs/heads/a", Direct(a), nil, ""))
	require.ErrorIs(t, db.Update("refs/heads/a/b", Direct(a), nil, ""), giterr.ErrConflict)

	require.NoError(t, db.Update("refs/heads/x/y", Direct(a), nil, ""))
	require.ErrorIs(t, db.Update("refs/heads/x", Direct(a), nil, ""), giterr.ErrConflict)

	writePackedRefs(t, dir, a.String()+" refs/tags/p/q\n")
	require.ErrorIs(t, db.Update("refs/tags/p", Direct(a), nil, ""), giterr.ErrConflict)

	// An update in flight under refs/heads/busy/ holds busy/b.lock.
	lock, err := lockfile.Acquire(filepath.Join(dir, "refs", "heads", "busy", "b"), lockfile.Options{})
	require.NoError(t, err)
	require.ErrorIs(t, db.Update("refs/heads/busy", Direct(a), nil, ""), giterr.ErrConflict)
	require.NoError(t, lock.Rollback())

	rename := &os.LinkError{Op: "rename", Old: "refs/heads/r.lock", New: "refs/heads/r", Err: syscall.EISDIR}
	require.ErrorIs(t, nameConflict("update ref", "refs/heads/r", rename), giterr.ErrConflict)
	other := errors.New("disk full")
	require.Equal(t, other, nameConflict("update ref", "refs/heads/r", other))
}

func TestConcurrentFileDirectoryNamesConflict(t *testing.T) {
	db, _ := newTestDB(t)
	a := oid("a")
	for i := range 20 {
		parent := fmt.Sprintf("refs/heads/r%d", i)
		names := []string{parent, parent + "/b"}
		errs := make([]error, len(names))
		var wg sync.WaitGroup
		for j, name := range names {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[j] = db.Update(name, Direct(a), nil, "")
			}()
		}
		wg.Wait()

		succeeded := 0
		for j, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, giterr.ErrConflict, names[j])
		}
		require.LessOrEqual(t, succeeded, 1, parent)
	}
}

func TestPackRefs(t *testing.T) {
	db, dir := newTestDB(t)
	commit, tag := oid("commit"), oid("tag")
	require.NoError(t, db.Update("refs/heads/main", Direct(commit), nil, ""))
	require.NoError(t, db.Update("refs/tags/v1", Direct(tag), nil, ""))
	require.NoError(t, db.Update(HEAD, Symbolic("refs/heads/main"), nil, ""))

	peel := func(id object.Oid) (object.Oid, error) {
		if id == tag {
			return commit, nil
		}
		return object.ZeroOid, nil
	}
	n, err := db.PackRefs(peel)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(dir, packedRefsFile))
	require.NoError(t, err)
	want := "# pack-refs with: peeled fully-peeled sorted \n" +
		commit.String() + " refs/heads/main\n" +
		tag.String() + " refs/tags/v1\n" +
		"^" + commit.String() + "\n"
	require.Equal(t, want, string(data))

	for _, p := range []string{"refs/heads/main", "refs/tags/v1"} {
		_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(p)))
		require.True(t, os.IsNotExist(err), "%s should be pruned", p)
	}
	_, err = os.Stat(filepath.Join(dir, "HEAD"))
	require.NoError(t, err, "HEAD stays loose")

	got, err := db.Resolve(HEAD)
	require.NoError(t, err)
	require.Equal(t, commit, got)
	ref, err := db.Lookup("refs/tags/v1")
	require.NoError(t, err)
	require.Equal(t, commit, ref.Peeled)
}

func TestGlobAndForEach(t *testing.T) {
	db, _ := newTestDB(t)
	for _, name := range []string{"refs/heads/main", "refs/heads/dev", "refs/heads/topic/x", "refs/tags/v1"} {
		require.NoError(t, db.Update(name, Direct(oid(name)), nil, ""))
	}

	var names []string
	for ref, err := range db.Glob("refs/heads/*") {
		require.NoError(t, err)
		names = append(names, ref.Name)
	}
	require.Equal(t, []string{"refs/heads/dev", "refs/heads/main"}, names)

	// Breaking out early is a normal loop exit.
	count := 0
	for range db.All() {
		count++
		break
	}
	require.Equal(t, 1, count)

	seen := 0
	err := db.ForEach("", func(*Reference) error {
		seen++
		if seen == 2 {
			return giterr.ErrIterationStopped
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, seen)

	boom := errors.New("boom")
	require.ErrorIs(t, db.ForEach("refs/tags/*", func(*Reference) error { return boom }), boom)

	for _, err := range db.Glob("refs/[") {
		require.ErrorIs(t, err, giterr.ErrInvalidSpec)
	}
}

func TestNamespaces(t *testing.T) {
	db, dir := newTestDB(t)
	a, b := oid("a"), oid("b")
	require.NoError(t, db.Update("refs/heads/main", Direct(a), nil, ""))

	require.NoError(t, db.SetNamespace("tenant"))
	require.Equal(t, "tenant", db.Namespace())
	_, err := db.Lookup("refs/heads/main")
	require.ErrorIs(t, err, giterr.ErrNotFound)

	require.NoError(t, db.Update("refs/heads/main", Direct(b), nil, ""))
	require.NoError(t, db.Update("refs/heads/alias", Symbolic("refs/heads/main"), nil, ""))
	_, err = os.Stat(filepath.Join(dir, "refs", "namespaces", "tenant", "refs", "heads", "main"))
	require.NoError(t, err)

	got, err := db.Resolve("refs/heads/alias")
	require.NoError(t, err)
	require.Equal(t, b, got)

	var names []string
	for ref, err := range db.All() {
		require.NoError(t, err)
		names = append(names, ref.Name)
	}
	require.Equal(t, []string{"refs/heads/alias", "refs/heads/main"}, names)

	require.NoError(t, db.SetNamespace(""))
	got, err = db.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, a, got)

	require.ErrorIs(t, db.SetNamespace("bad..ns"), giterr.ErrInvalidSpec)
}

func TestWorktreeSplit(t *testing.T) {
	common := t.TempDir()
	wt := filepath.Join(common, "worktrees", "wt1")
	require.NoError(t, os.MkdirAll(wt, 0o755))

	main := New(common)
	linked := New(wt, WithCommonDir(common))
	a, b := oid("a"), oid("b")

	require.NoError(t, linked.Update("refs/heads/side", Direct(a), nil, ""))
	require.NoError(t, linked.Update(HEAD, Symbolic("refs/heads/side"), nil, ""))
	require.NoError(t, linked.Update("refs/bisect/bad", Direct(b), nil, ""))

	_, err := os.Stat(filepath.Join(common, "refs", "heads", "side"))
	require.NoError(t, err, "branches are shared")
	_, err = os.Stat(filepath.Join(wt, "HEAD"))
	require.NoError(t, err, "HEAD is per worktree")
	_, err = os.Stat(filepath.Join(wt, "refs", "bisect", "bad"))
	require.NoError(t, err, "bisect refs are per worktree")

	got, err := main.Resolve("refs/heads/side")
	require.NoError(t, err)
	require.Equal(t, a, got)
	_, err = main.Lookup("refs/bisect/bad")
	require.ErrorIs(t, err, giterr.ErrNotFound)

	var names []string
	for ref, err := range linked.All() {
		require.NoError(t, err)
		names = append(names, ref.Name)
	}
	require.Equal(t, []string{"refs/bisect/bad", "refs/heads/side"}, names)
}

func TestReflog(t *testing.T) {
	when := time.Unix(1700000000, 0).UTC()
	ident := func() object.Signature {
		return object.Signature{Name: "Ada", Email: "ada@example.com", When: when}
	}
	db, dir := newTestDB(t, WithReflog(true), WithIdentity(ident))
	a, b := oid("a"), oid("b")

	require.NoError(t, db.Update(HEAD, Symbolic("refs/heads/main"), nil, "init"))
	require.NoError(t, db.Update("refs/heads/main", Direct(a), &Target{}, "commit (initial): first"))
	require.NoError(t, db.Update("refs/heads/main", Direct(b), &Target{Oid: a}, "commit: second"))

	entries, err := db.Reflog("refs/heads/main")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, b, entries[0].New)
	require.Equal(t, a, entries[0].Old)
	require.Equal(t, "commit: second", entries[0].Message)
	require.Equal(t, object.ZeroOid, entries[1].Old)
	require.Equal(t, "Ada", entries[0].Committer.Name)
	require.Equal(t, when.Unix(), entries[0].Committer.When.Unix())

	head, err := db.Reflog(HEAD)
	require.NoError(t, err)
	require.Len(t, head, 2, "updates through HEAD's branch are logged for HEAD")

	raw, err := os.ReadFile(filepath.Join(dir, "logs", "refs", "heads", "main"))
	require.NoError(t, err)
	first := object.ZeroOid.String() + " " + a.String() + " Ada <ada@example.com> 1700000000 +0000\tcommit (initial): first\n"
	require.Equal(t, first, string(raw[:len(first)]))

	// Tags are not logged by default.
	require.NoError(t, db.Update("refs/tags/v1", Direct(a), nil, ""))
	tags, err := db.Reflog("refs/tags/v1")
	require.NoError(t, err)
	require.Empty(t, tags)

	require.NoError(t, db.Delete("refs/heads/main", nil))
	entries, err = db.Reflog("refs/heads/main")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestReflogDisabled(t *testing.T) {
	db, dir := newTestDB(t)
	require.NoError(t, db.Update("refs/heads/main", Direct(oid("a")), nil, ""))
	_, err := os.Stat(filepath.Join(dir, "logs"))
	require.True(t, os.IsNotExist(err))
}
