package refdb

import (
	"errors"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/odvcencio/gitcore/pkg/giterr"
)

// All yields every reference under refs/ in name order. Loose refs shadow
// packed ones; symbolic refs are yielded unresolved.
func (db *RefDb) All() iter.Seq2[*Reference, error] {
	return db.iterate(nil)
}

// Glob yields the references whose name matches pattern (path.Match syntax,
// so * does not cross a slash).
func (db *RefDb) Glob(pattern string) iter.Seq2[*Reference, error] {
	if _, err := path.Match(pattern, ""); err != nil {
		return func(yield func(*Reference, error) bool) {
			yield(nil, giterr.Wrap(giterr.KindInvalidSpec, "glob refs", pattern, err))
		}
	}
	return db.iterate(func(name string) bool {
		ok, _ := path.Match(pattern, name)
		return ok
	})
}

// ForEach calls fn for every reference matching pattern ("" matches all).
// fn may return an error wrapping giterr.ErrIterationStopped to end the walk
// early without failing.
func (db *RefDb) ForEach(pattern string, fn func(*Reference) error) error {
	seq := db.All()
	if pattern != "" {
		seq = db.Glob(pattern)
	}
	for ref, err := range seq {
		if err != nil {
			return err
		}
		if err := fn(ref); err != nil {
			if errors.Is(err, giterr.ErrIterationStopped) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (db *RefDb) iterate(match func(string) bool) iter.Seq2[*Reference, error] {
	return func(yield func(*Reference, error) bool) {
		loose, err := db.looseRefs()
		if err != nil {
			yield(nil, err)
			return
		}
		snap, err := db.loadPacked()
		if err != nil {
			yield(nil, err)
			return
		}

		merged := make(map[string]*Reference, len(loose))
		snap.walk("refs/", func(r *Reference) bool {
			merged[r.Name] = r
			return false
		})
		for sname, t := range loose {
			merged[sname] = &Reference{Name: sname, Target: t}
		}

		refs := make([]*Reference, 0, len(merged))
		for sname, r := range merged {
			name, ok := db.publicName(sname)
			if !ok || (match != nil && !match(name)) {
				continue
			}
			refs = append(refs, &Reference{Name: name, Target: db.publicTarget(r.Target), Peeled: r.Peeled})
		}
		sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
		for _, r := range refs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// looseRefs reads every loose ref file under refs/ by storage name. Shared
// refs come from the common dir and per-worktree refs from the gitdir.
func (db *RefDb) looseRefs() (map[string]Target, error) {
	out := make(map[string]Target)
	split := db.gitDir != db.commonDir
	walk := func(root string, keep func(string) bool) error {
		refsDir := filepath.Join(root, "refs")
		err := filepath.WalkDir(refsDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || strings.HasSuffix(d.Name(), ".lock") {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			sname := filepath.ToSlash(rel)
			if !keep(sname) {
				return nil
			}
			data, err := os.ReadFile(p)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			t, err := parseLoose(sname, data)
			if err != nil {
				return err
			}
			out[sname] = t
			return nil
		})
		return err
	}

	if err := walk(db.commonDir, func(n string) bool { return !split || !IsPerWorktree(n) }); err != nil {
		return nil, err
	}
	if split {
		if err := walk(db.gitDir, IsPerWorktree); err != nil {
			return nil, err
		}
	}
	return out, nil
}
