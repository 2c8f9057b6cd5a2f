package refdb

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/lockfile"
	"github.com/odvcencio/gitcore/pkg/object"
)

// PeelFunc returns the non-tag object an annotated tag ultimately points
// at. For an id that is not a tag it returns the zero Oid.
type PeelFunc func(object.Oid) (object.Oid, error)

// PackRefs moves every loose direct reference under refs/ into packed-refs
// and then removes the loose files whose value did not change meanwhile.
// With a non-nil peel, tags get "^<peeled>" lines and the file advertises
// fully-peeled. It returns the number of refs moved.
func (db *RefDb) PackRefs(peel PeelFunc) (int, error) {
	const op = "pack refs"
	packedPath := db.commonPath(packedRefsFile)
	lock, err := lockfile.Acquire(packedPath, db.lockOpts)
	if err != nil {
		return 0, err
	}
	defer lock.Rollback()

	loose, err := db.looseRefs()
	if err != nil {
		return 0, err
	}
	snap, err := db.loadPacked()
	if err != nil {
		return 0, err
	}

	merged := make(map[string]*Reference)
	for _, r := range snap.list() {
		cp := *r
		merged[r.Name] = &cp
	}
	moved := make(map[string]Target)
	for sname, t := range loose {
		if t.Symbolic != "" || IsPerWorktree(sname) || !strings.HasPrefix(sname, "refs/") {
			continue
		}
		merged[sname] = &Reference{Name: sname, Target: t}
		moved[sname] = t
	}

	refs := make([]*Reference, 0, len(merged))
	for _, r := range merged {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	if peel != nil {
		for _, r := range refs {
			if _, fresh := moved[r.Name]; !fresh && !r.Peeled.IsZero() {
				continue
			}
			peeled, err := peel(r.Target.Oid)
			if err != nil {
				return 0, fmt.Errorf("%s: peel %s: %w", op, r.Name, err)
			}
			if !peeled.IsZero() {
				r.Peeled = peeled
			}
		}
	}

	if _, err := lock.Write(encodePacked(refs, peel != nil)); err != nil {
		return 0, fmt.Errorf("%s: write: %w", op, err)
	}
	if err := lock.Commit(); err != nil {
		return 0, err
	}

	for sname, t := range moved {
		db.pruneLoose(sname, t)
	}
	db.log.Debug("packed refs", zap.Int("moved", len(moved)), zap.Int("total", len(refs)))
	return len(moved), nil
}

// pruneLoose deletes the loose file for sname if it still holds want.
func (db *RefDb) pruneLoose(sname string, want Target) {
	opts := db.lockOpts
	opts.Timeout = -1
	lock, err := lockfile.Acquire(db.refPath(sname), opts)
	if err != nil {
		db.log.Debug("skip pruning busy ref", zap.String("ref", sname))
		return
	}
	cur, ok, err := db.readLoose(sname)
	if err != nil || !ok || cur != want {
		_ = lock.Rollback()
		return
	}
	if err := lock.Remove(); err != nil {
		db.log.Warn("could not prune loose ref", zap.String("ref", sname), zap.Error(err))
		return
	}
	db.pruneEmptyParents(sname)
}
