package index

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"slices"
	"strings"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/lockfile"
	"github.com/odvcencio/gitcore/pkg/object"
)

// Index is an in-memory index. Entries are kept sorted by (path, stage). It
// is not safe for concurrent mutation.
type Index struct {
	// Version is the format version used by the last Decode. Encode picks 2
	// or 3 on its own.
	Version uint32
	entries []*Entry
}

// New returns an empty index.
func New() *Index { return &Index{Version: 2} }

// Len returns the number of entries across all stages.
func (idx *Index) Len() int { return len(idx.entries) }

func (idx *Index) search(path string, stage Stage) (int, bool) {
	return slices.BinarySearchFunc(idx.entries, &Entry{Path: path, Stage: stage}, compareEntries)
}

// Get returns the entry for path at stage.
func (idx *Index) Get(path string, stage Stage) (*Entry, bool) {
	i, ok := idx.search(path, stage)
	if !ok {
		return nil, false
	}
	cp := *idx.entries[i]
	return &cp, true
}

// pathRange returns the half-open range of entries for path.
func (idx *Index) pathRange(path string) (int, int) {
	lo, _ := idx.search(path, StageNormal)
	hi := lo
	for hi < len(idx.entries) && idx.entries[hi].Path == path {
		hi++
	}
	return lo, hi
}

// Add stages e at stage 0, replacing whatever was recorded for its path,
// including conflict stages.
func (idx *Index) Add(e Entry) error {
	const op = "index add"
	if e.Stage != StageNormal {
		return giterr.New(giterr.KindInvalidSpec, op, e.Path, "use AddConflict for stage %d", e.Stage)
	}
	if err := ValidatePath(e.Path); err != nil {
		return err
	}
	if e.Mode == object.ModeEmpty {
		e.Mode = object.ModeFile
	}
	if err := idx.checkDirFile(e.Path); err != nil {
		return err
	}
	lo, hi := idx.pathRange(e.Path)
	idx.entries = slices.Replace(idx.entries, lo, hi, &e)
	return nil
}

// AddConflict records an unmerged path. Any stage-0 entry for the path is
// dropped. At least one side must be given; each side's stage is set from
// its position.
func (idx *Index) AddConflict(path string, ancestor, ours, theirs *Entry) error {
	const op = "index add conflict"
	if err := ValidatePath(path); err != nil {
		return err
	}
	if ancestor == nil && ours == nil && theirs == nil {
		return giterr.New(giterr.KindInvalidSpec, op, path, "no conflict sides")
	}
	if err := idx.checkDirFile(path); err != nil {
		return err
	}
	var sides []*Entry
	for stage, side := range []*Entry{ancestor, ours, theirs} {
		if side == nil {
			continue
		}
		cp := *side
		cp.Path = path
		cp.Stage = Stage(stage + 1)
		if cp.Mode == object.ModeEmpty {
			cp.Mode = object.ModeFile
		}
		sides = append(sides, &cp)
	}
	lo, hi := idx.pathRange(path)
	idx.entries = slices.Replace(idx.entries, lo, hi, sides...)
	return nil
}

// checkDirFile rejects a path that would need a file and a directory at the
// same place: "a" and "a/b" cannot both be staged.
func (idx *Index) checkDirFile(path string) error {
	const op = "index add"
	for i := 0; i < len(path); i++ {
		if path[i] != '/' {
			continue
		}
		if lo, hi := idx.pathRange(path[:i]); lo < hi {
			return giterr.New(giterr.KindConflict, op, path, "%s is staged as a file", path[:i])
		}
	}
	prefix := path + "/"
	i, _ := slices.BinarySearchFunc(idx.entries, prefix, func(e *Entry, p string) int {
		return strings.Compare(e.Path, p)
	})
	if i < len(idx.entries) && strings.HasPrefix(idx.entries[i].Path, prefix) {
		return giterr.New(giterr.KindConflict, op, path, "%s is staged as a directory", path)
	}
	return nil
}

// Remove drops every stage of path and reports whether anything was
// removed.
func (idx *Index) Remove(path string) bool {
	lo, hi := idx.pathRange(path)
	if lo == hi {
		return false
	}
	idx.entries = slices.Delete(idx.entries, lo, hi)
	return true
}

// Resolve replaces the conflict stages of path with e at stage 0.
func (idx *Index) Resolve(e Entry) error {
	if !idx.isConflicted(e.Path) {
		return giterr.New(giterr.KindNotFound, "index resolve", e.Path, "no conflict")
	}
	return idx.Add(e)
}

func (idx *Index) isConflicted(path string) bool {
	lo, hi := idx.pathRange(path)
	return lo < hi && idx.entries[lo].Stage != StageNormal
}

// Entries yields copies of all entries in (path, stage) order.
func (idx *Index) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range idx.entries {
			if !yield(*e) {
				return
			}
		}
	}
}

// Conflicts yields each unmerged path once, in path order.
func (idx *Index) Conflicts() iter.Seq[Conflict] {
	return func(yield func(Conflict) bool) {
		for i := 0; i < len(idx.entries); {
			e := idx.entries[i]
			if e.Stage == StageNormal {
				i++
				continue
			}
			c := Conflict{Path: e.Path}
			for ; i < len(idx.entries) && idx.entries[i].Path == c.Path; i++ {
				cp := *idx.entries[i]
				switch cp.Stage {
				case StageAncestor:
					c.Ancestor = &cp
				case StageOurs:
					c.Ours = &cp
				case StageTheirs:
					c.Theirs = &cp
				}
			}
			if !yield(c) {
				return
			}
		}
	}
}

// HasConflicts reports whether any entry is at a stage other than 0.
func (idx *Index) HasConflicts() bool {
	for _, e := range idx.entries {
		if e.Stage != StageNormal {
			return true
		}
	}
	return false
}

// Clear removes every entry.
func (idx *Index) Clear() { idx.entries = nil }

// Read loads the index file at path. A missing file is an empty index.
func Read(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return Decode(data)
}

// Write encodes the index and replaces the file at path under
// "<path>.lock".
func (idx *Index) Write(path string, opts lockfile.Options) error {
	data, err := idx.Encode()
	if err != nil {
		return err
	}
	return lockfile.WriteFile(path, data, opts)
}
