// Package index reads and writes the Git index (the staging area): an
// ordered list of path entries, each at stage 0 or, while a merge conflict
// is unresolved, at stages 1 to 3.
package index

import (
	"strings"
	"time"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
)

// Stage is the merge stage of an entry.
type Stage uint8

const (
	StageNormal   Stage = 0
	StageAncestor Stage = 1
	StageOurs     Stage = 2
	StageTheirs   Stage = 3
)

func (s Stage) String() string {
	switch s {
	case StageNormal:
		return "normal"
	case StageAncestor:
		return "ancestor"
	case StageOurs:
		return "ours"
	case StageTheirs:
		return "theirs"
	}
	return "invalid"
}

// Entry is one staged path. The flag bits of the on-disk format are exposed
// as named booleans.
type Entry struct {
	Path  string
	Oid   object.Oid
	Mode  object.FileMode
	Stage Stage
	Size  uint32

	Ctime time.Time
	Mtime time.Time
	Dev   uint32
	Ino   uint32
	UID   uint32
	GID   uint32

	AssumeValid  bool
	SkipWorktree bool
	IntentToAdd  bool
}

func (e *Entry) extended() bool { return e.SkipWorktree || e.IntentToAdd }

// Conflict groups the stages recorded for one unmerged path. Sides absent
// from the conflict are nil.
type Conflict struct {
	Path     string
	Ancestor *Entry
	Ours     *Entry
	Theirs   *Entry
}

// ValidatePath checks that p is a clean slash-separated relative path with
// no ".", "..", ".git" or empty components.
func ValidatePath(p string) error {
	const op = "validate index path"
	if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || strings.ContainsRune(p, 0) {
		return giterr.New(giterr.KindInvalidSpec, op, p, "not a relative file path")
	}
	for _, comp := range strings.Split(p, "/") {
		switch {
		case comp == "", comp == ".", comp == "..":
			return giterr.New(giterr.KindInvalidSpec, op, p, "bad path component %q", comp)
		case strings.EqualFold(comp, ".git"):
			return giterr.New(giterr.KindInvalidSpec, op, p, "path inside .git")
		}
	}
	return nil
}

func compareEntries(a, b *Entry) int {
	if c := strings.Compare(a.Path, b.Path); c != 0 {
		return c
	}
	return int(a.Stage) - int(b.Stage)
}
