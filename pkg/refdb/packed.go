package refdb

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
)

const (
	packedRefsFile   = "packed-refs"
	packedHeader     = "# pack-refs with:"
	packedTraitsFull = " peeled fully-peeled sorted "
	packedTraitsBare = " sorted "
)

// packedSnapshot is an immutable view of packed-refs keyed by ref name. It
// remembers the stat data it was parsed from so a later read can tell
// whether the file changed underneath it.
type packedSnapshot struct {
	tree *iradix.Tree
	info fs.FileInfo // nil when packed-refs did not exist
}

func (s *packedSnapshot) get(name string) (*Reference, bool) {
	v, ok := s.tree.Get([]byte(name))
	if !ok {
		return nil, false
	}
	return v.(*Reference), true
}

// walk visits refs under prefix in name order until fn returns true.
func (s *packedSnapshot) walk(prefix string, fn func(*Reference) bool) {
	s.tree.Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		return fn(v.(*Reference))
	})
}

func (s *packedSnapshot) matches(fi fs.FileInfo) bool {
	if fi == nil || s.info == nil {
		return fi == nil && s.info == nil
	}
	// packed-refs is always replaced by rename, so a rewrite changes the inode.
	return os.SameFile(s.info, fi) && fi.Size() == s.info.Size() && fi.ModTime().Equal(s.info.ModTime())
}

var emptySnapshot = &packedSnapshot{tree: iradix.New()}

// loadPacked returns a snapshot matching the current packed-refs file,
// re-parsing it only when its size or mtime changed.
func (db *RefDb) loadPacked() (*packedSnapshot, error) {
	path := db.commonPath(packedRefsFile)
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		fi, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat packed-refs: %w", err)
	}
	if cur := db.packed.Load(); cur != nil && cur.matches(fi) {
		return cur, nil
	}
	if fi == nil {
		db.packed.Store(emptySnapshot)
		return emptySnapshot, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		db.packed.Store(emptySnapshot)
		return emptySnapshot, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read packed-refs: %w", err)
	}
	snap, err := parsePacked(data)
	if err != nil {
		return nil, err
	}
	snap.info = fi
	db.packed.Store(snap)
	return snap, nil
}

func parsePacked(data []byte) (*packedSnapshot, error) {
	const op = "parse packed-refs"
	txn := iradix.New().Txn()
	var last *Reference
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "^"):
			if last == nil {
				return nil, giterr.New(giterr.KindCorruption, op, packedRefsFile, "line %d: peeled line without a ref", lineNo)
			}
			id, err := object.ParseOid(line[1:])
			if err != nil {
				return nil, giterr.New(giterr.KindCorruption, op, packedRefsFile, "line %d: bad peeled id", lineNo)
			}
			last.Peeled = id
			last = nil
		default:
			hexID, name, ok := strings.Cut(line, " ")
			if !ok || name == "" {
				return nil, giterr.New(giterr.KindCorruption, op, packedRefsFile, "line %d: malformed", lineNo)
			}
			id, err := object.ParseOid(hexID)
			if err != nil {
				return nil, giterr.New(giterr.KindCorruption, op, packedRefsFile, "line %d: bad id", lineNo)
			}
			last = &Reference{Name: name, Target: Direct(id)}
			txn.Insert([]byte(name), last)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, giterr.Wrap(giterr.KindCorruption, op, packedRefsFile, err)
	}
	return &packedSnapshot{tree: txn.Commit()}, nil
}

// encodePacked renders refs (already in name order) as a packed-refs file.
func encodePacked(refs []*Reference, peeled bool) []byte {
	var buf bytes.Buffer
	buf.WriteString(packedHeader)
	if peeled {
		buf.WriteString(packedTraitsFull)
	} else {
		buf.WriteString(packedTraitsBare)
	}
	buf.WriteByte('\n')
	for _, r := range refs {
		buf.WriteString(r.Target.Oid.String())
		buf.WriteByte(' ')
		buf.WriteString(r.Name)
		buf.WriteByte('\n')
		if !r.Peeled.IsZero() {
			buf.WriteByte('^')
			buf.WriteString(r.Peeled.String())
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

func (s *packedSnapshot) list() []*Reference {
	var out []*Reference
	s.walk("", func(r *Reference) bool {
		out = append(out, r)
		return false
	})
	return out
}
