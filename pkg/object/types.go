package object

import (
	"os"
	"time"

	"github.com/odvcencio/gitcore/pkg/giterr"
)

// ObjectType identifies the kind of object stored. Values match the type
// numbers used in pack entry headers.
type ObjectType int8

const (
	TypeInvalid ObjectType = 0
	TypeCommit  ObjectType = 1
	TypeTree    ObjectType = 2
	TypeBlob    ObjectType = 3
	TypeTag     ObjectType = 4
	// TypeAny matches any type in typed lookups.
	TypeAny ObjectType = -2
)

func (t ObjectType) String() string {
	switch t {
	case TypeCommit:
		return "commit"
	case TypeTree:
		return "tree"
	case TypeBlob:
		return "blob"
	case TypeTag:
		return "tag"
	case TypeAny:
		return "any"
	default:
		return "invalid"
	}
}

// Valid reports whether t is one of the four storable types.
func (t ObjectType) Valid() bool {
	return t >= TypeCommit && t <= TypeTag
}

// ParseObjectType parses the canonical type name used in object headers.
func ParseObjectType(s string) (ObjectType, error) {
	switch s {
	case "commit":
		return TypeCommit, nil
	case "tree":
		return TypeTree, nil
	case "blob":
		return TypeBlob, nil
	case "tag":
		return TypeTag, nil
	}
	return TypeInvalid, giterr.New(giterr.KindInvalidSpec, "parse object type", s, "unknown object type")
}

// FileMode is a tree entry / index entry mode.
type FileMode uint32

const (
	ModeEmpty      FileMode = 0
	ModeDir        FileMode = 0o040000
	ModeFile       FileMode = 0o100644
	ModeExecutable FileMode = 0o100755
	ModeSymlink    FileMode = 0o120000
	ModeGitlink    FileMode = 0o160000
)

// IsDir reports whether m is a tree mode.
func (m FileMode) IsDir() bool { return m == ModeDir }

// ObjectType returns the type of object an entry with this mode points at.
func (m FileMode) ObjectType() ObjectType {
	switch m {
	case ModeDir:
		return TypeTree
	case ModeGitlink:
		return TypeCommit
	default:
		return TypeBlob
	}
}

// FileModeFromOS maps an os.FileMode to the closest Git mode.
func FileModeFromOS(m os.FileMode) FileMode {
	switch {
	case m.IsDir():
		return ModeDir
	case m&os.ModeSymlink != 0:
		return ModeSymlink
	case m&0o111 != 0:
		return ModeExecutable
	default:
		return ModeFile
	}
}

// Object is a raw record: a type tag and its payload.
type Object struct {
	Type ObjectType
	Data []byte
}

// Size returns the payload length.
func (o *Object) Size() int64 { return int64(len(o.Data)) }

// Blob holds raw file data.
type Blob struct {
	Data []byte
}

// TreeEntry is one entry in a tree object.
type TreeEntry struct {
	Name string
	Mode FileMode
	Oid  Oid
}

// Tree holds entries in Git tree order.
type Tree struct {
	Entries []TreeEntry
}

// Find returns the entry with the given name.
func (t *Tree) Find(name string) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// Signature identifies an author, committer or tagger at a point in time.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// ExtraHeader is a commit header this package does not interpret; it is
// preserved verbatim so that re-encoding keeps the object id stable.
type ExtraHeader struct {
	Key   string
	Value string
}

// Commit points to a tree with ancestry and metadata.
type Commit struct {
	Tree      Oid
	Parents   []Oid
	Author    Signature
	Committer Signature
	Encoding  string
	GPGSig    string
	Extra     []ExtraHeader
	Message   string
}

// Tag is an annotated tag.
type Tag struct {
	Target     Oid
	TargetType ObjectType
	Name       string
	Tagger     *Signature
	Message    string
}
