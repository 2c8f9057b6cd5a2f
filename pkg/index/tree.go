package index

import (
	"strings"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
)

// ObjectWriter stores objects; *odb.Odb satisfies it.
type ObjectWriter interface {
	Write(typ object.ObjectType, data []byte) (object.Oid, error)
}

// WriteTree writes the tree objects for the stage-0 entries and returns the
// root tree id. An index with unmerged paths cannot be written as a tree.
// Intent-to-add entries are left out.
func (idx *Index) WriteTree(w ObjectWriter) (object.Oid, error) {
	if idx.HasConflicts() {
		return object.ZeroOid, giterr.New(giterr.KindConflict, "write tree", "", "index has unmerged paths")
	}
	entries := make([]*Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		if !e.IntentToAdd {
			entries = append(entries, e)
		}
	}
	return writeTreeDir(w, entries, "")
}

// writeTreeDir writes the tree for entries, which all start with prefix and
// are in path order, so each subdirectory is a contiguous run.
func writeTreeDir(w ObjectWriter, entries []*Entry, prefix string) (object.Oid, error) {
	tree := &object.Tree{}
	for i := 0; i < len(entries); {
		rel := entries[i].Path[len(prefix):]
		slash := strings.IndexByte(rel, '/')
		if slash < 0 {
			tree.Entries = append(tree.Entries, object.TreeEntry{Name: rel, Mode: entries[i].Mode, Oid: entries[i].Oid})
			i++
			continue
		}
		dir := rel[:slash]
		sub := prefix + dir + "/"
		j := i
		for j < len(entries) && strings.HasPrefix(entries[j].Path, sub) {
			j++
		}
		id, err := writeTreeDir(w, entries[i:j], sub)
		if err != nil {
			return object.ZeroOid, err
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: dir, Mode: object.ModeDir, Oid: id})
		i = j
	}
	object.SortTreeEntries(tree.Entries)
	return w.Write(object.TypeTree, object.MarshalTree(tree))
}
