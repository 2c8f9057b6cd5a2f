package repo

import (
	"github.com/odvcencio/gitcore/pkg/object"
	"github.com/odvcencio/gitcore/pkg/odb"
)

// PackRefs moves every loose ref into packed-refs, recording the peeled
// target of annotated tags. It returns the number of refs packed.
func (r *Repository) PackRefs() (int, error) {
	if err := r.checkOpen("pack refs"); err != nil {
		return 0, err
	}
	return r.refs.PackRefs(r.peelOid)
}

// Repack packs the loose objects and, with prune, deletes them.
func (r *Repository) Repack(prune bool) (*odb.RepackSummary, error) {
	if err := r.checkOpen("repack"); err != nil {
		return nil, err
	}
	return r.odb.Repack(odb.RepackOptions{Prune: prune})
}

// WriteIndexTree writes the tree objects for the index and returns the root
// tree id. It fails with Conflict while the index has unmerged paths.
func (r *Repository) WriteIndexTree() (object.Oid, error) {
	idx, err := r.Index()
	if err != nil {
		return object.ZeroOid, err
	}
	return idx.WriteTree(r.odb)
}
