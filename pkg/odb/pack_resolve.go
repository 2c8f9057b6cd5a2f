package odb

import (
	"github.com/odvcencio/gitcore/pkg/object"
)

// ResolvedEntry is a pack entry with any delta chain applied.
type ResolvedEntry struct {
	Oid    object.Oid
	Type   object.ObjectType
	Data   []byte
	Offset uint64
	CRC32  uint32
	Depth  int
}

// BaseFunc supplies REF_DELTA bases that are not contained in the pack.
type BaseFunc func(id object.Oid) (object.ObjectType, []byte, error)

// ResolvePackEntries applies every delta in entries and hashes the results.
// Bases referenced by REF_DELTA entries are looked up in the pack first and
// then through external, which may be nil. Chains longer than maxDepth are
// reported as corruption.
func ResolvePackEntries(entries []PackEntry, external BaseFunc, maxDepth int) ([]ResolvedEntry, error) {
	const op = "resolve pack"
	out := make([]ResolvedEntry, len(entries))
	done := make([]bool, len(entries))
	byOffset := make(map[uint64]int, len(entries))
	byOid := make(map[object.Oid]int, len(entries))
	for i, e := range entries {
		byOffset[e.Offset] = i
	}

	finish := func(i int, typ object.ObjectType, data []byte, depth int) error {
		if depth > maxDepth {
			return corruptf(op, "", "delta chain at offset %d exceeds depth %d", entries[i].Offset, maxDepth)
		}
		id, err := object.HashObjectChecked(typ, data)
		if err != nil {
			return err
		}
		out[i] = ResolvedEntry{Oid: id, Type: typ, Data: data, Offset: entries[i].Offset, CRC32: entries[i].CRC32, Depth: depth}
		done[i] = true
		byOid[id] = i
		return nil
	}

	remaining := 0
	for i, e := range entries {
		if typ, ok := objectTypeFor(e.Type); ok {
			if err := finish(i, typ, e.Data, 0); err != nil {
				return nil, err
			}
			continue
		}
		remaining++
	}

	for remaining > 0 {
		progress := false
		for i, e := range entries {
			if done[i] {
				continue
			}
			base := -1
			switch e.Type {
			case PackOfsDelta:
				j, ok := byOffset[e.BaseOffset]
				if !ok {
					return nil, corruptf(op, "", "ofs-delta at %d points to %d, not an entry", e.Offset, e.BaseOffset)
				}
				base = j
			case PackRefDelta:
				if j, ok := byOid[e.BaseOid]; ok {
					base = j
				}
			}
			if base < 0 || !done[base] {
				continue
			}
			data, err := applyDelta(out[base].Data, e.Data)
			if err != nil {
				return nil, corruptf(op, "", "apply delta at %d: %v", e.Offset, err)
			}
			if err := finish(i, out[base].Type, data, out[base].Depth+1); err != nil {
				return nil, err
			}
			remaining--
			progress = true
		}
		if progress {
			continue
		}

		// Everything left waits on a base outside the pack.
		for i, e := range entries {
			if done[i] || e.Type != PackRefDelta || external == nil {
				continue
			}
			typ, baseData, err := external(e.BaseOid)
			if err != nil {
				continue
			}
			data, err := applyDelta(baseData, e.Data)
			if err != nil {
				return nil, corruptf(op, "", "apply delta at %d: %v", e.Offset, err)
			}
			if err := finish(i, typ, data, 1); err != nil {
				return nil, err
			}
			remaining--
			progress = true
		}
		if !progress {
			return nil, corruptf(op, "", "%d deltas have unresolvable bases", remaining)
		}
	}
	return out, nil
}
