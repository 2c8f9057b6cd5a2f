package odb

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/object"
)

// RepackOptions controls Repack.
type RepackOptions struct {
	// Prune removes loose copies of objects once the pack is in place.
	Prune bool
}

// RepackSummary reports the outcome of Repack.
type RepackSummary struct {
	PackedObjects int
	Deltas        int
	Pruned        int
	PackFile      string
	IndexFile     string
}

// VerifySummary reports the outcome of Verify.
type VerifySummary struct {
	LooseObjects int
	PackFiles    int
	PackObjects  int
}

// Repack writes every loose object not already in a pack into a new pack and
// idx pair. An object is stored as an OFS_DELTA against the previous object of
// the same type when the delta is smaller.
func (db *Odb) Repack(opts RepackOptions) (*RepackSummary, error) {
	const op = "repack"
	if err := db.checkOpen(op); err != nil {
		return nil, err
	}
	loose, packs := db.looseBackend(), db.packBackend()
	if loose == nil || packs == nil {
		return nil, unsupportedf(op, "", "repack needs loose and pack backends")
	}

	var toPack []object.Oid
	for id, err := range loose.All() {
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if packs.Exists(id) {
			continue
		}
		toPack = append(toPack, id)
	}
	summary := &RepackSummary{}
	if len(toPack) == 0 {
		return summary, nil
	}
	if len(toPack) > int(^uint32(0)) {
		return nil, fmt.Errorf("%s: too many objects to pack: %d", op, len(toPack))
	}

	var buf bytes.Buffer
	pw, err := NewPackWriter(&buf, uint32(len(toPack)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	type prevObject struct {
		id   object.Oid
		data []byte
	}
	prev := make(map[object.ObjectType]prevObject)
	for _, id := range toPack {
		typ, data, err := loose.Read(id)
		if err != nil {
			return nil, fmt.Errorf("%s: read loose object %s: %w", op, id, err)
		}
		if p, ok := prev[typ]; ok && len(data) > 64 {
			delta := buildDelta(p.data, data)
			if len(delta) < len(data)/2 {
				if err := pw.WriteOfsDelta(id, p.id, p.data, data); err != nil {
					return nil, fmt.Errorf("%s: %w", op, err)
				}
				summary.Deltas++
				prev[typ] = prevObject{id: id, data: data}
				continue
			}
		}
		if err := pw.WriteObject(id, typ, data); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		prev[typ] = prevObject{id: id, data: data}
	}

	sum, err := pw.Finish()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	packName, idxName, err := db.installPack(buf.Bytes(), pw.Entries(), sum)
	if err != nil {
		return nil, err
	}
	summary.PackedObjects = len(toPack)
	summary.PackFile = packName
	summary.IndexFile = idxName

	if opts.Prune {
		for _, id := range toPack {
			if err := loose.remove(id); err != nil {
				return summary, fmt.Errorf("%s: prune %s: %w", op, id, err)
			}
			summary.Pruned++
		}
	}
	db.log.Info("repacked loose objects",
		zap.Int("objects", summary.PackedObjects),
		zap.Int("deltas", summary.Deltas),
		zap.Int("pruned", summary.Pruned),
		zap.String("pack", packName))
	return summary, nil
}

// AddPack indexes a complete pack stream and installs it. REF_DELTA bases
// missing from the stream must already be in the database. It returns the
// pack checksum.
func (db *Odb) AddPack(r io.Reader) (object.Oid, error) {
	const op = "add pack"
	if err := db.checkOpen(op); err != nil {
		return object.ZeroOid, err
	}
	if db.packBackend() == nil {
		return object.ZeroOid, unsupportedf(op, "", "no pack backend")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return object.ZeroOid, fmt.Errorf("%s: %w", op, err)
	}
	pf, err := ReadPack(data)
	if err != nil {
		return object.ZeroOid, err
	}
	external := func(id object.Oid) (object.ObjectType, []byte, error) {
		obj, err := db.Read(id)
		if err != nil {
			return object.TypeInvalid, nil, err
		}
		return obj.Type, obj.Data, nil
	}
	resolved, err := ResolvePackEntries(pf.Entries, external, db.maxDepth)
	if err != nil {
		return object.ZeroOid, err
	}
	entries := make([]PackIndexEntry, len(resolved))
	for i, e := range resolved {
		entries[i] = PackIndexEntry{Oid: e.Oid, Offset: e.Offset, CRC32: e.CRC32}
	}
	if _, _, err := db.installPack(data, entries, pf.Checksum); err != nil {
		return object.ZeroOid, err
	}
	return pf.Checksum, nil
}

// installPack writes pack-<sum>.pack then its .idx via temp files and
// renames, so readers never see an idx without its pack, and refreshes the
// pack backend. data is the complete pack including its trailer.
func (db *Odb) installPack(data []byte, entries []PackIndexEntry, sum object.Oid) (string, string, error) {
	const op = "install pack"
	packs := db.packBackend()
	dir := packs.dir
	if err := db.fs.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("%s: mkdir pack dir: %w", op, err)
	}

	var idx bytes.Buffer
	if _, err := WritePackIndex(&idx, entries, sum); err != nil {
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	base := "pack-" + sum.String()
	packPath := filepath.Join(dir, base+".pack")
	idxPath := filepath.Join(dir, base+".idx")
	if err := writeFileAtomic(db.fs, dir, packPath, data); err != nil {
		return "", "", fmt.Errorf("%s: %w", op, err)
	}
	if err := writeFileAtomic(db.fs, dir, idxPath, idx.Bytes()); err != nil {
		_ = db.fs.Remove(packPath)
		return "", "", fmt.Errorf("%s: %w", op, err)
	}
	if err := packs.Refresh(); err != nil {
		return "", "", err
	}
	return filepath.Base(packPath), filepath.Base(idxPath), nil
}

func writeFileAtomic(fs afero.Fs, dir, dest string, data []byte) error {
	tmp, err := afero.TempFile(fs, dir, ".tmp-pack-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		_ = fs.Chmod(tmpName, 0o444)
		err = fs.Rename(tmpName, dest)
	}
	if err != nil {
		_ = fs.Remove(tmpName)
		return err
	}
	return nil
}

// Verify re-hashes every loose object and checks every pack against its
// index: checksums, entry offsets, CRCs, and the id of each resolved object.
func (db *Odb) Verify() (*VerifySummary, error) {
	const op = "verify"
	if err := db.checkOpen(op); err != nil {
		return nil, err
	}
	report := &VerifySummary{}

	if loose := db.looseBackend(); loose != nil {
		for id, err := range loose.All() {
			if err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			if _, _, err := loose.Read(id); err != nil {
				return nil, fmt.Errorf("%s loose %s: %w", op, id, err)
			}
			report.LooseObjects++
		}
	}

	packs := db.packBackend()
	if packs == nil {
		return report, nil
	}
	external := func(id object.Oid) (object.ObjectType, []byte, error) {
		obj, err := db.Read(id)
		if err != nil {
			return object.TypeInvalid, nil, err
		}
		return obj.Type, obj.Data, nil
	}
	for _, p := range packs.set.Load().packs {
		data, err := afero.ReadFile(db.fs, p.packPath)
		if err != nil {
			return nil, fmt.Errorf("%s pack %s: %w", op, p.name, err)
		}
		pf, err := ReadPack(data)
		if err != nil {
			return nil, fmt.Errorf("%s pack %s: %w", op, p.name, err)
		}
		if pf.Checksum != p.idx.PackChecksum {
			return nil, corruptf(op, p.name, "checksum mismatch between idx (%s) and pack (%s)", p.idx.PackChecksum, pf.Checksum)
		}
		resolved, err := ResolvePackEntries(pf.Entries, external, db.maxDepth)
		if err != nil {
			return nil, fmt.Errorf("%s pack %s: %w", op, p.name, err)
		}
		if len(resolved) != p.idx.Len() {
			return nil, corruptf(op, p.name, "idx entry count %d does not match pack entry count %d", p.idx.Len(), len(resolved))
		}
		for _, r := range resolved {
			e, ok := p.idx.Find(r.Oid)
			if !ok {
				return nil, corruptf(op, p.name, "object %s at offset %d missing from idx", r.Oid, r.Offset)
			}
			if e.Offset != r.Offset || e.CRC32 != r.CRC32 {
				return nil, corruptf(op, p.name, "idx entry for %s disagrees with pack (offset %d/%d, crc %08x/%08x)",
					r.Oid, e.Offset, r.Offset, e.CRC32, r.CRC32)
			}
			report.PackObjects++
		}
		report.PackFiles++
	}
	return report, nil
}
