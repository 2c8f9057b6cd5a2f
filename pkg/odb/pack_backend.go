package odb

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/AndreasBriese/bbloom"
	"github.com/spf13/afero"

	"github.com/odvcencio/gitcore/pkg/object"
)

// PackBackend serves objects from the pack/idx pairs in one pack directory.
// It is read-only; new packs are added by writing files and calling Refresh.
type PackBackend struct {
	fs       afero.Fs
	dir      string
	maxDepth int

	mu    sync.Mutex
	set   atomic.Pointer[packSet]
	bases atomic.Pointer[func(object.Oid, int) (object.ObjectType, []byte, error)]
}

// packSet is an immutable view of the packs present at the last scan.
type packSet struct {
	packs  []*packFile
	filter *bbloom.Bloom
}

type packFile struct {
	fs       afero.Fs
	name     string
	packPath string
	idx      *PackIndex

	once sync.Once
	data []byte
	err  error
}

// NewPackBackend scans dir for *.idx files. A missing directory yields an
// empty backend.
func NewPackBackend(fs afero.Fs, dir string, maxDepth int) (*PackBackend, error) {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDeltaDepth
	}
	pb := &PackBackend{fs: fs, dir: dir, maxDepth: maxDepth}
	if err := pb.Refresh(); err != nil {
		return nil, err
	}
	return pb, nil
}

func (pb *PackBackend) Name() string { return "pack" }

func (pb *PackBackend) setBaseReader(fn func(object.Oid, int) (object.ObjectType, []byte, error)) {
	pb.bases.Store(&fn)
}

// Refresh rescans the pack directory. Packs already loaded are reused.
func (pb *PackBackend) Refresh() error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	idxPaths, err := listPackIndexPaths(pb.fs, pb.dir)
	if err != nil {
		return err
	}

	known := make(map[string]*packFile)
	if cur := pb.set.Load(); cur != nil {
		for _, p := range cur.packs {
			known[p.name] = p
		}
	}

	next := &packSet{}
	total := 0
	for _, idxPath := range idxPaths {
		name := strings.TrimSuffix(filepath.Base(idxPath), ".idx")
		if p, ok := known[name]; ok {
			next.packs = append(next.packs, p)
			total += p.idx.Len()
			continue
		}
		packPath := packPathForIndex(idxPath)
		if _, err := pb.fs.Stat(packPath); err != nil {
			// An idx without its pack is a pack still being written.
			continue
		}
		idxData, err := afero.ReadFile(pb.fs, idxPath)
		if err != nil {
			return fmt.Errorf("read pack index %s: %w", filepath.Base(idxPath), err)
		}
		idx, err := ReadPackIndex(idxData)
		if err != nil {
			return fmt.Errorf("pack index %s: %w", filepath.Base(idxPath), err)
		}
		next.packs = append(next.packs, &packFile{fs: pb.fs, name: name, packPath: packPath, idx: idx})
		total += idx.Len()
	}

	filter := bbloom.New(float64(max(total, 1)), 0.01)
	for _, p := range next.packs {
		for _, e := range p.idx.entries {
			filter.Add(e.Oid[:])
		}
	}
	next.filter = &filter
	pb.set.Store(next)
	return nil
}

// Packs returns the names (pack-<sum>) of the currently loaded packs.
func (pb *PackBackend) Packs() []string {
	set := pb.set.Load()
	out := make([]string, len(set.packs))
	for i, p := range set.packs {
		out[i] = p.name
	}
	return out
}

func (pb *PackBackend) find(id object.Oid) (*packFile, PackIndexEntry, bool) {
	set := pb.set.Load()
	if !set.filter.Has(id[:]) {
		return nil, PackIndexEntry{}, false
	}
	for _, p := range set.packs {
		if e, ok := p.idx.Find(id); ok {
			return p, e, true
		}
	}
	return nil, PackIndexEntry{}, false
}

// Exists reports whether any loaded pack indexes id.
func (pb *PackBackend) Exists(id object.Oid) bool {
	_, _, ok := pb.find(id)
	return ok
}

// Read resolves id, applying any delta chain, and verifies the result hashes
// back to id.
func (pb *PackBackend) Read(id object.Oid) (object.ObjectType, []byte, error) {
	return pb.readDepth(id, 0)
}

func (pb *PackBackend) readDepth(id object.Oid, depth int) (object.ObjectType, []byte, error) {
	const op = "pack read"
	p, e, ok := pb.find(id)
	if !ok {
		return object.TypeInvalid, nil, notFound(op, id)
	}
	typ, data, err := pb.readAt(p, e.Offset, depth)
	if err != nil {
		return object.TypeInvalid, nil, err
	}
	if err := verifyID(op, id, typ, data); err != nil {
		return object.TypeInvalid, nil, err
	}
	return typ, data, nil
}

// readAt decodes the entry at offset in p. OFS_DELTA bases are read from the
// same pack; REF_DELTA bases from any pack and then from the owning database.
func (pb *PackBackend) readAt(p *packFile, offset uint64, depth int) (object.ObjectType, []byte, error) {
	const op = "pack read"
	if depth > pb.maxDepth {
		return object.TypeInvalid, nil, corruptf(op, p.name, "delta chain exceeds depth %d", pb.maxDepth)
	}
	payload, err := p.payload()
	if err != nil {
		return object.TypeInvalid, nil, err
	}
	entry, _, err := decodePackEntry(payload, offset)
	if err != nil {
		return object.TypeInvalid, nil, corruptf(op, p.name, "entry at %d: %v", offset, err)
	}
	if typ, ok := objectTypeFor(entry.Type); ok {
		return typ, entry.Data, nil
	}

	var (
		baseType object.ObjectType
		baseData []byte
	)
	switch entry.Type {
	case PackOfsDelta:
		baseType, baseData, err = pb.readAt(p, entry.BaseOffset, depth+1)
	case PackRefDelta:
		baseType, baseData, err = pb.readBase(entry.BaseOid, depth+1)
	}
	if err != nil {
		return object.TypeInvalid, nil, err
	}
	data, err := applyDelta(baseData, entry.Data)
	if err != nil {
		return object.TypeInvalid, nil, corruptf(op, p.name, "delta at %d: %v", offset, err)
	}
	return baseType, data, nil
}

func (pb *PackBackend) readBase(id object.Oid, depth int) (object.ObjectType, []byte, error) {
	if bp, e, ok := pb.find(id); ok {
		typ, data, err := pb.readAt(bp, e.Offset, depth)
		if err != nil {
			return object.TypeInvalid, nil, err
		}
		if err := verifyID("pack read", id, typ, data); err != nil {
			return object.TypeInvalid, nil, err
		}
		return typ, data, nil
	}
	if fn := pb.bases.Load(); fn != nil {
		return (*fn)(id, depth)
	}
	return object.TypeInvalid, nil, corruptf("pack read", id.String(), "ref-delta base missing")
}

// ReadHeader resolves the whole object: entry headers of deltas record the
// delta size, not the object's.
func (pb *PackBackend) ReadHeader(id object.Oid) (object.ObjectType, uint64, error) {
	typ, data, err := pb.Read(id)
	if err != nil {
		return object.TypeInvalid, 0, err
	}
	return typ, uint64(len(data)), nil
}

// ResolvePrefix searches every loaded index.
func (pb *PackBackend) ResolvePrefix(prefix string, limit int) ([]object.Oid, error) {
	var out []object.Oid
	seen := make(map[object.Oid]struct{})
	for _, p := range pb.set.Load().packs {
		for _, id := range p.idx.FindPrefix(prefix, limit) {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// All yields the ids of every loaded pack.
func (pb *PackBackend) All() iter.Seq2[object.Oid, error] {
	return func(yield func(object.Oid, error) bool) {
		for _, p := range pb.set.Load().packs {
			for _, e := range p.idx.entries {
				if !yield(e.Oid, nil) {
					return
				}
			}
		}
	}
}

// payload loads the pack once, checks it against its index, and returns the
// bytes before the trailer.
func (p *packFile) payload() ([]byte, error) {
	p.once.Do(func() {
		data, err := afero.ReadFile(p.fs, p.packPath)
		if err != nil {
			p.err = fmt.Errorf("read pack %s: %w", p.name, err)
			return
		}
		if len(data) < packHeaderSize+packTrailerSize {
			p.err = corruptf("pack open", p.name, "too short: %d", len(data))
			return
		}
		if _, err := UnmarshalPackHeader(data[:packHeaderSize]); err != nil {
			p.err = err
			return
		}
		body := data[:len(data)-packTrailerSize]
		trailer := data[len(data)-packTrailerSize:]
		if !bytes.Equal(trailer, p.idx.PackChecksum[:]) {
			p.err = corruptf("pack open", p.name, "trailer does not match index")
			return
		}
		if sum := object.HashBytes(body); !bytes.Equal(sum[:], trailer) {
			p.err = corruptf("pack open", p.name, "checksum mismatch")
			return
		}
		p.data = body
	})
	return p.data, p.err
}

func packPathForIndex(idxPath string) string {
	return strings.TrimSuffix(idxPath, ".idx") + ".pack"
}

func listPackIndexPaths(fs afero.Fs, dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pack dir: %w", err)
	}

	idxPaths := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".idx") {
			continue
		}
		idxPaths = append(idxPaths, filepath.Join(dir, info.Name()))
	}
	sort.Strings(idxPaths)
	return idxPaths, nil
}
