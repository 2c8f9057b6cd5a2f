package odb

import (
	"bytes"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pjbgf/sha1cd"

	"github.com/odvcencio/gitcore/pkg/object"
)

type packCountedWriter struct {
	w io.Writer
	n uint64
}

func (cw *packCountedWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}

func compressPackPayload(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// PackWriter writes Git-compatible pack streams with zlib-compressed object
// entries. The trailer checksum is SHA-1 over all bytes preceding the trailer.
// Index entries for every written object are collected for WritePackIndex.
type PackWriter struct {
	out      io.Writer
	hasher   hash.Hash
	hashedW  io.Writer
	counter  *packCountedWriter
	expected uint32
	written  uint32
	finished bool
	entries  []PackIndexEntry
	offsets  map[object.Oid]uint64
}

// NewPackWriter initializes a new writer and writes the fixed pack header.
func NewPackWriter(out io.Writer, numObjects uint32) (*PackWriter, error) {
	hasher := sha1cd.New()
	counter := &packCountedWriter{w: out}
	pw := &PackWriter{
		out:      out,
		hasher:   hasher,
		hashedW:  io.MultiWriter(counter, hasher),
		counter:  counter,
		expected: numObjects,
		offsets:  make(map[object.Oid]uint64, numObjects),
	}

	header := PackHeader{
		Version:    supportedPackVersion,
		NumObjects: numObjects,
	}
	if _, err := pw.hashedW.Write(header.Marshal()); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return pw, nil
}

// CurrentOffset returns the current byte offset in the pack stream (from pack
// start), excluding the trailing checksum written by Finish().
func (p *PackWriter) CurrentOffset() uint64 {
	return p.counter.n
}

// Offset reports where a previously written object starts.
func (p *PackWriter) Offset(id object.Oid) (uint64, bool) {
	off, ok := p.offsets[id]
	return off, ok
}

// Entries returns the index entries for every object written so far.
func (p *PackWriter) Entries() []PackIndexEntry {
	out := make([]PackIndexEntry, len(p.entries))
	copy(out, p.entries)
	return out
}

func (p *PackWriter) checkWritable() error {
	if p.finished {
		return fmt.Errorf("pack writer already finished")
	}
	if p.written >= p.expected {
		return fmt.Errorf("pack object count exceeded: expected %d", p.expected)
	}
	return nil
}

// writeRaw emits one entry made of header parts and a payload to compress,
// and records its index entry under id.
func (p *PackWriter) writeRaw(id object.Oid, payload []byte, parts ...[]byte) error {
	if _, dup := p.offsets[id]; dup {
		return fmt.Errorf("object %s already in pack", id)
	}
	compressed, err := compressPackPayload(payload)
	if err != nil {
		return fmt.Errorf("compress pack entry: %w", err)
	}

	start := p.CurrentOffset()
	crc := crc32.NewIEEE()
	w := io.MultiWriter(p.hashedW, crc)
	for _, part := range parts {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("write pack entry header: %w", err)
		}
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("write compressed pack entry: %w", err)
	}

	p.entries = append(p.entries, PackIndexEntry{Oid: id, Offset: start, CRC32: crc.Sum32()})
	p.offsets[id] = start
	p.written++
	return nil
}

// WriteObject appends a whole (non-delta) object entry to the pack stream.
func (p *PackWriter) WriteObject(id object.Oid, typ object.ObjectType, data []byte) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	if !typ.Valid() {
		return fmt.Errorf("write pack object: invalid type %v", typ)
	}
	return p.writeRaw(id, data, encodePackEntryHeader(packTypeFor(typ), uint64(len(data))))
}

// WriteOfsDelta writes target as an OFS_DELTA entry against an object already
// written to this pack.
func (p *PackWriter) WriteOfsDelta(id, base object.Oid, baseData, targetData []byte) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	baseOffset, ok := p.offsets[base]
	if !ok {
		return fmt.Errorf("ofs-delta base %s not in pack", base)
	}
	current := p.CurrentOffset()
	delta := buildDelta(baseData, targetData)
	return p.writeRaw(id, delta,
		encodePackEntryHeader(PackOfsDelta, uint64(len(delta))),
		encodeOfsDeltaDistance(current-baseOffset),
	)
}

// WriteRefDelta writes target as a REF_DELTA entry naming its base by id. The
// base does not have to be in this pack.
func (p *PackWriter) WriteRefDelta(id, base object.Oid, baseData, targetData []byte) error {
	if err := p.checkWritable(); err != nil {
		return err
	}
	delta := buildDelta(baseData, targetData)
	return p.writeRaw(id, delta,
		encodePackEntryHeader(PackRefDelta, uint64(len(delta))),
		base[:],
	)
}

// Finish validates object count, writes the trailing pack checksum, and returns
// that checksum.
func (p *PackWriter) Finish() (object.Oid, error) {
	if p.finished {
		return object.ZeroOid, fmt.Errorf("pack writer already finished")
	}
	if p.written != p.expected {
		return object.ZeroOid, fmt.Errorf("pack object count mismatch: wrote %d, expected %d", p.written, p.expected)
	}

	var sum object.Oid
	copy(sum[:], p.hasher.Sum(nil))
	if _, err := p.out.Write(sum[:]); err != nil {
		return object.ZeroOid, fmt.Errorf("write pack trailer checksum: %w", err)
	}

	p.finished = true
	return sum, nil
}
