package odb

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"strings"

	"github.com/odvcencio/gitcore/pkg/object"
)

// PackIndex is an in-memory representation of an idx v2 file.
type PackIndex struct {
	fanout        [256]uint32
	entries       []PackIndexEntry
	PackChecksum  object.Oid
	IndexChecksum object.Oid
}

// Len returns the number of indexed objects.
func (idx *PackIndex) Len() int { return len(idx.entries) }

// Entries returns a copy of all index entries in id order.
func (idx *PackIndex) Entries() []PackIndexEntry {
	out := make([]PackIndexEntry, len(idx.entries))
	copy(out, idx.entries)
	return out
}

// Find performs fanout-bounded binary search for an id in the index.
func (idx *PackIndex) Find(id object.Oid) (PackIndexEntry, bool) {
	bucket := int(id[0])
	start := uint32(0)
	if bucket > 0 {
		start = idx.fanout[bucket-1]
	}
	end := idx.fanout[bucket]
	if end <= start {
		return PackIndexEntry{}, false
	}

	lo := int(start)
	hi := int(end)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if idx.entries[mid].Oid.Compare(id) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < int(end) && idx.entries[lo].Oid == id {
		return idx.entries[lo], true
	}
	return PackIndexEntry{}, false
}

// FindPrefix returns up to limit ids whose hex form starts with prefix.
// Hex order matches byte order, so the matches are contiguous.
func (idx *PackIndex) FindPrefix(prefix string, limit int) []object.Oid {
	prefix = strings.ToLower(prefix)
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Oid.String() >= prefix
	})
	var out []object.Oid
	for ; i < len(idx.entries); i++ {
		if !idx.entries[i].Oid.HasPrefix(prefix) {
			break
		}
		out = append(out, idx.entries[i].Oid)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// ReadPackIndexFromReader parses an idx v2 stream.
func ReadPackIndexFromReader(r io.Reader) (*PackIndex, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, corruptf("read pack index", "", "read stream: %v", err)
	}
	return ReadPackIndex(data)
}

// ReadPackIndex parses and validates an idx v2 file.
func ReadPackIndex(data []byte) (*PackIndex, error) {
	const op = "read pack index"
	const sumSize = object.OidSize

	minLen := packIndexHeaderSize + packIndexFanoutSize + 2*sumSize
	if len(data) < minLen {
		return nil, corruptf(op, "", "too short: %d", len(data))
	}
	if !bytes.Equal(data[:4], packIndexMagic[:]) {
		return nil, unsupportedf(op, "", "idx v1 or invalid magic %x", data[:4])
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != packIndexVersion {
		return nil, unsupportedf(op, "", "pack index version %d", version)
	}

	sum := object.HashBytes(data[:len(data)-sumSize])
	if !bytes.Equal(data[len(data)-sumSize:], sum[:]) {
		return nil, corruptf(op, "", "checksum mismatch")
	}

	var fanout [256]uint32
	cursor := packIndexHeaderSize
	for i := 0; i < 256; i++ {
		fanout[i] = binary.BigEndian.Uint32(data[cursor:])
		if i > 0 && fanout[i] < fanout[i-1] {
			return nil, corruptf(op, "", "fanout table not monotonic at %d", i)
		}
		cursor += 4
	}
	n := int(fanout[255])

	namesLen := n * sumSize
	crcLen := n * 4
	offsetLen := n * 4
	if cursor+namesLen+crcLen+offsetLen+2*sumSize > len(data) {
		return nil, corruptf(op, "", "truncated")
	}

	namesStart := cursor
	cursor += namesLen

	crcStart := cursor
	cursor += crcLen

	offsetStart := cursor
	cursor += offsetLen

	offset32 := make([]uint32, n)
	largeNeeded := uint32(0)
	for i := 0; i < n; i++ {
		v := binary.BigEndian.Uint32(data[offsetStart+(i*4):])
		offset32[i] = v
		if v&packIndexLargeOffsetBit != 0 {
			ref := v & ^packIndexLargeOffsetBit
			if ref+1 > largeNeeded {
				largeNeeded = ref + 1
			}
		}
	}

	largeOffsets := make([]uint64, largeNeeded)
	for i := uint32(0); i < largeNeeded; i++ {
		if cursor+8 > len(data)-2*sumSize {
			return nil, corruptf(op, "", "large-offset table truncated")
		}
		largeOffsets[i] = binary.BigEndian.Uint64(data[cursor:])
		cursor += 8
	}

	if cursor+2*sumSize != len(data) {
		return nil, corruptf(op, "", "trailing data: %d bytes", len(data)-(cursor+2*sumSize))
	}

	idx := &PackIndex{fanout: fanout}
	copy(idx.PackChecksum[:], data[cursor:cursor+sumSize])
	copy(idx.IndexChecksum[:], data[cursor+sumSize:])

	idx.entries = make([]PackIndexEntry, n)
	for i := 0; i < n; i++ {
		var id object.Oid
		copy(id[:], data[namesStart+(i*sumSize):])
		if i > 0 && idx.entries[i-1].Oid.Compare(id) >= 0 {
			return nil, corruptf(op, "", "object names not sorted at %d", i)
		}
		offset := uint64(offset32[i])
		if offset32[i]&packIndexLargeOffsetBit != 0 {
			offset = largeOffsets[offset32[i] & ^packIndexLargeOffsetBit]
		}
		idx.entries[i] = PackIndexEntry{
			Oid:    id,
			CRC32:  binary.BigEndian.Uint32(data[crcStart+(i*4):]),
			Offset: offset,
		}
	}
	if buildPackIndexFanout(idx.entries) != fanout {
		return nil, corruptf(op, "", "fanout table does not match object names")
	}
	return idx, nil
}
