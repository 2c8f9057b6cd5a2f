package odb

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/odvcencio/gitcore/pkg/object"
)

// PackEntry represents one object entry in a pack stream. Delta entries carry
// the raw delta in Data and their base reference in BaseOffset or BaseOid.
type PackEntry struct {
	Offset     uint64
	Type       PackObjectType
	Size       uint64
	Data       []byte
	BaseOffset uint64
	BaseOid    object.Oid
	CRC32      uint32
}

// PackFile is the decoded content of a full pack stream.
type PackFile struct {
	Header   PackHeader
	Entries  []PackEntry
	Checksum object.Oid
}

// ReadPack parses a full pack file byte slice, verifies the trailer checksum,
// and returns decoded entries in stream order.
func ReadPack(data []byte) (*PackFile, error) {
	const op = "read pack"
	if len(data) < packHeaderSize+packTrailerSize {
		return nil, corruptf(op, "", "too short: %d", len(data))
	}

	payload := data[:len(data)-packTrailerSize]
	trailer := data[len(data)-packTrailerSize:]

	sum := object.HashBytes(payload)
	if !bytes.Equal(sum[:], trailer) {
		return nil, corruptf(op, "", "checksum mismatch")
	}

	header, err := UnmarshalPackHeader(payload[:packHeaderSize])
	if err != nil {
		return nil, err
	}

	offset := uint64(packHeaderSize)
	entries := make([]PackEntry, 0, min(header.NumObjects, 1<<16))
	for i := uint32(0); i < header.NumObjects; i++ {
		entry, next, err := decodePackEntry(payload, offset)
		if err != nil {
			return nil, corruptf(op, "", "entry %d: %v", i, err)
		}
		entries = append(entries, entry)
		offset = next
	}

	if offset != uint64(len(payload)) {
		return nil, corruptf(op, "", "trailing undecoded bytes: %d", uint64(len(payload))-offset)
	}

	pf := &PackFile{Header: *header, Entries: entries}
	copy(pf.Checksum[:], trailer)
	return pf, nil
}

// ReadPackFromReader reads a complete pack stream from r and delegates to
// ReadPack for decode and verification.
func ReadPackFromReader(r io.Reader) (*PackFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack stream: %w", err)
	}
	return ReadPack(data)
}

// decodePackEntry decodes the entry starting at offset and returns it together
// with the offset of the next entry.
func decodePackEntry(payload []byte, offset uint64) (PackEntry, uint64, error) {
	if offset >= uint64(len(payload)) {
		return PackEntry{}, 0, fmt.Errorf("offset %d beyond pack data", offset)
	}
	start := offset
	objType, size, n, err := decodePackEntryHeader(payload[offset:])
	if err != nil {
		return PackEntry{}, 0, err
	}
	offset += uint64(n)

	entry := PackEntry{Offset: start, Type: objType, Size: size}
	switch objType {
	case PackCommit, PackTree, PackBlob, PackTag:
	case PackOfsDelta:
		dist, m, err := decodeOfsDeltaDistance(payload[offset:])
		if err != nil {
			return PackEntry{}, 0, err
		}
		if dist == 0 || dist > start {
			return PackEntry{}, 0, fmt.Errorf("ofs-delta base distance %d out of range at %d", dist, start)
		}
		entry.BaseOffset = start - dist
		offset += uint64(m)
	case PackRefDelta:
		if offset+object.OidSize > uint64(len(payload)) {
			return PackEntry{}, 0, fmt.Errorf("ref-delta base truncated")
		}
		copy(entry.BaseOid[:], payload[offset:])
		offset += object.OidSize
	default:
		return PackEntry{}, 0, fmt.Errorf("unknown pack object type %d", objType)
	}

	if offset >= uint64(len(payload)) {
		return PackEntry{}, 0, fmt.Errorf("missing compressed payload")
	}
	raw, consumed, err := inflatePackPayload(payload[offset:], size)
	if err != nil {
		return PackEntry{}, 0, err
	}
	offset += uint64(consumed)

	entry.Data = raw
	entry.CRC32 = crc32.ChecksumIEEE(payload[start:offset])
	return entry, offset, nil
}

// inflatePackPayload decompresses one zlib stream from the front of data,
// returning the payload and the number of compressed bytes consumed.
func inflatePackPayload(data []byte, size uint64) ([]byte, int, error) {
	sub := bytes.NewReader(data)
	zr, err := zlib.NewReader(sub)
	if err != nil {
		return nil, 0, fmt.Errorf("zlib reader: %w", err)
	}
	raw := make([]byte, 0, min(size, maxDeltaPrealloc))
	buf := bytes.NewBuffer(raw)
	if _, err := io.Copy(buf, io.LimitReader(zr, int64(size)+1)); err != nil {
		_ = zr.Close()
		return nil, 0, fmt.Errorf("decompress: %w", err)
	}
	if err := zr.Close(); err != nil {
		return nil, 0, fmt.Errorf("close zlib stream: %w", err)
	}
	if uint64(buf.Len()) != size {
		return nil, 0, fmt.Errorf("size mismatch header=%d decoded=%d", size, buf.Len())
	}
	return buf.Bytes(), len(data) - sub.Len(), nil
}
