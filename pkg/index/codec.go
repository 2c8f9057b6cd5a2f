package index

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
)

var signature = [4]byte{'D', 'I', 'R', 'C'}

const (
	headerSize      = 12
	trailerSize     = object.OidSize
	entryFixedSize  = 62 // stat fields, id and flags
	flagAssumeValid = 0x8000
	flagExtended    = 0x4000
	flagStageShift  = 12
	flagNameMask    = 0x0fff
	extSkipWorktree = 0x4000
	extIntentToAdd  = 0x2000
)

// Decode parses an index file. Versions 2 and 3 are supported; version 4
// (path prefix compression) is reported as Unsupported. Optional extensions
// are skipped; a required extension this package does not know is
// Unsupported.
func Decode(data []byte) (*Index, error) {
	const op = "decode index"
	if len(data) < headerSize+trailerSize {
		return nil, giterr.New(giterr.KindCorruption, op, "", "index too short (%d bytes)", len(data))
	}
	body := data[:len(data)-trailerSize]
	if sum := object.HashBytes(body); !bytes.Equal(sum[:], data[len(body):]) {
		return nil, giterr.New(giterr.KindCorruption, op, "", "checksum mismatch")
	}
	if !bytes.Equal(data[:4], signature[:]) {
		return nil, giterr.New(giterr.KindCorruption, op, "", "bad signature %q", data[:4])
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != 2 && version != 3 {
		return nil, giterr.New(giterr.KindUnsupported, op, "", "index version %d", version)
	}
	count := binary.BigEndian.Uint32(data[8:12])

	idx := &Index{Version: version, entries: make([]*Entry, 0, min(count, uint32(len(body)/entryFixedSize)))}
	pos := headerSize
	for i := uint32(0); i < count; i++ {
		e, n, err := decodeEntry(body[pos:], version)
		if err != nil {
			return nil, giterr.New(giterr.KindCorruption, op, "", "entry %d: %v", i, err)
		}
		if k := len(idx.entries); k > 0 {
			prev := idx.entries[k-1]
			if compareEntries(prev, e) >= 0 {
				return nil, giterr.New(giterr.KindCorruption, op, e.Path, "entries out of order")
			}
			if prev.Path == e.Path && (prev.Stage == StageNormal || e.Stage == StageNormal) {
				return nil, giterr.New(giterr.KindCorruption, op, e.Path, "stage 0 entry alongside conflict stages")
			}
		}
		idx.entries = append(idx.entries, e)
		pos += n
	}

	for pos < len(body) {
		if len(body)-pos < 8 {
			return nil, giterr.New(giterr.KindCorruption, op, "", "truncated extension header")
		}
		sig := body[pos : pos+4]
		size := int(binary.BigEndian.Uint32(body[pos+4 : pos+8]))
		if size < 0 || size > len(body)-pos-8 {
			return nil, giterr.New(giterr.KindCorruption, op, "", "extension %q overruns index", sig)
		}
		if sig[0] < 'A' || sig[0] > 'Z' {
			return nil, giterr.New(giterr.KindUnsupported, op, "", "required extension %q", sig)
		}
		pos += 8 + size
	}
	return idx, nil
}

type decodeError string

func (e decodeError) Error() string { return string(e) }

func decodeEntry(b []byte, version uint32) (*Entry, int, error) {
	if len(b) < entryFixedSize {
		return nil, 0, decodeError("truncated entry")
	}
	be := binary.BigEndian
	e := &Entry{
		Ctime: unixTime(be.Uint32(b[0:]), be.Uint32(b[4:])),
		Mtime: unixTime(be.Uint32(b[8:]), be.Uint32(b[12:])),
		Dev:   be.Uint32(b[16:]),
		Ino:   be.Uint32(b[20:]),
		Mode:  object.FileMode(be.Uint32(b[24:])),
		UID:   be.Uint32(b[28:]),
		GID:   be.Uint32(b[32:]),
		Size:  be.Uint32(b[36:]),
	}
	copy(e.Oid[:], b[40:60])
	flags := be.Uint16(b[60:])
	e.AssumeValid = flags&flagAssumeValid != 0
	e.Stage = Stage((flags >> flagStageShift) & 3)

	off := entryFixedSize
	if flags&flagExtended != 0 {
		if version < 3 {
			return nil, 0, decodeError("extended flags in a version 2 index")
		}
		if len(b) < off+2 {
			return nil, 0, decodeError("truncated extended flags")
		}
		ext := be.Uint16(b[off:])
		e.SkipWorktree = ext&extSkipWorktree != 0
		e.IntentToAdd = ext&extIntentToAdd != 0
		off += 2
	}

	nameLen := int(flags & flagNameMask)
	if nameLen == flagNameMask {
		nameLen = bytes.IndexByte(b[off:], 0)
		if nameLen < 0 {
			return nil, 0, decodeError("unterminated path")
		}
	}
	if len(b) < off+nameLen+1 || b[off+nameLen] != 0 {
		return nil, 0, decodeError("path not NUL terminated")
	}
	e.Path = string(b[off : off+nameLen])
	size := (off + nameLen + 8) &^ 7
	if len(b) < size {
		return nil, 0, decodeError("truncated padding")
	}
	return e, size, nil
}

func unixTime(sec, nsec uint32) time.Time {
	if sec == 0 && nsec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), int64(nsec))
}

func splitTime(t time.Time) (uint32, uint32) {
	if t.IsZero() {
		return 0, 0
	}
	return uint32(t.Unix()), uint32(t.Nanosecond())
}

// Encode renders the index in version 2, or version 3 when an entry uses
// extended flags, followed by its SHA-1 trailer.
func (idx *Index) Encode() ([]byte, error) {
	version := uint32(2)
	for _, e := range idx.entries {
		if e.extended() {
			version = 3
			break
		}
	}

	var buf bytes.Buffer
	buf.Write(signature[:])
	be := binary.BigEndian
	var hdr [8]byte
	be.PutUint32(hdr[0:], version)
	be.PutUint32(hdr[4:], uint32(len(idx.entries)))
	buf.Write(hdr[:])

	for _, e := range idx.entries {
		var fixed [entryFixedSize]byte
		cs, cn := splitTime(e.Ctime)
		ms, mn := splitTime(e.Mtime)
		be.PutUint32(fixed[0:], cs)
		be.PutUint32(fixed[4:], cn)
		be.PutUint32(fixed[8:], ms)
		be.PutUint32(fixed[12:], mn)
		be.PutUint32(fixed[16:], e.Dev)
		be.PutUint32(fixed[20:], e.Ino)
		be.PutUint32(fixed[24:], uint32(e.Mode))
		be.PutUint32(fixed[28:], e.UID)
		be.PutUint32(fixed[32:], e.GID)
		be.PutUint32(fixed[36:], e.Size)
		copy(fixed[40:60], e.Oid[:])

		flags := uint16(e.Stage&3) << flagStageShift
		flags |= uint16(min(len(e.Path), flagNameMask))
		if e.AssumeValid {
			flags |= flagAssumeValid
		}
		off := entryFixedSize
		if e.extended() {
			flags |= flagExtended
		}
		be.PutUint16(fixed[60:], flags)
		buf.Write(fixed[:])

		if e.extended() {
			var ext uint16
			if e.SkipWorktree {
				ext |= extSkipWorktree
			}
			if e.IntentToAdd {
				ext |= extIntentToAdd
			}
			buf.Write([]byte{byte(ext >> 8), byte(ext)})
			off += 2
		}
		buf.WriteString(e.Path)
		pad := ((off + len(e.Path) + 8) &^ 7) - off - len(e.Path)
		buf.Write(make([]byte, pad))
	}

	sum := object.HashBytes(buf.Bytes())
	buf.Write(sum[:])
	idx.Version = version
	return buf.Bytes(), nil
}
