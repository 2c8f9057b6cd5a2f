package odb

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/spf13/afero"

	"github.com/odvcencio/gitcore/pkg/object"
)

// LooseBackend stores one zlib-compressed file per object with a 2-character
// fan-out directory layout: objects/ab/cdef0123...
type LooseBackend struct {
	fs  afero.Fs
	dir string
}

// NewLooseBackend creates a backend rooted at an objects directory. Fan-out
// directories are created lazily on first write.
func NewLooseBackend(fs afero.Fs, objectsDir string) *LooseBackend {
	return &LooseBackend{fs: fs, dir: objectsDir}
}

func (l *LooseBackend) Name() string { return "loose" }

// objectPath returns the filesystem path for a given id.
func (l *LooseBackend) objectPath(id object.Oid) string {
	h := id.String()
	return filepath.Join(l.dir, h[:2], h[2:])
}

// Exists reports whether a loose file for id is present.
func (l *LooseBackend) Exists(id object.Oid) bool {
	_, err := l.fs.Stat(l.objectPath(id))
	return err == nil
}

// Write stores an object. The on-disk format is zlib("type len\0content").
// Writes are atomic: data is written to a temp file and then renamed into
// place, and the final file is read-only.
func (l *LooseBackend) Write(id object.Oid, typ object.ObjectType, data []byte) error {
	const op = "loose write"
	if l.Exists(id) {
		return nil
	}

	dest := l.objectPath(id)
	dir := filepath.Dir(dest)
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%s mkdir: %w", op, err)
	}

	tmp, err := afero.TempFile(l.fs, dir, "tmp_obj_")
	if err != nil {
		return fmt.Errorf("%s tmpfile: %w", op, err)
	}
	tmpName := tmp.Name()

	zw := zlib.NewWriter(tmp)
	_, err = zw.Write(object.Header(typ, len(data)))
	if err == nil {
		_, err = zw.Write(data)
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = l.fs.Remove(tmpName)
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	_ = l.fs.Chmod(tmpName, 0o444)

	if err := l.fs.Rename(tmpName, dest); err != nil {
		_ = l.fs.Remove(tmpName)
		// Another writer may have won the race with identical content.
		if l.Exists(id) {
			return nil
		}
		return fmt.Errorf("%s rename: %w", op, err)
	}
	return nil
}

func (l *LooseBackend) open(op string, id object.Oid) (afero.File, error) {
	f, err := l.fs.Open(l.objectPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(op, id)
		}
		return nil, fmt.Errorf("%s %s: %w", op, id, err)
	}
	return f, nil
}

// Read retrieves an object by id. The stored size and content hash are both
// checked; a mismatch is reported as corruption.
func (l *LooseBackend) Read(id object.Oid) (object.ObjectType, []byte, error) {
	const op = "loose read"
	f, err := l.open(op, id)
	if err != nil {
		return object.TypeInvalid, nil, err
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return object.TypeInvalid, nil, corruptf(op, id.String(), "zlib: %v", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return object.TypeInvalid, nil, corruptf(op, id.String(), "inflate: %v", err)
	}

	typ, size, n, err := parseLooseHeader(raw)
	if err != nil {
		return object.TypeInvalid, nil, corruptf(op, id.String(), "%v", err)
	}
	content := raw[n:]
	if uint64(len(content)) != size {
		return object.TypeInvalid, nil, corruptf(op, id.String(), "length mismatch (header=%d, actual=%d)", size, len(content))
	}
	if err := verifyID(op, id, typ, content); err != nil {
		return object.TypeInvalid, nil, err
	}
	return typ, content, nil
}

// ReadHeader inflates only as much of the object as needed to parse its
// header.
func (l *LooseBackend) ReadHeader(id object.Oid) (object.ObjectType, uint64, error) {
	const op = "loose read header"
	f, err := l.open(op, id)
	if err != nil {
		return object.TypeInvalid, 0, err
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return object.TypeInvalid, 0, corruptf(op, id.String(), "zlib: %v", err)
	}
	defer zr.Close()
	hdr, err := bufio.NewReaderSize(zr, 64).ReadSlice(0)
	if err != nil {
		return object.TypeInvalid, 0, corruptf(op, id.String(), "header: %v", err)
	}
	typ, size, _, err := parseLooseHeader(hdr)
	if err != nil {
		return object.TypeInvalid, 0, corruptf(op, id.String(), "%v", err)
	}
	return typ, size, nil
}

// parseLooseHeader parses "type len\0" and returns the header length
// including the NUL.
func parseLooseHeader(raw []byte) (object.ObjectType, uint64, int, error) {
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return object.TypeInvalid, 0, 0, fmt.Errorf("invalid format (no NUL)")
	}
	name, sizeText, ok := strings.Cut(string(raw[:nul]), " ")
	if !ok {
		return object.TypeInvalid, 0, 0, fmt.Errorf("invalid header %q", raw[:nul])
	}
	typ, err := object.ParseObjectType(name)
	if err != nil {
		return object.TypeInvalid, 0, 0, err
	}
	size, err := strconv.ParseUint(sizeText, 10, 64)
	if err != nil {
		return object.TypeInvalid, 0, 0, fmt.Errorf("invalid length %q", sizeText)
	}
	return typ, size, nul + 1, nil
}

// ResolvePrefix lists the fan-out directory named by the first two prefix
// characters.
func (l *LooseBackend) ResolvePrefix(prefix string, limit int) ([]object.Oid, error) {
	prefix = strings.ToLower(prefix)
	if len(prefix) < 2 {
		return nil, fmt.Errorf("loose resolve prefix: %q too short", prefix)
	}
	names, err := l.fanoutNames(prefix[:2])
	if err != nil {
		return nil, err
	}
	var out []object.Oid
	for _, name := range names {
		if !strings.HasPrefix(name, prefix[2:]) {
			continue
		}
		id, err := object.ParseOid(prefix[:2] + name)
		if err != nil {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// fanoutNames returns the sorted 38-character object file names in one
// fan-out directory.
func (l *LooseBackend) fanoutNames(fanout string) ([]string, error) {
	infos, err := afero.ReadDir(l.fs, filepath.Join(l.dir, fanout))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read objects dir %s: %w", fanout, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || len(name) != object.OidHexSize-2 || !object.IsHexOid(fanout+name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// All yields every loose object id in id order.
func (l *LooseBackend) All() iter.Seq2[object.Oid, error] {
	return func(yield func(object.Oid, error) bool) {
		infos, err := afero.ReadDir(l.fs, l.dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				yield(object.ZeroOid, fmt.Errorf("read objects dir: %w", err))
			}
			return
		}
		for _, info := range infos {
			fanout := info.Name()
			if !info.IsDir() || len(fanout) != 2 || !isLowerHex(fanout) {
				continue
			}
			names, err := l.fanoutNames(fanout)
			if err != nil {
				if !yield(object.ZeroOid, err) {
					return
				}
				continue
			}
			for _, name := range names {
				id, err := object.ParseOid(fanout + name)
				if err != nil {
					continue
				}
				if !yield(id, nil) {
					return
				}
			}
		}
	}
}

// remove deletes the loose copy of id. Missing files are not an error.
func (l *LooseBackend) remove(id object.Oid) error {
	path := l.objectPath(id)
	_ = l.fs.Chmod(path, 0o644)
	if err := l.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9') && !('a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}
