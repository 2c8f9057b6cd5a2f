package odb

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
)

const testObjects = "/repo/.git/objects"

func openMemOdb(t *testing.T, opts ...Option) (*Odb, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	db, err := Open(testObjects, append([]Option{WithFs(fs)}, opts...)...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, fs
}

func reopen(t *testing.T, fs afero.Fs, opts ...Option) *Odb {
	t.Helper()
	db, err := Open(testObjects, append([]Option{WithFs(fs)}, opts...)...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestWriteReadRoundTrip(t *testing.T) {
	db, fs := openMemOdb(t)

	id, err := db.Write(object.TypeBlob, []byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if id.String() != "b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0" {
		t.Fatalf("id = %s", id)
	}
	if !db.Exists(id) {
		t.Fatal("Exists = false after write")
	}
	path := filepath.Join(testObjects, "b6", "fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	if _, err := fs.Stat(path); err != nil {
		t.Fatalf("loose file missing: %v", err)
	}

	obj, err := db.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if obj.Type != object.TypeBlob || string(obj.Data) != "hello" {
		t.Fatalf("Read = %v %q", obj.Type, obj.Data)
	}
	typ, size, err := db.ReadHeader(id)
	if err != nil || typ != object.TypeBlob || size != 5 {
		t.Fatalf("ReadHeader = %v %d %v", typ, size, err)
	}
	if db.Hash(object.TypeBlob, []byte("hello")) != id {
		t.Fatal("Hash disagrees with Write")
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	db, _ := openMemOdb(t)
	a, err := db.Write(object.TypeBlob, []byte("same"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	b, err := db.Write(object.TypeBlob, []byte("same"))
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if a != b {
		t.Fatalf("ids differ: %s vs %s", a, b)
	}
	count := 0
	for _, err := range db.All() {
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		count++
	}
	if count != 1 {
		t.Fatalf("All yielded %d ids, want 1", count)
	}
}

func TestWriteRejectsInvalidType(t *testing.T) {
	db, _ := openMemOdb(t)
	if _, err := db.Write(object.TypeAny, []byte("x")); !errors.Is(err, giterr.ErrInvalidSpec) {
		t.Fatalf("err = %v, want InvalidSpec", err)
	}
}

func TestReadMissingIsNotFound(t *testing.T) {
	db, _ := openMemOdb(t)
	id := object.HashObject(object.TypeBlob, []byte("never written"))
	if db.Exists(id) {
		t.Fatal("Exists = true for missing object")
	}
	if _, err := db.Read(id); !errors.Is(err, giterr.ErrNotFound) {
		t.Fatalf("Read err = %v, want NotFound", err)
	}
	if _, _, err := db.ReadHeader(id); !errors.Is(err, giterr.ErrNotFound) {
		t.Fatalf("ReadHeader err = %v, want NotFound", err)
	}
}

func TestLooseCorruptionDetected(t *testing.T) {
	db, fs := openMemOdb(t)
	id, err := db.Write(object.TypeBlob, []byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write([]byte("blob 5\x00hellp"))
	_ = zw.Close()
	path := filepath.Join(testObjects, id.String()[:2], id.String()[2:])
	_ = fs.Chmod(path, 0o644)
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := db.Read(id); !errors.Is(err, giterr.ErrCorruption) {
		t.Fatalf("err = %v, want Corruption", err)
	}
}

func TestResolvePrefix(t *testing.T) {
	db, _ := openMemOdb(t)

	// Find two blobs whose ids share the first four hex characters.
	seen := make(map[string]object.Oid)
	var a, b object.Oid
	for i := 0; ; i++ {
		id, err := db.Write(object.TypeBlob, []byte(fmt.Sprintf("blob-%d", i)))
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		p := id.String()[:4]
		if other, ok := seen[p]; ok {
			a, b = other, id
			break
		}
		seen[p] = id
	}

	if _, err := db.ResolvePrefix(a.String()[:4]); !errors.Is(err, giterr.ErrAmbiguous) {
		t.Fatalf("short prefix err = %v, want Ambiguous", err)
	}
	got, err := db.ResolvePrefix(a.String()[:12])
	if err != nil || got != a {
		t.Fatalf("ResolvePrefix(a) = %s, %v", got, err)
	}
	id, obj, err := db.ReadPrefix(b.String()[:12])
	if err != nil || id != b || obj.Type != object.TypeBlob {
		t.Fatalf("ReadPrefix(b) = %s %+v %v", id, obj, err)
	}
	if _, err := db.ResolvePrefix("abc"); !errors.Is(err, giterr.ErrInvalidSpec) {
		t.Fatalf("3-char prefix err = %v, want InvalidSpec", err)
	}
	if _, err := db.ResolvePrefix(b.String()); err != nil {
		t.Fatalf("full id prefix: %v", err)
	}
}

func TestResolvePrefixDuplicateAcrossBackendsIsNotAmbiguous(t *testing.T) {
	db, _ := openMemOdb(t)
	id, err := db.Write(object.TypeBlob, []byte("dup"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := db.Repack(RepackOptions{}); err != nil {
		t.Fatalf("Repack: %v", err)
	}
	// The object is now both loose and packed.
	got, err := db.ResolvePrefix(id.String()[:6])
	if err != nil || got != id {
		t.Fatalf("ResolvePrefix = %s, %v", got, err)
	}
}

type memBackend struct {
	name string
	objs map[object.Oid]*object.Object
}

func newMemBackend(name string) *memBackend {
	return &memBackend{name: name, objs: make(map[object.Oid]*object.Object)}
}

func (m *memBackend) Name() string { return m.name }

func (m *memBackend) Exists(id object.Oid) bool { _, ok := m.objs[id]; return ok }

func (m *memBackend) Read(id object.Oid) (object.ObjectType, []byte, error) {
	o, ok := m.objs[id]
	if !ok {
		return object.TypeInvalid, nil, notFound("mem read", id)
	}
	return o.Type, o.Data, nil
}

func (m *memBackend) ReadHeader(id object.Oid) (object.ObjectType, uint64, error) {
	typ, data, err := m.Read(id)
	return typ, uint64(len(data)), err
}

func (m *memBackend) ResolvePrefix(prefix string, limit int) ([]object.Oid, error) {
	var out []object.Oid
	for id := range m.objs {
		if id.HasPrefix(prefix) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memBackend) All() iter.Seq2[object.Oid, error] {
	return func(yield func(object.Oid, error) bool) {
		for id := range m.objs {
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (m *memBackend) Write(id object.Oid, typ object.ObjectType, data []byte) error {
	m.objs[id] = &object.Object{Type: typ, Data: append([]byte(nil), data...)}
	return nil
}

func TestBackendPriorityOrder(t *testing.T) {
	db, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	low, high, tie := newMemBackend("low"), newMemBackend("high"), newMemBackend("tie")
	db.AddBackend(low, 1)
	db.AddBackend(high, 5)
	db.AddBackend(tie, 1)

	var names []string
	for _, b := range db.Backends() {
		names = append(names, b.Name())
	}
	if fmt.Sprint(names) != "[high tie low]" {
		t.Fatalf("probe order = %v, want [high tie low]", names)
	}

	id, err := db.Write(object.TypeBlob, []byte("x"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !high.Exists(id) || low.Exists(id) || tie.Exists(id) {
		t.Fatal("write did not go to the highest-priority backend")
	}

	// A stale copy in a lower backend is shadowed by the higher one.
	low.objs[id] = &object.Object{Type: object.TypeBlob, Data: []byte("stale")}
	obj, err := db.Read(id)
	if err != nil || string(obj.Data) != "x" {
		t.Fatalf("Read = %+v, %v", obj, err)
	}
}

func TestWriteWithoutWritableBackend(t *testing.T) {
	db, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pack, err := NewPackBackend(afero.NewMemMapFs(), "/pack", 0)
	if err != nil {
		t.Fatalf("NewPackBackend: %v", err)
	}
	db.AddBackend(pack, PriorityPack)
	if _, err := db.Write(object.TypeBlob, []byte("x")); !errors.Is(err, giterr.ErrUnsupported) {
		t.Fatalf("err = %v, want Unsupported", err)
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	db, _ := openMemOdb(t)
	id, err := db.Write(object.TypeBlob, []byte("x"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := db.Read(id); !errors.Is(err, giterr.ErrClosed) {
		t.Fatalf("Read err = %v, want Closed", err)
	}
	if _, err := db.Write(object.TypeBlob, []byte("y")); !errors.Is(err, giterr.ErrClosed) {
		t.Fatalf("Write err = %v, want Closed", err)
	}
}

func TestAllStopsOnBreak(t *testing.T) {
	db, _ := openMemOdb(t)
	for i := 0; i < 5; i++ {
		if _, err := db.Write(object.TypeBlob, []byte{byte(i)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	n := 0
	for range db.All() {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("iterated %d, want 2", n)
	}
}

func TestConcurrentWritesSameObject(t *testing.T) {
	db, _ := openMemOdb(t)
	want := db.Hash(object.TypeBlob, []byte("race"))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := db.Write(object.TypeBlob, []byte("race"))
			if err == nil && id != want {
				err = fmt.Errorf("id = %s, want %s", id, want)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent write: %v", err)
		}
	}
	if obj, err := db.Read(want); err != nil || string(obj.Data) != "race" {
		t.Fatalf("Read = %+v, %v", obj, err)
	}
}

func TestMetricsCountReadsAndWrites(t *testing.T) {
	reg := prometheus.NewRegistry()
	db, _ := openMemOdb(t, WithMetrics(reg))

	id, err := db.Write(object.TypeBlob, []byte("m"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := db.Write(object.TypeBlob, []byte("m")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := db.Read(id); err != nil {
		t.Fatalf("Read: %v", err)
	}
	_, _ = db.Read(db.Hash(object.TypeBlob, []byte("missing")))

	if got := testutil.ToFloat64(db.metrics.writes.WithLabelValues(resultOK)); got != 1 {
		t.Fatalf("writes ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(db.metrics.writes.WithLabelValues(resultDedup)); got != 1 {
		t.Fatalf("writes dedup = %v, want 1", got)
	}
	if got := testutil.ToFloat64(db.metrics.reads.WithLabelValues("loose", resultHit)); got != 1 {
		t.Fatalf("loose hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(db.metrics.reads.WithLabelValues("", resultMiss)); got != 1 {
		t.Fatalf("misses = %v, want 1", got)
	}
}
