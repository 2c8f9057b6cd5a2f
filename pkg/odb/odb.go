// Package odb implements the Git object database: a priority-ordered set of
// storage backends behind one content-addressed read/write interface.
package odb

import (
	"io"
	"iter"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
)

const (
	defaultMaxDeltaDepth = 50

	// PriorityPack and PriorityLoose are the priorities Open assigns to the
	// built-in backends. Packs are probed first.
	PriorityPack  = 2
	PriorityLoose = 1
)

// Backend is one storage for objects. Read and ReadHeader report a missing
// object with a giterr NotFound error.
type Backend interface {
	Name() string
	Exists(id object.Oid) bool
	Read(id object.Oid) (object.ObjectType, []byte, error)
	ReadHeader(id object.Oid) (object.ObjectType, uint64, error)
	// ResolvePrefix returns up to limit ids starting with the hex prefix.
	// A limit of zero means no limit.
	ResolvePrefix(prefix string, limit int) ([]object.Oid, error)
	All() iter.Seq2[object.Oid, error]
}

// WritableBackend is a Backend that can store new objects. Write is called
// with the id already computed and must be idempotent.
type WritableBackend interface {
	Backend
	Write(id object.Oid, typ object.ObjectType, data []byte) error
}

// depthReader is implemented by backends that resolve delta chains and need
// the chain depth threaded through reads of external bases.
type depthReader interface {
	readDepth(id object.Oid, depth int) (object.ObjectType, []byte, error)
}

// baseAware backends accept a reader for delta bases stored elsewhere.
type baseAware interface {
	setBaseReader(fn func(id object.Oid, depth int) (object.ObjectType, []byte, error))
}

type backendEntry struct {
	backend  Backend
	priority int
	seq      int
}

// Option configures an Odb.
type Option func(*options)

type options struct {
	log      *zap.Logger
	registry prometheus.Registerer
	fs       afero.Fs
	maxDepth int
}

// WithLogger sets the logger. The default logs nothing.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics registers read/write counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithFs sets the filesystem used by the loose and pack backends.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithMaxDeltaDepth bounds pack delta chains.
func WithMaxDeltaDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxDepth = n
		}
	}
}

// Odb is the object database. It is safe for concurrent use: the backend list
// is an immutable snapshot swapped on AddBackend, so reads never block.
type Odb struct {
	backends atomic.Pointer[[]backendEntry]
	mu       sync.Mutex
	seq      int
	closed   atomic.Bool

	log        *zap.Logger
	metrics    *metrics
	fs         afero.Fs
	objectsDir string
	maxDepth   int
}

// New returns an Odb with no backends.
func New(opts ...Option) (*Odb, error) {
	o := options{log: zap.NewNop(), fs: afero.NewOsFs(), maxDepth: defaultMaxDeltaDepth}
	for _, apply := range opts {
		apply(&o)
	}
	m, err := newMetrics(o.registry)
	if err != nil {
		return nil, err
	}
	db := &Odb{log: o.log, metrics: m, fs: o.fs, maxDepth: o.maxDepth}
	db.backends.Store(&[]backendEntry{})
	return db, nil
}

// Open returns an Odb over a Git objects directory with the loose and pack
// backends registered.
func Open(objectsDir string, opts ...Option) (*Odb, error) {
	db, err := New(opts...)
	if err != nil {
		return nil, err
	}
	db.objectsDir = objectsDir
	loose := NewLooseBackend(db.fs, objectsDir)
	pack, err := NewPackBackend(db.fs, filepath.Join(objectsDir, "pack"), db.maxDepth)
	if err != nil {
		return nil, err
	}
	db.AddBackend(loose, PriorityLoose)
	db.AddBackend(pack, PriorityPack)
	db.log.Debug("odb opened", zap.String("objects", objectsDir))
	return db, nil
}

// AddBackend registers b. Higher priorities are probed first; among equal
// priorities the most recently added backend wins.
func (db *Odb) AddBackend(b Backend, priority int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if ba, ok := b.(baseAware); ok {
		ba.setBaseReader(db.readDepth)
	}
	db.seq++
	cur := *db.backends.Load()
	next := make([]backendEntry, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, backendEntry{backend: b, priority: priority, seq: db.seq})
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].priority != next[j].priority {
			return next[i].priority > next[j].priority
		}
		return next[i].seq > next[j].seq
	})
	db.backends.Store(&next)
}

// Backends returns the registered backends in probe order.
func (db *Odb) Backends() []Backend {
	cur := *db.backends.Load()
	out := make([]Backend, len(cur))
	for i, e := range cur {
		out[i] = e.backend
	}
	return out
}

func (db *Odb) checkOpen(op string) error {
	if db.closed.Load() {
		return giterr.New(giterr.KindClosed, op, "", "object database is closed")
	}
	return nil
}

// Hash computes the id data would have as an object of type typ without
// storing it.
func (db *Odb) Hash(typ object.ObjectType, data []byte) object.Oid {
	return object.HashObject(typ, data)
}

// Exists reports whether any backend holds id.
func (db *Odb) Exists(id object.Oid) bool {
	if db.closed.Load() {
		return false
	}
	for _, e := range *db.backends.Load() {
		if e.backend.Exists(id) {
			return true
		}
	}
	return false
}

// Read returns the object stored under id.
func (db *Odb) Read(id object.Oid) (*object.Object, error) {
	typ, data, err := db.readDepth(id, 0)
	if err != nil {
		return nil, err
	}
	return &object.Object{Type: typ, Data: data}, nil
}

func (db *Odb) readDepth(id object.Oid, depth int) (object.ObjectType, []byte, error) {
	const op = "odb read"
	if err := db.checkOpen(op); err != nil {
		return object.TypeInvalid, nil, err
	}
	if depth > db.maxDepth {
		return object.TypeInvalid, nil, corruptf(op, id.String(), "delta chain exceeds depth %d", db.maxDepth)
	}
	for _, e := range *db.backends.Load() {
		var (
			typ  object.ObjectType
			data []byte
			err  error
		)
		if dr, ok := e.backend.(depthReader); ok {
			typ, data, err = dr.readDepth(id, depth)
		} else {
			typ, data, err = e.backend.Read(id)
		}
		switch {
		case err == nil:
			db.metrics.read(e.backend.Name(), resultHit)
			return typ, data, nil
		case giterr.IsNotFound(err):
			continue
		default:
			db.metrics.read(e.backend.Name(), resultError)
			return object.TypeInvalid, nil, err
		}
	}
	db.metrics.read("", resultMiss)
	return object.TypeInvalid, nil, notFound(op, id)
}

// ReadHeader returns the type and size of id without necessarily inflating
// the whole payload.
func (db *Odb) ReadHeader(id object.Oid) (object.ObjectType, uint64, error) {
	const op = "odb read header"
	if err := db.checkOpen(op); err != nil {
		return object.TypeInvalid, 0, err
	}
	for _, e := range *db.backends.Load() {
		typ, size, err := e.backend.ReadHeader(id)
		if err == nil {
			return typ, size, nil
		}
		if !giterr.IsNotFound(err) {
			return object.TypeInvalid, 0, err
		}
	}
	return object.TypeInvalid, 0, notFound(op, id)
}

// Write stores data as an object of type typ in the highest-priority
// writable backend and returns its id. Writing an object that already exists
// anywhere is a successful no-op.
func (db *Odb) Write(typ object.ObjectType, data []byte) (object.Oid, error) {
	const op = "odb write"
	if err := db.checkOpen(op); err != nil {
		return object.ZeroOid, err
	}
	if !typ.Valid() {
		return object.ZeroOid, giterr.New(giterr.KindInvalidSpec, op, "", "invalid object type %v", typ)
	}
	id, err := object.HashObjectChecked(typ, data)
	if err != nil {
		db.metrics.write(resultError)
		return object.ZeroOid, err
	}
	if db.Exists(id) {
		db.metrics.write(resultDedup)
		return id, nil
	}
	for _, e := range *db.backends.Load() {
		wb, ok := e.backend.(WritableBackend)
		if !ok {
			continue
		}
		if err := wb.Write(id, typ, data); err != nil {
			db.metrics.write(resultError)
			return object.ZeroOid, err
		}
		db.metrics.write(resultOK)
		db.log.Debug("object written", zap.Stringer("oid", id), zap.Stringer("type", typ), zap.String("backend", wb.Name()))
		return id, nil
	}
	return object.ZeroOid, unsupportedf(op, "", "no writable backend")
}

// ResolvePrefix expands a hex prefix of at least MinPrefixLen characters to
// the single object id it names. Two or more distinct matches across all
// backends are reported as Ambiguous.
func (db *Odb) ResolvePrefix(prefix string) (object.Oid, error) {
	const op = "odb resolve prefix"
	if err := db.checkOpen(op); err != nil {
		return object.ZeroOid, err
	}
	if err := object.ValidatePrefix(prefix); err != nil {
		return object.ZeroOid, err
	}
	if len(prefix) == object.OidHexSize {
		id, err := object.ParseOid(prefix)
		if err != nil {
			return object.ZeroOid, err
		}
		if !db.Exists(id) {
			return object.ZeroOid, notFound(op, id)
		}
		return id, nil
	}

	found := make(map[object.Oid]struct{}, 2)
	var match object.Oid
	for _, e := range *db.backends.Load() {
		ids, err := e.backend.ResolvePrefix(prefix, 2)
		if err != nil {
			return object.ZeroOid, err
		}
		for _, id := range ids {
			found[id] = struct{}{}
			match = id
		}
		if len(found) > 1 {
			return object.ZeroOid, giterr.New(giterr.KindAmbiguous, op, prefix, "prefix matches more than one object")
		}
	}
	if len(found) == 0 {
		return object.ZeroOid, giterr.New(giterr.KindNotFound, op, prefix, "no object matches prefix")
	}
	return match, nil
}

// ReadPrefix reads the single object whose id starts with prefix.
func (db *Odb) ReadPrefix(prefix string) (object.Oid, *object.Object, error) {
	id, err := db.ResolvePrefix(prefix)
	if err != nil {
		return object.ZeroOid, nil, err
	}
	obj, err := db.Read(id)
	if err != nil {
		return object.ZeroOid, nil, err
	}
	return id, obj, nil
}

// All yields every object id across all backends once. Breaking out of the
// loop stops backend iteration.
func (db *Odb) All() iter.Seq2[object.Oid, error] {
	return func(yield func(object.Oid, error) bool) {
		if err := db.checkOpen("odb all"); err != nil {
			yield(object.ZeroOid, err)
			return
		}
		seen := make(map[object.Oid]struct{})
		for _, e := range *db.backends.Load() {
			for id, err := range e.backend.All() {
				if err != nil {
					if !yield(object.ZeroOid, err) {
						return
					}
					continue
				}
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if !yield(id, nil) {
					return
				}
			}
		}
	}
}

// Refresh makes objects added to disk by other processes visible, such as
// newly written packs.
func (db *Odb) Refresh() error {
	if err := db.checkOpen("odb refresh"); err != nil {
		return err
	}
	var errs error
	for _, e := range *db.backends.Load() {
		if r, ok := e.backend.(interface{ Refresh() error }); ok {
			errs = multierr.Append(errs, r.Refresh())
		}
	}
	return errs
}

// Close closes every backend that holds resources. Subsequent operations
// return a Closed error. Close is idempotent.
func (db *Odb) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	var errs error
	for _, e := range *db.backends.Load() {
		if c, ok := e.backend.(io.Closer); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}

func (db *Odb) looseBackend() *LooseBackend {
	for _, e := range *db.backends.Load() {
		if l, ok := e.backend.(*LooseBackend); ok {
			return l
		}
	}
	return nil
}

func (db *Odb) packBackend() *PackBackend {
	for _, e := range *db.backends.Load() {
		if p, ok := e.backend.(*PackBackend); ok {
			return p
		}
	}
	return nil
}
