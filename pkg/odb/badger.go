package odb

import (
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/object"
)

var badgerObjectPrefix = []byte("o/")

// BadgerBackend stores objects in a badger key-value database. Keys are
// "o/" + the raw id; values are the type byte followed by the zstd-compressed
// payload.
type BadgerBackend struct {
	db  *badgerdb.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenBadgerBackend opens (or creates) a badger database at path. An empty
// path opens an in-memory database.
func OpenBadgerBackend(path string, log *zap.Logger) (*BadgerBackend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := badgerdb.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{log.Sugar()})

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BadgerBackend{db: db, enc: enc, dec: dec}, nil
}

func (b *BadgerBackend) Name() string { return "badger" }

func badgerKey(id object.Oid) []byte {
	key := make([]byte, 0, len(badgerObjectPrefix)+object.OidSize)
	key = append(key, badgerObjectPrefix...)
	return append(key, id[:]...)
}

// Exists reports whether id is stored.
func (b *BadgerBackend) Exists(id object.Oid) bool {
	err := b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(badgerKey(id))
		return err
	})
	return err == nil
}

// Write stores an object.
func (b *BadgerBackend) Write(id object.Oid, typ object.ObjectType, data []byte) error {
	val := make([]byte, 1, 1+len(data)/2)
	val[0] = byte(typ)
	val = b.enc.EncodeAll(data, val)
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(badgerKey(id), val)
	})
}

func (b *BadgerBackend) get(op string, id object.Oid) (object.ObjectType, []byte, error) {
	var val []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(badgerKey(id))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return object.TypeInvalid, nil, notFound(op, id)
	}
	if err != nil {
		return object.TypeInvalid, nil, fmt.Errorf("%s %s: %w", op, id, err)
	}
	if len(val) == 0 {
		return object.TypeInvalid, nil, corruptf(op, id.String(), "empty value")
	}
	typ := object.ObjectType(val[0])
	if !typ.Valid() {
		return object.TypeInvalid, nil, corruptf(op, id.String(), "invalid type byte %d", val[0])
	}
	data, err := b.dec.DecodeAll(val[1:], nil)
	if err != nil {
		return object.TypeInvalid, nil, corruptf(op, id.String(), "zstd: %v", err)
	}
	return typ, data, nil
}

// Read returns the object and verifies its hash.
func (b *BadgerBackend) Read(id object.Oid) (object.ObjectType, []byte, error) {
	const op = "badger read"
	typ, data, err := b.get(op, id)
	if err != nil {
		return object.TypeInvalid, nil, err
	}
	if err := verifyID(op, id, typ, data); err != nil {
		return object.TypeInvalid, nil, err
	}
	return typ, data, nil
}

func (b *BadgerBackend) ReadHeader(id object.Oid) (object.ObjectType, uint64, error) {
	typ, data, err := b.get("badger read header", id)
	if err != nil {
		return object.TypeInvalid, 0, err
	}
	return typ, uint64(len(data)), nil
}

// ResolvePrefix scans keys in id order starting at the prefix.
func (b *BadgerBackend) ResolvePrefix(prefix string, limit int) ([]object.Oid, error) {
	prefix = strings.ToLower(prefix)
	// Seek from the longest whole-byte prefix, then filter by hex.
	seekHex := prefix[:len(prefix)&^1]
	seek, err := hex.DecodeString(seekHex)
	if err != nil {
		return nil, err
	}
	seekKey := append(append([]byte{}, badgerObjectPrefix...), seek...)

	var out []object.Oid
	err = b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seekKey); it.ValidForPrefix(seekKey); it.Next() {
			id, err := object.OidFromBytes(it.Item().Key()[len(badgerObjectPrefix):])
			if err != nil {
				continue
			}
			if !id.HasPrefix(prefix) {
				continue
			}
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// All yields every stored id in key order.
func (b *BadgerBackend) All() iter.Seq2[object.Oid, error] {
	return func(yield func(object.Oid, error) bool) {
		var ids []object.Oid
		err := b.db.View(func(txn *badgerdb.Txn) error {
			opts := badgerdb.DefaultIteratorOptions
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()
			for it.Seek(badgerObjectPrefix); it.ValidForPrefix(badgerObjectPrefix); it.Next() {
				key := it.Item().Key()
				if id, err := object.OidFromBytes(key[len(badgerObjectPrefix):]); err == nil {
					ids = append(ids, id)
				}
			}
			return nil
		})
		if err != nil {
			yield(object.ZeroOid, err)
			return
		}
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

// Close releases the database and codecs.
func (b *BadgerBackend) Close() error {
	b.dec.Close()
	encErr := b.enc.Close()
	if err := b.db.Close(); err != nil {
		return err
	}
	return encErr
}

// badgerLogger routes badger's logging through zap at reduced verbosity.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, args ...any) {
	l.s.Errorf(strings.TrimSpace(f), args...)
}

func (l badgerLogger) Warningf(f string, args ...any) {
	l.s.Warnf(strings.TrimSpace(f), args...)
}

func (l badgerLogger) Infof(f string, args ...any) {
	l.s.Debugf(strings.TrimSpace(f), args...)
}

func (l badgerLogger) Debugf(f string, args ...any) {
	l.s.Debugf(strings.TrimSpace(f), args...)
}
