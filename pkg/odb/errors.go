package odb

import (
	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
)

func notFound(op string, id object.Oid) error {
	return giterr.New(giterr.KindNotFound, op, id.String(), "")
}

func corruptf(op, path, format string, args ...any) error {
	return giterr.New(giterr.KindCorruption, op, path, format, args...)
}

func unsupportedf(op, path, format string, args ...any) error {
	return giterr.New(giterr.KindUnsupported, op, path, format, args...)
}

// verifyID re-hashes a decoded object and reports a mismatch against the
// requested id as corruption.
func verifyID(op string, want object.Oid, typ object.ObjectType, data []byte) error {
	got, err := object.HashObjectChecked(typ, data)
	if err != nil {
		return err
	}
	if got != want {
		return corruptf(op, want.String(), "hash mismatch: content hashes to %s", got)
	}
	return nil
}
