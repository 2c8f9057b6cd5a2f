package object

import (
	"strconv"

	"github.com/pjbgf/sha1cd"

	"github.com/odvcencio/gitcore/pkg/giterr"
)

// collisionResistant is implemented by the sha1cd digest.
type collisionResistant interface {
	CollisionResistantSum(in []byte) ([]byte, bool)
}

// Header returns the object envelope header "type len\0".
func Header(objType ObjectType, size int) []byte {
	out := make([]byte, 0, 16)
	out = append(out, objType.String()...)
	out = append(out, ' ')
	out = strconv.AppendInt(out, int64(size), 10)
	out = append(out, 0)
	return out
}

// HashObject computes the SHA-1 of the envelope "type len\0content", the
// Git object id of the payload. It has no storage side effects.
func HashObject(objType ObjectType, data []byte) Oid {
	id, _ := hashObject(objType, data)
	return id
}

// HashObjectChecked is HashObject that reports a detected SHA-1 collision
// attack as a Corruption error.
func HashObjectChecked(objType ObjectType, data []byte) (Oid, error) {
	id, collided := hashObject(objType, data)
	if collided {
		return id, giterr.New(giterr.KindCorruption, "hash object", id.String(), "sha1 collision attack detected")
	}
	return id, nil
}

func hashObject(objType ObjectType, data []byte) (Oid, bool) {
	h := sha1cd.New()
	h.Write(Header(objType, len(data)))
	h.Write(data)

	var id Oid
	if cr, ok := h.(collisionResistant); ok {
		sum, collided := cr.CollisionResistantSum(nil)
		copy(id[:], sum)
		return id, collided
	}
	copy(id[:], h.Sum(nil))
	return id, false
}

// HashBytes returns the plain SHA-1 of data, used for pack and index
// trailers.
func HashBytes(data []byte) Oid {
	h := sha1cd.New()
	h.Write(data)
	var id Oid
	copy(id[:], h.Sum(nil))
	return id
}
