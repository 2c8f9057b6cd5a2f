package object

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/odvcencio/gitcore/pkg/giterr"
)

const (
	// OidSize is the raw length of a SHA-1 object id.
	OidSize = 20
	// OidHexSize is the length of the hex encoding of an Oid.
	OidHexSize = 2 * OidSize
	// MinPrefixLen is the shortest hex prefix accepted for lookups.
	MinPrefixLen = 4
)

// Oid is a 20-byte SHA-1 object identifier.
type Oid [OidSize]byte

// ZeroOid is the all-zero id, used for "no object" in reflogs and CAS checks.
var ZeroOid Oid

// ParseOid decodes a full 40-character hex id.
func ParseOid(s string) (Oid, error) {
	var id Oid
	if len(s) != OidHexSize {
		return id, giterr.New(giterr.KindInvalidSpec, "parse oid", s, "want %d hex chars, got %d", OidHexSize, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, giterr.Wrap(giterr.KindInvalidSpec, "parse oid", s, err)
	}
	return id, nil
}

// MustParseOid is ParseOid that panics on error. Intended for constants and tests.
func MustParseOid(s string) Oid {
	id, err := ParseOid(s)
	if err != nil {
		panic(err)
	}
	return id
}

// OidFromBytes copies a raw 20-byte id.
func OidFromBytes(b []byte) (Oid, error) {
	var id Oid
	if len(b) != OidSize {
		return id, giterr.New(giterr.KindInvalidSpec, "oid from bytes", "", "want %d bytes, got %d", OidSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the lowercase hex encoding.
func (id Oid) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first n hex characters.
func (id Oid) Short(n int) string {
	s := id.String()
	if n <= 0 || n > len(s) {
		return s
	}
	return s[:n]
}

// IsZero reports whether id is the zero id.
func (id Oid) IsZero() bool {
	return id == ZeroOid
}

// Compare orders ids bytewise.
func (id Oid) Compare(other Oid) int {
	return bytes.Compare(id[:], other[:])
}

// HasPrefix reports whether the hex form of id starts with prefix
// (case-insensitive).
func (id Oid) HasPrefix(prefix string) bool {
	return strings.HasPrefix(id.String(), strings.ToLower(prefix))
}

// MarshalText implements encoding.TextMarshaler.
func (id Oid) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Oid) UnmarshalText(text []byte) error {
	parsed, err := ParseOid(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ValidatePrefix checks that p is a usable short id: hex only, at least
// MinPrefixLen and at most OidHexSize characters.
func ValidatePrefix(p string) error {
	if len(p) < MinPrefixLen || len(p) > OidHexSize {
		return giterr.New(giterr.KindInvalidSpec, "oid prefix", p, "length must be between %d and %d", MinPrefixLen, OidHexSize)
	}
	for i := 0; i < len(p); i++ {
		if !isHex(p[i]) {
			return giterr.New(giterr.KindInvalidSpec, "oid prefix", p, "non-hex character %q", p[i])
		}
	}
	return nil
}

// IsHexOid reports whether s is a full 40-character hex id.
func IsHexOid(s string) bool {
	if len(s) != OidHexSize {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isHex(s[i]) {
			return false
		}
	}
	return true
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
