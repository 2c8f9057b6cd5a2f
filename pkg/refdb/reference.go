package refdb

import (
	"strings"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
)

// Kind distinguishes direct from symbolic references.
type Kind int

const (
	KindInvalid Kind = iota
	KindDirect
	KindSymbolic
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindSymbolic:
		return "symbolic"
	}
	return "invalid"
}

// Target is the value of a reference: either an object id or the name of
// another reference. The zero Target means "absent".
type Target struct {
	Oid      object.Oid
	Symbolic string
}

// Direct returns a Target pointing at id.
func Direct(id object.Oid) Target { return Target{Oid: id} }

// Symbolic returns a Target pointing at another reference.
func Symbolic(name string) Target { return Target{Symbolic: name} }

func (t Target) IsZero() bool     { return t.Symbolic == "" && t.Oid.IsZero() }
func (t Target) IsSymbolic() bool { return t.Symbolic != "" }

func (t Target) Kind() Kind {
	switch {
	case t.Symbolic != "":
		return KindSymbolic
	case !t.Oid.IsZero():
		return KindDirect
	}
	return KindInvalid
}

func (t Target) String() string {
	if t.Symbolic != "" {
		return "ref: " + t.Symbolic
	}
	if t.Oid.IsZero() {
		return "<absent>"
	}
	return t.Oid.String()
}

// Reference is a named Target. Peeled is the object an annotated tag
// ultimately points at, when packed-refs recorded it.
type Reference struct {
	Name   string
	Target Target
	Peeled object.Oid
}

func (r *Reference) Kind() Kind { return r.Target.Kind() }

// encodeLoose renders t as the content of a loose ref file.
func encodeLoose(t Target) []byte {
	if t.Symbolic != "" {
		return []byte("ref: " + t.Symbolic + "\n")
	}
	return []byte(t.Oid.String() + "\n")
}

// parseLoose parses loose ref file content.
func parseLoose(name string, data []byte) (Target, error) {
	s := strings.TrimRight(string(data), "\r\n")
	if rest, ok := strings.CutPrefix(s, "ref:"); ok {
		target := strings.TrimSpace(rest)
		if target == "" {
			return Target{}, giterr.New(giterr.KindCorruption, "read ref", name, "empty symbolic target")
		}
		return Symbolic(target), nil
	}
	// Loose refs may carry trailing data after the id (FETCH_HEAD does).
	if len(s) > object.OidHexSize {
		s = s[:object.OidHexSize]
	}
	id, err := object.ParseOid(s)
	if err != nil {
		return Target{}, giterr.New(giterr.KindCorruption, "read ref", name, "malformed ref content %q", strings.TrimSpace(string(data)))
	}
	return Direct(id), nil
}
