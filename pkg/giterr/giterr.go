// Package giterr defines the error kinds surfaced by the object database,
// reference database, index and repository layers.
//
// Every failure returned by gitcore packages can be classified with KindOf or
// matched with errors.Is against the per-kind sentinels:
//
//	if errors.Is(err, giterr.ErrNotFound) { ... }
package giterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate in gitcore.
	KindUnknown Kind = iota
	// KindNotFound: object or reference absent.
	KindNotFound
	// KindAmbiguous: a short hash or name matches more than one candidate.
	KindAmbiguous
	// KindExists: create attempted when the target is already present.
	KindExists
	// KindConflict: compare-and-swap mismatch or unmerged index state.
	KindConflict
	// KindCorruption: stored bytes fail hash or format validation.
	KindCorruption
	// KindInvalidSpec: malformed name, hash or refspec.
	KindInvalidSpec
	// KindLocked: a lock could not be acquired within its bound.
	KindLocked
	// KindBareRepoViolation: working-tree operation on a bare repository.
	KindBareRepoViolation
	// KindUnbornBranch: HEAD is attached to a branch with no commits.
	KindUnbornBranch
	// KindIterationStopped: a caller-supplied callback asked to stop early.
	KindIterationStopped
	// KindCycle: a symbolic reference chain exceeded the resolution bound.
	KindCycle
	// KindPeel: an object cannot be peeled to the requested type.
	KindPeel
	// KindClosed: the owning repository was already closed.
	KindClosed
	// KindUnsupported: a valid but unsupported format or feature.
	KindUnsupported
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindNotFound:          "not found",
	KindAmbiguous:         "ambiguous",
	KindExists:            "already exists",
	KindConflict:          "conflict",
	KindCorruption:        "corrupt",
	KindInvalidSpec:       "invalid spec",
	KindLocked:            "locked",
	KindBareRepoViolation: "bare repository",
	KindUnbornBranch:      "unborn branch",
	KindIterationStopped:  "iteration stopped",
	KindCycle:             "reference chain too deep",
	KindPeel:              "cannot peel",
	KindClosed:            "repository closed",
	KindUnsupported:       "unsupported",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is matching. An *Error matches the sentinel of its
// Kind.
var (
	ErrNotFound          = &sentinel{KindNotFound}
	ErrAmbiguous         = &sentinel{KindAmbiguous}
	ErrExists            = &sentinel{KindExists}
	ErrConflict          = &sentinel{KindConflict}
	ErrCorruption        = &sentinel{KindCorruption}
	ErrInvalidSpec       = &sentinel{KindInvalidSpec}
	ErrLocked            = &sentinel{KindLocked}
	ErrBareRepoViolation = &sentinel{KindBareRepoViolation}
	ErrUnbornBranch      = &sentinel{KindUnbornBranch}
	ErrIterationStopped  = &sentinel{KindIterationStopped}
	ErrCycle             = &sentinel{KindCycle}
	ErrPeel              = &sentinel{KindPeel}
	ErrClosed            = &sentinel{KindClosed}
	ErrUnsupported       = &sentinel{KindUnsupported}
)

type sentinel struct {
	kind Kind
}

func (s *sentinel) Error() string { return s.kind.String() }

// Error is the concrete error type returned by gitcore packages.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "odb read"
	Path string // object id, ref name or file path the error refers to
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " " + fmt.Sprintf("%q", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the sentinel for e's kind, or an *Error with
// the same kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	switch t := target.(type) {
	case *sentinel:
		return t.kind == e.Kind
	case *Error:
		return t.Kind == e.Kind && t.Op == "" && t.Path == ""
	}
	return false
}

// New builds an *Error whose cause is a formatted message.
func New(kind Kind, op, path, format string, args ...any) *Error {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}

// Wrap attaches a kind and operation to err. A nil err yields nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf returns the kind of the first *Error (or sentinel) in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	var s *sentinel
	if errors.As(err, &s) {
		return s.kind
	}
	return KindUnknown
}

// IsNotFound is shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
