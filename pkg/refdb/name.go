package refdb

import (
	"strings"

	"github.com/odvcencio/gitcore/pkg/giterr"
)

const (
	HEAD         = "HEAD"
	BranchPrefix = "refs/heads/"
	TagPrefix    = "refs/tags/"
	RemotePrefix = "refs/remotes/"
	NotesPrefix  = "refs/notes/"
)

// Per-worktree refs live in the worktree's own gitdir; everything else is
// shared through the common dir.
var perWorktreePrefixes = []string{"refs/bisect/", "refs/worktree/", "refs/rewritten/"}

// ValidateName checks name against the rules of git check-ref-format. Names
// outside refs/ are accepted only as one-level all-caps pseudo refs such as
// HEAD or ORIG_HEAD.
func ValidateName(name string) error {
	if err := checkRefFormat(name); err != nil {
		return giterr.New(giterr.KindInvalidSpec, "validate ref name", name, "%s", err)
	}
	return nil
}

type formatError string

func (e formatError) Error() string { return string(e) }

func checkRefFormat(name string) error {
	if name == "" {
		return formatError("empty name")
	}
	if !strings.Contains(name, "/") {
		if !IsPseudoRef(name) {
			return formatError("one-level names must be all-caps pseudo refs")
		}
		return nil
	}
	if !strings.HasPrefix(name, "refs/") {
		return formatError("multi-level names must start with refs/")
	}
	if name == "@" || strings.Contains(name, "@{") {
		return formatError("contains @{")
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return formatError("ends with / or .")
	}
	for _, c := range []byte(name) {
		if c < 0x20 || c == 0x7f {
			return formatError("contains a control character")
		}
		switch c {
		case ' ', '~', '^', ':', '?', '*', '[', '\\':
			return formatError("contains " + string(c))
		}
	}
	for _, comp := range strings.Split(name, "/") {
		switch {
		case comp == "":
			return formatError("empty path component")
		case strings.HasPrefix(comp, "."):
			return formatError("component starts with .")
		case strings.HasSuffix(comp, ".lock"):
			return formatError("component ends with .lock")
		case strings.Contains(comp, ".."):
			return formatError("contains ..")
		}
	}
	return nil
}

// IsPseudoRef reports whether name is a one-level ref such as HEAD,
// ORIG_HEAD or FETCH_HEAD.
func IsPseudoRef(name string) bool {
	if name == "" || strings.Contains(name, "/") {
		return false
	}
	for _, c := range []byte(name) {
		if (c < 'A' || c > 'Z') && c != '_' {
			return false
		}
	}
	return name[0] != '_' && name[len(name)-1] != '_'
}

// IsPerWorktree reports whether name is stored in a worktree's own gitdir.
func IsPerWorktree(name string) bool {
	if IsPseudoRef(name) {
		return true
	}
	for _, p := range perWorktreePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// IsBranch reports whether name is under refs/heads/.
func IsBranch(name string) bool { return strings.HasPrefix(name, BranchPrefix) }

// IsTag reports whether name is under refs/tags/.
func IsTag(name string) bool { return strings.HasPrefix(name, TagPrefix) }

// ShortName strips the well-known prefixes: refs/heads/main -> main.
func ShortName(name string) string {
	for _, p := range []string{BranchPrefix, TagPrefix, RemotePrefix, NotesPrefix, "refs/"} {
		if strings.HasPrefix(name, p) {
			return name[len(p):]
		}
	}
	return name
}

// DWIMCandidates lists the full names git tries, in order, for a short name.
func DWIMCandidates(short string) []string {
	if strings.HasPrefix(short, "refs/") || IsPseudoRef(short) {
		return []string{short}
	}
	return []string{
		"refs/" + short,
		TagPrefix + short,
		BranchPrefix + short,
		RemotePrefix + short,
		RemotePrefix + short + "/HEAD",
	}
}

// namespacePrefix returns the storage prefix for namespace ns: "a/b" maps to
// refs/namespaces/a/refs/namespaces/b/.
func namespacePrefix(ns string) string {
	ns = strings.Trim(ns, "/")
	if ns == "" {
		return ""
	}
	var b strings.Builder
	for _, part := range strings.Split(ns, "/") {
		if part == "" {
			continue
		}
		b.WriteString("refs/namespaces/")
		b.WriteString(part)
		b.WriteString("/")
	}
	return b.String()
}
