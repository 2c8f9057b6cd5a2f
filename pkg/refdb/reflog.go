package refdb

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
)

// ErrReflogAppend is matched by a ReflogError.
var ErrReflogAppend = errors.New("ref updated but reflog append failed")

// ReflogError reports that a ref update was committed but its reflog entry
// could not be written.
type ReflogError struct {
	Ref string
	Err error
}

func (e *ReflogError) Error() string {
	return fmt.Sprintf("update ref %q: %s: %v", e.Ref, ErrReflogAppend, e.Err)
}

func (e *ReflogError) Unwrap() error { return e.Err }

func (e *ReflogError) Is(target error) bool { return target == ErrReflogAppend }

// ReflogEntry is one line of a reflog.
type ReflogEntry struct {
	Old       object.Oid
	New       object.Oid
	Committer object.Signature
	Message   string
}

func (db *RefDb) logPath(sname string) string {
	return filepath.Join(db.dirFor(sname), "logs", filepath.FromSlash(sname))
}

func (db *RefDb) shouldLog(sname string) bool {
	if !db.reflog {
		return false
	}
	if sname == HEAD || strings.HasPrefix(sname, BranchPrefix) ||
		strings.HasPrefix(sname, RemotePrefix) || strings.HasPrefix(sname, NotesPrefix) {
		return true
	}
	_, err := os.Stat(db.logPath(sname))
	return err == nil
}

// targetOid resolves a stored target to an object id, or zero if it does not
// resolve.
func (db *RefDb) targetOid(t Target) object.Oid {
	if t.Symbolic == "" {
		return t.Oid
	}
	name, ok := db.publicName(t.Symbolic)
	if !ok {
		return object.ZeroOid
	}
	id, err := db.Resolve(name)
	if err != nil {
		return object.ZeroOid
	}
	return id
}

// logUpdate records a committed update of sname. A direct update of the
// branch HEAD is attached to is logged for HEAD too.
func (db *RefDb) logUpdate(sname string, old, updated Target, message string) error {
	if !db.reflog {
		return nil
	}
	oldID, newID := db.targetOid(old), db.targetOid(updated)
	if oldID == newID && oldID.IsZero() {
		return nil
	}
	var errs error
	if db.shouldLog(sname) {
		errs = multierr.Append(errs, db.appendReflog(sname, oldID, newID, message))
	}
	if sname != HEAD && updated.Symbolic == "" {
		if head, ok, err := db.readLoose(HEAD); err == nil && ok && head.Symbolic == sname {
			errs = multierr.Append(errs, db.appendReflog(HEAD, oldID, newID, message))
		}
	}
	return errs
}

// AppendReflog adds an entry to name's reflog regardless of the reflog
// setting.
func (db *RefDb) AppendReflog(name string, old, updated object.Oid, message string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return db.appendReflog(db.storageName(name), old, updated, message)
}

func (db *RefDb) appendReflog(sname string, old, updated object.Oid, message string) error {
	path := db.logPath(sname)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("reflog mkdir: %w", err)
	}
	message = strings.Join(strings.Fields(message), " ")
	line := old.String() + " " + updated.String() + " " + db.identity().String() + "\t" + message + "\n"

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reflog open: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("reflog write: %w", err)
	}
	return nil
}

// Reflog returns name's reflog, newest entry first. A ref without a log has
// an empty reflog. Malformed lines are skipped.
func (db *RefDb) Reflog(name string) ([]ReflogEntry, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	f, err := os.Open(db.logPath(db.storageName(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read reflog: %w", err)
	}
	defer f.Close()

	var entries []ReflogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if e, ok := parseReflogLine(sc.Text()); ok {
			entries = append(entries, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, giterr.Wrap(giterr.KindCorruption, "read reflog", name, err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func parseReflogLine(line string) (ReflogEntry, bool) {
	head, msg, _ := strings.Cut(line, "\t")
	const ids = 2*object.OidHexSize + 2
	if len(head) < ids {
		return ReflogEntry{}, false
	}
	old, err1 := object.ParseOid(head[:object.OidHexSize])
	updated, err2 := object.ParseOid(head[object.OidHexSize+1 : 2*object.OidHexSize+1])
	if err1 != nil || err2 != nil {
		return ReflogEntry{}, false
	}
	sig, err := object.ParseSignature(head[ids:])
	if err != nil {
		return ReflogEntry{}, false
	}
	return ReflogEntry{Old: old, New: updated, Committer: sig, Message: msg}, true
}
