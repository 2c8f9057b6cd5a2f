package repo

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
	"github.com/odvcencio/gitcore/pkg/refdb"
)

func (r *Repository) tagRef(op, name string, force bool) (string, *refdb.Target, error) {
	refName := refdb.TagPrefix + strings.TrimSpace(name)
	if err := refdb.ValidateName(refName); err != nil {
		return "", nil, err
	}
	if force {
		return refName, nil, nil
	}
	if r.refs.Exists(refName) {
		return "", nil, giterr.New(giterr.KindExists, op, refName, "tag already exists")
	}
	return refName, &refdb.Target{}, nil
}

func (r *Repository) writeTagRef(op, refName string, id object.Oid, expected *refdb.Target) error {
	err := r.refs.Update(refName, refdb.Direct(id), expected, "tag: "+refdb.ShortName(refName))
	if expected != nil && errors.Is(err, giterr.ErrConflict) {
		return giterr.New(giterr.KindExists, op, refName, "tag already exists")
	}
	return err
}

// CreateTag writes an annotated tag object for target and points
// refs/tags/<name> at it. Without force an existing tag fails with Exists.
func (r *Repository) CreateTag(name string, target object.Oid, tagger object.Signature, message string, force bool) (object.Oid, error) {
	const op = "create tag"
	if err := r.checkOpen(op); err != nil {
		return object.ZeroOid, err
	}
	refName, expected, err := r.tagRef(op, name, force)
	if err != nil {
		return object.ZeroOid, err
	}
	typ, _, err := r.odb.ReadHeader(target)
	if err != nil {
		return object.ZeroOid, err
	}
	if message != "" && !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	tag := &object.Tag{
		Target:     target,
		TargetType: typ,
		Name:       refdb.ShortName(refName),
		Tagger:     &tagger,
		Message:    message,
	}
	id, err := r.odb.Write(object.TypeTag, object.MarshalTag(tag))
	if err != nil {
		return object.ZeroOid, err
	}
	if err := r.writeTagRef(op, refName, id, expected); err != nil {
		return object.ZeroOid, err
	}
	r.log.Debug("created tag", zap.String("ref", refName), zap.Stringer("oid", id))
	return id, nil
}

// CreateLightweightTag points refs/tags/<name> directly at target.
func (r *Repository) CreateLightweightTag(name string, target object.Oid, force bool) error {
	const op = "create lightweight tag"
	if err := r.checkOpen(op); err != nil {
		return err
	}
	refName, expected, err := r.tagRef(op, name, force)
	if err != nil {
		return err
	}
	if !r.odb.Exists(target) {
		return giterr.New(giterr.KindNotFound, op, target.String(), "")
	}
	return r.writeTagRef(op, refName, target, expected)
}

// DeleteTag removes refs/tags/<name>. The tag object itself stays.
func (r *Repository) DeleteTag(name string) error {
	if err := r.checkOpen("delete tag"); err != nil {
		return err
	}
	return r.refs.Delete(refdb.TagPrefix+strings.TrimSpace(name), nil)
}

// ListTags returns tag names sorted.
func (r *Repository) ListTags() ([]string, error) {
	return r.listShort("list tags", refdb.TagPrefix)
}
