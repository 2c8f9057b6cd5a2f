package repo

import (
	"strings"
	"time"

	"github.com/odvcencio/gitcore/pkg/giterr"
	"github.com/odvcencio/gitcore/pkg/object"
)

type identityOverride struct {
	name, email string
}

// SetIdentity overrides user.name and user.email for signatures made by
// this repository, reflog entries included. Empty strings clear the
// override.
func (r *Repository) SetIdentity(name, email string) {
	r.identMu.Lock()
	defer r.identMu.Unlock()
	if name == "" && email == "" {
		r.identity = nil
		return
	}
	r.identity = &identityOverride{name: name, email: email}
}

// Identity returns a signature for now, from the override or from git
// config. It fails with NotFound when neither provides a name and email.
func (r *Repository) Identity() (object.Signature, error) {
	const op = "identity"
	if err := r.checkOpen(op); err != nil {
		return object.Signature{}, err
	}
	name, email := r.identityParts()
	if name == "" || email == "" {
		return object.Signature{}, giterr.New(giterr.KindNotFound, op, "", "user.name and user.email are not configured")
	}
	return object.Signature{Name: name, Email: email, When: time.Now()}, nil
}

func (r *Repository) identityParts() (name, email string) {
	r.identMu.RLock()
	ov := r.identity
	r.identMu.RUnlock()
	if ov != nil {
		return ov.name, ov.email
	}
	if cfg, err := r.loadConfig(); err == nil {
		name, _ = cfg.Get("user.name")
		email, _ = cfg.Get("user.email")
	}
	return strings.TrimSpace(name), strings.TrimSpace(email)
}

// reflogIdentity never fails; missing parts fall back to placeholders.
func (r *Repository) reflogIdentity() object.Signature {
	name, email := r.identityParts()
	if name == "" {
		name = "unknown"
	}
	if email == "" {
		email = "unknown@localhost"
	}
	return object.Signature{Name: name, Email: email, When: time.Now()}
}
