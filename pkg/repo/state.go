package repo

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/odvcencio/gitcore/pkg/giterr"
)

// RepositoryState is the operation in progress, derived from marker files
// in the gitdir.
type RepositoryState int

const (
	StateNone RepositoryState = iota
	StateMerge
	StateRevert
	StateRevertSequence
	StateCherryPick
	StateCherryPickSequence
	StateBisect
	StateRebase
	StateRebaseInteractive
	StateRebaseMerge
	StateApplyMailbox
	StateApplyMailboxOrRebase
)

var stateNames = map[RepositoryState]string{
	StateNone:                 "none",
	StateMerge:                "merge",
	StateRevert:               "revert",
	StateRevertSequence:       "revert-sequence",
	StateCherryPick:           "cherry-pick",
	StateCherryPickSequence:   "cherry-pick-sequence",
	StateBisect:               "bisect",
	StateRebase:               "rebase",
	StateRebaseInteractive:    "rebase-interactive",
	StateRebaseMerge:          "rebase-merge",
	StateApplyMailbox:         "apply-mailbox",
	StateApplyMailboxOrRebase: "apply-mailbox-or-rebase",
}

func (s RepositoryState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("RepositoryState(%d)", int(s))
}

// Marker files and directories, relative to the gitdir.
const (
	markerMergeHead      = "MERGE_HEAD"
	markerMergeMode      = "MERGE_MODE"
	markerMergeMsg       = "MERGE_MSG"
	markerRevertHead     = "REVERT_HEAD"
	markerCherryPickHead = "CHERRY_PICK_HEAD"
	markerBisectLog      = "BISECT_LOG"
	markerRebaseMerge    = "rebase-merge"
	markerRebaseApply    = "rebase-apply"
	markerSequencer      = "sequencer"
	markerSequencerTodo  = "sequencer/todo"
)

// cleanupMarkers are removed by StateCleanup, in this order.
var cleanupMarkers = []string{
	markerMergeHead,
	markerMergeMode,
	markerMergeMsg,
	markerRevertHead,
	markerCherryPickHead,
	markerBisectLog,
	markerRebaseMerge,
	markerRebaseApply,
	markerSequencer,
}

// removeMarker is swapped out by tests.
var removeMarker = os.RemoveAll

func (r *Repository) markerPath(name string) string {
	return filepath.Join(r.gitDir, filepath.FromSlash(name))
}

func (r *Repository) hasMarker(name string) bool {
	_, err := os.Stat(r.markerPath(name))
	return err == nil
}

// State reports the operation in progress. Markers are re-read on every
// call.
func (r *Repository) State() (RepositoryState, error) {
	if err := r.checkOpen("state"); err != nil {
		return StateNone, err
	}
	switch {
	case r.hasMarker(markerRebaseMerge):
		if r.hasMarker(markerRebaseMerge + "/interactive") {
			return StateRebaseInteractive, nil
		}
		return StateRebaseMerge, nil
	case r.hasMarker(markerRebaseApply):
		switch {
		case r.hasMarker(markerRebaseApply + "/rebasing"):
			return StateRebase, nil
		case r.hasMarker(markerRebaseApply + "/applying"):
			return StateApplyMailbox, nil
		}
		return StateApplyMailboxOrRebase, nil
	case r.hasMarker(markerMergeHead):
		return StateMerge, nil
	case r.hasMarker(markerRevertHead):
		if r.hasMarker(markerSequencerTodo) {
			return StateRevertSequence, nil
		}
		return StateRevert, nil
	case r.hasMarker(markerCherryPickHead):
		if r.hasMarker(markerSequencerTodo) {
			return StateCherryPickSequence, nil
		}
		return StateCherryPick, nil
	case r.hasMarker(markerBisectLog):
		return StateBisect, nil
	}
	return StateNone, nil
}

// CleanupError lists the markers StateCleanup could not remove.
type CleanupError struct {
	Markers []string
	Err     error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("state cleanup: could not remove %s: %v", strings.Join(e.Markers, ", "), e.Err)
}

// Unwrap exposes each removal failure.
func (e *CleanupError) Unwrap() []error { return multierr.Errors(e.Err) }

// StateCleanup removes every operation marker. It attempts all of them even
// after a failure and reports each marker that is still present. With no
// operation in progress it does nothing and succeeds.
func (r *Repository) StateCleanup() error {
	if err := r.checkOpen("state cleanup"); err != nil {
		return err
	}
	var (
		failed []string
		errs   error
	)
	for _, m := range cleanupMarkers {
		p := r.markerPath(m)
		if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := removeMarker(p); err != nil {
			failed = append(failed, m)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", m, err))
			continue
		}
		r.log.Debug("removed state marker", zap.String("marker", m))
	}
	if errs != nil {
		r.log.Warn("state cleanup incomplete", zap.Strings("markers", failed), zap.Error(errs))
		return &CleanupError{Markers: failed, Err: errs}
	}
	return nil
}

// PreparedMessage returns the contents of MERGE_MSG. When there is no
// prepared message it fails with NotFound rather than returning "".
func (r *Repository) PreparedMessage() (string, error) {
	const op = "prepared message"
	if err := r.checkOpen(op); err != nil {
		return "", err
	}
	p := r.markerPath(markerMergeMsg)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", giterr.New(giterr.KindNotFound, op, p, "no prepared message")
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return string(data), nil
}

// RemovePreparedMessage deletes MERGE_MSG, failing with NotFound if absent.
func (r *Repository) RemovePreparedMessage() error {
	const op = "remove prepared message"
	if err := r.checkOpen(op); err != nil {
		return err
	}
	p := r.markerPath(markerMergeMsg)
	err := os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return giterr.New(giterr.KindNotFound, op, p, "no prepared message")
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
