package repo

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/gitcore/pkg/giterr"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestStateDetection(t *testing.T) {
	tests := []struct {
		name    string
		markers []string
		want    RepositoryState
	}{
		{"none", nil, StateNone},
		{"merge", []string{"MERGE_HEAD"}, StateMerge},
		{"revert", []string{"REVERT_HEAD"}, StateRevert},
		{"revert sequence", []string{"REVERT_HEAD", "sequencer/todo"}, StateRevertSequence},
		{"cherry-pick", []string{"CHERRY_PICK_HEAD"}, StateCherryPick},
		{"cherry-pick sequence", []string{"CHERRY_PICK_HEAD", "sequencer/todo"}, StateCherryPickSequence},
		{"bisect", []string{"BISECT_LOG"}, StateBisect},
		{"rebase", []string{"rebase-apply/rebasing"}, StateRebase},
		{"apply mailbox", []string{"rebase-apply/applying"}, StateApplyMailbox},
		{"apply mailbox or rebase", []string{"rebase-apply/patch"}, StateApplyMailboxOrRebase},
		{"rebase merge", []string{"rebase-merge/head-name"}, StateRebaseMerge},
		{"rebase interactive", []string{"rebase-merge/interactive"}, StateRebaseInteractive},
		{"rebase wins over merge", []string{"MERGE_HEAD", "rebase-merge/head-name"}, StateRebaseMerge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := initRepo(t)
			for _, m := range tt.markers {
				touch(t, filepath.Join(r.GitDir(), filepath.FromSlash(m)))
			}
			got, err := r.State()
			require.NoError(t, err)
			require.Equal(t, tt.want, got, "state %s", got)

			require.NoError(t, r.StateCleanup())
			got, err = r.State()
			require.NoError(t, err)
			require.Equal(t, StateNone, got)
		})
	}
}

func TestStateIsNotCached(t *testing.T) {
	r := initRepo(t)
	st, err := r.State()
	require.NoError(t, err)
	require.Equal(t, StateNone, st)

	touch(t, filepath.Join(r.GitDir(), "MERGE_HEAD"))
	st, err = r.State()
	require.NoError(t, err)
	require.Equal(t, StateMerge, st)

	require.NoError(t, os.Remove(filepath.Join(r.GitDir(), "MERGE_HEAD")))
	st, err = r.State()
	require.NoError(t, err)
	require.Equal(t, StateNone, st)
}

func TestStateCleanupWithoutOperationIsNoop(t *testing.T) {
	r := initRepo(t)
	require.NoError(t, r.StateCleanup())
	require.NoError(t, r.StateCleanup())
}

func TestStateCleanupReportsFailures(t *testing.T) {
	r := initRepo(t)
	for _, m := range []string{"MERGE_HEAD", "MERGE_MODE", "BISECT_LOG", "sequencer/todo"} {
		touch(t, filepath.Join(r.GitDir(), filepath.FromSlash(m)))
	}

	failing := map[string]bool{"MERGE_HEAD": true, "sequencer": true}
	orig := removeMarker
	removeMarker = func(p string) error {
		if failing[filepath.Base(p)] {
			return os.ErrPermission
		}
		return orig(p)
	}
	t.Cleanup(func() { removeMarker = orig })

	err := r.StateCleanup()
	var cerr *CleanupError
	require.True(t, errors.As(err, &cerr), "err = %v", err)
	require.Equal(t, []string{"MERGE_HEAD", "sequencer"}, cerr.Markers)
	require.ErrorIs(t, err, os.ErrPermission)
	require.Len(t, cerr.Unwrap(), 2)

	// Every other marker was still removed.
	for _, m := range []string{"MERGE_MODE", "BISECT_LOG"} {
		_, statErr := os.Stat(filepath.Join(r.GitDir(), m))
		require.True(t, os.IsNotExist(statErr), m)
	}
	st, err := r.State()
	require.NoError(t, err)
	require.Equal(t, StateMerge, st)
}

func TestPreparedMessage(t *testing.T) {
	r := initRepo(t)
	_, err := r.PreparedMessage()
	require.ErrorIs(t, err, giterr.ErrNotFound)
	require.ErrorIs(t, r.RemovePreparedMessage(), giterr.ErrNotFound)

	msg := "Merge branch 'topic'\n\n# Conflicts:\n#\ta.txt\n"
	require.NoError(t, os.WriteFile(filepath.Join(r.GitDir(), "MERGE_MSG"), []byte(msg), 0o644))
	got, err := r.PreparedMessage()
	require.NoError(t, err)
	require.Equal(t, msg, got)

	require.NoError(t, r.RemovePreparedMessage())
	_, err = r.PreparedMessage()
	require.ErrorIs(t, err, giterr.ErrNotFound)
}

func TestStateCleanupRemovesPreparedMessage(t *testing.T) {
	r := initRepo(t)
	touch(t, filepath.Join(r.GitDir(), "MERGE_HEAD"))
	require.NoError(t, os.WriteFile(filepath.Join(r.GitDir(), "MERGE_MSG"), []byte("msg\n"), 0o644))
	require.NoError(t, r.StateCleanup())
	_, err := r.PreparedMessage()
	require.ErrorIs(t, err, giterr.ErrNotFound)
}
