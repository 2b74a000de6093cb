package mapstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nsbpf/nsbpfd/internal/fsroot"
	"github.com/nsbpf/nsbpfd/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "maps.db"), 3, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	layout := fsroot.New("nsbpfd-test")
	layout.MapsDir = t.TempDir()
	return New(db, layout)
}

func TestIsOwnerValidFalseUntilFirstSave(t *testing.T) {
	r := newTestRegistry(t)
	valid, err := r.IsOwnerValid(10)
	require.NoError(t, err)
	require.False(t, valid)

	require.NoError(t, r.SaveMap(10, 20))
	valid, err = r.IsOwnerValid(10)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestSaveMapIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.SaveMap(1, 2))
	require.NoError(t, r.SaveMap(1, 2))
	require.NoError(t, r.SaveMap(1, 3))

	users, err := r.UsedBy(1)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{2, 3}, users)
}

func TestDeleteMapDropsOwnerWhenLastUserLeaves(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.SaveMap(1, 2))
	require.NoError(t, r.SaveMap(1, 3))

	require.NoError(t, r.DeleteMap(1, 2))
	users, err := r.UsedBy(1)
	require.NoError(t, err)
	require.Equal(t, []uint32{3}, users)

	require.NoError(t, r.DeleteMap(1, 3))
	valid, err := r.IsOwnerValid(1)
	require.NoError(t, err)
	require.False(t, valid, "owner tree must be dropped once used-by empties")
}

func TestDeleteMapUnknownOwnerErrors(t *testing.T) {
	r := newTestRegistry(t)
	err := r.DeleteMap(999, 1)
	require.Error(t, err)
}

func TestIsPinnableExcludesSyntheticSections(t *testing.T) {
	require.True(t, IsPinnable("my_counters"))
	require.False(t, IsPinnable(".rodata.foo"))
	require.False(t, IsPinnable(".bss"))
	require.False(t, IsPinnable(""))
}
