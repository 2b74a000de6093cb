package lifecycle

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsbpf/nsbpfd/internal/fsroot"
	"github.com/nsbpf/nsbpfd/internal/mapstore"
	"github.com/nsbpf/nsbpfd/internal/registry"
)

// newProgram pre-loads and immediately promotes a program of kind,
// mimicking what Add does before any map-ownership or attach work runs.
func newProgram(t *testing.T, o *Orchestrator, kind registry.Kind, kernelID uint32) registry.Program {
	t.Helper()
	pre, err := registry.NewPreLoad(o.db, kind)
	require.NoError(t, err)
	out, err := registry.SwapTree(o.db, pre, kernelID)
	require.NoError(t, err)
	return out
}

func newTestOrchestratorWithMaps(t *testing.T) *Orchestrator {
	t.Helper()
	db := openTestDB(t)
	layout := &fsroot.Layout{MapsDir: t.TempDir()}
	maps := mapstore.New(db, layout)
	o := New(db, layout, nil, maps, nil, nil, nil, nil)
	return o
}

func TestBindMapOwnershipSharedOwnerPropagatesUsedBy(t *testing.T) {
	o := newTestOrchestratorWithMaps(t)

	owner := newProgram(t, o, registry.KindXDP, 10)
	require.NoError(t, o.maps.SaveMap(10, 10))

	user := newProgram(t, o, registry.KindTracepoint, 20)
	req := AddRequest{HasMapOwnerID: true, MapOwnerID: 10}

	require.NoError(t, o.bindMapOwnership(user, req, nil, 20))

	reloadedOwner, err := registry.Load(o.db, 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{10, 20}, reloadedOwner.UsedBy())
}

func TestSyncUsedByReflectsMapRegistryState(t *testing.T) {
	o := newTestOrchestratorWithMaps(t)

	owner := newProgram(t, o, registry.KindXDP, 10)
	_ = owner
	require.NoError(t, o.maps.SaveMap(10, 10))
	require.NoError(t, o.maps.SaveMap(10, 30))

	require.NoError(t, o.syncUsedBy(10))
	reloaded, err := registry.Load(o.db, 10)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{10, 30}, reloaded.UsedBy())

	require.NoError(t, o.maps.DeleteMap(10, 30))
	require.NoError(t, o.syncUsedBy(10))
	reloaded, err = registry.Load(o.db, 10)
	require.NoError(t, err)
	require.Equal(t, []uint32{10}, reloaded.UsedBy())
}

func TestCleanupPromotedDropsTreeAndSelfOwnedMapDir(t *testing.T) {
	o := newTestOrchestratorWithMaps(t)

	out := newProgram(t, o, registry.KindXDP, 42)
	require.NoError(t, o.maps.SaveMap(42, 42))
	dir, err := o.layout.CreateMapOwnerDir(42)
	require.NoError(t, err)

	o.cleanupPromoted(out, AddRequest{}, 42)

	_, err = registry.Load(o.db, 42)
	require.Error(t, err, "promoted tree must not survive cleanup")
	valid, err := o.maps.IsOwnerValid(42)
	require.NoError(t, err)
	require.False(t, valid, "self-owned map tree must not survive cleanup")
	_, statErr := os.Stat(dir)
	require.True(t, os.IsNotExist(statErr), "self-owned map pin directory must be removed")
}

func TestCleanupPromotedSharedOwnerResyncsUsedBy(t *testing.T) {
	o := newTestOrchestratorWithMaps(t)

	owner := newProgram(t, o, registry.KindXDP, 10)
	_ = owner
	require.NoError(t, o.maps.SaveMap(10, 10))

	user := newProgram(t, o, registry.KindTracepoint, 20)
	req := AddRequest{HasMapOwnerID: true, MapOwnerID: 10}
	require.NoError(t, o.bindMapOwnership(user, req, nil, 20))

	o.cleanupPromoted(user, req, 20)

	_, err := registry.Load(o.db, 20)
	require.Error(t, err, "the failed attempt's own tree must not survive cleanup")
	reloadedOwner, err := registry.Load(o.db, 10)
	require.NoError(t, err)
	require.Equal(t, []uint32{10}, reloadedOwner.UsedBy(), "owner must no longer list the failed attempt as a user")
}
