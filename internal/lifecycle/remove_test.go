package lifecycle

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsbpf/nsbpfd/internal/attach"
	"github.com/nsbpf/nsbpfd/internal/registry"
)

// newTestOrchestratorWithAttacher builds an Orchestrator whose attacher
// and layout are real (LinkPinPath/ProgramPinPath resolve under a temp
// directory), so Remove's unpin/detach calls hit a real-but-empty bpffs
// layout and report "already gone" rather than panicking on a nil
// receiver, the way a crash-recovered daemon finds no pin left behind.
func newTestOrchestratorWithAttacher(t *testing.T) *Orchestrator {
	t.Helper()
	o := newTestOrchestratorWithMaps(t)
	o.attacher = attach.New(o.layout)
	return o
}

func TestRemoveSyncsSharedOwnerUsedBy(t *testing.T) {
	o := newTestOrchestratorWithAttacher(t)

	owner := newProgram(t, o, registry.KindXDP, 10)
	_ = owner
	require.NoError(t, o.maps.SaveMap(10, 10))

	user := newProgram(t, o, registry.KindTracepoint, 20)
	require.NoError(t, o.bindMapOwnership(user, AddRequest{HasMapOwnerID: true, MapOwnerID: 10}, nil, 20))
	require.NoError(t, user.Save())

	require.NoError(t, o.Remove(20))

	_, err := registry.Load(o.db, 20)
	require.Error(t, err, "removed program's tree must be dropped")
	reloadedOwner, err := registry.Load(o.db, 10)
	require.NoError(t, err)
	require.Equal(t, []uint32{10}, reloadedOwner.UsedBy(), "owner must no longer list the removed program as a user")
}

func TestRemoveDropsSelfOwnedMapDirWhenLastUserLeaves(t *testing.T) {
	o := newTestOrchestratorWithAttacher(t)

	out := newProgram(t, o, registry.KindTracepoint, 42)
	require.NoError(t, o.maps.SaveMap(42, 42))
	dir, err := o.layout.CreateMapOwnerDir(42)
	require.NoError(t, err)
	out.SetMapOwnerID(42)
	require.NoError(t, out.Save())

	require.NoError(t, o.Remove(42))

	valid, err := o.maps.IsOwnerValid(42)
	require.NoError(t, err)
	require.False(t, valid)
	_, statErr := os.Stat(dir)
	require.True(t, os.IsNotExist(statErr), "self-owned map pin directory must be removed")
}
