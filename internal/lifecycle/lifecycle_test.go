package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nsbpf/nsbpfd/internal/dispatch"
	"github.com/nsbpf/nsbpfd/internal/image"
	"github.com/nsbpf/nsbpfd/internal/registry"
	"github.com/nsbpf/nsbpfd/internal/store"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "lifecycle.db"), 3, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakePuller is a no-op image.Puller so Pull can be exercised without
// a network.
type fakePuller struct{ calls int }

func (p *fakePuller) Pull(ref string, creds image.Credentials, localPath string) error {
	p.calls++
	return os.WriteFile(localPath, []byte("pulled:"+ref), 0o644)
}

func newTestOrchestrator(t *testing.T, images *image.Manager) *Orchestrator {
	t.Helper()
	db := openTestDB(t)
	return New(db, nil, images, nil, nil, nil, nil, nil)
}

func TestGetReturnsNotFoundForUnknownID(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	_, err := o.Get(999)
	require.Error(t, err)
}

func TestListReflectsRegistryContents(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	pre, err := registry.NewPreLoad(o.db, registry.KindTracepoint)
	require.NoError(t, err)
	tp := pre.(*registry.TracepointProgram)
	tp.TracepointName = "sched:sched_process_exec"
	require.NoError(t, tp.Save())
	_, err = registry.SwapTree(o.db, pre, 55)
	require.NoError(t, err)

	list, err := o.List(ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	id, ok := list[0].ID()
	require.True(t, ok)
	require.Equal(t, uint32(55), id)

	got, err := o.Get(55)
	require.NoError(t, err)
	require.Equal(t, registry.KindTracepoint, got.Kind())
}

func TestPullDelegatesToImageManager(t *testing.T) {
	puller := &fakePuller{}
	images := image.New(t.TempDir(), puller)
	o := newTestOrchestrator(t, images)

	loc := registry.Location{ImageRef: "example.com/repo:tag", PullPolicy: string(image.PullIfNotPresent)}
	path1, err := o.Pull(loc)
	require.NoError(t, err)
	path2, err := o.Pull(loc)
	require.NoError(t, err)
	require.Equal(t, path1, path2)
	require.Equal(t, 1, puller.calls)
}

func TestClosedOrchestratorRejectsEveryCall(t *testing.T) {
	o := newTestOrchestrator(t, image.New(t.TempDir(), &fakePuller{}))
	o.Close()

	_, err := o.Get(1)
	require.ErrorIs(t, err, taxonomy.ErrNotRunning)

	_, err = o.List(ListFilter{})
	require.ErrorIs(t, err, taxonomy.ErrNotRunning)

	_, err = o.Pull(registry.Location{ImageRef: "x"})
	require.ErrorIs(t, err, taxonomy.ErrNotRunning)

	_, err = o.Add(AddRequest{Kind: registry.KindXDP})
	require.ErrorIs(t, err, taxonomy.ErrNotRunning)

	require.ErrorIs(t, o.Remove(1), taxonomy.ErrNotRunning)
}

func TestCloseIsIdempotentAndWaitsForInFlight(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	require.True(t, o.enter())
	done := make(chan struct{})
	go func() {
		o.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned before the in-flight call left")
	case <-time.After(20 * time.Millisecond):
	}

	o.leave()
	<-done
	o.Close() // second call must not panic or block forever
}

func TestHookForMapsKindAndDirectionToHookKind(t *testing.T) {
	h, err := hookFor(registry.KindXDP, "", "eth0", 2)
	require.NoError(t, err)
	require.Equal(t, dispatch.XDP, h.Kind)

	h, err = hookFor(registry.KindTC, registry.DirEgress, "eth0", 2)
	require.NoError(t, err)
	require.Equal(t, dispatch.TCEgress, h.Kind)

	h, err = hookFor(registry.KindTC, registry.DirIngress, "eth0", 2)
	require.NoError(t, err)
	require.Equal(t, dispatch.TCIngress, h.Kind)

	_, err = hookFor(registry.KindTCX, "", "eth0", 2)
	require.Error(t, err, "TCX is single-attach and has no dispatcher hook")
}

func TestSetDispatcherPositionSetsConcreteVariantFields(t *testing.T) {
	xdp := &registry.XDPProgram{}
	setDispatcherPosition(xdp, 3, true)
	require.Equal(t, 3, xdp.CurrentPosition)
	require.True(t, xdp.Attached)

	tc := &registry.TCProgram{}
	setDispatcherPosition(tc, 1, false)
	require.Equal(t, 1, tc.CurrentPosition)
	require.False(t, tc.Attached)
}

func TestHookAddressOfAndResolveIfIndexOf(t *testing.T) {
	xdp := &registry.XDPProgram{}
	xdp.IfName = "eth0"
	xdp.IfIndex = 4
	ifName, dir, err := hookAddressOf(xdp)
	require.NoError(t, err)
	require.Equal(t, "eth0", ifName)
	require.Equal(t, registry.Direction(""), dir)
	idx, err := resolveIfIndexOf(xdp)
	require.NoError(t, err)
	require.Equal(t, 4, idx)

	tc := &registry.TCProgram{}
	tc.IfName = "eth1"
	tc.IfIndex = 5
	tc.Direction = registry.DirEgress
	ifName, dir, err = hookAddressOf(tc)
	require.NoError(t, err)
	require.Equal(t, "eth1", ifName)
	require.Equal(t, registry.DirEgress, dir)

	_, _, err = hookAddressOf(&registry.KprobeProgram{})
	require.Error(t, err, "single-attach kinds have no dispatcher hook address")
}
