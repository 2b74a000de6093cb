package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsbpf/nsbpfd/internal/registry"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// fakeKernelEnumerator stands in for a live kernel program table, the
// same fake-seam pattern internal/dispatch uses for KernelBackend.
type fakeKernelEnumerator struct {
	ids   []uint32
	infos map[uint32]KernelProgramInfo
}

func (f *fakeKernelEnumerator) NextProgramID(after uint32) (uint32, bool, error) {
	for _, id := range f.ids {
		if id > after {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (f *fakeKernelEnumerator) ProgramInfo(id uint32) (KernelProgramInfo, error) {
	info, ok := f.infos[id]
	if !ok {
		return KernelProgramInfo{}, taxonomy.ErrProgramNotFound
	}
	return info, nil
}

func newOrchestratorWithKernel(t *testing.T, kernel KernelEnumerator) *Orchestrator {
	t.Helper()
	db := openTestDB(t)
	return New(db, nil, nil, nil, nil, nil, kernel, nil)
}

func TestListUnionsTrackedAndKernelOnlyPrograms(t *testing.T) {
	kernel := &fakeKernelEnumerator{
		ids: []uint32{5, 7, 9},
		infos: map[uint32]KernelProgramInfo{
			7: {Name: "untracked_one"},
			9: {Name: "untracked_two"},
		},
	}
	o := newOrchestratorWithKernel(t, kernel)

	pre, err := registry.NewPreLoad(o.db, registry.KindTracepoint)
	require.NoError(t, err)
	_, err = registry.SwapTree(o.db, pre, 5)
	require.NoError(t, err)

	list, err := o.List(ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)

	byID := map[uint32]registry.Program{}
	for _, p := range list {
		id, ok := p.ID()
		require.True(t, ok)
		byID[id] = p
	}
	require.Equal(t, registry.KindTracepoint, byID[5].Kind())
	require.Equal(t, registry.KindUnsupported, byID[7].Kind())
	require.Equal(t, "untracked_one", byID[7].EntryFunc())
	require.Equal(t, registry.KindUnsupported, byID[9].Kind())
}

func TestListDaemonOwnedOnlyExcludesKernelOnlyPrograms(t *testing.T) {
	kernel := &fakeKernelEnumerator{
		ids:   []uint32{5, 7},
		infos: map[uint32]KernelProgramInfo{7: {Name: "untracked"}},
	}
	o := newOrchestratorWithKernel(t, kernel)

	pre, err := registry.NewPreLoad(o.db, registry.KindTracepoint)
	require.NoError(t, err)
	_, err = registry.SwapTree(o.db, pre, 5)
	require.NoError(t, err)

	list, err := o.List(ListFilter{DaemonOwnedOnly: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	id, ok := list[0].ID()
	require.True(t, ok)
	require.Equal(t, uint32(5), id)
}

func TestListFiltersByKindAndMetadata(t *testing.T) {
	o := newOrchestratorWithKernel(t, nil)

	xdpPre, err := registry.NewPreLoad(o.db, registry.KindXDP)
	require.NoError(t, err)
	xdpPre.SetMetadata(map[string]string{"team": "netsec"})
	require.NoError(t, xdpPre.Save())
	_, err = registry.SwapTree(o.db, xdpPre, 1)
	require.NoError(t, err)

	tpPre, err := registry.NewPreLoad(o.db, registry.KindTracepoint)
	require.NoError(t, err)
	tpPre.SetMetadata(map[string]string{"team": "observability"})
	require.NoError(t, tpPre.Save())
	_, err = registry.SwapTree(o.db, tpPre, 2)
	require.NoError(t, err)

	byKind, err := o.List(ListFilter{Kind: registry.KindXDP, HasKind: true})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	id, _ := byKind[0].ID()
	require.Equal(t, uint32(1), id)

	byMetadata, err := o.List(ListFilter{Metadata: map[string]string{"team": "observability"}})
	require.NoError(t, err)
	require.Len(t, byMetadata, 1)
	id, _ = byMetadata[0].ID()
	require.Equal(t, uint32(2), id)
}

func TestGetFallsBackToKernelOnlyProgram(t *testing.T) {
	kernel := &fakeKernelEnumerator{
		ids:   []uint32{7},
		infos: map[uint32]KernelProgramInfo{7: {Name: "untracked"}},
	}
	o := newOrchestratorWithKernel(t, kernel)

	p, err := o.Get(7)
	require.NoError(t, err)
	require.Equal(t, registry.KindUnsupported, p.Kind())
	require.Equal(t, "untracked", p.EntryFunc())

	_, err = o.Get(8)
	require.Error(t, err)
}
