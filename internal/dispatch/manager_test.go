package dispatch

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/require"

	"github.com/nsbpf/nsbpfd/internal/fsroot"
	"github.com/nsbpf/nsbpfd/internal/store"
)

// fakeLink is an in-memory stand-in for a dispatcherAttachment, letting
// manager_test exercise the atomic-update path without a kernel.
type fakeLink struct {
	prog   *ebpf.Program
	closed bool
}

func (f *fakeLink) Close() error                { f.closed = true; return nil }
func (f *fakeLink) Update(p *ebpf.Program) error { f.prog = p; return nil }

type fakeBackend struct {
	pinned        map[string]bool
	failAttach    bool
	failLoad      bool
	attachedHooks int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{pinned: make(map[string]bool)}
}

func (b *fakeBackend) LoadDispatcher(assetPath string, ordered []Extension, hook Hook) (*LoadedDispatcher, error) {
	if b.failLoad {
		return nil, errors.New("injected load failure")
	}
	return &LoadedDispatcher{}, nil
}

func (b *fakeBackend) PopulateProgArray(ld *LoadedDispatcher, extensionProgs map[uint32]*ebpf.Program, ordered []Extension) error {
	for _, e := range ordered {
		if _, ok := extensionProgs[e.ProgramID]; !ok {
			return errors.New("missing program")
		}
	}
	return nil
}

func (b *fakeBackend) Pin(ld *LoadedDispatcher, path string) error {
	b.pinned[path] = true
	return nil
}

func (b *fakeBackend) Unpin(path string) error {
	delete(b.pinned, path)
	return nil
}

func (b *fakeBackend) AttachOrUpdate(hook Hook, existing dispatcherAttachment, ld *LoadedDispatcher) (dispatcherAttachment, error) {
	if b.failAttach {
		return nil, errors.New("injected attach failure")
	}
	b.attachedHooks++
	if existing != nil {
		_ = existing.Update(nil)
		return existing, nil
	}
	return &fakeLink{}, nil
}

func (b *fakeBackend) DetachLink(a dispatcherAttachment) error {
	if a == nil {
		return nil
	}
	return a.Close()
}

func newTestManager(t *testing.T) (*Manager, *fakeBackend) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"), 3, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	layout := fsroot.New("nsbpfd-test")
	layout.Dispatchers = t.TempDir()

	backend := newFakeBackend()
	return NewManager(db, layout, backend), backend
}

func xdpHook() Hook { return Hook{Kind: XDP, IfName: "eth0", IfIndex: 2} }

func TestAddExtensionOrdersByPriorityThenName(t *testing.T) {
	m, backend := newTestManager(t)
	hook := xdpHook()
	progs := map[uint32]*ebpf.Program{1: nil, 2: nil, 3: nil}

	_, err := m.AddExtension(hook, Extension{ProgramID: 2, Priority: 50, Name: "b", ProceedOnRaw: []int32{XDPPass}}, progs)
	require.NoError(t, err)
	positions, err := m.AddExtension(hook, Extension{ProgramID: 1, Priority: 10, Name: "a", ProceedOnRaw: []int32{XDPPass}}, progs)
	require.NoError(t, err)
	require.Equal(t, 0, positions[1])
	require.Equal(t, 1, positions[2])

	positions, err = m.AddExtension(hook, Extension{ProgramID: 3, Priority: 10, Name: "z", ProceedOnRaw: []int32{XDPPass}}, progs)
	require.NoError(t, err)
	require.Equal(t, 0, positions[1])
	require.Equal(t, 1, positions[3])
	require.Equal(t, 2, positions[2])
	require.Equal(t, 3, backend.attachedHooks)
}

func TestAddExtensionEnforcesCapacity(t *testing.T) {
	m, _ := newTestManager(t)
	hook := xdpHook()
	progs := map[uint32]*ebpf.Program{}
	for i := uint32(1); i <= MaxChainSize; i++ {
		progs[i] = nil
		_, err := m.AddExtension(hook, Extension{ProgramID: i, Priority: int32(i), Name: fmt.Sprintf("p%d", i), ProceedOnRaw: []int32{XDPPass}}, progs)
		require.NoError(t, err)
	}
	progs[MaxChainSize+1] = nil
	_, err := m.AddExtension(hook, Extension{ProgramID: MaxChainSize + 1, Priority: 1, Name: "overflow", ProceedOnRaw: []int32{XDPPass}}, progs)
	require.Error(t, err)
}

func TestRebuildFailureLeavesPriorRevisionIntact(t *testing.T) {
	m, backend := newTestManager(t)
	hook := xdpHook()
	progs := map[uint32]*ebpf.Program{1: nil}

	_, err := m.AddExtension(hook, Extension{ProgramID: 1, Priority: 1, Name: "a", ProceedOnRaw: []int32{XDPPass}}, progs)
	require.NoError(t, err)

	exts, rev, err := m.Extensions(hook)
	require.NoError(t, err)
	require.Len(t, exts, 1)
	require.Equal(t, uint32(1), rev)

	backend.failAttach = true
	progs[2] = nil
	_, err = m.AddExtension(hook, Extension{ProgramID: 2, Priority: 2, Name: "b", ProceedOnRaw: []int32{XDPPass}}, progs)
	require.Error(t, err)

	exts, rev, err = m.Extensions(hook)
	require.NoError(t, err)
	require.Len(t, exts, 1, "failed rebuild must not mutate the persisted chain")
	require.Equal(t, uint32(1), rev)
}

func TestRemoveLastExtensionTearsDownDispatcher(t *testing.T) {
	m, backend := newTestManager(t)
	hook := xdpHook()
	progs := map[uint32]*ebpf.Program{1: nil}

	_, err := m.AddExtension(hook, Extension{ProgramID: 1, Priority: 1, Name: "a", ProceedOnRaw: []int32{XDPPass}}, progs)
	require.NoError(t, err)

	_, err = m.RemoveExtension(hook, 1, progs)
	require.NoError(t, err)

	exts, rev, err := m.Extensions(hook)
	require.NoError(t, err)
	require.Empty(t, exts)
	require.Equal(t, uint32(0), rev)
	require.Empty(t, backend.pinned)
}
