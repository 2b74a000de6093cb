package rpcsrv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nsbpf/nsbpfd/internal/registry"
)

func TestAddProgramRequestToAddRequestFlattensEveryField(t *testing.T) {
	req := AddProgramRequest{
		Kind:          "kprobe",
		EntryFunc:     "probe_openat",
		LocalPath:     "/opt/progs/a.o",
		GlobalData:    map[string][]byte{"x": {1, 2}},
		Metadata:      map[string]string{"owner": "team-net"},
		HasMapOwnerID: true,
		MapOwnerID:    7,
		Target:        "do_sys_openat2",
		Offset:        4,
		Retprobe:      true,
		ProcessPID:    1234,
		HasProcessPID: true,
	}

	out := req.toAddRequest()
	require.Equal(t, registry.KindKprobe, out.Kind)
	require.Equal(t, "probe_openat", out.EntryFunc)
	require.Equal(t, "/opt/progs/a.o", out.Location.LocalPath)
	require.Equal(t, []byte{1, 2}, out.GlobalData["x"])
	require.Equal(t, "team-net", out.Metadata["owner"])
	require.True(t, out.HasMapOwnerID)
	require.Equal(t, uint32(7), out.MapOwnerID)
	require.Equal(t, "do_sys_openat2", out.Target)
	require.Equal(t, uint64(4), out.Offset)
	require.True(t, out.Retprobe)
	require.True(t, out.HasProcessPID)
	require.Equal(t, int32(1234), out.ProcessPID)
}

func TestToViewFlattensXDPVariant(t *testing.T) {
	p := &registry.XDPProgram{
		IfName:          "eth0",
		Priority:        5,
		CurrentPosition: 2,
		Attached:        true,
		ProceedOn:       []int32{2, 31},
	}
	p.SetID(99)
	p.SetEntryFunc("xdp_fn")
	now := time.Now()
	p.SetKernelInfo(registry.KernelInfo{ID: 99, Name: "xdp_fn", LoadedAt: now})

	v := toView(p)
	require.Equal(t, uint32(99), v.ID)
	require.Equal(t, string(registry.KindXDP), v.Kind)
	require.Equal(t, "eth0", v.IfName)
	require.Equal(t, int32(5), v.Priority)
	require.Equal(t, 2, v.CurrentPosition)
	require.True(t, v.Attached)
	require.Equal(t, []int32{2, 31}, v.ProceedOn)
	require.Equal(t, uint32(99), v.KernelID)
}

func TestListProgramsRequestToListFilter(t *testing.T) {
	req := ListProgramsRequest{
		Kind:            "xdp",
		Metadata:        map[string]string{"team": "netsec"},
		DaemonOwnedOnly: true,
	}
	f := req.toListFilter()
	require.Equal(t, registry.KindXDP, f.Kind)
	require.True(t, f.HasKind)
	require.Equal(t, "netsec", f.Metadata["team"])
	require.True(t, f.DaemonOwnedOnly)

	empty := ListProgramsRequest{}.toListFilter()
	require.False(t, empty.HasKind, "an empty wire kind must not filter on a zero-value Kind")
}

func TestToViewFlattensTracepointVariant(t *testing.T) {
	p := &registry.TracepointProgram{TracepointName: "sched:sched_process_exec", Attached: true}
	v := toView(p)
	require.Equal(t, string(registry.KindTracepoint), v.Kind)
	require.Equal(t, "sched:sched_process_exec", v.TracepointName)
	require.True(t, v.Attached)
}
