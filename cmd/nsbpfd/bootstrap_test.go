package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsbpf/nsbpfd/internal/config"
	"github.com/nsbpf/nsbpfd/internal/registry"
)

func TestDeclarativeToAddRequestLocalFileXDP(t *testing.T) {
	owner := uint32(7)
	dp := config.DeclarativeProgram{
		Name:       "drop-bad-src",
		Program:    "xdp:xdp_drop",
		Location:   "/opt/nsbpfd/progs/drop.o",
		Interface:  "eth0",
		Priority:   10,
		ProceedOn:  []string{"pass", "drop"},
		MapOwnerID: &owner,
	}

	req, err := declarativeToAddRequest(dp, map[string]int{"eth0": 2})
	require.NoError(t, err)
	require.Equal(t, registry.KindXDP, req.Kind)
	require.Equal(t, "xdp_drop", req.EntryFunc)
	require.Equal(t, "/opt/nsbpfd/progs/drop.o", req.Location.LocalPath)
	require.False(t, req.Location.IsImage())
	require.Equal(t, "eth0", req.IfName)
	require.Equal(t, int32(10), req.Priority)
	require.True(t, req.HasMapOwnerID)
	require.Equal(t, owner, req.MapOwnerID)
	require.NotEmpty(t, req.ProceedOn)
}

func TestDeclarativeToAddRequestImageRefTC(t *testing.T) {
	dp := config.DeclarativeProgram{
		Name:      "egress-shaper",
		Program:   "tc:tc_shape",
		Location:  "registry.example.com/nsbpf/shaper:v1",
		Interface: "eth1",
		Direction: "egress",
	}

	req, err := declarativeToAddRequest(dp, map[string]int{"eth1": 3})
	require.NoError(t, err)
	require.Equal(t, registry.KindTC, req.Kind)
	require.True(t, req.Location.IsImage())
	require.Equal(t, "registry.example.com/nsbpf/shaper:v1", req.Location.ImageRef)
	require.Equal(t, registry.DirEgress, req.Direction)
}

func TestDeclarativeToAddRequestKprobeAndFentry(t *testing.T) {
	kp := config.DeclarativeProgram{Name: "watch-open", Program: "kprobe:do_sys_open", Location: "/a.o"}
	req, err := declarativeToAddRequest(kp, nil)
	require.NoError(t, err)
	require.Equal(t, registry.KindKprobe, req.Kind)
	require.Equal(t, "do_sys_open", req.Target)

	fe := config.DeclarativeProgram{Name: "trace-exit", Program: "fexit:probe_fn:tcp_close", Location: "/b.o"}
	req, err = declarativeToAddRequest(fe, nil)
	require.NoError(t, err)
	require.Equal(t, registry.KindFexit, req.Kind)
	require.Equal(t, "tcp_close", req.Target)
	require.Equal(t, "probe_fn", req.EntryFunc)
}

func TestDeclarativeToAddRequestMultiAttachRequiresConfiguredInterface(t *testing.T) {
	dp := config.DeclarativeProgram{Name: "x", Program: "xdp:fn", Location: "/a.o", Interface: "eth9"}
	_, err := declarativeToAddRequest(dp, map[string]int{"eth0": 2})
	require.Error(t, err)
}

func TestDeclarativeToAddRequestBadProgramToken(t *testing.T) {
	dp := config.DeclarativeProgram{Name: "bad", Program: "notakind:fn", Location: "/a.o"}
	_, err := declarativeToAddRequest(dp, nil)
	require.Error(t, err)
}

func TestDeclarativeToAddRequestGlobalDataParsing(t *testing.T) {
	dp := config.DeclarativeProgram{
		Name:       "cfg",
		Program:    "tracepoint:sys_enter_openat",
		Location:   "/a.o",
		GlobalData: []string{"max_len=0a14"},
	}
	req, err := declarativeToAddRequest(dp, nil)
	require.NoError(t, err)
	require.Equal(t, registry.KindTracepoint, req.Kind)
	require.Equal(t, []byte{0x0a, 0x14}, req.GlobalData["max_len"])
}

func TestDeclarativeToAddRequestBadGlobalDataFailsWithFragmentName(t *testing.T) {
	dp := config.DeclarativeProgram{
		Name:       "badgd",
		Program:    "tracepoint:sys_enter_openat",
		Location:   "/a.o",
		GlobalData: []string{"oops=0xff"},
	}
	_, err := declarativeToAddRequest(dp, nil)
	require.Error(t, err)
	require.ErrorContains(t, err, "badgd")
}
