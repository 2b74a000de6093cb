package attach

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nsbpf/nsbpfd/internal/registry"
)

func TestValidateKprobeRejectsNonzeroRetprobeOffset(t *testing.T) {
	p := &registry.KprobeProgram{Retprobe: true, Offset: 8}
	require.Error(t, ValidateKprobe(p))

	p = &registry.KprobeProgram{Retprobe: true, Offset: 0}
	require.NoError(t, ValidateKprobe(p))

	p = &registry.KprobeProgram{Retprobe: false, Offset: 8}
	require.NoError(t, ValidateKprobe(p))
}

func TestSplitTracepoint(t *testing.T) {
	category, name, err := splitTracepoint("sched:sched_process_exec")
	require.NoError(t, err)
	require.Equal(t, "sched", category)
	require.Equal(t, "sched_process_exec", name)

	_, _, err = splitTracepoint("malformed")
	require.Error(t, err)
}

func TestResolveContainerTargetAbsolutePathMissing(t *testing.T) {
	_, err := ResolveContainerTarget(999999, "/definitely/not/a/real/path.so")
	require.Error(t, err, "a nonexistent pid's /proc root can never resolve")
}
