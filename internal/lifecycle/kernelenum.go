package lifecycle

import (
	"errors"
	"os"

	"github.com/cilium/ebpf"
)

// KernelProgramInfo is the subset of a live kernel program's
// BPF_OBJ_GET_INFO_BY_FD result query.go needs to synthesize an
// UnsupportedProgram view for a program the daemon never loaded
// itself.
type KernelProgramInfo struct {
	Name     string
	ProgType uint32
	Tag      string
	BTFID    uint32
	HasBTFID bool
}

// KernelEnumerator abstracts live kernel program discovery so list/get
// can union daemon-tracked programs with kernel-resident ones, without
// every caller needing real BPF syscall access — a fake backs
// query_test.go the same way fakeBackend backs manager_test.go.
type KernelEnumerator interface {
	// NextProgramID returns the id following after (0 to start from the
	// beginning), or ok=false once the kernel has no more program ids.
	NextProgramID(after uint32) (id uint32, ok bool, err error)
	ProgramInfo(id uint32) (KernelProgramInfo, error)
}

// ciliumKernelEnumerator implements KernelEnumerator with
// github.com/cilium/ebpf's BPF_PROG_GET_NEXT_ID / BPF_PROG_GET_FD_BY_ID
// wrappers, the same iteration idiom bpftool itself uses to walk every
// program id the kernel currently holds.
type ciliumKernelEnumerator struct{}

func NewCiliumKernelEnumerator() KernelEnumerator { return ciliumKernelEnumerator{} }

func (ciliumKernelEnumerator) NextProgramID(after uint32) (uint32, bool, error) {
	next, err := ebpf.ProgramGetNextID(ebpf.ProgramID(after))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint32(next), true, nil
}

func (ciliumKernelEnumerator) ProgramInfo(id uint32) (KernelProgramInfo, error) {
	prog, err := ebpf.NewProgramFromID(ebpf.ProgramID(id))
	if err != nil {
		return KernelProgramInfo{}, err
	}
	defer prog.Close()
	info, err := prog.Info()
	if err != nil {
		return KernelProgramInfo{}, err
	}
	out := KernelProgramInfo{Name: info.Name, ProgType: uint32(info.Type), Tag: info.Tag}
	if btfID, ok := info.BTFID(); ok {
		out.BTFID = uint32(btfID)
		out.HasBTFID = true
	}
	return out, nil
}
