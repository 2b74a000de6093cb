package dispatch

import (
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// dispatcherProgramName and dispatcherMapName are the fixed symbol
// names the trampoline ELF exports: one BPF_PROG_TYPE_XDP/SCHED_CLS
// entry point, and one BPF_MAP_TYPE_PROG_ARRAY it tail-calls into by
// slot index.
const (
	dispatcherProgramName = "dispatcher"
	dispatcherMapName     = "jmp_table"
	dispatcherConfVar     = "conf"
)

// dispatcherConfig mirrors the trampoline's .rodata "conf" global: the
// number of enabled slots and, per slot, the proceed-on bitmask the
// trampoline tests after invoking that slot's tail call.
type dispatcherConfig struct {
	NumProgsEnabled  uint32
	_                [4]byte
	ChainCallActions [MaxChainSize]uint64
}

// LoadedDispatcher is a fully relocated, not-yet-attached trampoline
// instance: one ebpf.Collection holding the entry program and its
// tail-call table.
type LoadedDispatcher struct {
	collection *ebpf.Collection
	Prog       *ebpf.Program
	ProgArray  *ebpf.Map
}

func (l *LoadedDispatcher) Close() error {
	if l.collection != nil {
		l.collection.Close()
	}
	return nil
}

// dispatcherAttachment is the minimal surface AttachOrUpdate needs from
// whatever kernel object actually carries the dispatcher program. For
// XDP that is a cilium/ebpf/link.Link (which already satisfies this
// interface as-is); for TC it is a legacy cls_bpf filter handle, since
// TC has no bpf_link concept to speak of.
type dispatcherAttachment interface {
	Update(prog *ebpf.Program) error
	Close() error
}

// KernelBackend is the seam between the revisioned-replace state
// machine (manager.go) and the kernel. A fake implementation backs the
// manager's unit tests; CiliumBackend is the real one.
type KernelBackend interface {
	LoadDispatcher(assetPath string, ordered []Extension, hook Hook) (*LoadedDispatcher, error)
	PopulateProgArray(ld *LoadedDispatcher, extensionProgs map[uint32]*ebpf.Program, ordered []Extension) error
	Pin(ld *LoadedDispatcher, path string) error
	Unpin(path string) error
	AttachOrUpdate(hook Hook, existing dispatcherAttachment, ld *LoadedDispatcher) (dispatcherAttachment, error)
	DetachLink(a dispatcherAttachment) error
}

// CiliumBackend implements KernelBackend with github.com/cilium/ebpf and
// github.com/cilium/ebpf/link.
type CiliumBackend struct{}

func NewCiliumBackend() *CiliumBackend { return &CiliumBackend{} }

func (b *CiliumBackend) LoadDispatcher(path string, ordered []Extension, hook Hook) (*LoadedDispatcher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dispatcher asset %s: %w", path, err)
	}
	defer f.Close()

	spec, err := ebpf.LoadCollectionSpecFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("parse dispatcher asset %s: %w", path, err)
	}

	cfg := dispatcherConfig{NumProgsEnabled: uint32(len(ordered))}
	shift := hook.shift()
	for i, ext := range ordered {
		if i >= MaxChainSize {
			break
		}
		cfg.ChainCallActions[i] = Mask(ext.ProceedOnRaw, shift)
	}
	if err := spec.RewriteConstants(map[string]interface{}{dispatcherConfVar: cfg}); err != nil {
		return nil, fmt.Errorf("rewrite dispatcher constants: %w", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("load dispatcher collection: %w", err)
	}

	prog, ok := coll.Programs[dispatcherProgramName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("dispatcher asset %s missing program %q", path, dispatcherProgramName)
	}
	progArray, ok := coll.Maps[dispatcherMapName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("dispatcher asset %s missing map %q", path, dispatcherMapName)
	}

	return &LoadedDispatcher{collection: coll, Prog: prog, ProgArray: progArray}, nil
}

func (b *CiliumBackend) PopulateProgArray(ld *LoadedDispatcher, extensionProgs map[uint32]*ebpf.Program, ordered []Extension) error {
	for i, ext := range ordered {
		prog, ok := extensionProgs[ext.ProgramID]
		if !ok {
			return fmt.Errorf("no loaded program for extension id %d", ext.ProgramID)
		}
		if err := ld.ProgArray.Update(uint32(i), uint32(prog.FD()), ebpf.UpdateAny); err != nil {
			return fmt.Errorf("populate tail-call slot %d: %w", i, err)
		}
	}
	return nil
}

func (b *CiliumBackend) Pin(ld *LoadedDispatcher, path string) error {
	if err := ld.Prog.Pin(path); err != nil {
		return taxonomy.PinFailureErr("program", path, err)
	}
	return nil
}

func (b *CiliumBackend) Unpin(path string) error {
	prog, err := ebpf.LoadPinnedProgram(path, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load pinned dispatcher %s: %w", path, err)
	}
	defer prog.Close()
	if err := prog.Unpin(); err != nil {
		return taxonomy.PinFailureErr("program", path, err)
	}
	return nil
}

// tcDispatcherFilterPriority and tcDispatcherFilterHandle pin the
// dispatcher trampoline to a single, well-known (parent, priority,
// handle) triple on the clsact qdisc. Legacy cls_bpf admits only one
// filter per such triple, which is exactly why TC needs the dispatcher
// at all: unlike TCX's kernel-native bpf_mprog chain, a second cls_bpf
// filter at the same slot would silently replace, not join, the first.
const (
	tcDispatcherFilterPriority = 1
	tcDispatcherFilterHandle   = 1
)

// tcFilterHandle is a legacy netlink cls_bpf filter occupying the
// dispatcher's slot on an interface's clsact ingress or egress hook.
type tcFilterHandle struct {
	filter *netlink.BpfFilter
}

// tcFilterAttrs derives a BpfFilter's hook-dependent fields without
// touching the kernel, so the ingress/egress parent-handle selection is
// unit-testable without a loaded ebpf.Program.
func tcFilterAttrs(hook Hook) (parent uint32, name string) {
	parent = netlink.HANDLE_MIN_INGRESS
	if hook.Kind == TCEgress {
		parent = netlink.HANDLE_MIN_EGRESS
	}
	return parent, fmt.Sprintf("nsbpfd_dispatcher_%s", hook.IfName)
}

func newTCFilter(hook Hook, prog *ebpf.Program) *netlink.BpfFilter {
	parent, name := tcFilterAttrs(hook)
	return &netlink.BpfFilter{
		LinkIndex:    hook.IfIndex,
		Parent:       parent,
		Handle:       tcDispatcherFilterHandle,
		Priority:     tcDispatcherFilterPriority,
		Protocol:     unix.ETH_P_ALL,
		FD:           prog.FD(),
		Name:         name,
		DirectAction: true,
	}
}

// Update replaces the filter's backing program via netlink's own
// create-or-replace semantics, the same atomic swap AttachOrUpdate uses
// for a first attach, so a rebuild never leaves a gap where no filter
// occupies the slot.
func (h *tcFilterHandle) Update(prog *ebpf.Program) error {
	next := *h.filter
	next.FD = prog.FD()
	if err := netlink.FilterReplace(&next); err != nil {
		return err
	}
	h.filter = &next
	return nil
}

func (h *tcFilterHandle) Close() error {
	return netlink.FilterDel(h.filter)
}

// AttachOrUpdate attaches the new dispatcher to hook. If existing is
// non-nil (a prior revision is already attached), it is updated
// in-place — an atomic kernel-level replace, per revisioned-replace's
// "all-or-nothing view" guarantee — rather than detached and
// re-attached, which would leave a gap no extension program runs
// during. XDP uses a bpf_link; TC uses a legacy cls_bpf filter on the
// clsact qdisc, since TCX's bpf_mprog (link.AttachTCX) is reserved for
// standalone single-attach TCX programs and would defeat the point of
// running a dispatcher on TC at all.
func (b *CiliumBackend) AttachOrUpdate(hook Hook, existing dispatcherAttachment, ld *LoadedDispatcher) (dispatcherAttachment, error) {
	if existing != nil {
		if err := existing.Update(ld.Prog); err != nil {
			return nil, fmt.Errorf("update dispatcher attachment on %s: %w", hook.IfName, err)
		}
		return existing, nil
	}

	switch hook.Kind {
	case XDP:
		l, err := link.AttachXDP(link.XDPOptions{Program: ld.Prog, Interface: hook.IfIndex})
		if err != nil {
			return nil, fmt.Errorf("attach xdp dispatcher to %s: %w", hook.IfName, err)
		}
		return l, nil
	case TCIngress, TCEgress:
		filter := newTCFilter(hook, ld.Prog)
		if err := netlink.FilterReplace(filter); err != nil {
			return nil, fmt.Errorf("attach tc dispatcher filter to %s: %w", hook.IfName, err)
		}
		return &tcFilterHandle{filter: filter}, nil
	}
	return nil, fmt.Errorf("unsupported hook kind %q", hook.Kind)
}

func (b *CiliumBackend) DetachLink(a dispatcherAttachment) error {
	if a == nil {
		return nil
	}
	return a.Close()
}
