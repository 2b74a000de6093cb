package registry

import (
	"fmt"

	"github.com/nsbpf/nsbpfd/internal/store"
)

func putProceedOn(tree *store.Tree, actions []int32) error {
	if err := tree.DeletePrefix([]byte(proceedOnPrefix)); err != nil {
		return err
	}
	for i, a := range actions {
		key := fmt.Sprintf("%s%d", proceedOnPrefix, i)
		if err := tree.Put([]byte(key), store.PutInt32(a)); err != nil {
			return err
		}
	}
	return nil
}

func getProceedOn(tree *store.Tree) ([]int32, error) {
	kvs, err := tree.ScanPrefix([]byte(proceedOnPrefix))
	if err != nil {
		return nil, err
	}
	out := make([]int32, len(kvs))
	for i, kv := range kvs {
		out[i] = store.GetInt32(kv.Value)
	}
	return out, nil
}

// XDPProgram and TCProgram are dispatcher-managed (MD): both carry a
// proceed-on set and a current_position the dispatcher owns.
type XDPProgram struct {
	baseProgram
	IfName          string
	IfIndex         int
	Priority        int32
	CurrentPosition int
	Attached        bool
	ProceedOn       []int32
}

func NewXDPProgram(tree *store.Tree, preloadID string) *XDPProgram {
	return &XDPProgram{baseProgram: baseProgram{tree: tree, preloadID: preloadID}}
}

func (p *XDPProgram) Kind() Kind { return KindXDP }

func (p *XDPProgram) Save() error {
	if err := p.saveCommon(); err != nil {
		return err
	}
	t := p.tree
	if err := t.Put([]byte(keyIfName), store.PutString(p.IfName)); err != nil {
		return err
	}
	if err := t.Put([]byte(keyIfIndex), store.PutInt32(int32(p.IfIndex))); err != nil {
		return err
	}
	if err := t.Put([]byte(keyPriority), store.PutInt32(p.Priority)); err != nil {
		return err
	}
	if err := t.Put([]byte(keyCurrentPosition), store.PutInt32(int32(p.CurrentPosition))); err != nil {
		return err
	}
	if err := t.Put([]byte(keyAttached), store.PutBool(p.Attached)); err != nil {
		return err
	}
	return putProceedOn(t, p.ProceedOn)
}

func (p *XDPProgram) Load() error {
	if err := p.loadCommon(); err != nil {
		return err
	}
	t := p.tree
	get := func(key string) []byte {
		v, ok, _ := t.Get([]byte(key))
		if !ok {
			return nil
		}
		return v
	}
	p.IfName = store.GetString(get(keyIfName))
	p.IfIndex = int(store.GetInt32(get(keyIfIndex)))
	p.Priority = store.GetInt32(get(keyPriority))
	p.CurrentPosition = int(store.GetInt32(get(keyCurrentPosition)))
	p.Attached = store.GetBool(get(keyAttached))
	proceedOn, err := getProceedOn(t)
	if err != nil {
		return err
	}
	p.ProceedOn = proceedOn
	return nil
}

// TCProgram additionally carries a Direction (ingress/egress).
type TCProgram struct {
	XDPProgram
	Direction Direction
}

func NewTCProgram(tree *store.Tree, preloadID string) *TCProgram {
	return &TCProgram{XDPProgram: XDPProgram{baseProgram: baseProgram{tree: tree, preloadID: preloadID}}}
}

func (p *TCProgram) Kind() Kind { return KindTC }

func (p *TCProgram) Save() error {
	if err := p.XDPProgram.Save(); err != nil {
		return err
	}
	return p.tree.Put([]byte(keyDirection), store.PutString(string(p.Direction)))
}

func (p *TCProgram) Load() error {
	if err := p.XDPProgram.Load(); err != nil {
		return err
	}
	v, ok, err := p.tree.Get([]byte(keyDirection))
	if err != nil {
		return err
	}
	if ok {
		p.Direction = Direction(store.GetString(v))
	}
	return nil
}

// TCXProgram is single-attach despite carrying Priority: the kernel's
// native bpf_mprog ordering multiplexes TCX programs without a
// trampoline, so it has no proceed-on set or current_position (see
// Kind.IsMultiAttach).
type TCXProgram struct {
	baseProgram
	IfName    string
	IfIndex   int
	Direction Direction
	Priority  int32
	Attached  bool
}

func NewTCXProgram(tree *store.Tree, preloadID string) *TCXProgram {
	return &TCXProgram{baseProgram: baseProgram{tree: tree, preloadID: preloadID}}
}

func (p *TCXProgram) Kind() Kind { return KindTCX }

func (p *TCXProgram) Save() error {
	if err := p.saveCommon(); err != nil {
		return err
	}
	t := p.tree
	if err := t.Put([]byte(keyIfName), store.PutString(p.IfName)); err != nil {
		return err
	}
	if err := t.Put([]byte(keyIfIndex), store.PutInt32(int32(p.IfIndex))); err != nil {
		return err
	}
	if err := t.Put([]byte(keyDirection), store.PutString(string(p.Direction))); err != nil {
		return err
	}
	if err := t.Put([]byte(keyPriority), store.PutInt32(p.Priority)); err != nil {
		return err
	}
	return t.Put([]byte(keyAttached), store.PutBool(p.Attached))
}

func (p *TCXProgram) Load() error {
	if err := p.loadCommon(); err != nil {
		return err
	}
	t := p.tree
	get := func(key string) []byte {
		v, ok, _ := t.Get([]byte(key))
		if !ok {
			return nil
		}
		return v
	}
	p.IfName = store.GetString(get(keyIfName))
	p.IfIndex = int(store.GetInt32(get(keyIfIndex)))
	p.Direction = Direction(store.GetString(get(keyDirection)))
	p.Priority = store.GetInt32(get(keyPriority))
	p.Attached = store.GetBool(get(keyAttached))
	return nil
}

// TracepointProgram is a single-attach loader variant.
type TracepointProgram struct {
	baseProgram
	TracepointName string
	Attached       bool
}

func NewTracepointProgram(tree *store.Tree, preloadID string) *TracepointProgram {
	return &TracepointProgram{baseProgram: baseProgram{tree: tree, preloadID: preloadID}}
}

func (p *TracepointProgram) Kind() Kind { return KindTracepoint }

func (p *TracepointProgram) Save() error {
	if err := p.saveCommon(); err != nil {
		return err
	}
	if err := p.tree.Put([]byte(keyTracepointName), store.PutString(p.TracepointName)); err != nil {
		return err
	}
	return p.tree.Put([]byte(keyAttached), store.PutBool(p.Attached))
}

func (p *TracepointProgram) Load() error {
	if err := p.loadCommon(); err != nil {
		return err
	}
	t := p.tree
	v, _, err := t.Get([]byte(keyTracepointName))
	if err != nil {
		return err
	}
	p.TracepointName = store.GetString(v)
	a, _, err := t.Get([]byte(keyAttached))
	if err != nil {
		return err
	}
	p.Attached = store.GetBool(a)
	return nil
}

// KprobeProgram attaches to a kernel function entry or return (Retprobe).
// A kretprobe requires Offset == 0 (enforced by internal/attach).
type KprobeProgram struct {
	baseProgram
	Target         string
	Offset         uint64
	Retprobe       bool
	ContainerPID   int32
	HasContainerPID bool
	Attached       bool
}

func NewKprobeProgram(tree *store.Tree, preloadID string) *KprobeProgram {
	return &KprobeProgram{baseProgram: baseProgram{tree: tree, preloadID: preloadID}}
}

func (p *KprobeProgram) Kind() Kind { return KindKprobe }

func (p *KprobeProgram) Save() error {
	if err := p.saveCommon(); err != nil {
		return err
	}
	t := p.tree
	if err := t.Put([]byte(keyTarget), store.PutString(p.Target)); err != nil {
		return err
	}
	if err := t.Put([]byte(keyOffset), store.PutUint64(p.Offset)); err != nil {
		return err
	}
	if err := t.Put([]byte(keyRetprobe), store.PutBool(p.Retprobe)); err != nil {
		return err
	}
	if err := t.Put([]byte(keyHasContainerPID), store.PutBool(p.HasContainerPID)); err != nil {
		return err
	}
	if p.HasContainerPID {
		if err := t.Put([]byte(keyContainerPID), store.PutInt32(p.ContainerPID)); err != nil {
			return err
		}
	}
	return t.Put([]byte(keyAttached), store.PutBool(p.Attached))
}

func (p *KprobeProgram) Load() error {
	if err := p.loadCommon(); err != nil {
		return err
	}
	t := p.tree
	get := func(key string) []byte {
		v, ok, _ := t.Get([]byte(key))
		if !ok {
			return nil
		}
		return v
	}
	p.Target = store.GetString(get(keyTarget))
	p.Offset = store.GetUint64(get(keyOffset))
	p.Retprobe = store.GetBool(get(keyRetprobe))
	p.HasContainerPID = store.GetBool(get(keyHasContainerPID))
	if p.HasContainerPID {
		p.ContainerPID = store.GetInt32(get(keyContainerPID))
	}
	p.Attached = store.GetBool(get(keyAttached))
	return nil
}

// UprobeProgram attaches to a userspace binary/library. Target is the
// executable or shared-object path; an empty FuncName with HasFuncName
// false means an address-offset-only attach. ProcessPID, when set,
// restricts the attach to one process; ContainerPID, when set, means
// the daemon must resolve the target inside another container's mount
// namespace (original_source supplement — see internal/attach).
type UprobeProgram struct {
	baseProgram
	Target          string
	FuncName        string
	HasFuncName     bool
	Offset          uint64
	Retprobe        bool
	ProcessPID      int32
	HasProcessPID   bool
	ContainerPID    int32
	HasContainerPID bool
	Attached        bool
}

func NewUprobeProgram(tree *store.Tree, preloadID string) *UprobeProgram {
	return &UprobeProgram{baseProgram: baseProgram{tree: tree, preloadID: preloadID}}
}

func (p *UprobeProgram) Kind() Kind { return KindUprobe }

func (p *UprobeProgram) Save() error {
	if err := p.saveCommon(); err != nil {
		return err
	}
	t := p.tree
	puts := []struct {
		key string
		val []byte
	}{
		{keyTarget, store.PutString(p.Target)},
		{keyUprobeHasFunc, store.PutBool(p.HasFuncName)},
		{keyOffset, store.PutUint64(p.Offset)},
		{keyRetprobe, store.PutBool(p.Retprobe)},
		{keyHasProcessPID, store.PutBool(p.HasProcessPID)},
		{keyHasContainerPID, store.PutBool(p.HasContainerPID)},
		{keyAttached, store.PutBool(p.Attached)},
	}
	for _, kv := range puts {
		if err := t.Put([]byte(kv.key), kv.val); err != nil {
			return err
		}
	}
	if p.HasFuncName {
		if err := t.Put([]byte(keyEntryFunc+"_uprobe_func"), store.PutString(p.FuncName)); err != nil {
			return err
		}
	}
	if p.HasProcessPID {
		if err := t.Put([]byte(keyProcessPID), store.PutInt32(p.ProcessPID)); err != nil {
			return err
		}
	}
	if p.HasContainerPID {
		if err := t.Put([]byte(keyContainerPID), store.PutInt32(p.ContainerPID)); err != nil {
			return err
		}
	}
	return nil
}

func (p *UprobeProgram) Load() error {
	if err := p.loadCommon(); err != nil {
		return err
	}
	t := p.tree
	get := func(key string) []byte {
		v, ok, _ := t.Get([]byte(key))
		if !ok {
			return nil
		}
		return v
	}
	p.Target = store.GetString(get(keyTarget))
	p.HasFuncName = store.GetBool(get(keyUprobeHasFunc))
	if p.HasFuncName {
		p.FuncName = store.GetString(get(keyEntryFunc + "_uprobe_func"))
	}
	p.Offset = store.GetUint64(get(keyOffset))
	p.Retprobe = store.GetBool(get(keyRetprobe))
	p.HasProcessPID = store.GetBool(get(keyHasProcessPID))
	if p.HasProcessPID {
		p.ProcessPID = store.GetInt32(get(keyProcessPID))
	}
	p.HasContainerPID = store.GetBool(get(keyHasContainerPID))
	if p.HasContainerPID {
		p.ContainerPID = store.GetInt32(get(keyContainerPID))
	}
	p.Attached = store.GetBool(get(keyAttached))
	return nil
}

// FentryProgram and FexitProgram attach to a kernel function's entry or
// exit via BTF-based trampolines. Neither this package nor
// internal/attach checks for BTF up front; a missing target surfaces as
// an error from cilium/ebpf at load or attach time.
type FentryProgram struct {
	baseProgram
	Target   string
	Attached bool
}

func NewFentryProgram(tree *store.Tree, preloadID string) *FentryProgram {
	return &FentryProgram{baseProgram: baseProgram{tree: tree, preloadID: preloadID}}
}

func (p *FentryProgram) Kind() Kind { return KindFentry }

func (p *FentryProgram) Save() error {
	if err := p.saveCommon(); err != nil {
		return err
	}
	if err := p.tree.Put([]byte(keyTarget), store.PutString(p.Target)); err != nil {
		return err
	}
	return p.tree.Put([]byte(keyAttached), store.PutBool(p.Attached))
}

func (p *FentryProgram) Load() error {
	if err := p.loadCommon(); err != nil {
		return err
	}
	t := p.tree
	v, _, err := t.Get([]byte(keyTarget))
	if err != nil {
		return err
	}
	p.Target = store.GetString(v)
	a, _, err := t.Get([]byte(keyAttached))
	if err != nil {
		return err
	}
	p.Attached = store.GetBool(a)
	return nil
}

type FexitProgram struct {
	FentryProgram
}

func NewFexitProgram(tree *store.Tree, preloadID string) *FexitProgram {
	return &FexitProgram{FentryProgram: FentryProgram{baseProgram: baseProgram{tree: tree, preloadID: preloadID}}}
}

func (p *FexitProgram) Kind() Kind { return KindFexit }

// UnsupportedProgram represents a kernel-resident program the daemon
// did not load (discovered via a bulk kernel listing) whose type it
// does not manage. Only the kernel-info view is meaningful; Save is a
// no-op since the daemon never owns its lifecycle.
type UnsupportedProgram struct {
	baseProgram
}

func NewUnsupportedProgram(tree *store.Tree) *UnsupportedProgram {
	return &UnsupportedProgram{baseProgram: baseProgram{tree: tree}}
}

func (p *UnsupportedProgram) Kind() Kind { return KindUnsupported }

func (p *UnsupportedProgram) Save() error { return p.saveCommon() }

func (p *UnsupportedProgram) Load() error { return p.loadCommon() }
