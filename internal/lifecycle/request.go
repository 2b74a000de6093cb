package lifecycle

import "github.com/nsbpf/nsbpfd/internal/registry"

// AddRequest is the flattened, kind-agnostic shape of an add call: the
// RPC layer (internal/rpcsrv) fills in only the fields its wire
// message actually carries, and populateVariant below ignores whatever
// does not apply to Kind.
type AddRequest struct {
	Kind       registry.Kind
	EntryFunc  string
	Location   registry.Location
	GlobalData map[string][]byte
	Metadata   map[string]string

	// ownership: if HasMapOwnerID is false the new program owns its own
	// maps (spec.md default).
	MapOwnerID    uint32
	HasMapOwnerID bool

	// XDP / TC / TCX
	IfName    string
	Priority  int32
	Direction registry.Direction
	ProceedOn []int32 // empty means dispatch.DefaultProceedOn(hook.Kind)

	// Tracepoint
	TracepointName string

	// Kprobe / Uprobe
	Target          string
	Offset          uint64
	Retprobe        bool
	ContainerPID    int32
	HasContainerPID bool

	// Uprobe only
	FuncName      string
	HasFuncName   bool
	ProcessPID    int32
	HasProcessPID bool
}

// populateVariant copies the kind-specific fields of req onto the
// freshly created pre-load Program. Fields that do not apply to p's
// concrete type are silently ignored, matching the tagged-variant
// design: the RPC layer is not expected to zero out irrelevant fields
// itself.
func populateVariant(p registry.Program, req AddRequest) {
	switch v := p.(type) {
	case *registry.XDPProgram:
		v.IfName = req.IfName
		v.Priority = req.Priority
		v.ProceedOn = req.ProceedOn
	case *registry.TCProgram:
		v.IfName = req.IfName
		v.Priority = req.Priority
		v.ProceedOn = req.ProceedOn
		v.Direction = req.Direction
	case *registry.TCXProgram:
		v.IfName = req.IfName
		v.Priority = req.Priority
		v.Direction = req.Direction
	case *registry.TracepointProgram:
		v.TracepointName = req.TracepointName
	case *registry.KprobeProgram:
		v.Target = req.Target
		v.Offset = req.Offset
		v.Retprobe = req.Retprobe
		v.ContainerPID = req.ContainerPID
		v.HasContainerPID = req.HasContainerPID
	case *registry.UprobeProgram:
		v.Target = req.Target
		v.Offset = req.Offset
		v.Retprobe = req.Retprobe
		v.ContainerPID = req.ContainerPID
		v.HasContainerPID = req.HasContainerPID
		v.FuncName = req.FuncName
		v.HasFuncName = req.HasFuncName
		v.ProcessPID = req.ProcessPID
		v.HasProcessPID = req.HasProcessPID
	case *registry.FentryProgram:
		v.Target = req.Target
	case *registry.FexitProgram:
		v.Target = req.Target
	}
}
