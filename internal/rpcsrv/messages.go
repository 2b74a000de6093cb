package rpcsrv

import (
	"time"

	"github.com/nsbpf/nsbpfd/internal/lifecycle"
	"github.com/nsbpf/nsbpfd/internal/registry"
)

// AddProgramRequest is the wire shape of an add call — a direct,
// JSON-tagged mirror of lifecycle.AddRequest so the translation at the
// handler boundary is a single literal copy.
type AddProgramRequest struct {
	Kind       string            `json:"kind"`
	EntryFunc  string            `json:"entry_func"`
	LocalPath  string            `json:"local_path,omitempty"`
	ImageRef   string            `json:"image_ref,omitempty"`
	PullPolicy string            `json:"pull_policy,omitempty"`
	Username   string            `json:"username,omitempty"`
	Password   string            `json:"password,omitempty"`
	GlobalData map[string][]byte `json:"global_data,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	HasMapOwnerID bool   `json:"has_map_owner_id,omitempty"`
	MapOwnerID    uint32 `json:"map_owner_id,omitempty"`

	IfName    string  `json:"if_name,omitempty"`
	Priority  int32   `json:"priority,omitempty"`
	Direction string  `json:"direction,omitempty"`
	ProceedOn []int32 `json:"proceed_on,omitempty"`

	TracepointName string `json:"tracepoint_name,omitempty"`

	Target          string `json:"target,omitempty"`
	Offset          uint64 `json:"offset,omitempty"`
	Retprobe        bool   `json:"retprobe,omitempty"`
	ContainerPID    int32  `json:"container_pid,omitempty"`
	HasContainerPID bool   `json:"has_container_pid,omitempty"`

	FuncName      string `json:"func_name,omitempty"`
	HasFuncName   bool   `json:"has_func_name,omitempty"`
	ProcessPID    int32  `json:"process_pid,omitempty"`
	HasProcessPID bool   `json:"has_process_pid,omitempty"`
}

func (r AddProgramRequest) toAddRequest() lifecycle.AddRequest {
	return lifecycle.AddRequest{
		Kind:      registry.Kind(r.Kind),
		EntryFunc: r.EntryFunc,
		Location: registry.Location{
			LocalPath:  r.LocalPath,
			ImageRef:   r.ImageRef,
			PullPolicy: r.PullPolicy,
			Username:   r.Username,
			Password:   r.Password,
		},
		GlobalData:      r.GlobalData,
		Metadata:        r.Metadata,
		HasMapOwnerID:   r.HasMapOwnerID,
		MapOwnerID:      r.MapOwnerID,
		IfName:          r.IfName,
		Priority:        r.Priority,
		Direction:       registry.Direction(r.Direction),
		ProceedOn:       r.ProceedOn,
		TracepointName:  r.TracepointName,
		Target:          r.Target,
		Offset:          r.Offset,
		Retprobe:        r.Retprobe,
		ContainerPID:    r.ContainerPID,
		HasContainerPID: r.HasContainerPID,
		FuncName:        r.FuncName,
		HasFuncName:     r.HasFuncName,
		ProcessPID:      r.ProcessPID,
		HasProcessPID:   r.HasProcessPID,
	}
}

// ProgramView is the read-side wire projection of a registry.Program,
// flattening every variant's kind-specific fields the same way
// AddProgramRequest flattens the add call's inputs.
type ProgramView struct {
	ID         uint32            `json:"id"`
	Kind       string            `json:"kind"`
	EntryFunc  string            `json:"entry_func"`
	MapOwnerID uint32            `json:"map_owner_id"`
	UsedBy     []uint32          `json:"used_by,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	IfName          string  `json:"if_name,omitempty"`
	Direction       string  `json:"direction,omitempty"`
	Priority        int32   `json:"priority,omitempty"`
	CurrentPosition int     `json:"current_position,omitempty"`
	Attached        bool    `json:"attached,omitempty"`
	ProceedOn       []int32 `json:"proceed_on,omitempty"`

	TracepointName string `json:"tracepoint_name,omitempty"`
	Target         string `json:"target,omitempty"`

	KernelID       uint32    `json:"kernel_id"`
	KernelName     string    `json:"kernel_name"`
	KernelTag      string    `json:"kernel_tag"`
	KernelLoadedAt time.Time `json:"kernel_loaded_at"`
}

func toView(p registry.Program) ProgramView {
	id, _ := p.ID()
	ownerID, _ := p.MapOwnerID()
	ki := p.KernelInfo()
	v := ProgramView{
		ID:             id,
		Kind:           string(p.Kind()),
		EntryFunc:      p.EntryFunc(),
		MapOwnerID:     ownerID,
		UsedBy:         p.UsedBy(),
		Metadata:       p.Metadata(),
		KernelID:       ki.ID,
		KernelName:     ki.Name,
		KernelTag:      ki.Tag,
		KernelLoadedAt: ki.LoadedAt,
	}
	switch t := p.(type) {
	case *registry.XDPProgram:
		v.IfName = t.IfName
		v.Priority = t.Priority
		v.CurrentPosition = t.CurrentPosition
		v.Attached = t.Attached
		v.ProceedOn = t.ProceedOn
	case *registry.TCProgram:
		v.IfName = t.IfName
		v.Direction = string(t.Direction)
		v.Priority = t.Priority
		v.CurrentPosition = t.CurrentPosition
		v.Attached = t.Attached
		v.ProceedOn = t.ProceedOn
	case *registry.TCXProgram:
		v.IfName = t.IfName
		v.Direction = string(t.Direction)
		v.Priority = t.Priority
		v.Attached = t.Attached
	case *registry.TracepointProgram:
		v.TracepointName = t.TracepointName
		v.Attached = t.Attached
	case *registry.KprobeProgram:
		v.Target = t.Target
		v.Attached = t.Attached
	case *registry.UprobeProgram:
		v.Target = t.Target
		v.Attached = t.Attached
	case *registry.FentryProgram:
		v.Target = t.Target
	case *registry.FexitProgram:
		v.Target = t.Target
	}
	return v
}

type AddProgramResponse struct {
	Program ProgramView `json:"program"`
}

type RemoveProgramRequest struct {
	ID uint32 `json:"id"`
}

type RemoveProgramResponse struct{}

type GetProgramRequest struct {
	ID uint32 `json:"id"`
}

type GetProgramResponse struct {
	Program ProgramView `json:"program"`
}

// ListProgramsRequest carries list(filter)'s three predicates over the
// wire: restrict to one program kind, require a metadata key/value
// subset, or restrict to programs the daemon itself is tracking
// (excluding kernel-resident programs it never loaded).
type ListProgramsRequest struct {
	Kind            string            `json:"kind,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	DaemonOwnedOnly bool              `json:"daemon_owned_only,omitempty"`
}

func (r ListProgramsRequest) toListFilter() lifecycle.ListFilter {
	return lifecycle.ListFilter{
		Kind:            registry.Kind(r.Kind),
		HasKind:         r.Kind != "",
		Metadata:        r.Metadata,
		DaemonOwnedOnly: r.DaemonOwnedOnly,
	}
}

type ListProgramsResponse struct {
	Programs []ProgramView `json:"programs"`
}

type PullImageRequest struct {
	ImageRef   string `json:"image_ref"`
	PullPolicy string `json:"pull_policy,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
}

type PullImageResponse struct {
	LocalPath string `json:"local_path"`
}
