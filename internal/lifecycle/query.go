package lifecycle

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nsbpf/nsbpfd/internal/registry"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// ListFilter narrows a List call's result set. The zero value matches
// every program, daemon-tracked or not.
type ListFilter struct {
	Kind            registry.Kind
	HasKind         bool
	Metadata        map[string]string
	DaemonOwnedOnly bool
}

func (f ListFilter) matches(p registry.Program) bool {
	if f.DaemonOwnedOnly && p.Kind() == registry.KindUnsupported {
		return false
	}
	if f.HasKind && p.Kind() != f.Kind {
		return false
	}
	for k, v := range f.Metadata {
		if p.Metadata()[k] != v {
			return false
		}
	}
	return true
}

// Get returns id's program, falling back to a synthesized
// *registry.UnsupportedProgram if the daemon never loaded it itself
// but it is still present in the kernel (spec.md §4.6).
func (o *Orchestrator) Get(id uint32) (registry.Program, error) {
	if !o.enter() {
		return nil, taxonomy.ErrNotRunning
	}
	defer o.leave()

	p, err := registry.Load(o.db, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, taxonomy.ErrProgramNotFound) || o.kernel == nil {
		return nil, err
	}
	return o.loadKernelOnly(id)
}

// List returns every program matching filter: daemon-tracked programs
// from the registry, unioned with every other kernel-resident program
// (synthesized as *registry.UnsupportedProgram) unless
// filter.DaemonOwnedOnly restricts the result to the former.
func (o *Orchestrator) List(filter ListFilter) ([]registry.Program, error) {
	if !o.enter() {
		return nil, taxonomy.ErrNotRunning
	}
	defer o.leave()

	tracked, err := registry.ListAll(o.db)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint32]bool, len(tracked))
	var out []registry.Program
	for _, p := range tracked {
		if id, ok := p.ID(); ok {
			seen[id] = true
		}
		if filter.matches(p) {
			out = append(out, p)
		}
	}

	if !filter.DaemonOwnedOnly && o.kernel != nil {
		kernelOnly, err := o.listKernelOnly(seen)
		if err != nil {
			return nil, err
		}
		for _, p := range kernelOnly {
			if filter.matches(p) {
				out = append(out, p)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		idI, _ := out[i].ID()
		idJ, _ := out[j].ID()
		return idI < idJ
	})
	return out, nil
}

// listKernelOnly walks every program id the kernel currently holds,
// skipping ids already present in tracked, and wraps the rest as
// *registry.UnsupportedProgram.
func (o *Orchestrator) listKernelOnly(tracked map[uint32]bool) ([]registry.Program, error) {
	var out []registry.Program
	var after uint32
	for {
		id, ok, err := o.kernel.NextProgramID(after)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		after = id
		if tracked[id] {
			continue
		}
		p, err := o.synthesizeUnsupported(id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
}

// loadKernelOnly wraps a single kernel-resident id as an
// UnsupportedProgram, or reports ErrProgramNotFound if the kernel has
// no such id either.
func (o *Orchestrator) loadKernelOnly(id uint32) (registry.Program, error) {
	if _, err := o.kernel.ProgramInfo(id); err != nil {
		return nil, taxonomy.ErrProgramNotFound
	}
	return o.synthesizeUnsupported(id)
}

// kernelOnlyTreeName's prefix deliberately differs from registry's own
// program_ prefix so a synthesized entry is never mistaken for (or
// scanned alongside) a real PR tree by registry.ListAll.
func kernelOnlyTreeName(id uint32) string { return fmt.Sprintf("kernel_only_program_%d", id) }

// synthesizeUnsupported wraps a kernel-resident program the daemon
// never loaded itself as a *registry.UnsupportedProgram, so list/get
// can present it alongside daemon-tracked programs.
func (o *Orchestrator) synthesizeUnsupported(id uint32) (registry.Program, error) {
	info, err := o.kernel.ProgramInfo(id)
	if err != nil {
		return nil, err
	}
	tree, err := o.db.OpenTree(kernelOnlyTreeName(id))
	if err != nil {
		return nil, err
	}
	p := registry.NewUnsupportedProgram(tree)
	p.SetID(id)
	p.SetEntryFunc(info.Name)

	ki := registry.KernelInfo{ID: id, Name: info.Name, ProgType: info.ProgType, Tag: info.Tag, GPLCompatible: true}
	if info.HasBTFID {
		ki.BTFID = info.BTFID
	}
	if err := p.SetKernelInfo(ki); err != nil {
		return nil, err
	}
	return p, nil
}
