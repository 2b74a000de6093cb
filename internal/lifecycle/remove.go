package lifecycle

import (
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/nsbpf/nsbpfd/internal/registry"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// Remove detaches and unloads a program: it leaves the dispatcher chain
// (if any) for the hook, drops the program's own pin and map-ownership
// reference, and finally drops its registry tree. Detach-before-unpin
// ordering matches spec.md's "never leave a dangling tail-call slot"
// requirement — the dispatcher is rebuilt to exclude the program before
// its own program fd is ever unpinned.
func (o *Orchestrator) Remove(id uint32) error {
	if !o.enter() {
		return taxonomy.ErrNotRunning
	}
	defer o.leave()

	p, err := registry.Load(o.db, id)
	if err != nil {
		return err
	}

	if p.Kind().IsMultiAttach() {
		if err := o.removeMultiAttach(p, id); err != nil {
			return err
		}
	} else {
		if err := o.attacher.Detach(id); err != nil {
			return err
		}
	}

	if err := unpinProgram(o, id); err != nil {
		return err
	}

	ownerID, _ := p.MapOwnerID()
	if err := o.maps.DeleteMap(ownerID, id); err != nil {
		return fmt.Errorf("%w: %v", taxonomy.ErrProgramDeleteFailure, err)
	}
	if ownerID != id {
		// The owner's own tree survives this removal (only id's does),
		// so its maps_used_by field needs to drop id explicitly.
		if err := o.syncUsedBy(ownerID); err != nil {
			return err
		}
	}

	return o.db.DropTree(p.Tree().Name())
}

func (o *Orchestrator) removeMultiAttach(p registry.Program, id uint32) error {
	ifName, direction, err := hookAddressOf(p)
	if err != nil {
		return err
	}
	ifindex, err := resolveIfIndexOf(p)
	if err != nil {
		return err
	}
	hook, err := hookFor(p.Kind(), direction, ifName, ifindex)
	if err != nil {
		return err
	}

	existing, _, err := o.dispatcher.Extensions(hook)
	if err != nil {
		return err
	}
	extensionProgs, err := o.loadChainPrograms(existing, 0, nil)
	if err != nil {
		return err
	}
	delete(extensionProgs, 0)
	defer closeChainPrograms(extensionProgs, 0)

	_, err = o.dispatcher.RemoveExtension(hook, id, extensionProgs)
	return err
}

// hookAddressOf extracts the interface name and direction a
// dispatcher-managed program was attached on.
func hookAddressOf(p registry.Program) (ifName string, dir registry.Direction, err error) {
	switch v := p.(type) {
	case *registry.TCProgram:
		return v.IfName, v.Direction, nil
	case *registry.XDPProgram:
		return v.IfName, "", nil
	}
	return "", "", fmt.Errorf("%w: %s is not dispatcher-managed", taxonomy.ErrDispatcherNotRequired, p.Kind())
}

func resolveIfIndexOf(p registry.Program) (int, error) {
	switch v := p.(type) {
	case *registry.TCProgram:
		return v.IfIndex, nil
	case *registry.XDPProgram:
		return v.IfIndex, nil
	}
	return 0, fmt.Errorf("%w: %s is not dispatcher-managed", taxonomy.ErrDispatcherNotRequired, p.Kind())
}

func unpinProgram(o *Orchestrator, id uint32) error {
	path := o.layout.ProgramPinPath(id)
	prog, err := ebpf.LoadPinnedProgram(path, nil)
	if err != nil {
		// Already gone: a prior crash-recovery pass or a racing Remove
		// may have unpinned it first.
		return nil
	}
	defer prog.Close()
	if err := prog.Unpin(); err != nil {
		return taxonomy.PinFailureErr("program", path, err)
	}
	return nil
}
