package lifecycle

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cilium/ebpf"

	"github.com/nsbpf/nsbpfd/internal/dispatch"
	"github.com/nsbpf/nsbpfd/internal/fsroot"
	"github.com/nsbpf/nsbpfd/internal/ifresolve"
	"github.com/nsbpf/nsbpfd/internal/mapstore"
	"github.com/nsbpf/nsbpfd/internal/registry"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// Add loads the bytecode named by req.Location, verifies its entry
// function is present, and attaches it via the dispatcher (XDP/TC) or
// the single-attach loader (everything else). The pre-load tree is
// discarded on any failure before the kernel load succeeds (spec.md
// invariant I1). A failure after that runs cleanupPromoted, which
// releases the map-ownership record, removes a freshly created map
// directory and drops the registry tree; a link or dispatcher slot
// already attached when the failure occurs is not detached.
func (o *Orchestrator) Add(req AddRequest) (registry.Program, error) {
	if !o.enter() {
		return nil, taxonomy.ErrNotRunning
	}
	defer o.leave()

	pre, err := registry.NewPreLoad(o.db, req.Kind)
	if err != nil {
		return nil, err
	}
	populateVariant(pre, req)
	pre.SetEntryFunc(req.EntryFunc)
	pre.SetLocation(req.Location)
	pre.SetGlobalData(req.GlobalData)
	pre.SetMetadata(req.Metadata)

	if req.HasMapOwnerID {
		valid, err := o.maps.IsOwnerValid(req.MapOwnerID)
		if err != nil {
			_ = registry.DiscardPreLoad(o.db, pre)
			return nil, err
		}
		if !valid {
			_ = registry.DiscardPreLoad(o.db, pre)
			return nil, taxonomy.ErrOwnerNotFound
		}
	}

	localPath, err := o.images.ResolveAndCache(req.Location)
	if err != nil {
		_ = registry.DiscardPreLoad(o.db, pre)
		return nil, err
	}
	data, err := o.images.ReadBytecode(localPath)
	if err != nil {
		_ = registry.DiscardPreLoad(o.db, pre)
		return nil, err
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(data))
	if err != nil {
		_ = registry.DiscardPreLoad(o.db, pre)
		return nil, fmt.Errorf("%w: %v", taxonomy.ErrBytecodeFetchFailure, err)
	}
	if _, ok := spec.Programs[req.EntryFunc]; !ok {
		_ = registry.DiscardPreLoad(o.db, pre)
		return nil, fmt.Errorf("%w: %q not found in bytecode", taxonomy.ErrBadFunctionName, req.EntryFunc)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		_ = registry.DiscardPreLoad(o.db, pre)
		return nil, fmt.Errorf("load collection: %w", err)
	}
	prog := coll.Programs[req.EntryFunc]

	info, err := prog.Info()
	if err != nil {
		coll.Close()
		_ = registry.DiscardPreLoad(o.db, pre)
		return nil, fmt.Errorf("read program info: %w", err)
	}
	kernelID, ok := info.ID()
	if !ok {
		coll.Close()
		_ = registry.DiscardPreLoad(o.db, pre)
		return nil, fmt.Errorf("kernel did not assign a program id")
	}

	out, err := registry.SwapTree(o.db, pre, uint32(kernelID))
	if err != nil {
		coll.Close()
		return nil, err
	}

	ki := registry.KernelInfo{
		ID:            uint32(kernelID),
		Name:          info.Name,
		ProgType:      uint32(info.Type),
		LoadedAt:      time.Now(),
		Tag:           info.Tag,
		GPLCompatible: true,
	}
	if btfID, ok := info.BTFID(); ok {
		ki.BTFID = uint32(btfID)
	}
	for _, m := range coll.Maps {
		if minfo, err := m.Info(); err == nil {
			if id, ok := minfo.ID(); ok {
				ki.MapIDs = append(ki.MapIDs, uint32(id))
			}
		}
	}
	if err := out.SetKernelInfo(ki); err != nil {
		coll.Close()
		_ = prog.Close()
		o.cleanupPromoted(out, req, uint32(kernelID))
		return nil, err
	}

	if err := o.bindMapOwnership(out, req, coll, uint32(kernelID)); err != nil {
		coll.Close()
		o.cleanupPromoted(out, req, uint32(kernelID))
		return nil, err
	}

	if req.Kind.IsMultiAttach() {
		if err := o.addMultiAttach(out, req, coll, prog, uint32(kernelID)); err != nil {
			coll.Close()
			o.cleanupPromoted(out, req, uint32(kernelID))
			return nil, err
		}
	} else {
		if err := o.addSingleAttach(out, req, prog, uint32(kernelID)); err != nil {
			coll.Close()
			o.cleanupPromoted(out, req, uint32(kernelID))
			return nil, err
		}
	}

	if err := prog.Pin(o.layout.ProgramPinPath(uint32(kernelID))); err != nil {
		o.cleanupPromoted(out, req, uint32(kernelID))
		return nil, taxonomy.PinFailureErr("program", o.layout.ProgramPinPath(uint32(kernelID)), err)
	}

	if err := out.Save(); err != nil {
		o.cleanupPromoted(out, req, uint32(kernelID))
		return nil, err
	}
	// Every fd that matters (the program, its maps) is now pinned under
	// bpffs, so the collection's in-process handles can be released.
	coll.Close()
	return out, nil
}

// cleanupPromoted best-effort reverses bindMapOwnership's and
// SwapTree's effects after a failure occurring once the pre-load
// program has already been promoted to its kernel-id tree: it drops
// this attempt's map-ownership registration (and, when it owned a
// fresh pinned-map directory, removes that directory too), then drops
// the promoted program_<kernelID> tree itself, so a failed Add leaves
// no registry entry or self-owned map directory behind (spec.md §4.6).
// Links and dispatcher slots are not detached here.
func (o *Orchestrator) cleanupPromoted(out registry.Program, req AddRequest, kernelID uint32) {
	ownerID := kernelID
	if req.HasMapOwnerID {
		ownerID = req.MapOwnerID
	}
	if err := o.maps.DeleteMap(ownerID, kernelID); err == nil && ownerID != kernelID {
		_ = o.syncUsedBy(ownerID)
	}
	if !req.HasMapOwnerID {
		_ = o.layout.RemoveMapOwnerDir(kernelID)
	}
	_ = o.db.DropTree(out.Tree().Name())
}

// bindMapOwnership records the new program as either the owner of a
// fresh pinned-map directory (the default) or a user of an
// already-validated owner's directory, and pins every non-synthetic
// map the collection declares when this program is itself the owner.
// Either way it also mirrors the map registry's used-by list onto the
// owner's own program tree, so maps_used_by (spec.md §4.3, scenario 4)
// is visible to RPC clients reading the owner rather than a consumer.
func (o *Orchestrator) bindMapOwnership(out registry.Program, req AddRequest, coll *ebpf.Collection, kernelID uint32) error {
	if req.HasMapOwnerID {
		out.SetMapOwnerID(req.MapOwnerID)
		if err := o.maps.SaveMap(req.MapOwnerID, kernelID); err != nil {
			return err
		}
		return o.syncUsedBy(req.MapOwnerID)
	}
	out.SetMapOwnerID(kernelID)
	dir, err := o.layout.CreateMapOwnerDir(kernelID)
	if err != nil {
		return err
	}
	for name, m := range coll.Maps {
		if !mapstore.IsPinnable(name) {
			continue
		}
		mapPath := filepath.Join(dir, name)
		if err := m.Pin(mapPath); err != nil {
			return taxonomy.PinFailureErr("map", mapPath, err)
		}
		if err := os.Chmod(mapPath, os.FileMode(fsroot.PinnedMapMode)); err != nil {
			return taxonomy.PinFailureErr("map", mapPath, err)
		}
	}
	if err := o.maps.SaveMap(kernelID, kernelID); err != nil {
		return err
	}
	usedBy, err := o.maps.UsedBy(kernelID)
	if err != nil {
		return err
	}
	return out.SetUsedBy(usedBy)
}

// syncUsedBy reloads ownerID's own program tree from the store and
// rewrites its maps_used_by field from the map registry's current
// used-by list. Used whenever a map-ownership change affects an owner
// other than the program already in hand (which persists its own state
// through the normal Save path instead).
func (o *Orchestrator) syncUsedBy(ownerID uint32) error {
	owner, err := registry.Load(o.db, ownerID)
	if err != nil {
		return err
	}
	usedBy, err := o.maps.UsedBy(ownerID)
	if err != nil && !errors.Is(err, taxonomy.ErrOwnerNotFound) {
		return err
	}
	if err := owner.SetUsedBy(usedBy); err != nil {
		return err
	}
	return owner.Save()
}

// addMultiAttach inserts the new program into its hook's dispatcher
// chain, loading every other chained program's pinned file descriptor
// so the trampoline's jump table can be rebuilt in full.
func (o *Orchestrator) addMultiAttach(out registry.Program, req AddRequest, coll *ebpf.Collection, prog *ebpf.Program, kernelID uint32) error {
	ifindex, err := ifresolve.Resolve(req.IfName)
	if err != nil {
		return err
	}
	hook, err := hookFor(req.Kind, req.Direction, req.IfName, ifindex)
	if err != nil {
		return err
	}
	if hook.Kind != dispatch.XDP {
		if err := ifresolve.EnsureClsact(req.IfName); err != nil {
			return err
		}
	}

	proceedOn := req.ProceedOn
	if len(proceedOn) == 0 {
		proceedOn = dispatch.DefaultProceedOn(hook.Kind)
	}
	ext := dispatch.Extension{
		ProgramID:    kernelID,
		Priority:     req.Priority,
		Name:         req.EntryFunc,
		Attached:     true,
		ProceedOnRaw: proceedOn,
	}

	existing, _, err := o.dispatcher.Extensions(hook)
	if err != nil {
		return err
	}
	extensionProgs, err := o.loadChainPrograms(existing, kernelID, prog)
	if err != nil {
		return err
	}
	defer closeChainPrograms(extensionProgs, kernelID)

	positions, err := o.dispatcher.AddExtension(hook, ext, extensionProgs)
	if err != nil {
		return err
	}
	setDispatcherPosition(out, positions[kernelID], true)
	return nil
}

// addSingleAttach binds prog directly to its kernel hook via the
// single-attach loader, with no dispatcher trampoline involved.
func (o *Orchestrator) addSingleAttach(out registry.Program, req AddRequest, prog *ebpf.Program, kernelID uint32) error {
	switch p := out.(type) {
	case *registry.TCXProgram:
		ifindex, err := ifresolve.Resolve(req.IfName)
		if err != nil {
			return err
		}
		if err := ifresolve.EnsureClsact(req.IfName); err != nil {
			return err
		}
		p.IfIndex = ifindex
		if _, err := o.attacher.AttachTCX(prog, p); err != nil {
			return err
		}
		p.Attached = true
	case *registry.TracepointProgram:
		if _, err := o.attacher.AttachTracepoint(prog, p); err != nil {
			return err
		}
		p.Attached = true
	case *registry.KprobeProgram:
		if _, err := o.attacher.AttachKprobe(prog, p); err != nil {
			return err
		}
		p.Attached = true
	case *registry.UprobeProgram:
		if _, err := o.attacher.AttachUprobe(prog, p); err != nil {
			return err
		}
		p.Attached = true
	case *registry.FentryProgram:
		if _, err := o.attacher.AttachFentry(prog, p); err != nil {
			return err
		}
		p.Attached = true
	case *registry.FexitProgram:
		if _, err := o.attacher.AttachFexit(prog, p); err != nil {
			return err
		}
		p.Attached = true
	default:
		return fmt.Errorf("%w: %s has no single-attach binding", taxonomy.ErrBadProgramType, out.Kind())
	}
	return nil
}

// loadChainPrograms resolves every currently-attached extension's
// pinned program file descriptor, substituting newProg for newID since
// it has not been pinned yet at this point in Add.
func (o *Orchestrator) loadChainPrograms(existing []dispatch.Extension, newID uint32, newProg *ebpf.Program) (map[uint32]*ebpf.Program, error) {
	out := map[uint32]*ebpf.Program{newID: newProg}
	for _, e := range existing {
		if e.ProgramID == newID {
			continue
		}
		p, err := ebpf.LoadPinnedProgram(o.layout.ProgramPinPath(e.ProgramID), nil)
		if err != nil {
			closeChainPrograms(out, newID)
			return nil, fmt.Errorf("load pinned chain program %d: %w", e.ProgramID, err)
		}
		out[e.ProgramID] = p
	}
	return out, nil
}

// closeChainPrograms releases every fd loadChainPrograms opened other
// than the caller's own newProg, which the caller still owns.
func closeChainPrograms(progs map[uint32]*ebpf.Program, keepID uint32) {
	for id, p := range progs {
		if id != keepID {
			_ = p.Close()
		}
	}
}

// hookFor builds the dispatch.Hook a request's Kind/Direction implies.
func hookFor(kind registry.Kind, dir registry.Direction, ifName string, ifindex int) (dispatch.Hook, error) {
	switch kind {
	case registry.KindXDP:
		return dispatch.Hook{Kind: dispatch.XDP, IfName: ifName, IfIndex: ifindex}, nil
	case registry.KindTC:
		if dir == registry.DirEgress {
			return dispatch.Hook{Kind: dispatch.TCEgress, IfName: ifName, IfIndex: ifindex}, nil
		}
		return dispatch.Hook{Kind: dispatch.TCIngress, IfName: ifName, IfIndex: ifindex}, nil
	}
	return dispatch.Hook{}, fmt.Errorf("%w: %s is not dispatcher-managed", taxonomy.ErrDispatcherNotRequired, kind)
}

// setDispatcherPosition records the chain slot the dispatcher assigned
// onto whichever concrete variant out is.
func setDispatcherPosition(out registry.Program, position int, attached bool) {
	switch p := out.(type) {
	case *registry.XDPProgram:
		p.CurrentPosition = position
		p.Attached = attached
	case *registry.TCProgram:
		p.CurrentPosition = position
		p.Attached = attached
	}
}
