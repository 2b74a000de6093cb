// Package attach implements the single-attach loader (SA): every kind
// whose kernel hook natively supports at most one (or, for TCX, a
// kernel-ordered chain of) program per attach point, so no trampoline is
// needed. This covers kprobe, uprobe, tracepoint, fentry, fexit, and TCX
// (see registry.Kind.IsMultiAttach).
package attach

import (
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/nsbpf/nsbpfd/internal/fsroot"
	"github.com/nsbpf/nsbpfd/internal/registry"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// Attacher binds loaded ebpf.Program objects to their single-attach
// kernel hooks and pins the resulting link so it survives the daemon
// process even if the request that created it never returns (matching
// the dispatcher's own pin-before-acknowledge discipline).
type Attacher struct {
	layout *fsroot.Layout
}

func New(layout *fsroot.Layout) *Attacher {
	return &Attacher{layout: layout}
}

func (a *Attacher) pin(l link.Link, progID uint32) error {
	path := a.layout.LinkPinPath(progID)
	if err := l.Pin(path); err != nil {
		return taxonomy.PinFailureErr("link", path, err)
	}
	return nil
}

// AttachKprobe attaches prog at the entry (or, if p.Retprobe, the
// return) of a kernel function. A kretprobe with a nonzero offset is
// rejected: the kernel only supports return-probing a function's exit,
// never a return probe at an interior offset.
func (a *Attacher) AttachKprobe(prog *ebpf.Program, p *registry.KprobeProgram) (link.Link, error) {
	if err := ValidateKprobe(p); err != nil {
		return nil, err
	}
	var l link.Link
	var err error
	if p.Retprobe {
		l, err = link.Kretprobe(p.Target, prog, &link.KprobeOptions{Offset: p.Offset})
	} else {
		l, err = link.Kprobe(p.Target, prog, &link.KprobeOptions{Offset: p.Offset})
	}
	if err != nil {
		return nil, fmt.Errorf("attach kprobe %s: %w", p.Target, err)
	}
	id, _ := p.ID()
	if err := a.pin(l, id); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// AttachUprobe attaches prog to a userspace binary or shared object. If
// HasContainerPID is set, the target path is resolved inside that
// container's mount namespace before opening the executable (see
// ResolveContainerTarget); the resulting offset/symbol is still
// resolved against the host's view of that same file, since bind
// mounts and overlay layers present identical inode content.
func (a *Attacher) AttachUprobe(prog *ebpf.Program, p *registry.UprobeProgram) (link.Link, error) {
	targetPath := p.Target
	if p.HasContainerPID {
		resolved, err := ResolveContainerTarget(p.ContainerPID, p.Target)
		if err != nil {
			return nil, taxonomy.ContainerAttachFailureErr(int(p.ContainerPID), err)
		}
		targetPath = resolved
	}

	exe, err := link.OpenExecutable(targetPath)
	if err != nil {
		return nil, fmt.Errorf("open executable %s: %w", targetPath, err)
	}

	opts := &link.UprobeOptions{}
	if p.HasProcessPID {
		opts.PID = int(p.ProcessPID)
	}

	symbol := p.FuncName
	if p.HasFuncName {
		opts.Offset = p.Offset
	} else {
		// address-only attach: Address is an absolute offset into the
		// target file, so no symbol lookup is performed.
		opts.Address = p.Offset
	}

	var l link.Link
	if p.Retprobe {
		l, err = exe.Uretprobe(symbol, prog, opts)
	} else {
		l, err = exe.Uprobe(symbol, prog, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("attach uprobe %s:%s: %w", targetPath, symbol, err)
	}
	id, _ := p.ID()
	if err := a.pin(l, id); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// AttachTracepoint attaches prog to a "category:name" kernel tracepoint.
func (a *Attacher) AttachTracepoint(prog *ebpf.Program, p *registry.TracepointProgram) (link.Link, error) {
	category, name, err := splitTracepoint(p.TracepointName)
	if err != nil {
		return nil, err
	}
	l, err := link.Tracepoint(category, name, prog, nil)
	if err != nil {
		return nil, fmt.Errorf("attach tracepoint %s: %w", p.TracepointName, err)
	}
	id, _ := p.ID()
	if err := a.pin(l, id); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// ValidateKprobe enforces the kretprobe-offset invariant independently
// of the kernel call, so callers can reject a malformed request before
// ever touching the kernel.
func ValidateKprobe(p *registry.KprobeProgram) error {
	if p.Retprobe && p.Offset != 0 {
		return fmt.Errorf("%w: kretprobe offset must be zero", taxonomy.ErrBadAttachPoint)
	}
	return nil
}

func splitTracepoint(raw string) (category, name string, err error) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			return raw[:i], raw[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("%w: tracepoint name %q must be category:name", taxonomy.ErrBadAttachPoint, raw)
}

// AttachFentry attaches a BTF-based fentry program. The target function
// must be present in the running kernel's BTF; cilium/ebpf surfaces a
// verifier error (not a distinct sentinel here) when it is not.
func (a *Attacher) AttachFentry(prog *ebpf.Program, p *registry.FentryProgram) (link.Link, error) {
	l, err := link.AttachTracing(link.TracingOptions{Program: prog})
	if err != nil {
		return nil, fmt.Errorf("attach fentry %s: %w", p.Target, err)
	}
	id, _ := p.ID()
	if err := a.pin(l, id); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// AttachFexit attaches a BTF-based fexit program, identical to fentry
// apart from the program's own BPF_PROG_TYPE_TRACING expected_attach_type
// baked in at compile time.
func (a *Attacher) AttachFexit(prog *ebpf.Program, p *registry.FexitProgram) (link.Link, error) {
	l, err := link.AttachTracing(link.TracingOptions{Program: prog})
	if err != nil {
		return nil, fmt.Errorf("attach fexit %s: %w", p.Target, err)
	}
	id, _ := p.ID()
	if err := a.pin(l, id); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// AttachTCX attaches prog to an interface's ingress or egress TCX chain.
// Unlike XDP/TC, the kernel orders the chain itself (bpf_mprog), so the
// daemon never builds a trampoline for TCX. No anchor is passed, so the
// kernel appends the link to the chain; p.Priority does not affect its
// position.
func (a *Attacher) AttachTCX(prog *ebpf.Program, p *registry.TCXProgram) (link.Link, error) {
	attachType := ebpf.AttachTCXIngress
	if p.Direction == registry.DirEgress {
		attachType = ebpf.AttachTCXEgress
	}
	l, err := link.AttachTCX(link.TCXOptions{
		Program:   prog,
		Attach:    attachType,
		Interface: p.IfIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("attach tcx %s: %w", p.IfName, err)
	}
	id, _ := p.ID()
	if err := a.pin(l, id); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Detach unpins and closes a previously attached link, best-effort: a
// missing pin file is not an error, since the pin may already have been
// removed (for example by a crash or an earlier Remove).
func (a *Attacher) Detach(progID uint32) error {
	path := a.layout.LinkPinPath(progID)
	l, err := link.LoadPinnedLink(path, nil)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load pinned link %s: %w", path, err)
	}
	if err := l.Unpin(); err != nil {
		l.Close()
		return taxonomy.PinFailureErr("link", path, err)
	}
	return l.Close()
}
