package registry

// Kind tags the polymorphic Program variant (spec.md §3's "Enum" half of
// the enum-plus-attributes design note).
type Kind string

const (
	KindXDP         Kind = "xdp"
	KindTC          Kind = "tc"
	KindTCX         Kind = "tcx"
	KindTracepoint  Kind = "tracepoint"
	KindKprobe      Kind = "kprobe"
	KindUprobe      Kind = "uprobe"
	KindFentry      Kind = "fentry"
	KindFexit       Kind = "fexit"
	KindUnsupported Kind = "unsupported"
)

// Direction is the TC attach direction.
type Direction string

const (
	DirIngress Direction = "ingress"
	DirEgress  Direction = "egress"
)

// IsMultiAttach reports whether programs of this kind are managed by the
// dispatcher (MD) rather than the single-attach loader (SA). TCX is
// single-attach: the kernel's own bpf_mprog ordering multiplexes it.
func (k Kind) IsMultiAttach() bool {
	return k == KindXDP || k == KindTC
}
