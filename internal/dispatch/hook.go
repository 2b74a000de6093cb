// Package dispatch implements the multi-attach dispatcher: the
// trampoline that occupies the single XDP or TC hook slot the kernel
// exposes per interface and fans out to a priority-ordered chain of
// user extensions. This is the core subsystem of the daemon.
package dispatch

import "fmt"

// HookKind names the two dispatcher-managed kernel hooks. TCX is
// deliberately absent here: the kernel's native bpf_mprog ordering
// handles TCX's multi-program attachment without a trampoline, so TCX
// is single-attach (see internal/attach) even though it carries a
// priority field in the data model.
type HookKind string

const (
	XDP       HookKind = "xdp"
	TCIngress HookKind = "tc-ingress"
	TCEgress  HookKind = "tc-egress"
)

// Hook identifies one dispatcher slot: an interface and, for TC, a
// direction.
type Hook struct {
	Kind    HookKind
	IfName  string
	IfIndex int
}

func (h Hook) treePrefix() string {
	switch h.Kind {
	case XDP:
		return fmt.Sprintf("xdp_dispatcher_%d_", h.IfIndex)
	case TCIngress:
		return fmt.Sprintf("tc_dispatcher_%d_ingress_", h.IfIndex)
	case TCEgress:
		return fmt.Sprintf("tc_dispatcher_%d_egress_", h.IfIndex)
	}
	return ""
}

func (h Hook) treeName(revision uint32) string {
	return fmt.Sprintf("%s%d", h.treePrefix(), revision)
}

func (h Hook) shift() uint {
	if h.Kind == XDP {
		return 0
	}
	return 1 // TC: accommodate TC_ACT_UNSPEC == -1
}

// DispatcherReturn is the sentinel action code a client must include in
// its proceed-on set to permit later extensions in the chain to run
// after it.
func (h Hook) DispatcherReturn() int32 {
	if h.Kind == XDP {
		return 31
	}
	return 30
}

func (h Hook) pinSubdir() string {
	return string(h.Kind)
}
