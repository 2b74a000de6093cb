// Package ifresolve resolves network interface names to kernel ifindex
// values and manages the clsact qdisc every TC/TCX attach point needs
// present on an interface before a filter or tcx link can bind to it.
package ifresolve

import (
	"fmt"

	"github.com/vishvananda/netlink"

	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// Resolve returns ifName's kernel ifindex.
func Resolve(ifName string) (int, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", taxonomy.ErrBadAttachPoint, err)
	}
	return link.Attrs().Index, nil
}

// EnsureClsact guarantees ifName carries a clsact qdisc, creating one
// if absent. TC and TCX attach points both require it; XDP does not.
func EnsureClsact(ifName string) error {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return fmt.Errorf("%w: %v", taxonomy.ErrBadAttachPoint, err)
	}

	qdiscs, err := netlink.QdiscList(link)
	if err != nil {
		return fmt.Errorf("list qdiscs on %s: %w", ifName, err)
	}
	for _, q := range qdiscs {
		if q.Type() == "clsact" {
			return nil
		}
	}

	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: link.Attrs().Index,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: "clsact",
	}
	if err := netlink.QdiscAdd(qdisc); err != nil {
		return fmt.Errorf("add clsact qdisc on %s: %w", ifName, err)
	}
	return nil
}
