package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func TestTCFilterAttrsSelectsParentByDirection(t *testing.T) {
	ingress, name := tcFilterAttrs(Hook{Kind: TCIngress, IfName: "eth0", IfIndex: 3})
	require.Equal(t, uint32(netlink.HANDLE_MIN_INGRESS), ingress)
	require.Equal(t, "nsbpfd_dispatcher_eth0", name)

	egress, name := tcFilterAttrs(Hook{Kind: TCEgress, IfName: "eth1", IfIndex: 4})
	require.Equal(t, uint32(netlink.HANDLE_MIN_EGRESS), egress)
	require.Equal(t, "nsbpfd_dispatcher_eth1", name)

	require.NotEqual(t, ingress, egress, "ingress and egress must land on distinct clsact parents")
}
