package lifecycle

import (
	"github.com/nsbpf/nsbpfd/internal/dispatch"
	"github.com/nsbpf/nsbpfd/internal/registry"
)

// Rebuild runs the start-up reconciliation pass: every leftover
// pre-load tree from a daemon generation that crashed between
// NewPreLoad and SwapTree/DiscardPreLoad is swept, and every TC hook
// with a persisted dispatcher chain is rebuilt so the trampoline is
// re-attached under the new process (the manager never pins the
// kernel link itself — see dispatch.Manager.HasPersistedState — so the
// attachment does not survive the old process exiting on its own).
//
// XDP dispatchers are deliberately left alone here (trust-kernel,
// DESIGN.md Open Question #1): a prior generation's XDP dispatcher
// program is not rebuilt or torn down, mirroring the upstream behavior
// this daemon is modeled on.
func (o *Orchestrator) Rebuild(ifaces map[string]int) error {
	if err := registry.DiscardAllPreLoad(o.db); err != nil {
		return err
	}

	for ifName, ifindex := range ifaces {
		for _, kind := range []dispatch.HookKind{dispatch.TCIngress, dispatch.TCEgress} {
			hook := dispatch.Hook{Kind: kind, IfName: ifName, IfIndex: ifindex}
			has, err := o.dispatcher.HasPersistedState(hook)
			if err != nil {
				return err
			}
			if !has {
				continue
			}
			if err := o.rebuildHook(hook); err != nil {
				return err
			}
		}
	}
	return nil
}

// rebuildHook re-derives hook's persisted extension chain's program
// fds from their pins and re-attaches the dispatcher unchanged via
// dispatch.Manager.RebuildCurrent.
func (o *Orchestrator) rebuildHook(hook dispatch.Hook) error {
	exts, _, err := o.dispatcher.Extensions(hook)
	if err != nil || len(exts) == 0 {
		return err
	}
	extensionProgs, err := o.loadChainPrograms(exts, 0, nil)
	if err != nil {
		return err
	}
	delete(extensionProgs, 0)
	defer closeChainPrograms(extensionProgs, 0)

	_, err = o.dispatcher.RebuildCurrent(hook, extensionProgs)
	return err
}
