package dispatch

import "path/filepath"

// assetPath locates the precompiled trampoline ELF object for a hook
// kind. The trampoline itself is C, built by a separate toolchain step
// and installed alongside the daemon binary as
// dispatchersDir/xdp/dispatcher.o for XDP and
// dispatchersDir/tc/dispatcher.o for both TC directions — this package
// only loads, relocates, and pins it.
func assetPath(dispatchersDir string, kind HookKind) string {
	switch kind {
	case XDP:
		return filepath.Join(dispatchersDir, "xdp", "dispatcher.o")
	case TCIngress, TCEgress:
		return filepath.Join(dispatchersDir, "tc", "dispatcher.o")
	}
	return ""
}
