package attach

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ResolveContainerTarget resolves target (an absolute path or a bare
// library name) as it would be seen from inside containerPID's mount
// namespace, returning a path readable from the daemon's own namespace.
//
// The daemon runs in the host's mount namespace, so it cannot simply
// open a path like "/usr/lib/libssl.so.3" and expect to find the
// container's copy — it must either read through
// /proc/<pid>/root/<path> (the host-visible view of that namespace's
// root, available whenever the daemon has ptrace access to the target)
// or, for a bare library name with no slash, shell out to the
// container's own dynamic linker via nsenter to run ldconfig and learn
// the resolved path before re-resolving it through /proc/<pid>/root.
// /proc/<pid>/root is tried first because it needs no subprocess and
// works for any path already known to be absolute.
func ResolveContainerTarget(containerPID int32, target string) (string, error) {
	procRoot := fmt.Sprintf("/proc/%d/root", containerPID)

	if strings.HasPrefix(target, "/") {
		candidate := filepath.Join(procRoot, target)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	resolved, err := resolveLibraryViaLdconfig(containerPID, target)
	if err != nil {
		return "", err
	}
	candidate := filepath.Join(procRoot, resolved)
	if _, err := os.Stat(candidate); err != nil {
		return "", fmt.Errorf("resolved library %s not visible at %s: %w", resolved, candidate, err)
	}
	return candidate, nil
}

// resolveLibraryViaLdconfig runs nsenter --target <pid> --mount -- ldconfig
// -p inside the target's mount namespace and greps the bare library name
// out of its cache listing, the same approach the helper in a
// bpfman-style uprobe attach flow uses to avoid hardcoding distro library
// paths.
func resolveLibraryViaLdconfig(containerPID int32, libName string) (string, error) {
	cmd := exec.Command("nsenter", "--target", fmt.Sprintf("%d", containerPID), "--mount", "--", "ldconfig", "-p")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("ldconfig -p in pid %d mount namespace: %w", containerPID, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == libName {
			idx := strings.LastIndex(line, "=> ")
			if idx < 0 {
				continue
			}
			return strings.TrimSpace(line[idx+3:]), nil
		}
	}
	return "", fmt.Errorf("library %q not found in pid %d's ldconfig cache", libName, containerPID)
}
