// Package fsroot builds and maintains the daemon's fixed on-disk layout:
// a runtime root holding the BPF filesystem mount and pin directories, a
// state root holding the persistent store, and a config root holding the
// TOML configuration and declarative program drops.
package fsroot

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	RuntimeRootMode = 0o6770
	StateRootMode   = 0o6770
	ConfigRootMode  = 0o6750
	PinnedMapMode   = 0o0660
)

// Layout is the resolved set of directories the daemon reads and writes.
type Layout struct {
	AppName string

	RuntimeRoot string // /run/<app>
	BPFFS       string // <RuntimeRoot>/fs
	MapsDir     string // <RuntimeRoot>/fs/maps
	Dispatchers string // <RuntimeRoot>/dispatchers
	ProgramsDir string // <RuntimeRoot>/programs
	TUFDir      string // <RuntimeRoot>/tuf

	StateRoot string // /var/lib/<app>
	DBDir     string // <StateRoot>/db

	ConfigRoot  string // /etc/<app>
	ProgramsD   string // <ConfigRoot>/programs.d
	ConfigFile  string // <ConfigRoot>/config.toml
}

// HookDispatcherDir is the sub-directory (under RuntimeRoot/fs) holding
// pins for the given hook's trampoline instances.
func (l *Layout) HookDispatcherDir(hook string) string {
	return filepath.Join(l.BPFFS, hook)
}

// MapOwnerDir is the pinned-map directory for the given owner kernel id.
func (l *Layout) MapOwnerDir(ownerID uint32) string {
	return filepath.Join(l.MapsDir, fmt.Sprintf("%d", ownerID))
}

// New resolves the fixed layout for appName rooted at the three standard
// locations, matching spec.md §6 exactly.
func New(appName string) *Layout {
	runtimeRoot := filepath.Join("/run", appName)
	stateRoot := filepath.Join("/var/lib", appName)
	configRoot := filepath.Join("/etc", appName)
	bpffs := filepath.Join(runtimeRoot, "fs")
	return &Layout{
		AppName:     appName,
		RuntimeRoot: runtimeRoot,
		BPFFS:       bpffs,
		MapsDir:     filepath.Join(bpffs, "maps"),
		Dispatchers: filepath.Join(runtimeRoot, "dispatchers"),
		ProgramsDir: filepath.Join(runtimeRoot, "programs"),
		TUFDir:      filepath.Join(runtimeRoot, "tuf"),
		StateRoot:   stateRoot,
		DBDir:       filepath.Join(stateRoot, "db"),
		ConfigRoot:  configRoot,
		ProgramsD:   filepath.Join(configRoot, "programs.d"),
		ConfigFile:  filepath.Join(configRoot, "config.toml"),
	}
}

// Create builds every directory in the layout with its mandated mode,
// and ensures the BPF filesystem is mounted at BPFFS.
func (l *Layout) Create() error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{l.RuntimeRoot, RuntimeRootMode},
		{l.BPFFS, RuntimeRootMode},
		{l.MapsDir, RuntimeRootMode},
		{filepath.Join(l.BPFFS, "xdp"), RuntimeRootMode},
		{filepath.Join(l.BPFFS, "tc-ingress"), RuntimeRootMode},
		{filepath.Join(l.BPFFS, "tc-egress"), RuntimeRootMode},
		{l.Dispatchers, RuntimeRootMode},
		{filepath.Join(l.Dispatchers, "xdp"), RuntimeRootMode},
		{filepath.Join(l.Dispatchers, "tc-ingress"), RuntimeRootMode},
		{filepath.Join(l.Dispatchers, "tc-egress"), RuntimeRootMode},
		{l.ProgramsDir, RuntimeRootMode},
		{l.TUFDir, RuntimeRootMode},
		{l.StateRoot, StateRootMode},
		{l.DBDir, StateRootMode},
		{l.ConfigRoot, ConfigRootMode},
		{l.ProgramsD, ConfigRootMode},
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.mode); err != nil {
			return fmt.Errorf("create %s: %w", d.path, err)
		}
		if err := os.Chmod(d.path, d.mode); err != nil {
			return fmt.Errorf("chmod %s: %w", d.path, err)
		}
	}
	return l.ensureBPFFSMounted()
}

// ensureBPFFSMounted checks /proc/mounts for an existing bpffs at BPFFS
// and mounts one if absent.
func (l *Layout) ensureBPFFSMounted() error {
	mounted, err := isMounted(l.BPFFS, "bpf")
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	if err := unix.Mount("bpf", l.BPFFS, "bpf", 0, ""); err != nil {
		return fmt.Errorf("mount bpffs at %s: %w", l.BPFFS, err)
	}
	return nil
}

func isMounted(path, fstype string) (bool, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false, fmt.Errorf("read /proc/mounts: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[1] == path && fields[2] == fstype {
			return true, nil
		}
	}
	return false, sc.Err()
}

// CreateMapOwnerDir creates the pinned-map directory for ownerID with
// group-writable mode; individual map pin files are chmod'ed separately
// as they are created (mapstore.IsPinnable gates which maps get pinned).
func (l *Layout) CreateMapOwnerDir(ownerID uint32) (string, error) {
	dir := l.MapOwnerDir(ownerID)
	if err := os.MkdirAll(dir, RuntimeRootMode); err != nil {
		return "", fmt.Errorf("create map dir %s: %w", dir, err)
	}
	return dir, nil
}

// RemoveMapOwnerDir deletes a pinned-map directory and its contents,
// called when a map owner's used-by list empties.
func (l *Layout) RemoveMapOwnerDir(ownerID uint32) error {
	return os.RemoveAll(l.MapOwnerDir(ownerID))
}

// ProgramPinPath is the stable path at which a loaded program's file
// descriptor is pinned.
func (l *Layout) ProgramPinPath(id uint32) string {
	return filepath.Join(l.BPFFS, fmt.Sprintf("prog_%d", id))
}

// LinkPinPath is the stable path at which a single-attach program's
// link file descriptor is pinned.
func (l *Layout) LinkPinPath(id uint32) string {
	return filepath.Join(l.BPFFS, fmt.Sprintf("prog_%d_link", id))
}

// DispatcherPinPath is the stable path for a specific dispatcher
// revision on a given hook.
func (l *Layout) DispatcherPinPath(hook string, ifindex int, revision uint32) string {
	return filepath.Join(l.HookDispatcherDir(hook), fmt.Sprintf("dispatcher_%d_rev%d", ifindex, revision))
}
