// Package image implements the bytecode resolution layer (IM): turning
// a registry.Location (a local file path or an OCI image reference plus
// a pull policy) into the raw ELF bytes a loader hands to
// ebpf.LoadCollectionSpecFromReader. Only the local-file path is
// implemented directly; image references are resolved through a
// pluggable Puller so the daemon can run without any registry client
// wired in at all (see DESIGN.md for why no OCI client library from the
// pack was adopted).
package image

import (
	"fmt"
	"io"
	"os"

	"github.com/nsbpf/nsbpfd/internal/registry"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// maxBytecodeSize bounds a single program's ELF object, mirroring the
// config loader's size-capped read discipline.
const maxBytecodeSize = 64 * 1024 * 1024 // 64MiB

// PullPolicy controls whether Manager.ResolveAndCache re-fetches an
// image reference it has already cached.
type PullPolicy string

const (
	PullAlways       PullPolicy = "always"
	PullIfNotPresent PullPolicy = "if-not-present"
	PullNever        PullPolicy = "never"
)

func ParsePullPolicy(s string) (PullPolicy, error) {
	switch PullPolicy(s) {
	case PullAlways, PullIfNotPresent, PullNever:
		return PullPolicy(s), nil
	case "":
		return PullIfNotPresent, nil
	}
	return "", fmt.Errorf("%w: %q", taxonomy.ErrBadPullPolicy, s)
}

// Credentials authenticates against a private image registry. Never
// logged or persisted in cleartext (internal/registry.baseProgram only
// persists whether a username was supplied).
type Credentials struct {
	Username string
	Password string
}

// Puller fetches an image reference's bytecode layer, caching it under
// localPath so a later ResolveAndCache with PullIfNotPresent/PullNever
// can be satisfied without the network. Production deployments wire in
// an OCI-registry-backed implementation; the daemon ships none by
// default (see DESIGN.md).
type Puller interface {
	Pull(ref string, creds Credentials, localPath string) error
}

// Manager resolves a registry.Location to bytecode bytes, consulting a
// Puller only when the location names an image and the pull policy
// requires it.
type Manager struct {
	cacheDir string
	puller   Puller
}

func New(cacheDir string, puller Puller) *Manager {
	return &Manager{cacheDir: cacheDir, puller: puller}
}

// ResolveAndCache ensures loc's bytecode is present on local disk,
// pulling it first if loc is an image reference and the policy
// demands it, and returns the resolved local path.
func (m *Manager) ResolveAndCache(loc registry.Location) (string, error) {
	if !loc.IsImage() {
		if _, err := os.Stat(loc.LocalPath); err != nil {
			return "", fmt.Errorf("%w: %v", taxonomy.ErrBytecodeFetchFailure, err)
		}
		return loc.LocalPath, nil
	}

	policy, err := ParsePullPolicy(loc.PullPolicy)
	if err != nil {
		return "", err
	}
	cachedPath := m.cachePathFor(loc.ImageRef)

	_, statErr := os.Stat(cachedPath)
	cached := statErr == nil

	switch policy {
	case PullNever:
		if !cached {
			return "", fmt.Errorf("%w: %s not cached and pull policy is never", taxonomy.ErrBytecodeFetchFailure, loc.ImageRef)
		}
		return cachedPath, nil
	case PullIfNotPresent:
		if cached {
			return cachedPath, nil
		}
	case PullAlways:
		// fall through to pull unconditionally
	}

	if m.puller == nil {
		return "", fmt.Errorf("%w: no image puller configured for %s", taxonomy.ErrBytecodeFetchFailure, loc.ImageRef)
	}
	creds := Credentials{Username: loc.Username, Password: loc.Password}
	if err := m.puller.Pull(loc.ImageRef, creds, cachedPath); err != nil {
		return "", fmt.Errorf("%w: %v", taxonomy.ErrBytecodeFetchFailure, err)
	}
	return cachedPath, nil
}

// ReadBytecode reads the resolved ELF object at path, capped at
// maxBytecodeSize.
func (m *Manager) ReadBytecode(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taxonomy.ErrBytecodeFetchFailure, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taxonomy.ErrBytecodeFetchFailure, err)
	}
	if fi.Size() > maxBytecodeSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", taxonomy.ErrBytecodeFetchFailure, path, maxBytecodeSize)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxBytecodeSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", taxonomy.ErrBytecodeFetchFailure, err)
	}
	if int64(len(data)) != fi.Size() {
		return nil, fmt.Errorf("%w: short read on %s", taxonomy.ErrBytecodeFetchFailure, path)
	}
	return data, nil
}

func (m *Manager) cachePathFor(ref string) string {
	return fmt.Sprintf("%s/%s.o", m.cacheDir, sanitizeRefForPath(ref))
}

func sanitizeRefForPath(ref string) string {
	out := make([]rune, 0, len(ref))
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
