package lifecycle

import (
	"github.com/nsbpf/nsbpfd/internal/registry"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// Pull resolves and caches an image reference's bytecode without
// loading it, so a client can pre-warm the local cache ahead of a
// batch of Add calls that will all reference the same image.
func (o *Orchestrator) Pull(loc registry.Location) (string, error) {
	if !o.enter() {
		return "", taxonomy.ErrNotRunning
	}
	defer o.leave()
	return o.images.ResolveAndCache(loc)
}
