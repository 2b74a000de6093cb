// Package lifecycle orchestrates the program registry (PR), map
// registry (MR), image manager (IM), single-attach loader (SA) and
// multi-attach dispatcher (MD) into the daemon's four public
// operations: add, remove, list, and get (plus pull, a thin wrapper
// over IM). It owns no kernel or store state of its own beyond a
// reference count of in-flight requests, used to let a graceful
// shutdown drain before closing the store, and a mutex that runs
// admitted calls one at a time.
package lifecycle

import (
	"sync"
	"sync/atomic"

	"github.com/nsbpf/nsbpfd/internal/attach"
	"github.com/nsbpf/nsbpfd/internal/dispatch"
	"github.com/nsbpf/nsbpfd/internal/fsroot"
	"github.com/nsbpf/nsbpfd/internal/image"
	"github.com/nsbpf/nsbpfd/internal/logging"
	"github.com/nsbpf/nsbpfd/internal/mapstore"
	"github.com/nsbpf/nsbpfd/internal/store"
)

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateClosed
)

// Orchestrator is the lifecycle component's handle onto every
// subordinate component it weaves together.
type Orchestrator struct {
	db         *store.DB
	layout     *fsroot.Layout
	images     *image.Manager
	maps       *mapstore.Registry
	attacher   *attach.Attacher
	dispatcher *dispatch.Manager
	kernel     KernelEnumerator
	log        *logging.KVLogger

	st      atomic.Int32
	inFlight sync.WaitGroup
	// mu is held from enter to leave, so admitted calls run serially.
	mu sync.Mutex
}

// New wires together the lifecycle orchestrator. kernel may be nil, in
// which case List/Get report only daemon-tracked programs: no kernel
// union is attempted (used by tests that have no BPF syscall access;
// the daemon entrypoint always supplies NewCiliumKernelEnumerator()).
func New(db *store.DB, layout *fsroot.Layout, images *image.Manager, maps *mapstore.Registry, attacher *attach.Attacher, dispatcher *dispatch.Manager, kernel KernelEnumerator, log *logging.KVLogger) *Orchestrator {
	o := &Orchestrator{
		db:         db,
		layout:     layout,
		images:     images,
		maps:       maps,
		attacher:   attacher,
		dispatcher: dispatcher,
		kernel:     kernel,
		log:        log,
	}
	o.st.Store(int32(stateRunning))
	return o
}

// Close waits for any in-flight add/remove/get/list/pull call to
// return, then marks the orchestrator closed; subsequent calls fail
// fast with ErrNotRunning instead of racing the store's own Close.
func (o *Orchestrator) Close() {
	o.st.Store(int32(stateClosed))
	o.inFlight.Wait()
}

func (o *Orchestrator) enter() bool {
	if state(o.st.Load()) != stateRunning {
		return false
	}
	o.inFlight.Add(1)
	o.mu.Lock()
	return true
}

func (o *Orchestrator) leave() {
	o.mu.Unlock()
	o.inFlight.Done()
}
