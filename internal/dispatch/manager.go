package dispatch

import (
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/nsbpf/nsbpfd/internal/fsroot"
	"github.com/nsbpf/nsbpfd/internal/store"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// Manager owns the revisioned-atomic-replace state machine for every
// XDP/TC hook the daemon is managing a dispatcher on. Every membership
// change (add or remove an extension) builds a brand new dispatcher
// instance at revision+1, pins it, atomically attaches or updates the
// kernel hook to point at it, persists the new revision's state, and
// only then unpins the previous revision — so a reader never observes
// a partially-updated chain (spec.md invariant on the dispatcher).
type Manager struct {
	db             *store.DB
	layout         *fsroot.Layout
	backend        KernelBackend
	dispatchersDir string

	links map[string]dispatcherAttachment // keyed by hook.treePrefix(), the live kernel attachment
}

func NewManager(db *store.DB, layout *fsroot.Layout, backend KernelBackend) *Manager {
	return &Manager{
		db:             db,
		layout:         layout,
		backend:        backend,
		dispatchersDir: layout.Dispatchers,
		links:          make(map[string]dispatcherAttachment),
	}
}

// currentState reads the highest-revision state tree for hook, or a
// zero-revision empty state if none exists yet.
func (m *Manager) currentState(hook Hook) (*state, error) {
	revision, err := latestRevision(m.db, hook)
	if err != nil {
		return nil, err
	}
	if revision == 0 {
		return &state{hook: hook, revision: 0}, nil
	}
	tree, err := m.db.OpenTree(hook.treeName(revision))
	if err != nil {
		return nil, err
	}
	return loadState(tree, hook, revision)
}

// Extensions returns the currently attached extension chain for hook.
func (m *Manager) Extensions(hook Hook) ([]Extension, uint32, error) {
	st, err := m.currentState(hook)
	if err != nil {
		return nil, 0, err
	}
	return st.extensions, st.revision, nil
}

// AddExtension inserts ext into hook's chain, rebuilds the dispatcher,
// and returns the new chain's position map (program id -> slot index)
// so the caller can persist current_position on each program's PR
// sub-tree. extensionProgs supplies every chained extension's already
// loaded *ebpf.Program, keyed by program id, including ext's own.
func (m *Manager) AddExtension(hook Hook, ext Extension, extensionProgs map[uint32]*ebpf.Program) (map[uint32]int, error) {
	st, err := m.currentState(hook)
	if err != nil {
		return nil, err
	}
	if len(st.extensions) >= MaxChainSize {
		return nil, taxonomy.ErrTooManyPrograms
	}
	next := append(append([]Extension(nil), st.extensions...), ext)
	return m.rebuild(hook, st, next, extensionProgs)
}

// RemoveExtension drops programID from hook's chain and rebuilds the
// dispatcher. If the chain becomes empty, the dispatcher is detached
// and its state tree dropped rather than rebuilt with zero slots.
func (m *Manager) RemoveExtension(hook Hook, programID uint32, extensionProgs map[uint32]*ebpf.Program) (map[uint32]int, error) {
	st, err := m.currentState(hook)
	if err != nil {
		return nil, err
	}
	next := make([]Extension, 0, len(st.extensions))
	for _, e := range st.extensions {
		if e.ProgramID != programID {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		return nil, m.teardown(hook, st)
	}
	return m.rebuild(hook, st, next, extensionProgs)
}

// rebuild is the core revisioned-replace sequence: build new, attach
// new (or update the live attachment), persist new, unpin and drop
// old. Every failure up to and including the kernel attach step leaves
// the previous revision fully intact and untouched — no partial
// mutation is ever observable (spec.md's rollback-on-failure
// requirement).
func (m *Manager) rebuild(hook Hook, old *state, next []Extension, extensionProgs map[uint32]*ebpf.Program) (map[uint32]int, error) {
	ordered := Order(next)
	positions := Positions(ordered)

	asset := assetPath(m.dispatchersDir, hook.Kind)
	ld, err := m.backend.LoadDispatcher(asset, ordered, hook)
	if err != nil {
		return nil, err
	}
	if err := m.backend.PopulateProgArray(ld, extensionProgs, ordered); err != nil {
		ld.Close()
		return nil, err
	}

	newRevision := old.revision + 1
	pinPath := m.layout.DispatcherPinPath(hook.pinSubdir(), hook.IfIndex, newRevision)
	if err := m.backend.Pin(ld, pinPath); err != nil {
		ld.Close()
		return nil, err
	}

	key := hook.treePrefix()
	existingLink := m.links[key]
	newLink, err := m.backend.AttachOrUpdate(hook, existingLink, ld)
	if err != nil {
		_ = m.backend.Unpin(pinPath)
		ld.Close()
		return nil, err
	}
	m.links[key] = newLink

	newTree, err := m.db.OpenTree(hook.treeName(newRevision))
	if err != nil {
		return nil, err
	}
	newState := &state{hook: hook, revision: newRevision, extensions: ordered, pinPath: pinPath}
	if err := saveState(newTree, newState); err != nil {
		return nil, err
	}

	if old.revision > 0 {
		_ = m.backend.Unpin(old.pinPath)
		_ = m.db.DropTree(hook.treeName(old.revision))
	}

	return positions, nil
}

// RebuildCurrent re-attaches hook's dispatcher from its already
// persisted chain, unchanged, forcing a fresh kernel attachment rather
// than an in-place link update (the manager holds no live link for
// hook yet in this process). Used by internal/lifecycle's start-up
// rebuild to restore a TC dispatcher's attachment after a restart.
func (m *Manager) RebuildCurrent(hook Hook, extensionProgs map[uint32]*ebpf.Program) (map[uint32]int, error) {
	st, err := m.currentState(hook)
	if err != nil {
		return nil, err
	}
	if len(st.extensions) == 0 {
		return nil, nil
	}
	return m.rebuild(hook, st, append([]Extension(nil), st.extensions...), extensionProgs)
}

// HasPersistedState reports whether hook has a non-empty persisted
// chain from a (possibly prior-generation) dispatcher, without
// attempting to touch the kernel. The manager never pins the kernel
// link it holds for a dispatcher attachment (only the dispatcher
// program itself is pinned), so that attachment does not outlive the
// process that created it: on restart m.links starts empty and the
// next AddExtension/RemoveExtension against hook transparently
// re-attaches fresh rather than updating a stale link in place. This
// is used by internal/lifecycle's start-up rebuild purely to decide
// which hooks have registry state worth acting on.
func (m *Manager) HasPersistedState(hook Hook) (bool, error) {
	st, err := m.currentState(hook)
	if err != nil {
		return false, err
	}
	return st.revision != 0 && len(st.extensions) > 0, nil
}

// teardown detaches and removes the dispatcher entirely once the last
// extension is removed from hook's chain.
func (m *Manager) teardown(hook Hook, old *state) error {
	key := hook.treePrefix()
	if l, ok := m.links[key]; ok {
		if err := m.backend.DetachLink(l); err != nil {
			return err
		}
		delete(m.links, key)
	}
	if old.revision > 0 {
		_ = m.backend.Unpin(old.pinPath)
		return m.db.DropTree(hook.treeName(old.revision))
	}
	return nil
}

// state is one hook's persisted revision: which extensions are bound,
// in what order, and where the dispatcher program is pinned.
type state struct {
	hook       Hook
	revision   uint32
	extensions []Extension
	pinPath    string
}

const (
	stKeyPinPath     = "pin_path"
	stKeyRevision    = "revision"
	stExtCountKey    = "extension_count"
	stExtIDPrefix    = "ext_id_"
	stExtPrioPrefix  = "ext_priority_"
	stExtNamePrefix  = "ext_name_"
	stExtAttPrefix   = "ext_attached_"
	stExtProcPrefix  = "ext_proceed_on_count_"
	stExtProcValFmt  = "ext_proceed_on_%d_%d"
)

func saveState(tree *store.Tree, st *state) error {
	if err := tree.Put([]byte(stKeyPinPath), store.PutString(st.pinPath)); err != nil {
		return err
	}
	if err := tree.Put([]byte(stKeyRevision), store.PutUint32(st.revision)); err != nil {
		return err
	}
	if err := tree.Put([]byte(stExtCountKey), store.PutUint32(uint32(len(st.extensions)))); err != nil {
		return err
	}
	for i, e := range st.extensions {
		if err := tree.Put([]byte(fmt.Sprintf("%s%d", stExtIDPrefix, i)), store.PutUint32(e.ProgramID)); err != nil {
			return err
		}
		if err := tree.Put([]byte(fmt.Sprintf("%s%d", stExtPrioPrefix, i)), store.PutInt32(e.Priority)); err != nil {
			return err
		}
		if err := tree.Put([]byte(fmt.Sprintf("%s%d", stExtNamePrefix, i)), store.PutString(e.Name)); err != nil {
			return err
		}
		if err := tree.Put([]byte(fmt.Sprintf("%s%d", stExtAttPrefix, i)), store.PutBool(e.Attached)); err != nil {
			return err
		}
		if err := tree.Put([]byte(fmt.Sprintf("%s%d", stExtProcPrefix, i)), store.PutUint32(uint32(len(e.ProceedOnRaw)))); err != nil {
			return err
		}
		for j, a := range e.ProceedOnRaw {
			if err := tree.Put([]byte(fmt.Sprintf(stExtProcValFmt, i, j)), store.PutInt32(a)); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadState(tree *store.Tree, hook Hook, revision uint32) (*state, error) {
	get := func(key string) []byte {
		v, ok, _ := tree.Get([]byte(key))
		if !ok {
			return nil
		}
		return v
	}
	pinPath := store.GetString(get(stKeyPinPath))
	count := store.GetUint32(get(stExtCountKey))
	exts := make([]Extension, 0, count)
	for i := uint32(0); i < count; i++ {
		e := Extension{
			ProgramID: store.GetUint32(get(fmt.Sprintf("%s%d", stExtIDPrefix, i))),
			Priority:  store.GetInt32(get(fmt.Sprintf("%s%d", stExtPrioPrefix, i))),
			Name:      store.GetString(get(fmt.Sprintf("%s%d", stExtNamePrefix, i))),
			Attached:  store.GetBool(get(fmt.Sprintf("%s%d", stExtAttPrefix, i))),
		}
		procCount := store.GetUint32(get(fmt.Sprintf("%s%d", stExtProcPrefix, i)))
		for j := uint32(0); j < procCount; j++ {
			e.ProceedOnRaw = append(e.ProceedOnRaw, store.GetInt32(get(fmt.Sprintf(stExtProcValFmt, i, j))))
		}
		exts = append(exts, e)
	}
	return &state{hook: hook, revision: revision, extensions: exts, pinPath: pinPath}, nil
}

// latestRevision scans the store for the highest xdp/tc dispatcher
// revision tree belonging to hook. Revisions are monotonically
// increasing and the previous one is dropped on every successful
// rebuild, so at most one (rarely two, mid-crash) trees with hook's
// prefix ever exist.
func latestRevision(db *store.DB, hook Hook) (uint32, error) {
	names, err := db.TreeNames()
	if err != nil {
		return 0, err
	}
	prefix := hook.treePrefix()
	var best uint32
	for _, name := range names {
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		var rev uint32
		if _, err := fmt.Sscanf(name[len(prefix):], "%d", &rev); err != nil {
			continue
		}
		if rev > best {
			best = rev
		}
	}
	return best, nil
}
