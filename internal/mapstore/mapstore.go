// Package mapstore implements the map registry (MR): reference-counted
// ownership of pinned-map directories shared across programs. One
// program "owns" a pinned-map directory (its kernel-assigned id names
// the directory); every other program that references one of those maps
// is recorded in the owner's used-by list so the directory is only
// unpinned once the last user detaches.
package mapstore

import (
	"fmt"
	"strings"

	"github.com/nsbpf/nsbpfd/internal/fsroot"
	"github.com/nsbpf/nsbpfd/internal/store"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

const (
	ownerTreePrefix = "map_"
	usedByPrefix    = "maps_used_by_"
)

func ownerTreeName(ownerID uint32) string { return fmt.Sprintf("%s%d", ownerTreePrefix, ownerID) }

// Registry is the map registry's handle onto the persistent store and
// the pinned-map directory layout.
type Registry struct {
	db     *store.DB
	layout *fsroot.Layout
}

func New(db *store.DB, layout *fsroot.Layout) *Registry {
	return &Registry{db: db, layout: layout}
}

// IsOwnerValid reports whether ownerID names a program that currently
// owns a pinned-map directory (spec.md §4.3's precondition on every
// other MR operation — a caller must not attach a program to a nonexistent
// owner).
func (r *Registry) IsOwnerValid(ownerID uint32) (bool, error) {
	return r.db.TreeExists(ownerTreeName(ownerID))
}

// SaveMap records programID as a user of ownerID's pinned maps,
// creating the owner tree on first use. Idempotent: re-adding an
// already-present programID is a no-op.
func (r *Registry) SaveMap(ownerID, programID uint32) error {
	tree, err := r.db.OpenTree(ownerTreeName(ownerID))
	if err != nil {
		return err
	}
	users, err := readUsedBy(tree)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u == programID {
			return nil
		}
	}
	users = append(users, programID)
	return writeUsedBy(tree, users)
}

// DeleteMap removes programID from ownerID's used-by list. If the list
// becomes empty, the owner's pinned-map directory is removed from
// bpffs and its tree is dropped (spec.md §4.3: the owner's directory
// outlives the owner program itself only as long as at least one user
// remains).
func (r *Registry) DeleteMap(ownerID, programID uint32) error {
	name := ownerTreeName(ownerID)
	exists, err := r.db.TreeExists(name)
	if err != nil {
		return err
	}
	if !exists {
		return taxonomy.ErrOwnerNotFound
	}
	tree, err := r.db.OpenTree(name)
	if err != nil {
		return err
	}
	users, err := readUsedBy(tree)
	if err != nil {
		return err
	}
	filtered := users[:0]
	for _, u := range users {
		if u != programID {
			filtered = append(filtered, u)
		}
	}
	if err := writeUsedBy(tree, filtered); err != nil {
		return err
	}
	if len(filtered) > 0 {
		return nil
	}
	if err := r.layout.RemoveMapOwnerDir(ownerID); err != nil {
		return err
	}
	return r.db.DropTree(name)
}

// UsedBy returns the current used-by list for ownerID.
func (r *Registry) UsedBy(ownerID uint32) ([]uint32, error) {
	exists, err := r.db.TreeExists(ownerTreeName(ownerID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, taxonomy.ErrOwnerNotFound
	}
	tree, err := r.db.OpenTree(ownerTreeName(ownerID))
	if err != nil {
		return nil, err
	}
	return readUsedBy(tree)
}

// readUsedBy and writeUsedBy implement the clear-then-write policy
// (DESIGN.md Open Question #2): every SaveMap/DeleteMap call rewrites
// the full maps_used_by_<i> key set rather than patching one index, so
// a rewrite is always consistent even if a prior writer left a longer
// list behind.
func readUsedBy(tree *store.Tree) ([]uint32, error) {
	kvs, err := tree.ScanPrefix([]byte(usedByPrefix))
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(kvs))
	for i, kv := range kvs {
		out[i] = store.GetUint32(kv.Value)
	}
	return out, nil
}

func writeUsedBy(tree *store.Tree, ids []uint32) error {
	if err := tree.DeletePrefix([]byte(usedByPrefix)); err != nil {
		return err
	}
	for i, id := range ids {
		key := fmt.Sprintf("%s%d", usedByPrefix, i)
		if err := tree.Put([]byte(key), store.PutUint32(id)); err != nil {
			return err
		}
	}
	return nil
}

// synthetic section prefixes the kernel assigns to maps that BPF
// programs reference implicitly (e.g. ".rodata", ".bss", ".data") —
// these are never independently pinnable/shareable the way a
// user-declared map is, so IsPinnable excludes them from the MR's
// used-by bookkeeping.
var syntheticSectionPrefixes = []string{".rodata", ".bss", ".data", ".kconfig"}

// IsPinnable reports whether a map named mapName (as reported by the
// verifier) is a real, user-declared map the MR should track, as
// opposed to a synthetic section the compiler emitted.
func IsPinnable(mapName string) bool {
	for _, p := range syntheticSectionPrefixes {
		if strings.HasPrefix(mapName, p) {
			return false
		}
	}
	return mapName != ""
}
