package registry

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nsbpf/nsbpfd/internal/store"
	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

const (
	preLoadTreePrefix = "pre_load_program_"
	programTreePrefix = "program_"
)

func preLoadTreeName(id string) string  { return preLoadTreePrefix + id }
func programTreeName(id uint32) string  { return fmt.Sprintf("%s%d", programTreePrefix, id) }

// newVariant constructs the zero-value Program for kind, rooted at tree.
func newVariant(kind Kind, tree *store.Tree, preloadID string) (Program, error) {
	switch kind {
	case KindXDP:
		return NewXDPProgram(tree, preloadID), nil
	case KindTC:
		return NewTCProgram(tree, preloadID), nil
	case KindTCX:
		return NewTCXProgram(tree, preloadID), nil
	case KindTracepoint:
		return NewTracepointProgram(tree, preloadID), nil
	case KindKprobe:
		return NewKprobeProgram(tree, preloadID), nil
	case KindUprobe:
		return NewUprobeProgram(tree, preloadID), nil
	case KindFentry:
		return NewFentryProgram(tree, preloadID), nil
	case KindFexit:
		return NewFexitProgram(tree, preloadID), nil
	case KindUnsupported:
		return NewUnsupportedProgram(tree), nil
	}
	return nil, fmt.Errorf("%w: %q", taxonomy.ErrUnknownProgramKind, kind)
}

// NewPreLoad creates a fresh pre-load sub-tree under a random id (spec.md
// invariant I1: a program is never visible under its eventual kernel id
// until the load actually succeeds). The returned Program's Kind() is
// fixed but its ID() is absent until SwapTree promotes it.
func NewPreLoad(db *store.DB, kind Kind) (Program, error) {
	id := uuid.NewString()
	tree, err := db.OpenTree(preLoadTreeName(id))
	if err != nil {
		return nil, err
	}
	p, err := newVariant(kind, tree, id)
	if err != nil {
		return nil, err
	}
	if err := tree.Put([]byte(keyKind), store.PutString(string(kind))); err != nil {
		return nil, err
	}
	return p, nil
}

// Load opens the program_<id> tree and returns the fully-populated
// variant it holds, or taxonomy.ErrProgramNotFound if no such tree
// exists.
func Load(db *store.DB, id uint32) (Program, error) {
	name := programTreeName(id)
	exists, err := db.TreeExists(name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, taxonomy.ErrProgramNotFound
	}
	tree, err := db.OpenTree(name)
	if err != nil {
		return nil, err
	}
	kindRaw, ok, err := tree.Get([]byte(keyKind))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, taxonomy.ErrProgramNotFound
	}
	p, err := newVariant(Kind(store.GetString(kindRaw)), tree, "")
	if err != nil {
		return nil, err
	}
	if err := p.Load(); err != nil {
		return nil, err
	}
	return p, nil
}

// ListAll returns every program_<id> tree's loaded Program, in no
// particular order — callers (internal/lifecycle's list operation)
// sort as needed.
func ListAll(db *store.DB) ([]Program, error) {
	names, err := db.TreeNames()
	if err != nil {
		return nil, err
	}
	var out []Program
	for _, name := range names {
		if len(name) <= len(programTreePrefix) || name[:len(programTreePrefix)] != programTreePrefix {
			continue
		}
		var id uint32
		if _, err := fmt.Sscanf(name[len(programTreePrefix):], "%d", &id); err != nil {
			continue
		}
		p, err := Load(db, id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SwapTree promotes a pre-load program to its permanent identity once
// the kernel load succeeds: the kernel-assigned id becomes the
// program's public identity, its pre-load tree's contents are copied
// into the new program_<id> tree, and the pre-load tree is dropped
// (invariant I1). If program_<id> somehow pre-exists — a stale
// leftover from a previous crashed daemon generation that reused a
// kernel id — its prior contents are overwritten by the copy, matching
// store.Tree.CopyInto's union semantics.
func SwapTree(db *store.DB, pre Program, kernelID uint32) (Program, error) {
	dst, err := db.OpenTree(programTreeName(kernelID))
	if err != nil {
		return nil, err
	}
	if err := pre.Tree().CopyInto(dst); err != nil {
		return nil, err
	}
	if err := db.DropTree(pre.Tree().Name()); err != nil {
		return nil, err
	}
	out, err := newVariant(pre.Kind(), dst, "")
	if err != nil {
		return nil, err
	}
	if err := out.Load(); err != nil {
		return nil, err
	}
	out.SetID(kernelID)
	if err := out.Save(); err != nil {
		return nil, err
	}
	return out, nil
}

// DiscardPreLoad drops a pre-load tree without promoting it — used on
// load failure and on start-up rebuild (spec.md's "pre_load_program_*
// trees are always discarded on restart" cleanup rule).
func DiscardPreLoad(db *store.DB, p Program) error {
	return db.DropTree(p.Tree().Name())
}

// DiscardAllPreLoad implements the start-up rebuild's sweep of every
// leftover pre-load tree from a prior daemon generation that crashed
// between NewPreLoad and SwapTree/DiscardPreLoad.
func DiscardAllPreLoad(db *store.DB) error {
	names, err := db.TreeNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		if len(name) > len(preLoadTreePrefix) && name[:len(preLoadTreePrefix)] == preLoadTreePrefix {
			if err := db.DropTree(name); err != nil {
				return err
			}
		}
	}
	return nil
}
