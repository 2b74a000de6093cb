package registry

import (
	"fmt"
	"os"

	"github.com/nsbpf/nsbpfd/internal/store"
)

// Location is a program's bytecode source: either a local file path or
// an image reference under a pull policy, with optional registry
// credentials. Credentials are never persisted in cleartext — only a
// boolean marker (keyCredUser) records that a username was supplied,
// matching the original implementation's redaction of secrets from any
// persisted/displayed form.
type Location struct {
	LocalPath  string
	ImageRef   string
	PullPolicy string
	Username   string `toml:"-"`
	Password   string `toml:"-"`
}

func (l Location) IsImage() bool { return l.LocalPath == "" }

// Program is the common interface every variant satisfies: a tagged
// variant (Kind) carrying a common data block that is itself a cheap
// view over a persistent-store sub-tree (spec.md §9 design note).
type Program interface {
	Kind() Kind
	ID() (uint32, bool)
	PreLoadID() string
	Tree() *store.Tree
	EntryFunc() string
	Location() Location
	GlobalData() map[string][]byte
	Metadata() map[string]string
	MapOwnerID() (uint32, bool)
	UsedBy() []uint32
	SetUsedBy(ids []uint32) error
	KernelInfo() KernelInfo
	SetKernelInfo(ki KernelInfo) error
	SetID(id uint32)
	SetEntryFunc(fn string)
	SetLocation(loc Location)
	SetGlobalData(gd map[string][]byte)
	SetMetadata(md map[string]string)
	SetMapOwnerID(id uint32)
	Save() error
	Load() error
}

// baseProgram is the common data block embedded by every variant.
type baseProgram struct {
	tree      *store.Tree
	id        uint32
	hasID     bool
	preloadID string

	entryFunc  string
	location   Location
	globalData map[string][]byte
	metadata   map[string]string
	mapOwnerID *uint32
	usedBy     []uint32
	kernel     KernelInfo
}

func (b *baseProgram) ID() (uint32, bool)    { return b.id, b.hasID }
func (b *baseProgram) PreLoadID() string     { return b.preloadID }
func (b *baseProgram) Tree() *store.Tree     { return b.tree }
func (b *baseProgram) EntryFunc() string     { return b.entryFunc }
func (b *baseProgram) Location() Location    { return b.location }
func (b *baseProgram) GlobalData() map[string][]byte {
	return b.globalData
}
func (b *baseProgram) Metadata() map[string]string { return b.metadata }

func (b *baseProgram) MapOwnerID() (uint32, bool) {
	if b.mapOwnerID == nil {
		return 0, false
	}
	return *b.mapOwnerID, true
}

func (b *baseProgram) UsedBy() []uint32 { return append([]uint32(nil), b.usedBy...) }

func (b *baseProgram) SetID(id uint32) {
	b.id = id
	b.hasID = true
}

func (b *baseProgram) SetEntryFunc(fn string)             { b.entryFunc = fn }
func (b *baseProgram) SetLocation(loc Location)           { b.location = loc }
func (b *baseProgram) SetGlobalData(gd map[string][]byte) { b.globalData = gd }
func (b *baseProgram) SetMetadata(md map[string]string)   { b.metadata = md }

func (b *baseProgram) SetMapOwnerID(id uint32) {
	v := id
	b.mapOwnerID = &v
}

// SetUsedBy rewrites the maps_used_by_<i> keys using clear-then-write
// (DESIGN.md Open Question #2), so repeated calls with the same list are
// idempotent (P9) regardless of whether the list grew or shrank.
func (b *baseProgram) SetUsedBy(ids []uint32) error {
	if err := b.tree.DeletePrefix([]byte(usedByPrefix)); err != nil {
		return err
	}
	for i, id := range ids {
		key := fmt.Sprintf("%s%d", usedByPrefix, i)
		if err := b.tree.Put([]byte(key), store.PutUint32(id)); err != nil {
			return err
		}
	}
	b.usedBy = append([]uint32(nil), ids...)
	return nil
}

func (b *baseProgram) KernelInfo() KernelInfo { return b.kernel }

// SetKernelInfo records ki and persists it to the tree. It is
// idempotent; a write error that os.IsPermission reports is ignored,
// and any other write error is returned.
func (b *baseProgram) SetKernelInfo(ki KernelInfo) error {
	b.kernel = ki
	if err := writeKernelInfo(b.tree, ki); err != nil {
		if os.IsPermission(err) {
			return nil
		}
		return err
	}
	return nil
}

func (b *baseProgram) saveCommon() error {
	t := b.tree
	if err := t.Put([]byte(keyHasID), store.PutBool(b.hasID)); err != nil {
		return err
	}
	if b.hasID {
		if err := t.Put([]byte(keyID), store.PutUint32(b.id)); err != nil {
			return err
		}
	}
	if err := t.Put([]byte(keyEntryFunc), store.PutString(b.entryFunc)); err != nil {
		return err
	}
	if err := t.Put([]byte(keyLocalPath), store.PutString(b.location.LocalPath)); err != nil {
		return err
	}
	if err := t.Put([]byte(keyImageRef), store.PutString(b.location.ImageRef)); err != nil {
		return err
	}
	if err := t.Put([]byte(keyPullPolicy), store.PutString(b.location.PullPolicy)); err != nil {
		return err
	}
	if err := t.Put([]byte(keyCredUser), store.PutBool(b.location.Username != "")); err != nil {
		return err
	}
	if err := t.Put([]byte(keyHasOwner), store.PutBool(b.mapOwnerID != nil)); err != nil {
		return err
	}
	if b.mapOwnerID != nil {
		if err := t.Put([]byte(keyMapOwnerID), store.PutUint32(*b.mapOwnerID)); err != nil {
			return err
		}
	}
	if err := t.DeletePrefix([]byte(globalDataPrefix)); err != nil {
		return err
	}
	for k, v := range b.globalData {
		if err := t.Put([]byte(globalDataPrefix+k), v); err != nil {
			return err
		}
	}
	if err := t.DeletePrefix([]byte(metadataPrefix)); err != nil {
		return err
	}
	for k, v := range b.metadata {
		if err := t.Put([]byte(metadataPrefix+k), store.PutString(v)); err != nil {
			return err
		}
	}
	if err := b.SetUsedBy(b.usedBy); err != nil {
		return err
	}
	return b.SetKernelInfo(b.kernel)
}

func (b *baseProgram) loadCommon() error {
	t := b.tree
	get := func(key string) []byte {
		v, ok, err := t.Get([]byte(key))
		if err != nil || !ok {
			return nil
		}
		return v
	}
	b.hasID = store.GetBool(get(keyHasID))
	if b.hasID {
		b.id = store.GetUint32(get(keyID))
	}
	b.entryFunc = store.GetString(get(keyEntryFunc))
	b.location = Location{
		LocalPath:  store.GetString(get(keyLocalPath)),
		ImageRef:   store.GetString(get(keyImageRef)),
		PullPolicy: store.GetString(get(keyPullPolicy)),
	}
	if store.GetBool(get(keyHasOwner)) {
		owner := store.GetUint32(get(keyMapOwnerID))
		b.mapOwnerID = &owner
	}

	gdKVs, err := t.ScanPrefix([]byte(globalDataPrefix))
	if err != nil {
		return err
	}
	b.globalData = make(map[string][]byte, len(gdKVs))
	for _, kv := range gdKVs {
		b.globalData[string(kv.Key[len(globalDataPrefix):])] = kv.Value
	}

	mdKVs, err := t.ScanPrefix([]byte(metadataPrefix))
	if err != nil {
		return err
	}
	b.metadata = make(map[string]string, len(mdKVs))
	for _, kv := range mdKVs {
		b.metadata[string(kv.Key[len(metadataPrefix):])] = store.GetString(kv.Value)
	}

	ubKVs, err := t.ScanPrefix([]byte(usedByPrefix))
	if err != nil {
		return err
	}
	b.usedBy = nil
	for _, kv := range ubKVs {
		b.usedBy = append(b.usedBy, store.GetUint32(kv.Value))
	}

	ki, err := readKernelInfo(t)
	if err != nil {
		return err
	}
	b.kernel = ki
	return nil
}
