package registry

import (
	"fmt"
	"time"

	"github.com/nsbpf/nsbpfd/internal/store"
)

// KernelInfo is the full kernel-info snapshot captured after a
// successful load (spec.md §3).
type KernelInfo struct {
	ID              uint32
	Name            string
	ProgType        uint32
	LoadedAt        time.Time
	LoadSeq         uint64 // original_source supplement: disambiguates same-second loads
	Tag             string
	GPLCompatible   bool
	BTFID           uint32
	TranslatedBytes []byte
	Jitted          bool
	JittedBytes     []byte
	MemlockBytes    uint64
	VerifiedInsns   uint64
	MapIDs          []uint32
}

// writeKernelInfo persists ki onto tree. It is idempotent; a failed
// field write does not stop the remaining fields from being written,
// and the first such error is returned to the caller (SetKernelInfo).
func writeKernelInfo(tree *store.Tree, ki KernelInfo) error {
	puts := []struct {
		key string
		val []byte
	}{
		{kernelIDKey, store.PutUint32(ki.ID)},
		{kernelNameKey, store.PutString(ki.Name)},
		{kernelProgTypeKey, store.PutUint32(ki.ProgType)},
		{kernelLoadedAtKey, store.PutInt64(ki.LoadedAt.UnixNano())},
		{kernelLoadSeqKey, store.PutUint64(ki.LoadSeq)},
		{kernelTagKey, store.PutString(ki.Tag)},
		{kernelGPLKey, store.PutBool(ki.GPLCompatible)},
		{kernelBTFIDKey, store.PutUint32(ki.BTFID)},
		{kernelTranslatedKey, ki.TranslatedBytes},
		{kernelJittedKey, store.PutBool(ki.Jitted)},
		{kernelJittedBytesKey, ki.JittedBytes},
		{kernelMemlockKey, store.PutUint64(ki.MemlockBytes)},
		{kernelVerifiedInsnsKey, store.PutUint64(ki.VerifiedInsns)},
	}
	var firstErr error
	for _, p := range puts {
		if err := tree.Put([]byte(p.key), p.val); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := tree.DeletePrefix([]byte(kernelMapIDsPrefix)); err != nil && firstErr == nil {
		firstErr = err
	}
	for i, id := range ki.MapIDs {
		key := fmt.Sprintf("%s%d", kernelMapIDsPrefix, i)
		if err := tree.Put([]byte(key), store.PutUint32(id)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readKernelInfo reads back a KernelInfo block, tolerating missing
// individual keys (the zero value for that field is used) so that a
// program observed mid-delete by another path does not abort the whole
// read, matching spec.md §4.2's permission-error tolerance.
func readKernelInfo(tree *store.Tree) (KernelInfo, error) {
	var ki KernelInfo
	get := func(key string) []byte {
		v, ok, err := tree.Get([]byte(key))
		if err != nil || !ok {
			return nil
		}
		return v
	}
	ki.ID = store.GetUint32(get(kernelIDKey))
	ki.Name = store.GetString(get(kernelNameKey))
	ki.ProgType = store.GetUint32(get(kernelProgTypeKey))
	if v := get(kernelLoadedAtKey); v != nil {
		ki.LoadedAt = time.Unix(0, store.GetInt64(v))
	}
	ki.LoadSeq = store.GetUint64(get(kernelLoadSeqKey))
	ki.Tag = store.GetString(get(kernelTagKey))
	ki.GPLCompatible = store.GetBool(get(kernelGPLKey))
	ki.BTFID = store.GetUint32(get(kernelBTFIDKey))
	ki.TranslatedBytes = get(kernelTranslatedKey)
	ki.Jitted = store.GetBool(get(kernelJittedKey))
	ki.JittedBytes = get(kernelJittedBytesKey)
	ki.MemlockBytes = store.GetUint64(get(kernelMemlockKey))
	ki.VerifiedInsns = store.GetUint64(get(kernelVerifiedInsnsKey))

	kvs, err := tree.ScanPrefix([]byte(kernelMapIDsPrefix))
	if err != nil {
		return ki, err
	}
	for _, kv := range kvs {
		ki.MapIDs = append(ki.MapIDs, store.GetUint32(kv.Value))
	}
	return ki, nil
}
