package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "test.db"), 3, 50*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)
	tr, err := db.OpenTree("program_1")
	require.NoError(t, err)

	require.NoError(t, tr.Put([]byte("name"), []byte("xdp_counter")))
	v, ok, err := tr.Get([]byte("name"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "xdp_counter", string(v))

	require.NoError(t, tr.Delete([]byte("name")))
	_, ok, err = tr.Get([]byte("name"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScanPrefixOrder(t *testing.T) {
	db := openTestDB(t)
	tr, err := db.OpenTree("program_1")
	require.NoError(t, err)

	require.NoError(t, tr.Put([]byte("maps_used_by_0"), PutUint32(1)))
	require.NoError(t, tr.Put([]byte("maps_used_by_1"), PutUint32(2)))
	require.NoError(t, tr.Put([]byte("name"), []byte("x")))

	kvs, err := tr.ScanPrefix([]byte("maps_used_by_"))
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "maps_used_by_0", string(kvs[0].Key))
	require.Equal(t, "maps_used_by_1", string(kvs[1].Key))
}

func TestDeletePrefixThenRewrite(t *testing.T) {
	db := openTestDB(t)
	tr, err := db.OpenTree("program_1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.Put([]byte("maps_used_by_"+string(rune('0'+i))), PutUint32(uint32(i))))
	}
	require.NoError(t, tr.DeletePrefix([]byte("maps_used_by_")))
	kvs, err := tr.ScanPrefix([]byte("maps_used_by_"))
	require.NoError(t, err)
	require.Empty(t, kvs)

	require.NoError(t, tr.Put([]byte("maps_used_by_0"), PutUint32(9)))
	kvs, err = tr.ScanPrefix([]byte("maps_used_by_"))
	require.NoError(t, err)
	require.Len(t, kvs, 1)
}

func TestCopyIntoAndDropTree(t *testing.T) {
	db := openTestDB(t)
	src, err := db.OpenTree("pre_load_program_abc")
	require.NoError(t, err)
	require.NoError(t, src.Put([]byte("id"), PutUint32(42)))
	require.NoError(t, src.Put([]byte("name"), []byte("counter")))

	dst, err := db.OpenTree("program_42")
	require.NoError(t, err)
	require.NoError(t, src.CopyInto(dst))
	require.NoError(t, db.DropTree("pre_load_program_abc"))

	names, err := db.TreeNames()
	require.NoError(t, err)
	require.Contains(t, names, "program_42")
	require.NotContains(t, names, "pre_load_program_abc")

	v, ok, err := dst.Get([]byte("id"))
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 42, GetUint32(v))
}

func TestTreeExistsDoesNotVivify(t *testing.T) {
	db := openTestDB(t)
	exists, err := db.TreeExists("map_99")
	require.NoError(t, err)
	require.False(t, exists)

	names, err := db.TreeNames()
	require.NoError(t, err)
	require.NotContains(t, names, "map_99")
}

func TestCodecRoundTrip(t *testing.T) {
	require.EqualValues(t, 7, GetUint32(PutUint32(7)))
	require.EqualValues(t, -7, GetInt32(PutInt32(-7)))
	require.True(t, GetBool(PutBool(true)))
	require.False(t, GetBool(PutBool(false)))
	require.Equal(t, "hi", GetString(PutString("hi")))
}
