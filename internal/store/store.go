// Package store implements the daemon's embedded persistent key-value
// store: a single bbolt database file with one bucket ("tree") per
// logical sub-tree (a managed program, a pinned-map owner, a dispatcher
// revision). Every write commits its own bbolt transaction, so every
// Put/Delete is individually durable without a separate flush step;
// Flush exists for the explicit end-of-shutdown fsync.
package store

import (
	"bytes"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	"github.com/nsbpf/nsbpfd/internal/taxonomy"
)

// DB is the root of the persistent store.
type DB struct {
	bolt *bbolt.DB
	path string
}

// Open opens or creates the store at path. If the underlying file is
// locked by another process, Open retries up to maxRetries times,
// sleeping retryDelay between attempts, before giving up with
// taxonomy.ErrLockContention — this is the database.max_retries /
// database.millisec_delay knob from the daemon configuration file.
func Open(path string, maxRetries int, retryDelay time.Duration) (*DB, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	opts := &bbolt.Options{Timeout: retryDelay}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		b, err := bbolt.Open(path, 0660, opts)
		if err == nil {
			return &DB{bolt: b, path: path}, nil
		}
		if !errors.Is(err, bbolt.ErrTimeout) {
			return nil, taxonomy.StoreFailureErr("open", err)
		}
		lastErr = err
		time.Sleep(retryDelay)
	}
	_ = lastErr
	return nil, taxonomy.ErrLockContention
}

func (d *DB) Close() error {
	if err := d.bolt.Close(); err != nil {
		return taxonomy.StoreFailureErr("close", err)
	}
	return nil
}

// Flush forces the store's pages to stable storage. Called once, on the
// priority shutdown path, after the in-flight request (if any) settles.
func (d *DB) Flush() error {
	if err := d.bolt.Sync(); err != nil {
		return taxonomy.StoreFailureErr("flush", err)
	}
	return nil
}

// OpenTree returns a handle to the named sub-tree, creating its backing
// bucket if it does not already exist.
func (d *DB) OpenTree(name string) (*Tree, error) {
	err := d.bolt.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, taxonomy.StoreFailureErr("open-tree", err)
	}
	return &Tree{db: d.bolt, name: name}, nil
}

// TreeExists reports whether name has a backing bucket without creating
// one — used by map-registry owner validation (is-owner-valid) which
// must fail, not auto-vivify, when the owner tree is absent.
func (d *DB) TreeExists(name string) (bool, error) {
	var exists bool
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket([]byte(name)) != nil
		return nil
	})
	if err != nil {
		return false, taxonomy.StoreFailureErr("tree-exists", err)
	}
	return exists, nil
}

// TreeNames lists every sub-tree currently present, in bbolt's bucket
// iteration order.
func (d *DB) TreeNames() ([]string, error) {
	var names []string
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, taxonomy.StoreFailureErr("tree-names", err)
	}
	return names, nil
}

// DropTree removes a sub-tree and everything in it. Used both for
// ephemeral pre-load trees once promoted, and for a map owner's tree
// once its used-by list empties.
func (d *DB) DropTree(name string) error {
	err := d.bolt.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil {
		return taxonomy.StoreFailureErr("drop-tree", err)
	}
	return nil
}

// KV is one key/value pair returned from a prefix scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Tree is a typed view over one bbolt bucket.
type Tree struct {
	db   *bbolt.DB
	name string
}

func (t *Tree) Name() string { return t.name }

func (t *Tree) Put(key, val []byte) error {
	err := t.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(t.name))
		if bkt == nil {
			return errBucketMissing
		}
		return bkt.Put(key, val)
	})
	if err != nil {
		return taxonomy.StoreFailureErr("put", err)
	}
	return nil
}

func (t *Tree) Get(key []byte) (val []byte, ok bool, err error) {
	lerr := t.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(t.name))
		if bkt == nil {
			return errBucketMissing
		}
		v := bkt.Get(key)
		if v != nil {
			val = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	if lerr != nil {
		return nil, false, taxonomy.StoreFailureErr("get", lerr)
	}
	return val, ok, nil
}

func (t *Tree) Delete(key []byte) error {
	err := t.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(t.name))
		if bkt == nil {
			return errBucketMissing
		}
		return bkt.Delete(key)
	})
	if err != nil {
		return taxonomy.StoreFailureErr("delete", err)
	}
	return nil
}

// ScanPrefix returns every (key, value) pair whose key starts with
// prefix, in bbolt cursor (lexicographic key) order.
func (t *Tree) ScanPrefix(prefix []byte) ([]KV, error) {
	var out []KV
	err := t.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(t.name))
		if bkt == nil {
			return errBucketMissing
		}
		c := bkt.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, KV{
				Key:   append([]byte(nil), k...),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, taxonomy.StoreFailureErr("scan-prefix", err)
	}
	return out, nil
}

// DeletePrefix removes every key in the tree starting with prefix. Used
// by the map registry's clear-then-write used-by rewrite (P9).
func (t *Tree) DeletePrefix(prefix []byte) error {
	err := t.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(t.name))
		if bkt == nil {
			return errBucketMissing
		}
		c := bkt.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return taxonomy.StoreFailureErr("delete-prefix", err)
	}
	return nil
}

// CopyInto copies every (k,v) pair from t into dst. Used by PR's
// swap-tree (pre-load tree -> program_<id> tree): the destination tree
// is left with the union of its prior contents and the source's.
func (t *Tree) CopyInto(dst *Tree) error {
	pairs, err := t.ScanPrefix(nil)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		if err := dst.Put(kv.Key, kv.Value); err != nil {
			return err
		}
	}
	return nil
}

var errBucketMissing = errors.New("sub-tree bucket missing")
