// Package storekit is the embedded persistence layer shared by the
// session, metadata and state-log stores. Each store opens its own
// BadgerDB directory and namespaces its keys; this package only wraps
// the raw get/set/delete/TTL/scan operations a namespaced key/value
// store needs.
package storekit

import (
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// DB wraps a BadgerDB instance opened with sane embedded defaults.
type DB struct {
	db *badger.DB
}

// Open opens (creating if absent) a BadgerDB at dir.
func Open(dir string) (*DB, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.Compression = options.Snappy
	opts.SyncWrites = false
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{db: bdb}, nil
}

// OpenInMemory opens a volatile in-memory instance, used by tests.
func OpenInMemory() (*DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{db: bdb}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Get returns the value for key, or (nil, false, nil) if absent.
func (d *DB) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Set stores value under key with no expiry.
func (d *DB) Set(key string, value []byte) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// SetTTL stores value under key, expiring after ttl.
func (d *DB) SetTTL(key string, value []byte, ttl time.Duration) error {
	return d.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// Delete removes key; absence is not an error.
func (d *DB) Delete(key string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// ScanPrefix invokes fn for every key/value pair whose key starts with
// prefix, in key order.
func (d *DB) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	return d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			k := string(item.KeyCopy(nil))
			var v []byte
			if err := item.Value(func(val []byte) error {
				v = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}
