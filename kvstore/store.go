// Package kvstore is the ordered key/value primitive shared by the binary
// log and the application key/value store: one BoltDB file, one bucket,
// fixed-width or variable-width keys ordered by byte comparison. Every
// write commits before returning, so callers can treat a successful call
// as durable without a separate fsync step.
package kvstore

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/boltdb/bolt"

	"github.com/tyronecai/ins/xlog"
)

var logger = xlog.NewLogger("kvstore")

var defaultBucket = []byte("data")

// Options tunes the underlying BoltDB file.
type Options struct {
	// InitialMmapSize hints how large the mmap'd region should start at,
	// to avoid the writer blocking on remaps under a growing dataset.
	InitialMmapSize int64
}

// Store is a single-bucket ordered key/value database.
type Store struct {
	mu   sync.RWMutex
	db   *bolt.DB
	path string
}

// Open opens (creating if absent) the BoltDB file at path and ensures the
// default bucket exists.
func Open(path string, opts Options) (*Store, error) {
	boltOpts := &bolt.Options{}
	if opts.InitialMmapSize > 0 {
		boltOpts.InitialMmapSize = int(opts.InitialMmapSize)
	}

	db, err := bolt.Open(path, 0600, boltOpts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: cannot open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(defaultBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: cannot create bucket in %s: %w", path, err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying BoltDB file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Get returns the value for key, ok=false if the key is absent.
func (s *Store) Get(key []byte) (value []byte, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(defaultBucket)
		v := b.Get(key)
		if v == nil {
			return nil
		}
		ok = true
		value = append([]byte(nil), v...)
		return nil
	})
	return value, ok, err
}

// Put writes a single key/value pair and commits.
func (s *Store) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(defaultBucket).Put(key, value)
	})
}

// KV is one key/value pair for a batched write.
type KV struct {
	Key   []byte
	Value []byte
}

// PutBatch writes every pair in a single atomic transaction.
func (s *Store) PutBatch(kvs []KV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(defaultBucket)
		for _, kv := range kvs {
			if err := b.Put(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(defaultBucket).Delete(key)
	})
}

// Update runs fn against the writable default bucket inside one commit.
// Used for compound read-modify-write operations (conditional delete on
// Unlock, length-plus-entries append) that must be atomic together.
func (s *Store) Update(fn func(b *bolt.Bucket) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(defaultBucket))
	})
}

// View runs fn against the read-only default bucket.
func (s *Store) View(fn func(b *bolt.Bucket) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(defaultBucket))
	})
}

// Scanner is a forward-only cursor over a key range, holding open a read
// transaction until Close is called.
type Scanner struct {
	tx     *bolt.Tx
	cursor *bolt.Cursor
	end    []byte

	key, value []byte
	valid      bool
}

// NewScanner opens a read transaction and positions a cursor at the first
// key >= start. If end is non-empty, iteration stops before end
// (half-open range [start, end)).
func (s *Store) NewScanner(start, end []byte) (*Scanner, error) {
	s.mu.RLock()
	tx, err := s.db.Begin(false)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	c := tx.Bucket(defaultBucket).Cursor()
	sc := &Scanner{tx: tx, cursor: c, end: end}
	k, v := c.Seek(start)
	sc.set(k, v)
	return sc, nil
}

func (sc *Scanner) set(k, v []byte) {
	if k == nil || (len(sc.end) > 0 && bytes.Compare(k, sc.end) >= 0) {
		sc.valid = false
		sc.key, sc.value = nil, nil
		return
	}
	sc.valid = true
	sc.key = append([]byte(nil), k...)
	sc.value = append([]byte(nil), v...)
}

// Valid reports whether the cursor is positioned on an in-range entry.
func (sc *Scanner) Valid() bool { return sc.valid }

// Key returns the current key. Only valid while Valid() is true.
func (sc *Scanner) Key() []byte { return sc.key }

// Value returns the current value. Only valid while Valid() is true.
func (sc *Scanner) Value() []byte { return sc.value }

// Next advances the cursor.
func (sc *Scanner) Next() {
	if !sc.valid {
		return
	}
	k, v := sc.cursor.Next()
	sc.set(k, v)
}

// Close releases the underlying read transaction.
func (sc *Scanner) Close() error {
	return sc.tx.Rollback()
}

// Hash computes a CRC32 checksum over every key/value pair, used by tests
// to compare replica state after replay converges across nodes.
func (s *Store) Hash() (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(defaultBucket).ForEach(func(k, v []byte) error {
			h.Write(k)
			h.Write(v)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}
