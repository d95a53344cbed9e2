// Package store is the application key/value layer that log entries are
// applied against. Each user gets its own namespace - a separate kvstore
// database file, opened the first time a client touches it - plus one
// reserved anonymous namespace used for replication bookkeeping. Stored
// values carry a one-byte tag ahead of the payload so a reader can tell a
// plain Put from a Lock without a second lookup.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/tyronecai/ins/kvstore"
	"github.com/tyronecai/ins/xlog"
)

var logger = xlog.NewLogger("store")

// Tag identifies what kind of value a stored payload is.
type Tag byte

const (
	// TagPut marks an ordinary client-written value.
	TagPut Tag = iota
	// TagLock marks a value holding the session ID that holds the lock.
	TagLock
)

// lastAppliedKey is the bookkeeping key held in the anonymous namespace,
// mirroring the reserved "#TAG_LAST_APPLIED_INDEX#" key from the original
// implementation.
const lastAppliedKey = "#TAG_LAST_APPLIED_INDEX#"

// anonymousNamespace is the namespace name for bookkeeping data that has
// no associated user.
const anonymousNamespace = ""

// ErrNamespaceNotFound is returned by Get/Delete/Scan operations against a
// namespace that has never been opened.
var ErrNamespaceNotFound = fmt.Errorf("store: namespace not found")

// keyItem is a btree.Item wrapping a namespaced key, used to keep an
// in-memory sorted index of every key currently live in a namespace so
// Scan doesn't need to open a fresh BoltDB cursor for small ranges.
type keyItem string

func (k keyItem) Less(than btree.Item) bool {
	return string(k) < string(than.(keyItem))
}

// namespace bundles a durable kvstore handle with an in-memory sorted key
// index used to accelerate range scans.
type namespace struct {
	mu    sync.RWMutex
	db    *kvstore.Store
	index *btree.BTree
}

// Store is the application-level key/value layer: a set of lazily-opened
// namespaces plus the anonymous bookkeeping namespace.
type Store struct {
	dataDir string
	nsOpts  kvstore.Options

	mu         sync.RWMutex
	namespaces map[string]*namespace
}

// Open opens the anonymous namespace under dataDir with default kvstore
// options. Named namespaces are opened on first use via OpenNamespace.
func Open(dataDir string) (*Store, error) {
	return OpenWithOptions(dataDir, kvstore.Options{})
}

// OpenWithOptions is Open with explicit kvstore options applied to every
// namespace this Store opens, letting --ins_binlog_write_buffer_size
// reach the underlying BoltDB's initial mmap size.
func OpenWithOptions(dataDir string, opts kvstore.Options) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: cannot create %s: %w", dataDir, err)
	}

	s := &Store{dataDir: dataDir, namespaces: make(map[string]*namespace), nsOpts: opts}
	if _, err := s.openNamespaceLocked(anonymousNamespace); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes every open namespace handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, ns := range s.namespaces {
		if err := ns.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("store: closing namespace %q: %w", name, err)
		}
	}
	return firstErr
}

// namespaceFile turns a namespace name into a filesystem path, mirroring
// the persisted-state layout: the anonymous namespace lives at "@db", and
// a named namespace lives at "<name>@db".
func (s *Store) namespaceFile(name string) string {
	if name == anonymousNamespace {
		return filepath.Join(s.dataDir, "@db")
	}
	safe := strings.ReplaceAll(name, string(filepath.Separator), "_")
	return filepath.Join(s.dataDir, safe+"@db")
}

func (s *Store) openNamespaceLocked(name string) (*namespace, error) {
	if ns, ok := s.namespaces[name]; ok {
		return ns, nil
	}

	db, err := kvstore.Open(s.namespaceFile(name), s.nsOpts)
	if err != nil {
		return nil, fmt.Errorf("store: opening namespace %q: %w", name, err)
	}

	ns := &namespace{db: db, index: btree.New(32)}
	if err := loadIndex(ns); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: indexing namespace %q: %w", name, err)
	}

	s.namespaces[name] = ns
	logger.Infof("opened namespace %q", name)
	return ns, nil
}

func loadIndex(ns *namespace) error {
	sc, err := ns.db.NewScanner(nil, nil)
	if err != nil {
		return err
	}
	defer sc.Close()

	for sc.Valid() {
		ns.index.ReplaceOrInsert(keyItem(sc.Key()))
		sc.Next()
	}
	return nil
}

// OpenNamespace opens (creating if absent) the namespace for name. It is
// the counterpart of the source's explicit open_database call: a
// namespace must be opened before Get/Delete/Scan will find it, but Put
// and Lock open it implicitly.
func (s *Store) OpenNamespace(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.openNamespaceLocked(name)
	return err
}

func (s *Store) findNamespace(name string, create bool) (*namespace, error) {
	s.mu.RLock()
	ns, ok := s.namespaces[name]
	s.mu.RUnlock()
	if ok {
		return ns, nil
	}
	if !create {
		return nil, ErrNamespaceNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openNamespaceLocked(name)
}

func encodeValue(tag Tag, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(tag)
	copy(buf[1:], payload)
	return buf
}

func decodeValue(raw []byte) (Tag, []byte) {
	if len(raw) == 0 {
		return TagPut, nil
	}
	return Tag(raw[0]), raw[1:]
}

// Get returns the raw (tag, payload) pair stored at key in namespace.
// No lock-expiry rule is applied here: a Lock value is returned as stored
// even if its owning session has expired (server's interpretRead applies
// that rule).
func (s *Store) Get(namespace, key string) (tag Tag, payload []byte, ok bool, err error) {
	ns, err := s.findNamespace(namespace, false)
	if err != nil {
		return 0, nil, false, err
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	raw, found, err := ns.db.Get([]byte(key))
	if err != nil || !found {
		return 0, nil, false, err
	}
	tag, payload = decodeValue(raw)
	return tag, payload, true, nil
}

// Put writes payload tagged as an ordinary value, opening namespace if
// this is the first write to it.
func (s *Store) Put(namespace, key string, payload []byte) error {
	ns, err := s.findNamespace(namespace, true)
	if err != nil {
		return err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if err := ns.db.Put([]byte(key), encodeValue(TagPut, payload)); err != nil {
		return err
	}
	ns.index.ReplaceOrInsert(keyItem(key))
	return nil
}

// PutLock writes sessionID tagged as a lock holder, opening namespace if
// absent.
func (s *Store) PutLock(namespace, key, sessionID string) error {
	ns, err := s.findNamespace(namespace, true)
	if err != nil {
		return err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if err := ns.db.Put([]byte(key), encodeValue(TagLock, []byte(sessionID))); err != nil {
		return err
	}
	ns.index.ReplaceOrInsert(keyItem(key))
	return nil
}

// Delete removes key from namespace. Deleting an absent key, or deleting
// from a namespace that has never been opened, is not an error.
func (s *Store) Delete(namespace, key string) error {
	ns, err := s.findNamespace(namespace, false)
	if err == ErrNamespaceNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if err := ns.db.Delete([]byte(key)); err != nil {
		return err
	}
	ns.index.Delete(keyItem(key))
	return nil
}

// ScanEntry is one (key, tag, payload) triple returned by Scan.
type ScanEntry struct {
	Key     string
	Tag     Tag
	Payload []byte
}

// Scan returns every entry with key in [start, end) (end == "" means
// unbounded) from namespace, in key order.
func (s *Store) Scan(namespace, start, end string) ([]ScanEntry, error) {
	ns, err := s.findNamespace(namespace, false)
	if err != nil {
		return nil, err
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	var entries []ScanEntry
	visit := func(item btree.Item) bool {
		key := string(item.(keyItem))
		if end != "" && key >= end {
			return false
		}
		raw, ok, err := ns.db.Get([]byte(key))
		if err != nil || !ok {
			return true
		}
		tag, payload := decodeValue(raw)
		entries = append(entries, ScanEntry{Key: key, Tag: tag, Payload: payload})
		return true
	}

	if start == "" {
		ns.index.Ascend(visit)
	} else {
		ns.index.AscendGreaterOrEqual(keyItem(start), visit)
	}
	return entries, nil
}

// LastAppliedIndex returns the highest log index applied to the store, or
// -1 if none has been recorded yet.
func (s *Store) LastAppliedIndex() (int64, error) {
	ns, err := s.findNamespace(anonymousNamespace, true)
	if err != nil {
		return -1, err
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()

	raw, ok, err := ns.db.Get([]byte(lastAppliedKey))
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, nil
	}
	var index int64
	if _, err := fmt.Sscanf(string(raw), "%d", &index); err != nil {
		return -1, fmt.Errorf("store: corrupt last-applied record: %w", err)
	}
	return index, nil
}

// SetLastAppliedIndex durably records index as the highest applied log
// index. Callers must persist this after the KV effect of the
// corresponding entry, per the ordering guarantee that at-least-once
// re-apply of an idempotent operation is always safe.
func (s *Store) SetLastAppliedIndex(index int64) error {
	ns, err := s.findNamespace(anonymousNamespace, true)
	if err != nil {
		return err
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	return ns.db.Put([]byte(lastAppliedKey), []byte(fmt.Sprintf("%d", index)))
}
