// Package binlog is the replicated log: an ordered sequence of entries
// indexed from 0, each entry recording one write operation together with
// the term it was proposed in. It is backed by kvstore, with the index
// encoded as an 8-byte big-endian key so that a byte-wise range scan over
// the store visits entries in index order - the original C++
// implementation stored the index as a raw native-endian int64 because it
// only ever did point lookups, but a Go port that also wants to serve
// range reads (ReadRange, used by the replicator to catch up a follower in
// one round trip) needs a comparator-friendly key.
package binlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/boltdb/bolt"

	"github.com/tyronecai/ins/kvstore"
	"github.com/tyronecai/ins/xlog"
)

var logger = xlog.NewLogger("binlog")

// lengthKey is a reserved key (never a valid 8-byte big-endian index,
// since it doesn't decode to a fixed-width integer key) holding the
// current log length, mirroring the original store's "#BINLOG_LEN#"
// bookkeeping entry.
var lengthKey = []byte("#BINLOG_LEN#")

// Op identifies what an Entry does to the state machine.
type Op uint8

const (
	OpNop Op = iota
	OpPut
	OpDelete
	OpLock
	OpUnlock
	OpLogin
	OpLogout
	OpRegister
	OpKeepAlive
)

// Entry is one record in the replicated log.
type Entry struct {
	Op    Op
	User  string
	Key   string
	Value string
	Term  int64
}

// encode serializes an Entry as:
//
//	op(1) | user_len(4) | user | key_len(4) | key | value_len(4) | value | term(8)
//
// all multi-byte fields little-endian.
func (e Entry) encode() []byte {
	buf := make([]byte, 0, 1+4+len(e.User)+4+len(e.Key)+4+len(e.Value)+8)
	b := bytes.NewBuffer(buf)
	b.WriteByte(byte(e.Op))
	writeLPString(b, e.User)
	writeLPString(b, e.Key)
	writeLPString(b, e.Value)
	var termBuf [8]byte
	binary.LittleEndian.PutUint64(termBuf[:], uint64(e.Term))
	b.Write(termBuf[:])
	return b.Bytes()
}

func writeLPString(b *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	b.Write(lenBuf[:])
	b.WriteString(s)
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry
	if len(data) < 1+4+4+4+8 {
		return e, fmt.Errorf("binlog: truncated entry (%d bytes)", len(data))
	}
	p := data
	e.Op = Op(p[0])
	p = p[1:]

	var ok bool
	e.User, p, ok = readLPString(p)
	if !ok {
		return e, fmt.Errorf("binlog: truncated entry user field")
	}
	e.Key, p, ok = readLPString(p)
	if !ok {
		return e, fmt.Errorf("binlog: truncated entry key field")
	}
	e.Value, p, ok = readLPString(p)
	if !ok {
		return e, fmt.Errorf("binlog: truncated entry value field")
	}
	if len(p) < 8 {
		return e, fmt.Errorf("binlog: truncated entry term field")
	}
	e.Term = int64(binary.LittleEndian.Uint64(p))
	return e, nil
}

func readLPString(p []byte) (string, []byte, bool) {
	if len(p) < 4 {
		return "", p, false
	}
	n := binary.LittleEndian.Uint32(p)
	p = p[4:]
	if uint32(len(p)) < n {
		return "", p, false
	}
	return string(p[:n]), p[n:], true
}

// indexKey encodes a log index as an 8-byte big-endian key.
func indexKey(index int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(index))
	return buf[:]
}

// Log is the durable, ordered sequence of replicated entries.
type Log struct {
	mu       sync.Mutex
	store    *kvstore.Store
	length   int64
	lastTerm int64
}

// Open opens (creating if absent) the binary log file under dataDir with
// default kvstore options.
func Open(dataDir string) (*Log, error) {
	return OpenWithOptions(dataDir, kvstore.Options{})
}

// OpenWithOptions is Open with explicit kvstore options, letting
// --ins_binlog_write_buffer_size reach the underlying BoltDB's initial
// mmap size.
func OpenWithOptions(dataDir string, opts kvstore.Options) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("binlog: creating %s: %w", dataDir, err)
	}

	store, err := kvstore.Open(filepath.Join(dataDir, "binlog.db"), opts)
	if err != nil {
		return nil, fmt.Errorf("binlog: %w", err)
	}

	l := &Log{store: store, lastTerm: -1}

	raw, ok, err := store.Get(lengthKey)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("binlog: reading length: %w", err)
	}
	if ok {
		if len(raw) != 8 {
			store.Close()
			return nil, fmt.Errorf("binlog: corrupt length record")
		}
		l.length = int64(binary.BigEndian.Uint64(raw))
	}

	if l.length > 0 {
		e, err := l.readSlot(l.length - 1)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("binlog: reading last entry: %w", err)
		}
		l.lastTerm = e.Term
	}

	logger.Infof("binlog opened at %s, length=%d, last_term=%d", dataDir, l.length, l.lastTerm)
	return l, nil
}

// Close closes the underlying store.
func (l *Log) Close() error {
	return l.store.Close()
}

// Length returns the number of entries in the log.
func (l *Log) Length() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// LastIndexAndTerm returns the index and term of the last entry, or
// (-1, -1) if the log is empty.
func (l *Log) LastIndexAndTerm() (index, term int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length - 1, l.lastTerm
}

func (l *Log) readSlot(index int64) (Entry, error) {
	raw, ok, err := l.store.Get(indexKey(index))
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("binlog: no entry at index %d", index)
	}
	return decodeEntry(raw)
}

// Read returns the entry at index.
func (l *Log) Read(index int64) (Entry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= l.length {
		return Entry{}, false, nil
	}
	e, err := l.readSlot(index)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// ReadRange returns entries in [start, end), clamped to the current log
// length. Used by the replicator to send a follower more than one entry
// per AppendEntries round trip.
func (l *Log) ReadRange(start, end int64) ([]Entry, error) {
	l.mu.Lock()
	length := l.length
	l.mu.Unlock()

	if start < 0 {
		start = 0
	}
	if end > length {
		end = length
	}
	if start >= end {
		return nil, nil
	}

	entries := make([]Entry, 0, end-start)
	for i := start; i < end; i++ {
		e, err := l.readSlot(i)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Append appends a single entry and returns its index.
func (l *Log) Append(e Entry) (int64, error) {
	return l.AppendBatch([]Entry{e})
}

// AppendBatch appends every entry in a single atomic commit and returns
// the index of the first entry appended.
func (l *Log) AppendBatch(entries []Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.length
	kvs := make([]kvstore.KV, 0, len(entries)+1)
	for i, e := range entries {
		kvs = append(kvs, kvstore.KV{Key: indexKey(start + int64(i)), Value: e.encode()})
	}
	newLength := start + int64(len(entries))
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(newLength))
	kvs = append(kvs, kvstore.KV{Key: lengthKey, Value: lenBuf[:]})

	if err := l.store.PutBatch(kvs); err != nil {
		return 0, fmt.Errorf("binlog: append: %w", err)
	}

	l.length = newLength
	l.lastTerm = entries[len(entries)-1].Term
	return start, nil
}

// Truncate discards every entry after truncIndex (inclusive of nothing if
// truncIndex is the new last index). A truncIndex of -1 empties the log.
// Used when a follower's log conflicts with the leader's and must be
// rolled back before new entries can be appended.
func (l *Log) Truncate(truncIndex int64) error {
	if truncIndex < -1 {
		truncIndex = -1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newLength := truncIndex + 1
	if newLength >= l.length {
		return nil
	}

	err := l.store.Update(func(b *bolt.Bucket) error {
		for i := newLength; i < l.length; i++ {
			if err := b.Delete(indexKey(i)); err != nil {
				return err
			}
		}
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(newLength))
		return b.Put(lengthKey, lenBuf[:])
	})
	if err != nil {
		return fmt.Errorf("binlog: truncate: %w", err)
	}

	l.length = newLength
	if newLength > 0 {
		e, err := l.readSlot(newLength - 1)
		if err != nil {
			return fmt.Errorf("binlog: truncate: reading new tail: %w", err)
		}
		l.lastTerm = e.Term
	} else {
		l.lastTerm = -1
	}
	return nil
}

// GCPrefix permanently removes every entry with index < before. It never
// touches lengthKey, so it must only be called with a before no greater
// than the leader's known-applied-on-all-replicas index (see the gc
// package's coordinator).
func (l *Log) GCPrefix(before int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if before <= 0 {
		return nil
	}
	if before > l.length {
		before = l.length
	}

	return l.store.Update(func(b *bolt.Bucket) error {
		for i := int64(0); i < before; i++ {
			if err := b.Delete(indexKey(i)); err != nil {
				return err
			}
		}
		return nil
	})
}
