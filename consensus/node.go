// Package consensus is the replication engine: leader election, log
// replication, commit-index advancement, and application of committed
// entries to the key/value store and the session manager. It owns the
// single "main" mutex guarding status, term, commit/apply indices and
// per-follower progress; the session and watch subsystems bring their
// own separate locks.
package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/tyronecai/ins/binlog"
	"github.com/tyronecai/ins/meta"
	"github.com/tyronecai/ins/session"
	"github.com/tyronecai/ins/store"
	"github.com/tyronecai/ins/watch"
	"github.com/tyronecai/ins/xlog"
)

var logger = xlog.NewLogger("consensus")

// Node is one replica of the replicated log and its coupled state
// machine.
type Node struct {
	cfg       Config
	transport Transport

	metaStore *meta.Store
	log       *binlog.Log
	kv        *store.Store
	sessions  *session.Manager
	watches   *watch.Registry

	singleNodeMode bool

	mu                     sync.Mutex
	status                 NodeStatus
	currentTerm            int64
	currentLeader          string
	commitIndex            int64
	lastApplied            int64
	inSafeMode             bool
	heartbeatCount         int
	heartbeatReadTimestamp time.Time
	votesReceived          map[string]bool
	progress               map[string]*Progress
	pendingAcks            map[int64]AckCallback
	electionDeadline       time.Time
	heartbeatDue           map[string]bool

	replicationCond *sync.Cond
	commitCond      *sync.Cond

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Node. Call Start to begin participating in the cluster.
func New(cfg Config, transport Transport, metaStore *meta.Store, log *binlog.Log, kv *store.Store, sessions *session.Manager, watches *watch.Registry) *Node {
	n := &Node{
		cfg:            cfg,
		transport:      transport,
		metaStore:      metaStore,
		log:            log,
		kv:             kv,
		sessions:       sessions,
		watches:        watches,
		singleNodeMode: len(cfg.Others()) == 0,
		status:         Follower,
		commitIndex:    -1,
		lastApplied:    -1,
		inSafeMode:     true,
		progress:       make(map[string]*Progress),
		pendingAcks:    make(map[int64]AckCallback),
		heartbeatDue:   make(map[string]bool),
		stopCh:         make(chan struct{}),
	}
	n.replicationCond = sync.NewCond(&n.mu)
	n.commitCond = sync.NewCond(&n.mu)
	return n
}

// Start loads persisted term, initializes last_applied from the KV
// store, and begins the election timer (or, in single-node mode, becomes
// leader immediately).
func (n *Node) Start() error {
	term, err := n.metaStore.ReadCurrentTerm()
	if err != nil {
		return fmt.Errorf("consensus: reading current term: %w", err)
	}

	applied, err := n.kv.LastAppliedIndex()
	if err != nil {
		return fmt.Errorf("consensus: reading last applied index: %w", err)
	}

	n.mu.Lock()
	n.currentTerm = term
	n.lastApplied = applied
	n.mu.Unlock()

	n.wg.Add(1)
	go n.applyLoop()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.singleNodeMode {
		n.currentTerm++
		if err := n.metaStore.WriteCurrentTerm(n.currentTerm); err != nil {
			return err
		}
		n.commitIndex = n.lastApplied
		n.becomeLeaderLocked()
		return nil
	}

	n.wg.Add(1)
	go n.electionLoop()
	return nil
}

// Stop signals every background goroutine to exit and waits for them.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	close(n.stopCh)
	n.replicationCond.Broadcast()
	n.commitCond.Broadcast()
	n.mu.Unlock()

	n.wg.Wait()
}

// Status returns the node's current role.
func (n *Node) Status() NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Term returns the current term.
func (n *Node) Term() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// CurrentLeader returns the last known leader id, or "" if unknown (this
// node is a leaderless candidate).
func (n *Node) CurrentLeader() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentLeader
}

// InSafeMode reports whether the leader is still waiting for its no-op
// barrier entry to commit.
func (n *Node) InSafeMode() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inSafeMode
}

// CommitIndex and LastApplied expose the two watermarks for ShowStatus
// and the GC coordinator.
func (n *Node) CommitIndex() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

func (n *Node) LastApplied() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastApplied
}

// PendingAckCount reports the size of the pending-ack table, used to
// bound admission by max_write_pending.
func (n *Node) PendingAckCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pendingAcks)
}

// Config returns the tunables this node was constructed with.
func (n *Node) Config() Config {
	return n.cfg
}

// Propose appends entry at the current term and registers ack as its
// pending completion, returning the assigned index. The caller must have
// already verified this node is Leader; Propose does not re-check.
func (n *Node) Propose(entry binlog.Entry, ack AckCallback) (int64, error) {
	n.mu.Lock()
	entry.Term = n.currentTerm
	n.mu.Unlock()

	index, err := n.log.Append(entry)
	if err != nil {
		return 0, err
	}

	n.mu.Lock()
	if ack != nil {
		n.pendingAcks[index] = ack
	}
	if n.singleNodeMode {
		n.updateCommitIndexLocked(index)
	}
	n.mu.Unlock()

	n.replicationCond.Broadcast()
	return index, nil
}

// dropPendingAcksLocked discards every pending ack without invoking it.
// A pending ack at an uncommitted index is never completed successfully
// once leadership is lost - the client's own RPC deadline is what
// eventually unblocks it.
// Silently dropping rather than leaving them in the table forever avoids
// leaking the closure once this node can never legitimately complete
// them (on step-down) or once the entry they were registered for has
// been overwritten by a truncate. Caller must hold n.mu.
func (n *Node) dropPendingAcksLocked(fromIndex int64) {
	for idx := range n.pendingAcks {
		if idx >= fromIndex {
			delete(n.pendingAcks, idx)
		}
	}
}
