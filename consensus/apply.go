package consensus

import (
	"github.com/tyronecai/ins/binlog"
	"github.com/tyronecai/ins/session"
	"github.com/tyronecai/ins/store"
	"github.com/tyronecai/ins/watch"
)

const storeLockTag = store.TagLock

// applyLoop is the committer: a single task that wakes whenever
// commit_index advances past last_applied, applies the newly-committed
// window in order, and completes any pending client acks. It holds n.mu
// only to read the window and to record the post-apply bookkeeping,
// releasing the main mutex across each KV write.
func (n *Node) applyLoop() {
	defer n.wg.Done()

	for {
		n.mu.Lock()
		for n.commitIndex <= n.lastApplied {
			if n.stopped {
				n.mu.Unlock()
				return
			}
			n.commitCond.Wait()
		}
		if n.stopped {
			n.mu.Unlock()
			return
		}
		start := n.lastApplied + 1
		end := n.commitIndex
		n.mu.Unlock()

		for idx := start; idx <= end; idx++ {
			entry, ok, err := n.log.Read(idx)
			if err != nil || !ok {
				logger.Fatalf("consensus: unreadable log entry at committed index %d: %v", idx, err)
				return
			}

			result := n.applyEntry(idx, entry)

			if err := n.kv.SetLastAppliedIndex(idx); err != nil {
				logger.Fatalf("consensus: cannot persist last-applied index %d: %v", idx, err)
				return
			}

			n.mu.Lock()
			n.lastApplied = idx
			ack, hasAck := n.pendingAcks[idx]
			delete(n.pendingAcks, idx)
			isLeader := n.status == Leader
			n.mu.Unlock()

			if hasAck && isLeader {
				ack(result)
			}
		}
	}
}

// applyEntry applies one committed entry to the KV store, session
// manager, and watch registry. It does not hold n.mu:
// the KV store and session manager have their own locking.
func (n *Node) applyEntry(index int64, entry binlog.Entry) ApplyResult {
	result := ApplyResult{Index: index, Term: entry.Term, Status: StatusOK, Entry: entry}

	switch entry.Op {
	case binlog.OpNop:
		n.mu.Lock()
		if entry.Term == n.currentTerm && n.status == Leader {
			n.inSafeMode = false
		}
		n.mu.Unlock()

	case binlog.OpPut:
		if err := n.kv.Put(entry.User, entry.Key, []byte(entry.Value)); err != nil {
			logger.Errorf("consensus: apply Put failed: %v", err)
			result.Status = StatusError
			return result
		}
		n.triggerWatch(entry.User, entry.Key, watch.Event{Key: entry.Key, Value: []byte(entry.Value)})
		n.touchParentMarker(entry.User, entry.Key, "put", "")

	case binlog.OpDelete:
		if err := n.kv.Delete(entry.User, entry.Key); err != nil {
			logger.Errorf("consensus: apply Delete failed: %v", err)
			result.Status = StatusError
			return result
		}
		n.triggerWatch(entry.User, entry.Key, watch.Event{Key: entry.Key, Deleted: true})
		n.touchParentMarker(entry.User, entry.Key, "delete", "")

	case binlog.OpLock:
		sessionID := entry.Value
		if err := n.kv.PutLock(entry.User, entry.Key, sessionID); err != nil {
			logger.Errorf("consensus: apply Lock failed: %v", err)
			result.Status = StatusError
			return result
		}
		n.sessions.AddLock(sessionID, entry.Key)
		n.triggerWatch(entry.User, entry.Key, watch.Event{Key: entry.Key, Value: []byte(sessionID)})
		n.touchParentMarker(entry.User, entry.Key, "lock", sessionID)

	case binlog.OpUnlock:
		sessionID := entry.Value
		tag, payload, ok, err := n.kv.Get(entry.User, entry.Key)
		if err != nil {
			logger.Errorf("consensus: apply Unlock read failed: %v", err)
			result.Status = StatusError
			return result
		}
		if ok && tag == storeLockTag && string(payload) == sessionID {
			if err := n.kv.Delete(entry.User, entry.Key); err != nil {
				logger.Errorf("consensus: apply Unlock delete failed: %v", err)
				result.Status = StatusError
				return result
			}
			n.sessions.RemoveLock(sessionID, entry.Key)
			n.triggerWatch(entry.User, entry.Key, watch.Event{Key: entry.Key, Deleted: true})
			n.touchParentMarker(entry.User, entry.Key, "unlock", sessionID)
		}

	case binlog.OpLogin:
		status := n.sessions.Login(entry.User, entry.Key, entry.Value)
		result.Status = mapSessionStatus(status)
		if status == session.StatusOK {
			result.Token = entry.User
		}

	case binlog.OpLogout:
		n.sessions.Logout(entry.User)

	case binlog.OpRegister:
		status := n.sessions.Register(entry.Key, entry.Value)
		result.Status = mapSessionStatus(status)
	}

	return result
}

func mapSessionStatus(s session.Status) Status {
	switch s {
	case session.StatusOK:
		return StatusOK
	case session.StatusUnknownUser:
		return StatusUnknownUser
	default:
		return StatusError
	}
}

func (n *Node) triggerWatch(namespace, key string, ev watch.Event) {
	n.watches.Trigger(watch.NamespaceKey(namespace, key), ev)
}

// touchParentMarker synthesizes a Put on key's parent, in the same
// namespace as key, so a watcher registered on a directory-like prefix
// observes the change. It is fire-and-forget: failures are logged, not
// propagated, since it is a notification convenience rather than
// durable state.
func (n *Node) touchParentMarker(namespace, key, action, sessionID string) {
	parent, ok := watch.ParentKey(key)
	if !ok {
		return
	}
	marker := action + "," + sessionID
	if err := n.kv.Put(namespace, parent, []byte(marker)); err != nil {
		logger.Warningf("consensus: parent marker write for %q failed: %v", parent, err)
	}
}
