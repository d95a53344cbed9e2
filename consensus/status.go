package consensus

// NodeStatusSnapshot is the response shape for the ShowStatus RPC.
type NodeStatusSnapshot struct {
	Status        NodeStatus
	Term          int64
	LastLogIndex  int64
	LastLogTerm   int64
	CommitIndex   int64
	LastApplied   int64
	CurrentLeader string
	InSafeMode    bool
}

// ShowStatus reports the node's current view of the replicated log and
// its own role, for the ShowStatus RPC and the GC coordinator.
func (n *Node) ShowStatus() NodeStatusSnapshot {
	lastIndex, lastTerm := n.log.LastIndexAndTerm()

	n.mu.Lock()
	defer n.mu.Unlock()

	return NodeStatusSnapshot{
		Status:        n.status,
		Term:          n.currentTerm,
		LastLogIndex:  lastIndex,
		LastLogTerm:   lastTerm,
		CommitIndex:   n.commitIndex,
		LastApplied:   n.lastApplied,
		CurrentLeader: n.currentLeader,
		InSafeMode:    n.inSafeMode,
	}
}

// CleanBinlog validates endIndex (the GC coordinator's safe_clean_index)
// against last_applied and, if safe, truncates every log entry strictly
// before endIndex-1 - one entry more conservative than endIndex itself,
// so a follower that
// briefly lags the reported minimum still has its last-known-good entry
// on hand.
func (n *Node) CleanBinlog(endIndex int64) error {
	n.mu.Lock()
	applied := n.lastApplied
	n.mu.Unlock()

	if endIndex > applied {
		return errUnsafeGC
	}
	return n.log.GCPrefix(endIndex - 1)
}
