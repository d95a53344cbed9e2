package consensus

import (
	"time"
)

const replicationRPCDeadline = 60 * time.Second

// heartbeatLoop marks every follower's replicator as heartbeat-due and
// wakes it every HeartbeatInterval while this node remains leader for
// myTerm, so an AppendEntries reaches each follower on schedule even
// when there is nothing new to replicate.
func (n *Node) heartbeatLoop(myTerm int64) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.Lock()
			stillLeader := n.status == Leader && n.currentTerm == myTerm
			if stillLeader {
				for peer := range n.progress {
					n.heartbeatDue[peer] = true
				}
			}
			n.mu.Unlock()
			if !stillLeader {
				return
			}
			n.replicationCond.Broadcast()
		}
	}
}

// replicateTo is the per-follower replicator task. It loops, blocked on
// replicationCond when caught up, for as long as this node remains
// leader for myTerm.
func (n *Node) replicateTo(peer string, myTerm int64) {
	defer n.wg.Done()

	for {
		n.mu.Lock()
		for {
			if n.stopped || n.status != Leader || n.currentTerm != myTerm {
				n.mu.Unlock()
				return
			}
			length := n.log.Length()
			prog := n.progress[peer]
			if length > prog.NextIndex || n.heartbeatDue[peer] {
				n.heartbeatDue[peer] = false
				break
			}
			n.replicationCond.Wait()
		}

		length := n.log.Length()
		prog := n.progress[peer]
		prevIndex := prog.NextIndex - 1
		prevTerm := int64(-1)
		if prevIndex >= 0 {
			if e, ok, err := n.log.Read(prevIndex); err == nil && ok {
				prevTerm = e.Term
			}
		}
		batch := prog.batchSize(length, n.cfg.LogRepBatchMax)
		commitIndex := n.commitIndex
		n.mu.Unlock()

		entries, err := n.log.ReadRange(prevIndex+1, prevIndex+1+batch)
		if err != nil {
			logger.Errorf("consensus: reading entries for %s: %v", peer, err)
			time.Sleep(n.cfg.ReplicationRetryTimespan)
			continue
		}

		args := &AppendEntriesArgs{
			Term:              myTerm,
			LeaderID:          n.cfg.SelfID,
			PrevLogIndex:      prevIndex,
			PrevLogTerm:       prevTerm,
			LeaderCommitIndex: commitIndex,
			Entries:           entries,
		}

		reply, err := n.transport.AppendEntries(peer, args)
		if err != nil {
			n.mu.Lock()
			if p, ok := n.progress[peer]; ok {
				p.markProbe()
			}
			n.mu.Unlock()
			time.Sleep(n.cfg.ReplicationRetryTimespan)
			continue
		}

		n.mu.Lock()
		if n.status != Leader || n.currentTerm != myTerm {
			n.mu.Unlock()
			return
		}
		if reply.CurrentTerm > n.currentTerm {
			n.stepDownLocked(reply.CurrentTerm)
			n.mu.Unlock()
			return
		}

		p := n.progress[peer]
		switch {
		case reply.Success:
			p.advance(int64(len(entries)))
		case reply.IsBusy:
			p.markProbe()
		default:
			p.conflict(reply.LogLength)
		}

		if reply.Success && len(entries) > 0 && entries[len(entries)-1].Term == myTerm {
			n.updateCommitIndexLocked(p.MatchIndex)
		}
		n.mu.Unlock()

		if reply.IsBusy {
			time.Sleep(n.cfg.ReplicationRetryTimespan)
		}
	}
}

// probeArgsLocked builds an AppendEntriesArgs carrying no entries but the
// leader's real PrevLogIndex/PrevLogTerm/LeaderCommitIndex for peer, for
// use as a read-quorum probe by ConfirmReadQuorum. Caller must hold n.mu.
func (n *Node) probeArgsLocked(peer string, myTerm int64) *AppendEntriesArgs {
	prevIndex := int64(-1)
	if prog, ok := n.progress[peer]; ok {
		prevIndex = prog.NextIndex - 1
	}
	prevTerm := int64(-1)
	if prevIndex >= 0 {
		if e, ok, err := n.log.Read(prevIndex); err == nil && ok {
			prevTerm = e.Term
		}
	}
	return &AppendEntriesArgs{
		Term:              myTerm,
		LeaderID:          n.cfg.SelfID,
		PrevLogIndex:      prevIndex,
		PrevLogTerm:       prevTerm,
		LeaderCommitIndex: n.commitIndex,
	}
}

// updateCommitIndexLocked advances the commit index to the highest
// value replicated to a quorum, if it increased. Caller must hold n.mu.
func (n *Node) updateCommitIndexLocked(idx int64) {
	if idx <= n.commitIndex {
		return
	}
	e, ok, err := n.log.Read(idx)
	if err != nil || !ok || e.Term != n.currentTerm {
		return
	}

	count := 1 // self
	for _, p := range n.progress {
		if p.MatchIndex >= idx {
			count++
		}
	}
	if count > len(n.cfg.Members)/2 {
		n.commitIndex = idx
		n.commitCond.Broadcast()
	}
}

// HandleAppendEntries implements the AppendEntries RPC on the receiving
// side.
func (n *Node) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return &AppendEntriesReply{CurrentTerm: n.currentTerm, Success: false, LogLength: n.log.Length()}
	}

	if n.status != Follower {
		n.status = Follower
		n.votesReceived = nil
	}
	if args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
	}

	n.currentLeader = args.LeaderID
	n.heartbeatCount++

	if len(args.Entries) == 0 {
		lastIndex, _ := n.log.LastIndexAndTerm()
		n.commitIndex = min64(lastIndex, args.LeaderCommitIndex)
		n.commitCond.Broadcast()
		return &AppendEntriesReply{CurrentTerm: n.currentTerm, Success: true, LogLength: n.log.Length()}
	}

	length := n.log.Length()
	if args.PrevLogIndex >= length {
		return &AppendEntriesReply{CurrentTerm: n.currentTerm, Success: false, LogLength: length}
	}

	localPrevTerm := int64(-1)
	if args.PrevLogIndex >= 0 {
		if e, ok, err := n.log.Read(args.PrevLogIndex); err == nil && ok {
			localPrevTerm = e.Term
		}
	}
	if localPrevTerm != args.PrevLogTerm {
		if err := n.log.Truncate(args.PrevLogIndex - 1); err != nil {
			logger.Errorf("consensus: truncate on conflict failed: %v", err)
		}
		n.dropPendingAcksLocked(args.PrevLogIndex)
		return &AppendEntriesReply{CurrentTerm: n.currentTerm, Success: false, LogLength: n.log.Length()}
	}

	if n.commitIndex-n.lastApplied > n.cfg.MaxCommitPending {
		return &AppendEntriesReply{CurrentTerm: n.currentTerm, Success: false, IsBusy: true, LogLength: length}
	}

	if length > args.PrevLogIndex+1 {
		if err := n.log.Truncate(args.PrevLogIndex); err != nil {
			logger.Errorf("consensus: truncate before overwrite failed: %v", err)
		}
		n.dropPendingAcksLocked(args.PrevLogIndex + 1)
	}

	if _, err := n.log.AppendBatch(args.Entries); err != nil {
		logger.Errorf("consensus: append batch failed: %v", err)
		return &AppendEntriesReply{CurrentTerm: n.currentTerm, Success: false, LogLength: n.log.Length()}
	}

	newLastIndex, _ := n.log.LastIndexAndTerm()
	n.commitIndex = min64(newLastIndex, args.LeaderCommitIndex)
	n.commitCond.Broadcast()

	return &AppendEntriesReply{CurrentTerm: n.currentTerm, Success: true, LogLength: n.log.Length()}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
