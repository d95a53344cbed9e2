package consensus

import (
	"time"

	"github.com/tyronecai/ins/binlog"
)

// randomizedElectionTimeout returns a uniformly random duration in
// [min, max).
func randomizedElectionTimeout(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := int64(max - min)
	return min + time.Duration(globalRand.Intn(int(span)))
}

// electionLoop is the leader_crash_checker: it re-arms a timer after
// every tick and starts an election if no heartbeat was observed during
// the interval.
func (n *Node) electionLoop() {
	defer n.wg.Done()

	timeout := randomizedElectionTimeout(n.cfg.ElectTimeoutMin, n.cfg.ElectTimeoutMax)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-timer.C:
			n.mu.Lock()
			heardFromLeader := n.heartbeatCount > 0
			n.heartbeatCount = 0
			isLeader := n.status == Leader
			n.mu.Unlock()

			if !heardFromLeader && !isLeader {
				n.startElection()
			}
			timer.Reset(randomizedElectionTimeout(n.cfg.ElectTimeoutMin, n.cfg.ElectTimeoutMax))
		}
	}
}

// startElection increments the term, votes for self, and broadcasts
// VoteRequest to every other member.
func (n *Node) startElection() {
	n.mu.Lock()
	n.currentTerm++
	term := n.currentTerm
	n.status = Candidate
	n.currentLeader = ""
	n.votesReceived = map[string]bool{n.cfg.SelfID: true}
	lastIndex, lastTerm := n.log.LastIndexAndTerm()
	n.mu.Unlock()

	if err := n.metaStore.WriteCurrentTerm(term); err != nil {
		logger.Fatalf("consensus: cannot persist term %d: %v", term, err)
	}
	if err := n.metaStore.WriteVote(term, n.cfg.SelfID); err != nil {
		logger.Fatalf("consensus: cannot persist self-vote for term %d: %v", term, err)
	}

	logger.Infof("starting election for term %d", term)

	args := &VoteArgs{
		Term:         term,
		CandidateID:  n.cfg.SelfID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	for _, peer := range n.cfg.Others() {
		go n.requestVoteFrom(peer, term, args)
	}
}

func (n *Node) requestVoteFrom(peer string, term int64, args *VoteArgs) {
	reply, err := n.transport.Vote(peer, args)
	if err != nil {
		logger.Warningf("vote request to %s failed: %v", peer, err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if reply.Term > n.currentTerm {
		n.stepDownLocked(reply.Term)
		return
	}
	if n.status != Candidate || term != n.currentTerm || !reply.VoteGranted {
		return
	}

	n.votesReceived[peer] = true
	if len(n.votesReceived) > len(n.cfg.Members)/2 {
		n.becomeLeaderLocked()
	}
}

// HandleVoteRequest implements the RequestVote RPC on the receiving side.
func (n *Node) HandleVoteRequest(args *VoteArgs) *VoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.stepDownLocked(args.Term)
	}

	if args.Term < n.currentTerm {
		return &VoteReply{Term: n.currentTerm, VoteGranted: false}
	}

	votedTerm, votedFor, hasVote, err := n.metaStore.ReadVote()
	if err != nil {
		logger.Errorf("consensus: reading vote record: %v", err)
		return &VoteReply{Term: n.currentTerm, VoteGranted: false}
	}
	alreadyVotedThisTerm := hasVote && votedTerm == n.currentTerm

	lastIndex, lastTerm := n.log.LastIndexAndTerm()
	logOK := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	grant := logOK && (!alreadyVotedThisTerm || votedFor == args.CandidateID)
	if grant {
		if err := n.metaStore.WriteVote(n.currentTerm, args.CandidateID); err != nil {
			logger.Fatalf("consensus: cannot persist vote for term %d: %v", n.currentTerm, err)
		}
	}

	return &VoteReply{Term: n.currentTerm, VoteGranted: grant}
}

// stepDownLocked adopts newTerm and reverts to Follower. Caller must hold
// n.mu.
func (n *Node) stepDownLocked(newTerm int64) {
	if err := n.metaStore.WriteCurrentTerm(newTerm); err != nil {
		logger.Fatalf("consensus: cannot persist term %d: %v", newTerm, err)
	}
	n.currentTerm = newTerm
	n.status = Follower
	n.votesReceived = nil
	n.dropPendingAcksLocked(0)
}

// becomeLeaderLocked performs leader bootstrap: resetting per-follower
// progress, starting replicators, and appending the safe-mode barrier
// entry. Caller must hold n.mu.
func (n *Node) becomeLeaderLocked() {
	n.status = Leader
	n.currentLeader = n.cfg.SelfID
	n.inSafeMode = true

	length := n.log.Length()
	n.progress = make(map[string]*Progress)
	for _, peer := range n.cfg.Others() {
		n.progress[peer] = newProgress(length)
	}

	logger.Infof("became leader for term %d", n.currentTerm)

	if !n.singleNodeMode {
		n.wg.Add(1)
		go n.heartbeatLoop(n.currentTerm)
		for _, peer := range n.cfg.Others() {
			n.wg.Add(1)
			go n.replicateTo(peer, n.currentTerm)
		}
	}

	nopEntry := binlog.Entry{Op: binlog.OpNop, Term: n.currentTerm}
	go func() {
		if _, err := n.Propose(nopEntry, nil); err != nil {
			logger.Errorf("consensus: failed to append no-op barrier: %v", err)
		}
	}()
}
