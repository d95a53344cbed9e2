package consensus

import "time"

// CanReadLocally reports whether a linearizable read may be answered from
// local state without a fresh quorum round trip: either this is a
// single-node cluster, or a quorum heartbeat succeeded within the last
// elect_timeout_min window.
func (n *Node) CanReadLocally() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.singleNodeMode {
		return true
	}
	return !n.heartbeatReadTimestamp.IsZero() && time.Since(n.heartbeatReadTimestamp) < n.cfg.ElectTimeoutMin
}

// ConfirmReadQuorum blocks until a majority of followers have
// acknowledged a fresh heartbeat, or returns an error if this node steps
// down or too many followers fail to respond in time to reach quorum. On
// success it updates heartbeatReadTimestamp so subsequent reads can use
// CanReadLocally.
func (n *Node) ConfirmReadQuorum() error {
	n.mu.Lock()
	if n.singleNodeMode {
		n.heartbeatReadTimestamp = time.Now()
		n.mu.Unlock()
		return nil
	}
	if n.status != Leader {
		n.mu.Unlock()
		return errNotLeader
	}
	myTerm := n.currentTerm
	peers := n.cfg.Others()
	n.mu.Unlock()

	type outcome struct {
		ok bool
	}
	results := make(chan outcome, len(peers))

	for _, peer := range peers {
		go func(peer string) {
			n.mu.Lock()
			args := n.probeArgsLocked(peer, myTerm)
			n.mu.Unlock()

			reply, err := n.transport.AppendEntries(peer, args)
			if err != nil {
				results <- outcome{ok: false}
				return
			}
			if reply.CurrentTerm > myTerm {
				n.mu.Lock()
				if reply.CurrentTerm > n.currentTerm {
					n.stepDownLocked(reply.CurrentTerm)
				}
				n.mu.Unlock()
				results <- outcome{ok: false}
				return
			}
			results <- outcome{ok: reply.Success}
		}(peer)
	}

	successCount := 1 // self
	errorCount := 0
	needed := len(n.cfg.Members)/2 + 1

	for i := 0; i < len(peers); i++ {
		r := <-results
		if r.ok {
			successCount++
		} else {
			errorCount++
		}
		if successCount >= needed {
			n.mu.Lock()
			if n.status == Leader && n.currentTerm == myTerm {
				n.heartbeatReadTimestamp = time.Now()
			}
			n.mu.Unlock()
			return nil
		}
		if errorCount > len(n.cfg.Members)/2 {
			return errReadQuorumFailed
		}
	}
	return errReadQuorumFailed
}
