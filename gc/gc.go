// Package gc is the leader-driven binlog garbage collector: periodically
// compute the minimum last_applied index across every cluster member and
// instruct everyone to drop log entries below it.
package gc

import (
	"time"

	"github.com/tyronecai/ins/consensus"
	"github.com/tyronecai/ins/rpcapi"
	"github.com/tyronecai/ins/xlog"
)

var logger = xlog.NewLogger("gc")

// PeerStatusClient is the subset of rpcapi.PeerTransport the coordinator
// needs to poll and instruct peers. *rpcapi.PeerTransport satisfies it;
// tests use a fake.
type PeerStatusClient interface {
	ShowStatus(peer string) (rpcapi.ShowStatusReply, error)
	CleanBinlog(peer string, endIndex int64) (bool, error)
}

// Coordinator runs the GC poll-and-broadcast loop while its node remains
// leader. It is harmless to run on a follower: a round simply does
// nothing until Status flips back to observing Leader.
type Coordinator struct {
	selfID    string
	peers     []string
	interval  time.Duration
	consensus *consensus.Node
	transport PeerStatusClient

	lastCleanIndex int64

	stopCh chan struct{}
	done   chan struct{}
}

// New creates a coordinator for a node whose id is selfID and whose
// cluster includes peers (not including selfID).
func New(selfID string, peers []string, interval time.Duration, consensusNode *consensus.Node, transport PeerStatusClient) *Coordinator {
	return &Coordinator{
		selfID:         selfID,
		peers:          peers,
		interval:       interval,
		consensus:      consensusNode,
		transport:      transport,
		lastCleanIndex: -1,
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start runs the coordinator loop in a background goroutine.
func (c *Coordinator) Start() {
	go c.run()
}

// Stop signals the loop to exit and waits for it.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.done
}

func (c *Coordinator) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

// pollOnce runs one round of the poll-and-broadcast cycle. It is a
// no-op unless this node is currently leader.
func (c *Coordinator) pollOnce() {
	if c.consensus.Status() != consensus.Leader {
		return
	}

	minApplied := c.consensus.LastApplied()

	for _, peer := range c.peers {
		reply, err := c.transport.ShowStatus(peer)
		if err != nil {
			logger.Warningf("gc: ShowStatus(%s) failed: %v", peer, err)
			return // any failure aborts this round
		}
		if reply.LastApplied < minApplied {
			minApplied = reply.LastApplied
		}
	}

	safeCleanIndex := minApplied - 1
	if safeCleanIndex == c.lastCleanIndex || safeCleanIndex < 0 {
		return
	}
	c.lastCleanIndex = safeCleanIndex

	if err := c.consensus.CleanBinlog(safeCleanIndex); err != nil {
		logger.Warningf("gc: local CleanBinlog(%d) failed: %v", safeCleanIndex, err)
	}
	for _, peer := range c.peers {
		if ok, err := c.transport.CleanBinlog(peer, safeCleanIndex); err != nil || !ok {
			logger.Warningf("gc: CleanBinlog(%s, %d) failed: %v", peer, safeCleanIndex, err)
		}
	}
}
