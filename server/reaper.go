package server

import (
	"context"
	"sync"
	"time"

	"github.com/tyronecai/ins/binlog"
	"github.com/tyronecai/ins/consensus"
)

const reapInterval = 2 * time.Second

// Reaper periodically expires stale sessions and reaps the locks they
// held. It lives in server rather than session because expiring a lock
// or session on the leader requires appending log entries, and session
// cannot import consensus without a cycle (consensus already imports
// session for the credential and liveness tables).
type Reaper struct {
	node *Node

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReaper creates a reaper for node. Call Start to begin its ticker.
func NewReaper(node *Node) *Reaper {
	return &Reaper{node: node, stopCh: make(chan struct{})}
}

// Start runs the reaper loop in a background goroutine.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop signals the reaper to exit and waits for it.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reapOnce()
		}
	}
}

// reapOnce cancels watches for every session that has gone silent past
// its expiry timeout, then - if this node still leads - proposes a
// Unlock for every lock those sessions held.
func (r *Reaper) reapOnce() {
	timeout := r.node.consensus.Config().SessionExpireTimeout
	expired := r.node.sessions.ExpiredSessions(timeout)
	if len(expired) == 0 {
		return
	}

	for _, s := range expired {
		r.node.watches.CancelSession(s.ID)
	}

	if r.node.consensus.Status() != consensus.Leader {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reapInterval)
	defer cancel()

	for _, s := range expired {
		for key := range s.Locks {
			namespace := r.node.sessions.UsernameFromToken(s.Token)
			entry := binlog.Entry{Op: binlog.OpUnlock, User: namespace, Key: key, Value: s.ID}
			if _, err := r.node.proposeAndWait(ctx, entry); err != nil {
				logger.Warningf("server: reaper unlock for expired session %s failed: %v", s.ID, err)
			}
		}
		if s.Token != "" {
			entry := binlog.Entry{Op: binlog.OpLogout, User: s.Token}
			if _, err := r.node.proposeAndWait(ctx, entry); err != nil {
				logger.Warningf("server: reaper logout for expired session %s failed: %v", s.ID, err)
			}
		}
	}
}
