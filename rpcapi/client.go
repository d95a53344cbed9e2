package rpcapi

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"github.com/tyronecai/ins/consensus"
)

// replicationDeadline bounds a single outbound AppendEntries or Vote
// call. Vote RPCs inherit the same deadline for simplicity.
const replicationDeadline = 60 * time.Second

// gcPollDeadline bounds a GC coordinator's ShowStatus/CleanBinlog polls.
const gcPollDeadline = 2 * time.Second

// Client is a lazily-dialed, auto-reconnecting connection to one peer.
// A failed call drops the underlying connection so the next call re-dials
// rather than reusing a connection net/rpc has already given up on.
type Client struct {
	addr string

	mu  sync.Mutex
	rpc *rpc.Client
}

// NewClient creates a client for the peer listening at addr.
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Close drops the underlying connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

func (c *Client) dial() (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		return c.rpc, nil
	}
	conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("rpcapi: dial %s: %w", c.addr, err)
	}
	c.rpc = rpc.NewClient(conn)
	return c.rpc, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

func (c *Client) call(method string, args, reply interface{}, deadline time.Duration) error {
	rc, err := c.dial()
	if err != nil {
		return err
	}

	call := rc.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case res := <-call.Done:
		if res.Error != nil {
			c.invalidate()
			return res.Error
		}
		return nil
	case <-time.After(deadline):
		c.invalidate()
		return fmt.Errorf("rpcapi: %s to %s timed out after %s", method, c.addr, deadline)
	}
}

// AppendEntries implements consensus.Transport's outbound call.
func (c *Client) AppendEntries(args *consensus.AppendEntriesArgs) (*consensus.AppendEntriesReply, error) {
	var reply consensus.AppendEntriesReply
	if err := c.call("Service.AppendEntries", args, &reply, replicationDeadline); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Vote implements consensus.Transport's outbound call.
func (c *Client) Vote(args *consensus.VoteArgs) (*consensus.VoteReply, error) {
	var reply consensus.VoteReply
	if err := c.call("Service.Vote", args, &reply, replicationDeadline); err != nil {
		return nil, err
	}
	return &reply, nil
}

// KeepAlive forwards a leader-observed session heartbeat to this peer,
// so a follower's session table stays warm across a failover.
func (c *Client) KeepAlive(uuid, sessionID string, locks []string) (bool, error) {
	args := &KeepAliveArgs{Uuid: uuid, SessionId: sessionID, Locks: locks, ForwardFromLeader: true}
	var reply KeepAliveReply
	err := c.call("Service.KeepAlive", args, &reply, gcPollDeadline)
	return reply.Success, err
}

// ShowStatus polls the peer's status, used by the GC coordinator.
func (c *Client) ShowStatus() (ShowStatusReply, error) {
	var reply ShowStatusReply
	err := c.call("Service.ShowStatus", &ShowStatusArgs{}, &reply, gcPollDeadline)
	return reply, err
}

// CleanBinlog asks the peer to truncate its log prefix up to endIndex.
func (c *Client) CleanBinlog(endIndex int64) (bool, error) {
	var reply CleanBinlogReply
	err := c.call("Service.CleanBinlog", &CleanBinlogArgs{EndIndex: endIndex}, &reply, gcPollDeadline)
	return reply.Success, err
}

// PeerTransport implements consensus.Transport over a pool of lazily
// dialed per-peer clients, keyed by the peer's listen address (which
// doubles as its node id).
type PeerTransport struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewPeerTransport creates an empty peer transport.
func NewPeerTransport() *PeerTransport {
	return &PeerTransport{clients: make(map[string]*Client)}
}

func (t *PeerTransport) clientFor(peer string) *Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[peer]
	if !ok {
		c = NewClient(peer)
		t.clients[peer] = c
	}
	return c
}

func (t *PeerTransport) AppendEntries(peer string, args *consensus.AppendEntriesArgs) (*consensus.AppendEntriesReply, error) {
	return t.clientFor(peer).AppendEntries(args)
}

func (t *PeerTransport) Vote(peer string, args *consensus.VoteArgs) (*consensus.VoteReply, error) {
	return t.clientFor(peer).Vote(args)
}

// KeepAlive forwards uuid's session heartbeat to peer through the shared
// client pool.
func (t *PeerTransport) KeepAlive(peer, uuid, sessionID string, locks []string) (bool, error) {
	return t.clientFor(peer).KeepAlive(uuid, sessionID, locks)
}

// ShowStatus polls peer's status through the shared client pool.
func (t *PeerTransport) ShowStatus(peer string) (ShowStatusReply, error) {
	return t.clientFor(peer).ShowStatus()
}

// CleanBinlog asks peer to truncate its log prefix through the shared
// client pool.
func (t *PeerTransport) CleanBinlog(peer string, endIndex int64) (bool, error) {
	return t.clientFor(peer).CleanBinlog(endIndex)
}
