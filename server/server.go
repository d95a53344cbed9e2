// Package server is the client request surface: it wires a consensus.Node
// to the application KV store, the session manager, and the watch
// registry, applying the admission-control and read-quorum rules that
// turn a raw replicated log into linearizable Put/Get/Scan/Lock/Watch
// semantics. The rpcapi package exposes these methods over the wire.
package server

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/tyronecai/ins/binlog"
	"github.com/tyronecai/ins/consensus"
	"github.com/tyronecai/ins/pkg/idutil"
	"github.com/tyronecai/ins/pkg/scheduleutil"
	"github.com/tyronecai/ins/session"
	"github.com/tyronecai/ins/store"
	"github.com/tyronecai/ins/watch"
	"github.com/tyronecai/ins/xlog"
)

var logger = xlog.NewLogger("server")

// scanResponseCap bounds a Scan response's cumulative payload size.
const scanResponseCap = 26 << 20

// bookkeepingKey mirrors store's reserved last-applied-index key so Scan
// can defensively skip it if a caller ever scans the anonymous namespace.
const bookkeepingKey = "#TAG_LAST_APPLIED_INDEX#"

// PeerKeepAliveClient is the subset of rpcapi.PeerTransport the leader
// needs to forward a session heartbeat to every follower.
// *rpcapi.PeerTransport satisfies it; tests use a fake.
type PeerKeepAliveClient interface {
	KeepAlive(peer, uuid, sessionID string, locks []string) (bool, error)
}

// Node is the client-facing half of one cluster member.
type Node struct {
	consensus     *consensus.Node
	kv            *store.Store
	sessions      *session.Manager
	watches       *watch.Registry
	peers         []string
	peerTransport PeerKeepAliveClient

	ackWait scheduleutil.Wait
	ackIDs  *idutil.Generator
}

// New wires a client request surface around an already-constructed
// consensus node and its shared stores. peers and peerTransport are used
// only to forward KeepAlive heartbeats to followers while this node is
// leader; either may be left nil/empty in a single-node deployment. The
// ack-id generator is seeded from the node's own id so two nodes'
// locally-scoped wait ids never need to agree with each other; only
// uniqueness within this process matters, since ackWait is never
// consulted across the wire.
func New(consensusNode *consensus.Node, kv *store.Store, sessions *session.Manager, watches *watch.Registry, peers []string, peerTransport PeerKeepAliveClient) *Node {
	h := fnv.New32a()
	h.Write([]byte(consensusNode.Config().SelfID))

	return &Node{
		consensus:     consensusNode,
		kv:            kv,
		sessions:      sessions,
		watches:       watches,
		peers:         peers,
		peerTransport: peerTransport,
		ackWait:       scheduleutil.NewWait(),
		ackIDs:        idutil.NewGenerator(uint16(h.Sum32()), time.Now()),
	}
}

type opKind int

const (
	opWrite opKind = iota
	opGated        // read, lock, scan, watch: blocked while the leader is in safe mode
)

// admitResult is shared by every client-facing method: a non-OK status
// means the caller should look at LeaderID (a redirect hint) and stop.
type admitResult struct {
	status   consensus.Status
	leaderID string
}

func (n *Node) admit(uuid string, kind opKind) admitResult {
	if uuid != "" && !n.sessions.IsLoggedIn(uuid) {
		return admitResult{status: consensus.StatusUuidExpired}
	}

	switch n.consensus.Status() {
	case consensus.Follower:
		return admitResult{status: consensus.StatusNotLeader, leaderID: n.consensus.CurrentLeader()}
	case consensus.Candidate:
		return admitResult{status: consensus.StatusNotLeader}
	}

	if kind == opGated && n.consensus.InSafeMode() {
		return admitResult{status: consensus.StatusBusy}
	}
	if kind == opWrite && n.consensus.PendingAckCount() >= n.consensus.Config().MaxWritePending {
		return admitResult{status: consensus.StatusBusy}
	}
	return admitResult{status: consensus.StatusOK}
}

// namespaceFor resolves the KV namespace a request operates in: the
// username bound to its login token, or the anonymous namespace for an
// anonymous (empty-token) request.
func (n *Node) namespaceFor(uuid string) string {
	return n.sessions.UsernameFromToken(uuid)
}

// proposeAndWait appends entry, blocks until it is applied (or ctx is
// done), and returns the apply result. The wait id is unrelated to the
// assigned log index deliberately: it is allocated before Propose runs,
// so the completion callback - which fires on the apply worker's
// goroutine, possibly before Propose even returns here - always finds a
// registered receiver.
func (n *Node) proposeAndWait(ctx context.Context, entry binlog.Entry) (consensus.ApplyResult, error) {
	id := n.ackIDs.Next()
	ch := n.ackWait.Register(id)

	if _, err := n.consensus.Propose(entry, func(r consensus.ApplyResult) {
		n.ackWait.Trigger(id, r)
	}); err != nil {
		return consensus.ApplyResult{}, err
	}

	select {
	case v := <-ch:
		return v.(consensus.ApplyResult), nil
	case <-ctx.Done():
		return consensus.ApplyResult{}, ctx.Err()
	}
}

// WriteResponse is the common shape of every mutating operation's result.
type WriteResponse struct {
	Status   consensus.Status
	LeaderID string
	Token    string // set by a successful Login
}

func (n *Node) doWrite(ctx context.Context, uuid string, entry binlog.Entry) WriteResponse {
	admit := n.admit(uuid, opWrite)
	if admit.status != consensus.StatusOK {
		return WriteResponse{Status: admit.status, LeaderID: admit.leaderID}
	}

	result, err := n.proposeAndWait(ctx, entry)
	if err != nil {
		return WriteResponse{Status: consensus.StatusError}
	}
	return WriteResponse{Status: result.Status, Token: result.Token}
}

// Put applies a Put write.
func (n *Node) Put(ctx context.Context, uuid, key, value string) WriteResponse {
	return n.doWrite(ctx, uuid, binlog.Entry{Op: binlog.OpPut, User: n.namespaceFor(uuid), Key: key, Value: value})
}

// Delete applies a Delete write.
func (n *Node) Delete(ctx context.Context, uuid, key string) WriteResponse {
	return n.doWrite(ctx, uuid, binlog.Entry{Op: binlog.OpDelete, User: n.namespaceFor(uuid), Key: key})
}

// Login applies a Login write. On success, WriteResponse.Token carries
// the caller's login token for use on subsequent requests.
func (n *Node) Login(ctx context.Context, username, passwd string) WriteResponse {
	token := session.CalcToken(username)
	if !n.sessions.IsValidUser(username) {
		return WriteResponse{Status: consensus.StatusUnknownUser}
	}
	return n.doWrite(ctx, "", binlog.Entry{Op: binlog.OpLogin, User: token, Key: username, Value: passwd})
}

// Logout applies a Logout write, revoking uuid.
func (n *Node) Logout(ctx context.Context, uuid string) WriteResponse {
	return n.doWrite(ctx, uuid, binlog.Entry{Op: binlog.OpLogout, User: uuid})
}

// Register applies a Register write, creating or updating username's
// credential.
func (n *Node) Register(ctx context.Context, username, passwd string) WriteResponse {
	return n.doWrite(ctx, "", binlog.Entry{Op: binlog.OpRegister, Key: username, Value: passwd})
}

// Lock attempts to acquire key for sessionID. A grant writes the lock
// into the KV store immediately (optimistic local placement) ahead of
// the log entry that durably records it; the apply path's own PutLock
// is then a no-op re-write, matching the idempotence the ordering
// guarantees require.
func (n *Node) Lock(ctx context.Context, uuid, key, sessionID string) WriteResponse {
	admit := n.admit(uuid, opGated)
	if admit.status != consensus.StatusOK {
		return WriteResponse{Status: admit.status, LeaderID: admit.leaderID}
	}

	namespace := n.namespaceFor(uuid)
	timeout := n.consensus.Config().SessionExpireTimeout

	if !n.canGrantLock(namespace, key, sessionID, timeout) {
		return WriteResponse{Status: consensus.StatusError}
	}

	if err := n.kv.PutLock(namespace, key, sessionID); err != nil {
		logger.Errorf("server: optimistic lock placement failed: %v", err)
		return WriteResponse{Status: consensus.StatusError}
	}

	return n.doWrite(ctx, uuid, binlog.Entry{Op: binlog.OpLock, User: namespace, Key: key, Value: sessionID})
}

func (n *Node) canGrantLock(namespace, key, sessionID string, timeout time.Duration) bool {
	tag, payload, ok, err := n.kv.Get(namespace, key)
	if err != nil {
		logger.Errorf("server: lock availability read failed: %v", err)
		return false
	}
	if !ok {
		return n.sessions.Exists(sessionID)
	}
	if tag != store.TagLock {
		return false
	}
	owner := string(payload)
	if owner == sessionID {
		return true // reentrant
	}
	return n.sessions.IsExpired(owner, timeout) && n.sessions.Exists(sessionID)
}

// UnLock releases key, unconditionally appending the log entry: the
// apply-time check against the stored owner makes a stale or
// already-released Unlock a no-op.
func (n *Node) UnLock(ctx context.Context, uuid, key, sessionID string) WriteResponse {
	namespace := n.namespaceFor(uuid)
	return n.doWrite(ctx, uuid, binlog.Entry{Op: binlog.OpUnlock, User: namespace, Key: key, Value: sessionID})
}

// KeepAlive upserts sessionID's liveness record. It never touches the
// log: session state is volatile and rebuilt by clients after a leader
// change. A heartbeat that lands on the leader directly (forwardFromLeader
// false) is fanned out to every peer so their session tables stay warm
// across a failover; a forwarded heartbeat is only ever applied locally.
func (n *Node) KeepAlive(uuid, sessionID string, locks []string, forwardFromLeader bool) bool {
	isLeader := n.consensus.Status() == consensus.Leader
	if !isLeader && !forwardFromLeader {
		return false
	}
	n.sessions.KeepAlive(sessionID, uuid, locks)

	if isLeader && !forwardFromLeader {
		n.forwardKeepAlive(uuid, sessionID, locks)
	}
	return true
}

// forwardKeepAlive fire-and-forgets uuid's heartbeat to every peer.
func (n *Node) forwardKeepAlive(uuid, sessionID string, locks []string) {
	if n.peerTransport == nil {
		return
	}
	for _, peer := range n.peers {
		peer := peer
		go func() {
			if _, err := n.peerTransport.KeepAlive(peer, uuid, sessionID, locks); err != nil {
				logger.Warningf("server: forwarding keepalive to %s failed: %v", peer, err)
			}
		}()
	}
}

// GetResponse is the result of a linearizable Get.
type GetResponse struct {
	Status   consensus.Status
	LeaderID string
	Hit      bool
	Value    []byte
}

// Get performs a linearizable read.
func (n *Node) Get(uuid, key string) GetResponse {
	admit := n.admit(uuid, opGated)
	if admit.status != consensus.StatusOK {
		return GetResponse{Status: admit.status, LeaderID: admit.leaderID}
	}

	if !n.consensus.CanReadLocally() {
		if err := n.consensus.ConfirmReadQuorum(); err != nil {
			return GetResponse{Status: consensus.StatusNotLeader}
		}
	}

	namespace := n.namespaceFor(uuid)
	tag, payload, ok, err := n.kv.Get(namespace, key)
	if err != nil {
		return GetResponse{Status: consensus.StatusError}
	}
	hit, value := interpretRead(tag, payload, ok, n.sessions, n.consensus.Config().SessionExpireTimeout)
	return GetResponse{Status: consensus.StatusOK, Hit: hit, Value: value}
}

// interpretRead applies the stored tag's read semantics: a Lock value
// whose owning session has expired reads as a miss.
func interpretRead(tag store.Tag, payload []byte, ok bool, sessions *session.Manager, timeout time.Duration) (hit bool, value []byte) {
	if !ok {
		return false, nil
	}
	if tag == store.TagLock && sessions.IsExpired(string(payload), timeout) {
		return false, nil
	}
	return true, payload
}

// ScanEntry is one row of a Scan response.
type ScanEntry struct {
	Key   string
	Value []byte
}

// ScanResponse is the result of a Scan.
type ScanResponse struct {
	Status   consensus.Status
	LeaderID string
	Items    []ScanEntry
	HasMore  bool
}

// Scan lists entries in [start, end).
func (n *Node) Scan(uuid, start, end string, sizeLimit int) ScanResponse {
	admit := n.admit(uuid, opGated)
	if admit.status != consensus.StatusOK {
		return ScanResponse{Status: admit.status, LeaderID: admit.leaderID}
	}

	namespace := n.namespaceFor(uuid)
	raw, err := n.kv.Scan(namespace, start, end)
	if err != nil && err != store.ErrNamespaceNotFound {
		return ScanResponse{Status: consensus.StatusError}
	}

	timeout := n.consensus.Config().SessionExpireTimeout
	resp := ScanResponse{Status: consensus.StatusOK}
	size := 0
	for _, e := range raw {
		if e.Key == bookkeepingKey {
			continue
		}
		if e.Tag == store.TagLock && n.sessions.IsExpired(string(e.Payload), timeout) {
			continue
		}
		if sizeLimit > 0 && len(resp.Items) >= sizeLimit {
			resp.HasMore = true
			break
		}
		size += len(e.Key) + len(e.Payload)
		if size > scanResponseCap {
			resp.HasMore = true
			break
		}
		resp.Items = append(resp.Items, ScanEntry{Key: e.Key, Value: e.Payload})
	}
	return resp
}

// WatchResponse is the result of a Watch, delivered once the watch
// fires (immediately, or after a matching change).
type WatchResponse struct {
	Status   consensus.Status
	LeaderID string
	Key      string
	Value    []byte
	Deleted  bool
	Canceled bool
}

// Watch registers a one-shot watch on key and blocks until it fires or
// ctx is done.
func (n *Node) Watch(ctx context.Context, uuid, key, sessionID string, oldValue []byte, keyExist bool) WatchResponse {
	admit := n.admit(uuid, opGated)
	if admit.status != consensus.StatusOK {
		return WatchResponse{Status: admit.status, LeaderID: admit.leaderID}
	}

	namespace := n.namespaceFor(uuid)
	nsKey := watch.NamespaceKey(namespace, key)
	timeout := n.consensus.Config().SessionExpireTimeout

	fired := make(chan watch.Event, 1)
	w := &watch.Watch{
		Key:       nsKey,
		SessionID: sessionID,
		Fire:      func(ev watch.Event) { fired <- ev },
	}

	n.watches.RegisterOrFire(w, func() (watch.Event, bool) {
		tag, payload, ok, err := n.kv.Get(namespace, key)
		if err != nil {
			return watch.Event{}, false
		}
		hit, value := interpretRead(tag, payload, ok, n.sessions, timeout)
		if hit == keyExist && bytesEqual(value, oldValue) {
			return watch.Event{}, false
		}
		return watch.Event{Key: key, Value: value, Deleted: !hit}, true
	})

	select {
	case ev := <-fired:
		respKey := ev.Key
		if respKey == "" {
			respKey = key
		}
		return WatchResponse{Status: consensus.StatusOK, Key: respKey, Value: ev.Value, Deleted: ev.Deleted, Canceled: ev.Canceled}
	case <-ctx.Done():
		return WatchResponse{Status: consensus.StatusError, Key: key}
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
