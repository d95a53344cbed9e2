package consensus

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tyronecai/ins/binlog"
	"github.com/tyronecai/ins/meta"
	"github.com/tyronecai/ins/pkg/testutil"
	"github.com/tyronecai/ins/session"
	"github.com/tyronecai/ins/store"
	"github.com/tyronecai/ins/watch"
)

// fakeTransport dispatches RPCs directly to in-process nodes, standing in
// for the network in tests.
type fakeTransport struct {
	nodes map[string]*Node
}

func (t *fakeTransport) AppendEntries(peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	n, ok := t.nodes[peer]
	if !ok {
		return nil, errNotLeader
	}
	return n.HandleAppendEntries(args), nil
}

func (t *fakeTransport) Vote(peer string, args *VoteArgs) (*VoteReply, error) {
	n, ok := t.nodes[peer]
	if !ok {
		return nil, errNotLeader
	}
	return n.HandleVoteRequest(args), nil
}

type testNode struct {
	node *Node
	dir  string
}

func newSingleNodeCluster(t *testing.T) (*testNode, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "consensus-single")
	if err != nil {
		t.Fatal(err)
	}

	tn := buildNode(t, dir, "node-1", []string{"node-1"})
	tr := &fakeTransport{nodes: map[string]*Node{"node-1": tn.node}}
	tn.node.transport = tr

	if err := tn.node.Start(); err != nil {
		t.Fatal(err)
	}

	return tn, func() {
		tn.node.Stop()
		os.RemoveAll(dir)
	}
}

func buildNode(t *testing.T, baseDir, id string, members []string) *testNode {
	t.Helper()
	dir := filepath.Join(baseDir, id)

	ms, err := meta.Open(filepath.Join(dir, "meta"))
	if err != nil {
		t.Fatal(err)
	}
	log, err := binlog.Open(filepath.Join(dir, "binlog"))
	if err != nil {
		t.Fatal(err)
	}
	kv, err := store.Open(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	sessions := session.NewManager(ms)
	watches := watch.NewRegistry(4)

	cfg := DefaultConfig()
	cfg.SelfID = id
	cfg.Members = members
	cfg.ElectTimeoutMin = 30 * time.Millisecond
	cfg.ElectTimeoutMax = 60 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond

	node := New(cfg, nil, ms, log, kv, sessions, watches)
	return &testNode{node: node, dir: dir}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		testutil.FatalStack(t, fmt.Sprintf("condition not met within %v", timeout))
	}
}

func TestSingleNodeBecomesLeaderImmediately(t *testing.T) {
	tn, cleanup := newSingleNodeCluster(t)
	defer cleanup()

	if got := tn.node.Status(); got != Leader {
		t.Fatalf("got status %v, want Leader", got)
	}
	if tn.node.Term() != 1 {
		t.Fatalf("got term %d, want 1", tn.node.Term())
	}
}

func TestSingleNodeSafeModeClearsAfterNop(t *testing.T) {
	tn, cleanup := newSingleNodeCluster(t)
	defer cleanup()

	waitFor(t, time.Second, func() bool { return !tn.node.InSafeMode() })
}

func TestSingleNodeProposeAndApply(t *testing.T) {
	tn, cleanup := newSingleNodeCluster(t)
	defer cleanup()

	waitFor(t, time.Second, func() bool { return !tn.node.InSafeMode() })

	done := make(chan ApplyResult, 1)
	_, err := tn.node.Propose(binlog.Entry{Op: binlog.OpPut, Key: "k", Value: "v"}, func(r ApplyResult) {
		done <- r
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-done:
		if r.Status != StatusOK {
			t.Fatalf("got status %v, want StatusOK", r.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("ack was never completed")
	}

	_, payload, ok, err := tn.node.kv.Get("", "k")
	if err != nil || !ok || string(payload) != "v" {
		t.Fatalf("got (%q, %v, %v), want (v, true, nil)", payload, ok, err)
	}
}

func TestThreeNodeElectsALeader(t *testing.T) {
	dir, err := ioutil.TempDir("", "consensus-three")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	members := []string{"n1", "n2", "n3"}
	tr := &fakeTransport{nodes: make(map[string]*Node)}
	var tns []*testNode
	for _, id := range members {
		tn := buildNode(t, dir, id, members)
		tn.node.transport = tr
		tr.nodes[id] = tn.node
		tns = append(tns, tn)
	}

	for _, tn := range tns {
		if err := tn.node.Start(); err != nil {
			t.Fatal(err)
		}
	}
	defer func() {
		for _, tn := range tns {
			tn.node.Stop()
		}
	}()

	waitFor(t, 3*time.Second, func() bool {
		leaders := 0
		for _, tn := range tns {
			if tn.node.Status() == Leader {
				leaders++
			}
		}
		return leaders == 1
	})
}

func TestThreeNodeReplicatesAWrite(t *testing.T) {
	dir, err := ioutil.TempDir("", "consensus-three-write")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	members := []string{"n1", "n2", "n3"}
	tr := &fakeTransport{nodes: make(map[string]*Node)}
	var tns []*testNode
	for _, id := range members {
		tn := buildNode(t, dir, id, members)
		tn.node.transport = tr
		tr.nodes[id] = tn.node
		tns = append(tns, tn)
	}
	for _, tn := range tns {
		if err := tn.node.Start(); err != nil {
			t.Fatal(err)
		}
	}
	defer func() {
		for _, tn := range tns {
			tn.node.Stop()
		}
	}()

	var leader *testNode
	waitFor(t, 3*time.Second, func() bool {
		for _, tn := range tns {
			if tn.node.Status() == Leader && !tn.node.InSafeMode() {
				leader = tn
				return true
			}
		}
		return false
	})

	done := make(chan ApplyResult, 1)
	if _, err := leader.node.Propose(binlog.Entry{Op: binlog.OpPut, Key: "k", Value: "v"}, func(r ApplyResult) {
		done <- r
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-done:
		if r.Status != StatusOK {
			t.Fatalf("got status %v, want StatusOK", r.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("write was never applied on the leader")
	}

	waitFor(t, 3*time.Second, func() bool {
		for _, tn := range tns {
			_, payload, ok, err := tn.node.kv.Get("", "k")
			if err != nil || !ok || string(payload) != "v" {
				return false
			}
		}
		return true
	})
}
