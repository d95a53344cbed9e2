package rpcapi

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/tyronecai/ins/binlog"
	"github.com/tyronecai/ins/consensus"
	"github.com/tyronecai/ins/meta"
	"github.com/tyronecai/ins/pkg/netutil"
	"github.com/tyronecai/ins/server"
	"github.com/tyronecai/ins/session"
	"github.com/tyronecai/ins/stats"
	"github.com/tyronecai/ins/store"
	"github.com/tyronecai/ins/watch"
)

type clusterMember struct {
	addr      string
	consensus *consensus.Node
	server    *server.Node
	kv        *store.Store
	listener  *Listener
	dir       string
}

func startCluster(t *testing.T, n int) ([]*clusterMember, func()) {
	t.Helper()

	ports, err := netutil.GetFreeTCPPorts(n)
	if err != nil {
		t.Fatal(err)
	}
	addrs := make([]string, n)
	for i, p := range ports {
		addrs[i] = fmt.Sprintf("127.0.0.1:%d", p)
	}

	members := make([]*clusterMember, n)
	for i, addr := range addrs {
		dir, err := ioutil.TempDir("", "cluster-test")
		if err != nil {
			t.Fatal(err)
		}

		ms, err := meta.Open(dir + "/meta")
		if err != nil {
			t.Fatal(err)
		}
		log, err := binlog.Open(dir + "/binlog")
		if err != nil {
			t.Fatal(err)
		}
		kv, err := store.Open(dir + "/store")
		if err != nil {
			t.Fatal(err)
		}
		sessions := session.NewManager(ms)
		watches := watch.NewRegistry(4)

		cfg := consensus.DefaultConfig()
		cfg.SelfID = addr
		cfg.Members = addrs
		cfg.ElectTimeoutMin = 50 * time.Millisecond
		cfg.ElectTimeoutMax = 100 * time.Millisecond
		cfg.HeartbeatInterval = 15 * time.Millisecond

		others := make([]string, 0, len(addrs)-1)
		for _, a := range addrs {
			if a != addr {
				others = append(others, a)
			}
		}

		peerTransport := NewPeerTransport()
		cn := consensus.New(cfg, peerTransport, ms, log, kv, sessions, watches)
		sn := server.New(cn, kv, sessions, watches, others, peerTransport)
		svc := NewService(cn, sn, stats.NewRegistry())

		ln, err := Serve(addr, svc)
		if err != nil {
			t.Fatal(err)
		}

		members[i] = &clusterMember{addr: addr, consensus: cn, server: sn, kv: kv, listener: ln, dir: dir}
	}

	for _, m := range members {
		if err := m.consensus.Start(); err != nil {
			t.Fatal(err)
		}
	}

	cleanup := func() {
		for _, m := range members {
			m.listener.Close()
			m.consensus.Stop()
			os.RemoveAll(m.dir)
		}
	}
	return members, cleanup
}

func waitForLeader(t *testing.T, members []*clusterMember) *clusterMember {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range members {
			if m.consensus.Status() == consensus.Leader && !m.consensus.InSafeMode() {
				return m
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected in time")
	return nil
}

func TestThreeNodeClusterElectsLeaderAndReplicatesOverTheWire(t *testing.T) {
	members, cleanup := startCluster(t, 3)
	defer cleanup()

	leader := waitForLeader(t, members)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp := leader.server.Put(ctx, "", "k", "v")
	if resp.Status != consensus.StatusOK {
		t.Fatalf("put on leader: %+v", resp)
	}

	for _, m := range members {
		deadline := time.Now().Add(2 * time.Second)
		// Followers refuse client reads, so look at each member's store.
		var value []byte
		var ok bool
		for time.Now().Before(deadline) {
			_, value, ok, _ = m.kv.Get("", "k")
			if ok {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if !ok || string(value) != "v" {
			t.Fatalf("node %s: expected to see replicated write, got ok=%v value=%q", m.addr, ok, value)
		}
	}
}
