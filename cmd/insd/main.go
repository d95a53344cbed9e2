// Command insd runs one node of a replicated, strongly-consistent
// coordination cluster: leader election, replicated log, key/value
// store, sessions, locks and watches, served over net/rpc.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/tyronecai/ins/binlog"
	"github.com/tyronecai/ins/consensus"
	"github.com/tyronecai/ins/gc"
	"github.com/tyronecai/ins/kvstore"
	"github.com/tyronecai/ins/meta"
	"github.com/tyronecai/ins/pkg/osutil"
	"github.com/tyronecai/ins/pkg/types"
	"github.com/tyronecai/ins/rpcapi"
	"github.com/tyronecai/ins/server"
	"github.com/tyronecai/ins/session"
	"github.com/tyronecai/ins/stats"
	"github.com/tyronecai/ins/store"
	"github.com/tyronecai/ins/watch"
	"github.com/tyronecai/ins/xlog"
)

var logger = xlog.NewLogger("insd")

// config holds every tunable named on the command line.
type config struct {
	clusterMembers string
	serverID       string

	electTimeoutMin          time.Duration
	electTimeoutMax          time.Duration
	sessionExpireTimeout     time.Duration
	logRepBatchMax           int
	replicationRetryTimespan time.Duration
	maxClusterSize           int
	maxWritePending          int
	maxCommitPending         int64

	insGCInterval            time.Duration
	insDataDir               string
	insBinlogDir             string
	insBinlogCompress        bool
	insBinlogBlockSize       int
	insBinlogWriteBufferSize int64

	rootUser     string
	rootPassword string
}

func parseFlags() config {
	var c config
	flag.StringVar(&c.clusterMembers, "cluster_members", "", "comma-separated list of every member's listen address, including this one")
	flag.StringVar(&c.serverID, "server_id", "", "this node's listen address, must appear in cluster_members")

	flag.DurationVar(&c.electTimeoutMin, "elect_timeout_min", 150*time.Millisecond, "minimum randomized election timeout")
	flag.DurationVar(&c.electTimeoutMax, "elect_timeout_max", 300*time.Millisecond, "maximum randomized election timeout")
	flag.DurationVar(&c.sessionExpireTimeout, "session_expire_timeout", 10*time.Second, "how long a session survives without a KeepAlive")
	flag.IntVar(&c.logRepBatchMax, "log_rep_batch_max", 100, "maximum entries sent in one AppendEntries batch")
	flag.DurationVar(&c.replicationRetryTimespan, "replication_retry_timespan", 200*time.Millisecond, "delay between replication retries to a lagging follower")
	flag.IntVar(&c.maxClusterSize, "max_cluster_size", 9, "largest cluster size this node will accept membership for")
	flag.IntVar(&c.maxWritePending, "max_write_pending", 1000, "maximum unacknowledged proposals before writes are rejected")
	flag.Int64Var(&c.maxCommitPending, "max_commit_pending", 2000, "maximum committed-but-unapplied entries before writes are rejected")

	flag.DurationVar(&c.insGCInterval, "ins_gc_interval", 2*time.Second, "how often the leader polls peers and broadcasts a binlog GC point")
	flag.StringVar(&c.insDataDir, "ins_data_dir", "", "directory for the meta store and application key/value store")
	flag.StringVar(&c.insBinlogDir, "ins_binlog_dir", "", "directory for the replicated log")
	flag.BoolVar(&c.insBinlogCompress, "ins_binlog_compress", false, "accepted for CLI compatibility; no BoltDB analogue, so this is a no-op")
	flag.IntVar(&c.insBinlogBlockSize, "ins_binlog_block_size", 0, "accepted for CLI compatibility; no BoltDB analogue, so this is a no-op")
	flag.Int64Var(&c.insBinlogWriteBufferSize, "ins_binlog_write_buffer_size", 0, "passed through as BoltDB's initial mmap size hint")

	flag.StringVar(&c.rootUser, "root_user", "root", "root credential username seeded at startup")
	flag.StringVar(&c.rootPassword, "root_password", "root", "root credential password seeded at startup")

	flag.Parse()
	return c
}

func (c config) validate() error {
	if c.serverID == "" {
		return fmt.Errorf("insd: --server_id is required")
	}
	if c.clusterMembers == "" {
		return fmt.Errorf("insd: --cluster_members is required")
	}
	if c.insDataDir == "" {
		return fmt.Errorf("insd: --ins_data_dir is required")
	}
	if c.insBinlogDir == "" {
		return fmt.Errorf("insd: --ins_binlog_dir is required")
	}
	members := splitMembers(c.clusterMembers)
	if _, err := types.NewURLs(members); err != nil {
		return fmt.Errorf("insd: --cluster_members: %w", err)
	}
	if len(members) > c.maxClusterSize {
		return fmt.Errorf("insd: cluster_members has %d entries, exceeding max_cluster_size %d", len(members), c.maxClusterSize)
	}
	found := false
	for _, m := range members {
		if m == c.serverID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("insd: server_id %q is not present in cluster_members", c.serverID)
	}
	return nil
}

func splitMembers(raw string) []string {
	parts := strings.Split(raw, ",")
	members := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			members = append(members, p)
		}
	}
	return members
}

func main() {
	cfg := parseFlags()
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		logger.Errorf("insd: %v", err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	members := splitMembers(cfg.clusterMembers)
	others := make([]string, 0, len(members)-1)
	for _, m := range members {
		if m != cfg.serverID {
			others = append(others, m)
		}
	}

	ms, err := meta.Open(cfg.insDataDir)
	if err != nil {
		return fmt.Errorf("opening meta store: %w", err)
	}

	binlogOpts := kvstore.Options{InitialMmapSize: cfg.insBinlogWriteBufferSize}
	log, err := binlog.OpenWithOptions(cfg.insBinlogDir, binlogOpts)
	if err != nil {
		return fmt.Errorf("opening binlog: %w", err)
	}

	kv, err := store.OpenWithOptions(cfg.insDataDir, binlogOpts)
	if err != nil {
		return fmt.Errorf("opening key/value store: %w", err)
	}

	sessions := session.NewManager(ms)
	hasRoot, err := sessions.LoadRootCredential()
	if err != nil {
		return fmt.Errorf("loading root credential: %w", err)
	}
	if !hasRoot {
		if err := sessions.BootstrapRoot(cfg.rootUser, cfg.rootPassword); err != nil {
			return fmt.Errorf("bootstrapping root credential: %w", err)
		}
	}

	watches := watch.NewRegistry(len(members) * 4)

	consensusCfg := consensus.Config{
		SelfID:                   cfg.serverID,
		Members:                  members,
		ElectTimeoutMin:          cfg.electTimeoutMin,
		ElectTimeoutMax:          cfg.electTimeoutMax,
		SessionExpireTimeout:     cfg.sessionExpireTimeout,
		LogRepBatchMax:           cfg.logRepBatchMax,
		ReplicationRetryTimespan: cfg.replicationRetryTimespan,
		MaxClusterSize:           cfg.maxClusterSize,
		MaxWritePending:          cfg.maxWritePending,
		MaxCommitPending:         cfg.maxCommitPending,
		HeartbeatInterval:        cfg.electTimeoutMin / 3,
	}

	peerTransport := rpcapi.NewPeerTransport()
	cn := consensus.New(consensusCfg, peerTransport, ms, log, kv, sessions, watches)

	sn := server.New(cn, kv, sessions, watches, others, peerTransport)
	reaper := server.NewReaper(sn)
	statsRegistry := stats.NewRegistry()
	svc := rpcapi.NewService(cn, sn, statsRegistry)

	gcCoordinator := gc.New(cfg.serverID, others, cfg.insGCInterval, cn, peerTransport)

	if err := cn.Start(); err != nil {
		return fmt.Errorf("starting consensus node: %w", err)
	}

	ln, err := rpcapi.Serve(cfg.serverID, svc)
	if err != nil {
		cn.Stop()
		return fmt.Errorf("listening on %s: %w", cfg.serverID, err)
	}

	reaper.Start()
	gcCoordinator.Start()

	shutdown := func() {
		logger.Infof("insd: shutting down")
		gcCoordinator.Stop()
		reaper.Stop()
		ln.Close()
		cn.Stop()
		watches.Close()
		kv.Close()
		log.Close()
		ms.Close()
	}
	osutil.RegisterInterruptHandler(func() {
		shutdown()
		os.Exit(0)
	})
	osutil.WaitForInterruptSignals(syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	logger.Infof("insd: node %s listening, cluster=%v", cfg.serverID, members)
	select {}
}
