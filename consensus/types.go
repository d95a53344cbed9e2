package consensus

import "github.com/tyronecai/ins/binlog"

// NodeStatus is a node's role in the current term.
type NodeStatus int

const (
	Follower NodeStatus = iota
	Candidate
	Leader
)

func (s NodeStatus) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Status is the small error-kind enum shared by every client-facing
// response.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusUnknownUser
	StatusError
	StatusBadSlot
	StatusUuidExpired
	StatusBusy
	StatusNotLeader
)

// VoteArgs is the RequestVote RPC payload.
type VoteArgs struct {
	Term         int64
	CandidateID  string
	LastLogIndex int64
	LastLogTerm  int64
}

// VoteReply is the RequestVote RPC response.
type VoteReply struct {
	Term        int64
	VoteGranted bool
}

// AppendEntriesArgs is the AppendEntries RPC payload. Entries is empty
// for a pure heartbeat.
type AppendEntriesArgs struct {
	Term              int64
	LeaderID          string
	PrevLogIndex      int64
	PrevLogTerm       int64
	LeaderCommitIndex int64
	Entries           []binlog.Entry
}

// AppendEntriesReply is the AppendEntries RPC response.
type AppendEntriesReply struct {
	CurrentTerm int64
	Success     bool
	LogLength   int64
	IsBusy      bool
}

// Transport is the outbound-RPC boundary the replication engine drives;
// concrete network transport lives in the rpcapi package.
type Transport interface {
	AppendEntries(peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	Vote(peer string, args *VoteArgs) (*VoteReply, error)
}

// ApplyResult is handed to a pending ack's callback once its log index
// has been applied.
type ApplyResult struct {
	Index  int64
	Term   int64
	Status Status
	Token  string // set for a successful Login apply
	Entry  binlog.Entry
}

// AckCallback is a pending client ack's completion handle. The apply
// worker invokes it at most once, after the KV/session effect of the
// entry at Index has landed.
type AckCallback func(ApplyResult)
