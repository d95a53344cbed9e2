// Package rpcapi is the wire transport: a net/rpc service, gob-encoded,
// exposing every client-facing and replication method, plus a client
// that implements consensus.Transport for outbound replication calls.
// See DESIGN.md for why net/rpc plus gob was chosen over a heavier
// transport framework.
package rpcapi

import "github.com/tyronecai/ins/stats"

// PutArgs is the Put wire request.
type PutArgs struct {
	Uuid  string
	Key   string
	Value string
}

// WriteReply is the wire response shared by Put, Delete, Lock and UnLock.
type WriteReply struct {
	Success  bool
	LeaderId string
	Uuid     string // not set by any method; Login returns its token in LoginReply.Uuid
}

// GetArgs is the Get wire request.
type GetArgs struct {
	Uuid string
	Key  string
}

// GetReply is the Get wire response.
type GetReply struct {
	Success  bool
	Hit      bool
	Value    []byte
	LeaderId string
}

// DeleteArgs is the Delete wire request.
type DeleteArgs struct {
	Uuid string
	Key  string
}

// ScanArgs is the Scan wire request.
type ScanArgs struct {
	Uuid      string
	StartKey  string
	EndKey    string
	SizeLimit int
}

// ScanItem is one row of a Scan response.
type ScanItem struct {
	Key   string
	Value []byte
}

// ScanReply is the Scan wire response.
type ScanReply struct {
	Success  bool
	Items    []ScanItem
	HasMore  bool
	LeaderId string
}

// LockArgs is the Lock and UnLock wire request.
type LockArgs struct {
	Uuid      string
	Key       string
	SessionId string
}

// WatchArgs is the Watch wire request.
type WatchArgs struct {
	Uuid      string
	Key       string
	SessionId string
	OldValue  []byte
	KeyExist  bool
}

// WatchReply is the Watch wire response.
type WatchReply struct {
	Success  bool
	WatchKey string
	Key      string
	Value    []byte
	Deleted  bool
	Canceled bool
	LeaderId string
}

// KeepAliveArgs is the KeepAlive wire request.
type KeepAliveArgs struct {
	Uuid              string
	SessionId         string
	Locks             []string
	ForwardFromLeader bool
}

// KeepAliveReply is the KeepAlive wire response.
type KeepAliveReply struct {
	Success bool
}

// LoginArgs is the Login wire request.
type LoginArgs struct {
	Username string
	Passwd   string
}

// LoginReply is the Login wire response.
type LoginReply struct {
	Status int
	Uuid   string
}

// LogoutArgs is the Logout wire request.
type LogoutArgs struct {
	Uuid string
}

// StatusReply is the Logout and Register wire response.
type StatusReply struct {
	Status int
}

// RegisterArgs is the Register wire request.
type RegisterArgs struct {
	Username string
	Passwd   string
}

// ShowStatusArgs is the (argument-less) ShowStatus wire request.
type ShowStatusArgs struct{}

// ShowStatusReply is the ShowStatus wire response.
type ShowStatusReply struct {
	Status        int
	Term          int64
	LastLogIndex  int64
	LastLogTerm   int64
	CommitIndex   int64
	LastApplied   int64
	CurrentLeader string
	InSafeMode    bool
}

// CleanBinlogArgs is the CleanBinlog wire request.
type CleanBinlogArgs struct {
	EndIndex int64
}

// CleanBinlogReply is the CleanBinlog wire response.
type CleanBinlogReply struct {
	Success bool
}

// RpcStatArgs is the RpcStat wire request.
type RpcStatArgs struct {
	Ops []string
}

// RpcStatReply is the RpcStat wire response.
type RpcStatReply struct {
	Stats []stats.MethodStat
}
