package rpcapi

import (
	"context"
	"time"

	"github.com/tyronecai/ins/consensus"
	"github.com/tyronecai/ins/server"
	"github.com/tyronecai/ins/stats"
	"github.com/tyronecai/ins/xlog"
)

var logger = xlog.NewLogger("rpcapi")

// serverCallTimeout bounds every client-facing method that waits for a
// log entry to apply (Put, Delete, Lock, UnLock, Login, Logout,
// Register). Watch is documented to block until it fires, and Get, Scan
// and KeepAlive do not wait on the log. It matches the 60s
// replication RPC deadline, since a write's server-side wait is gated
// by the same commit path a replication round trip is.
const serverCallTimeout = 60 * time.Second

// Service is the net/rpc-registered type. Every exported method has the
// (args *T, reply *T) error shape net/rpc requires; net/rpc invokes each
// concurrently in its own goroutine per inbound call, giving each
// connection its own worker without any extra plumbing.
type Service struct {
	consensus *consensus.Node
	server    *server.Node
	stats     *stats.Registry
}

// NewService wires a Service around a node's consensus and client-facing
// halves, ready for rpc.Register.
func NewService(consensusNode *consensus.Node, serverNode *server.Node, statsRegistry *stats.Registry) *Service {
	return &Service{consensus: consensusNode, server: serverNode, stats: statsRegistry}
}

func (s *Service) record(method string, start time.Time) {
	s.stats.Record(method, time.Since(start))
}

func (s *Service) Put(args *PutArgs, reply *WriteReply) error {
	defer s.record("Put", time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), serverCallTimeout)
	defer cancel()

	r := s.server.Put(ctx, args.Uuid, args.Key, args.Value)
	*reply = WriteReply{Success: r.Status == consensus.StatusOK, LeaderId: r.LeaderID}
	return nil
}

func (s *Service) Get(args *GetArgs, reply *GetReply) error {
	defer s.record("Get", time.Now())
	r := s.server.Get(args.Uuid, args.Key)
	*reply = GetReply{Success: r.Status == consensus.StatusOK, Hit: r.Hit, Value: r.Value, LeaderId: r.LeaderID}
	return nil
}

func (s *Service) Delete(args *DeleteArgs, reply *WriteReply) error {
	defer s.record("Delete", time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), serverCallTimeout)
	defer cancel()

	r := s.server.Delete(ctx, args.Uuid, args.Key)
	*reply = WriteReply{Success: r.Status == consensus.StatusOK, LeaderId: r.LeaderID}
	return nil
}

func (s *Service) Scan(args *ScanArgs, reply *ScanReply) error {
	defer s.record("Scan", time.Now())
	r := s.server.Scan(args.Uuid, args.StartKey, args.EndKey, args.SizeLimit)

	items := make([]ScanItem, len(r.Items))
	for i, it := range r.Items {
		items[i] = ScanItem{Key: it.Key, Value: it.Value}
	}
	*reply = ScanReply{Success: r.Status == consensus.StatusOK, Items: items, HasMore: r.HasMore, LeaderId: r.LeaderID}
	return nil
}

func (s *Service) Lock(args *LockArgs, reply *WriteReply) error {
	defer s.record("Lock", time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), serverCallTimeout)
	defer cancel()

	r := s.server.Lock(ctx, args.Uuid, args.Key, args.SessionId)
	*reply = WriteReply{Success: r.Status == consensus.StatusOK, LeaderId: r.LeaderID}
	return nil
}

func (s *Service) UnLock(args *LockArgs, reply *WriteReply) error {
	defer s.record("UnLock", time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), serverCallTimeout)
	defer cancel()

	r := s.server.UnLock(ctx, args.Uuid, args.Key, args.SessionId)
	*reply = WriteReply{Success: r.Status == consensus.StatusOK, LeaderId: r.LeaderID}
	return nil
}

// Watch deliberately carries no deadline: the wire method is documented
// as "held until triggered". A slow or wedged watch only ties up the
// net/rpc goroutine handling this one call, not the rest of the service.
func (s *Service) Watch(args *WatchArgs, reply *WatchReply) error {
	defer s.record("Watch", time.Now())
	r := s.server.Watch(context.Background(), args.Uuid, args.Key, args.SessionId, args.OldValue, args.KeyExist)
	*reply = WatchReply{
		Success:  r.Status == consensus.StatusOK,
		WatchKey: args.Key,
		Key:      r.Key,
		Value:    r.Value,
		Deleted:  r.Deleted,
		Canceled: r.Canceled,
		LeaderId: r.LeaderID,
	}
	return nil
}

func (s *Service) KeepAlive(args *KeepAliveArgs, reply *KeepAliveReply) error {
	defer s.record("KeepAlive", time.Now())
	reply.Success = s.server.KeepAlive(args.Uuid, args.SessionId, args.Locks, args.ForwardFromLeader)
	return nil
}

func (s *Service) Login(args *LoginArgs, reply *LoginReply) error {
	defer s.record("Login", time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), serverCallTimeout)
	defer cancel()

	r := s.server.Login(ctx, args.Username, args.Passwd)
	*reply = LoginReply{Status: int(r.Status), Uuid: r.Token}
	return nil
}

func (s *Service) Logout(args *LogoutArgs, reply *StatusReply) error {
	defer s.record("Logout", time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), serverCallTimeout)
	defer cancel()

	r := s.server.Logout(ctx, args.Uuid)
	reply.Status = int(r.Status)
	return nil
}

func (s *Service) Register(args *RegisterArgs, reply *StatusReply) error {
	defer s.record("Register", time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), serverCallTimeout)
	defer cancel()

	r := s.server.Register(ctx, args.Username, args.Passwd)
	reply.Status = int(r.Status)
	return nil
}

func (s *Service) AppendEntries(args *consensus.AppendEntriesArgs, reply *consensus.AppendEntriesReply) error {
	defer s.record("AppendEntries", time.Now())
	*reply = *s.consensus.HandleAppendEntries(args)
	return nil
}

func (s *Service) Vote(args *consensus.VoteArgs, reply *consensus.VoteReply) error {
	defer s.record("Vote", time.Now())
	*reply = *s.consensus.HandleVoteRequest(args)
	return nil
}

func (s *Service) ShowStatus(args *ShowStatusArgs, reply *ShowStatusReply) error {
	defer s.record("ShowStatus", time.Now())
	snap := s.consensus.ShowStatus()
	*reply = ShowStatusReply{
		Status:        int(snap.Status),
		Term:          snap.Term,
		LastLogIndex:  snap.LastLogIndex,
		LastLogTerm:   snap.LastLogTerm,
		CommitIndex:   snap.CommitIndex,
		LastApplied:   snap.LastApplied,
		CurrentLeader: snap.CurrentLeader,
		InSafeMode:    snap.InSafeMode,
	}
	return nil
}

func (s *Service) CleanBinlog(args *CleanBinlogArgs, reply *CleanBinlogReply) error {
	defer s.record("CleanBinlog", time.Now())
	if err := s.consensus.CleanBinlog(args.EndIndex); err != nil {
		logger.Warningf("rpcapi: CleanBinlog(%d) failed: %v", args.EndIndex, err)
		reply.Success = false
		return nil
	}
	reply.Success = true
	return nil
}

func (s *Service) RpcStat(args *RpcStatArgs, reply *RpcStatReply) error {
	reply.Stats = s.stats.Stats(args.Ops)
	return nil
}
