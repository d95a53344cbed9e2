package consensus

import "errors"

var (
	errNotLeader        = errors.New("consensus: not leader")
	errReadQuorumFailed = errors.New("consensus: could not confirm read quorum")
	errUnsafeGC         = errors.New("consensus: gc index is ahead of last applied")
)
