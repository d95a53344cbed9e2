package consensus

import "time"

// Config holds every tunable exposed on the CLI surface.
type Config struct {
	SelfID  string
	Members []string // all cluster members including SelfID

	ElectTimeoutMin          time.Duration
	ElectTimeoutMax          time.Duration
	SessionExpireTimeout     time.Duration
	LogRepBatchMax           int
	ReplicationRetryTimespan time.Duration
	MaxClusterSize           int
	MaxWritePending          int
	MaxCommitPending         int64
	HeartbeatInterval        time.Duration
}

// DefaultConfig returns the tunables' documented defaults.
func DefaultConfig() Config {
	return Config{
		ElectTimeoutMin:          150 * time.Millisecond,
		ElectTimeoutMax:          300 * time.Millisecond,
		SessionExpireTimeout:     10 * time.Second,
		LogRepBatchMax:           100,
		ReplicationRetryTimespan: 200 * time.Millisecond,
		MaxClusterSize:           9,
		MaxWritePending:          1000,
		MaxCommitPending:         2000,
		HeartbeatInterval:        50 * time.Millisecond,
	}
}

// Others returns every member other than SelfID.
func (c Config) Others() []string {
	others := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m != c.SelfID {
			others = append(others, m)
		}
	}
	return others
}
