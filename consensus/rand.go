package consensus

import (
	"math/rand"
	"sync"
	"time"
)

// lockedRand wraps a *rand.Rand with a mutex so every election-timeout
// draw can share one seeded source instead of racing on the global
// math/rand default.
type lockedRand struct {
	mu   sync.Mutex
	rand *rand.Rand
}

func (r *lockedRand) Intn(n int) int {
	r.mu.Lock()
	v := r.rand.Intn(n)
	r.mu.Unlock()
	return v
}

var globalRand = &lockedRand{rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
