// Package watch is the one-shot watch subsystem: clients register a
// watch on a key and get a single notification the next time that key's
// value or existence changes, or their session expires. Every watch is
// indexed twice - by key, so a Put/Delete can find the watches to fire,
// and by (session, key), so a session's watches can be canceled together
// when it expires or re-registers on the same key.
//
// A parent-key notification lets a watch on a directory-like prefix (say
// "/a") observe writes to its children ("/a/b"): applying any Put, Delete,
// Lock or Unlock also synthesizes a notification on the parent key. If no
// watcher is registered on the parent at that instant, the notification
// is retried once after a short delay to close the race against a
// watcher that registers a few milliseconds later.
package watch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tyronecai/ins/pkg/scheduleutil"
	"github.com/tyronecai/ins/xlog"
)

var logger = xlog.NewLogger("watch")

// parentRetryDelay is how long a parent-key notification with no current
// watcher waits before retrying once, closing the race between a Watch
// call in flight and the mutation that would have satisfied it.
const parentRetryDelay = 2 * time.Second

// Event describes what happened to a watched key.
type Event struct {
	Key      string
	Value    []byte
	Deleted  bool
	Canceled bool
}

// Watch is a single pending registration. Fire is called exactly once,
// either with the triggering Event or with {Canceled: true} if the owning
// session expired first.
type Watch struct {
	Key       string
	SessionID string
	Fire      func(Event)

	fired bool
}

// Registry holds every pending watch across all namespaces; callers scope
// keys with NamespaceKey so one registry serves every user.
type Registry struct {
	mu         sync.Mutex
	byKey      map[string]map[*Watch]struct{}
	bySession  map[string]map[*Watch]struct{}
	timers     map[string]*time.Timer
	retryDelay time.Duration

	pool    []scheduleutil.Scheduler
	poolCtr uint64
}

// NewRegistry creates an empty watch registry whose event-trigger pool
// holds poolSize independent FIFO schedulers; a fired watch's Fire call
// runs on one of them instead of its own bare goroutine, bounding how
// many notifications can run concurrently. poolSize is clamped to at
// least 1.
func NewRegistry(poolSize int) *Registry {
	if poolSize < 1 {
		poolSize = 1
	}
	pool := make([]scheduleutil.Scheduler, poolSize)
	for i := range pool {
		pool[i] = scheduleutil.NewSchedulerFIFO()
	}
	return &Registry{
		byKey:      make(map[string]map[*Watch]struct{}),
		bySession:  make(map[string]map[*Watch]struct{}),
		timers:     make(map[string]*time.Timer),
		retryDelay: parentRetryDelay,
		pool:       pool,
	}
}

// Close stops every scheduler in the event-trigger pool, running out
// whatever is already pending.
func (r *Registry) Close() {
	for _, s := range r.pool {
		s.Stop()
	}
}

// fire schedules w.Fire(ev) on the event-trigger pool instead of
// spawning a bare goroutine, so a burst of notifications is bounded by
// pool size rather than unbounded goroutine fan-out.
func (r *Registry) fire(w *Watch, ev Event) {
	idx := atomic.AddUint64(&r.poolCtr, 1) % uint64(len(r.pool))
	r.pool[idx].Schedule(func(context.Context) { w.Fire(ev) })
}

// parentRetryDelayOverrideForTest lets tests shrink the parent-key retry
// delay so they don't have to wait out the real 2s window.
func (r *Registry) parentRetryDelayOverrideForTest(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retryDelay = d
}

// Register adds w, canceling any prior watch this session already held on
// the same key.
func (r *Registry) Register(w *Watch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(w)
}

func (r *Registry) registerLocked(w *Watch) {
	r.cancelLocked(w.SessionID, w.Key)

	if r.byKey[w.Key] == nil {
		r.byKey[w.Key] = make(map[*Watch]struct{})
	}
	r.byKey[w.Key][w] = struct{}{}

	if r.bySession[w.SessionID] == nil {
		r.bySession[w.SessionID] = make(map[*Watch]struct{})
	}
	r.bySession[w.SessionID][w] = struct{}{}
}

// RegisterOrFire evaluates check while holding the registry's lock. If
// check reports the watch's condition is already satisfied, w is fired
// immediately with the returned event instead of being registered. This
// closes the race between a caller's read of a key's current state and
// registering a watch for its next change: no Trigger call can land
// between the check and the registration decision.
func (r *Registry) RegisterOrFire(w *Watch, check func() (Event, bool)) {
	r.mu.Lock()
	if ev, fire := check(); fire {
		r.mu.Unlock()
		w.fired = true
		r.fire(w, ev)
		return
	}
	r.registerLocked(w)
	r.mu.Unlock()
}

// cancelLocked removes and fires-as-canceled any existing watch for
// (sessionID, key). Caller must hold r.mu.
func (r *Registry) cancelLocked(sessionID, key string) {
	for w := range r.bySession[sessionID] {
		if w.Key != key || w.fired {
			continue
		}
		r.removeLocked(w)
		w.fired = true
		r.fire(w, Event{Canceled: true})
	}
}

func (r *Registry) removeLocked(w *Watch) {
	if set, ok := r.byKey[w.Key]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(r.byKey, w.Key)
		}
	}
	if set, ok := r.bySession[w.SessionID]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(r.bySession, w.SessionID)
		}
	}
}

// Trigger fires every watch registered on key with ev, then attempts to
// fire key's parent's watches with the same ev - so a watcher registered
// on the parent still learns which child actually changed. If the
// parent currently has no watchers, the parent trigger is retried once
// after parentRetryDelay.
func (r *Registry) Trigger(key string, ev Event) {
	r.fireExact(key, ev)

	parent, ok := ParentKey(key)
	if !ok {
		return
	}
	if r.fireExact(parent, ev) {
		return
	}
	r.scheduleParentRetry(parent, ev)
}

// fireExact fires every watch registered exactly on key and reports
// whether any watcher existed.
func (r *Registry) fireExact(key string, ev Event) bool {
	r.mu.Lock()
	set := r.byKey[key]
	if len(set) == 0 {
		r.mu.Unlock()
		return false
	}
	watches := make([]*Watch, 0, len(set))
	for w := range set {
		watches = append(watches, w)
	}
	for _, w := range watches {
		r.removeLocked(w)
		w.fired = true
	}
	r.mu.Unlock()

	for _, w := range watches {
		r.fire(w, ev)
	}
	return true
}

func (r *Registry) scheduleParentRetry(parent string, ev Event) {
	r.mu.Lock()
	if _, pending := r.timers[parent]; pending {
		r.mu.Unlock()
		return
	}
	delay := r.retryDelay
	timer := time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, parent)
		r.mu.Unlock()
		r.fireExact(parent, ev)
	})
	r.timers[parent] = timer
	r.mu.Unlock()
}

// CancelSession removes every watch owned by sessionID and fires each
// with Canceled: true, called by the reaper when a session expires.
func (r *Registry) CancelSession(sessionID string) {
	r.mu.Lock()
	set := r.bySession[sessionID]
	watches := make([]*Watch, 0, len(set))
	for w := range set {
		watches = append(watches, w)
	}
	for _, w := range watches {
		r.removeLocked(w)
		w.fired = true
	}
	r.mu.Unlock()

	for _, w := range watches {
		r.fire(w, Event{Canceled: true})
	}
}

// ParentKey returns the substring of key up to (excluding) the last "/",
// and false if key has no "/" and so has no parent.
func ParentKey(key string) (string, bool) {
	idx := strings.LastIndexByte(key, '/')
	if idx < 0 {
		return "", false
	}
	return key[:idx], true
}

// namespaceSep separates a namespace prefix from the key proper in a
// NamespaceKey result. It is a control byte that cannot appear in a
// namespace (a username), so registry keys for different users never
// collide even when the raw keys are identical.
const namespaceSep = "\x1f"

// NamespaceKey scopes key to namespace, so the same registry can serve
// every user's KV namespace without cross-user watch collisions.
func NamespaceKey(namespace, key string) string {
	return namespace + namespaceSep + key
}
