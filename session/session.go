// Package session is the user/session manager: it holds the credential
// table (usernames to password hashes, mutated through log Register
// entries so every replica converges on the same table, plus the root
// credential seeded or loaded at startup), the login-token table (filled
// by log Login entries and the startup root credential, emptied by
// Logout), and the volatile session table that KeepAlive maintains. Login tokens are
// deterministic - sha256 of the username - so any replica can validate a
// token without a lookup round trip, and a client that logs in twice gets
// the same token both times.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/tyronecai/ins/meta"
	"github.com/tyronecai/ins/xlog"
)

var logger = xlog.NewLogger("session")

// Status mirrors the small error-kind enum used across the request
// surface (Ok, UnknownUser, and so on for this package's slice of it).
type Status int

const (
	StatusOK Status = iota
	StatusUnknownUser
	StatusError
)

// CalcToken derives the deterministic login token for username.
func CalcToken(username string) string {
	sum := sha256.Sum256([]byte(username))
	return hex.EncodeToString(sum[:])
}

// HashPassword derives the stored password hash for passwd. Passwords
// are never stored or logged in the clear.
func HashPassword(passwd string) string {
	sum := sha256.Sum256([]byte(passwd))
	return hex.EncodeToString(sum[:])
}

// Session is one client's liveness record.
type Session struct {
	ID             string
	Token          string
	LastReportTime time.Time
	Locks          map[string]bool
}

// Manager owns the credential table and the volatile session table. All
// methods are safe for concurrent use.
type Manager struct {
	metaStore *meta.Store

	credMu sync.RWMutex
	creds  map[string]string // username -> password hash
	tokens map[string]string // token -> username

	sessMu   sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager backed by metaStore for the root
// credential fallback.
func NewManager(metaStore *meta.Store) *Manager {
	return &Manager{
		metaStore: metaStore,
		creds:     make(map[string]string),
		tokens:    make(map[string]string),
		sessions:  make(map[string]*Session),
	}
}

// BootstrapRoot seeds (or overwrites) the root user's credential, both in
// the in-memory table and durably in the Meta Store, mirroring the
// --root_user/--root_password startup flags.
func (m *Manager) BootstrapRoot(username, passwd string) error {
	hash := HashPassword(passwd)
	if err := m.metaStore.WriteRootCredential(username, hash); err != nil {
		return fmt.Errorf("session: bootstrapping root credential: %w", err)
	}

	m.credMu.Lock()
	defer m.credMu.Unlock()
	m.creds[username] = hash
	m.tokens[CalcToken(username)] = username
	return nil
}

// LoadRootCredential loads whatever root credential the Meta Store
// currently holds into the in-memory table, reporting whether one was
// found. Callers should only fall back to BootstrapRoot when this
// reports false, so a root password changed via Register survives a
// restart instead of being reset to the startup flags' default.
func (m *Manager) LoadRootCredential() (bool, error) {
	username, hash, ok, err := m.metaStore.ReadRootCredential()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	m.credMu.Lock()
	defer m.credMu.Unlock()
	m.creds[username] = hash
	m.tokens[CalcToken(username)] = username
	return true, nil
}

// IsValidUser reports whether username has a stored credential.
func (m *Manager) IsValidUser(username string) bool {
	m.credMu.RLock()
	defer m.credMu.RUnlock()
	_, ok := m.creds[username]
	return ok
}

// Register applies a Register log entry: stores the credential, creating
// the user if absent or overwriting its password hash otherwise. Returns
// StatusOK unconditionally - registration always succeeds - matching the
// idempotence required of at-least-once log apply.
func (m *Manager) Register(username, passwd string) Status {
	hash := HashPassword(passwd)

	m.credMu.Lock()
	defer m.credMu.Unlock()
	m.creds[username] = hash
	return StatusOK
}

// Login applies a Login log entry: token is the entry's user field (see
// binlog.Entry.User for the Login op), username is its key field, passwd
// its value field. Returns StatusUnknownUser if the credential doesn't
// match, else StatusOK and marks the token logged in.
func (m *Manager) Login(token, username, passwd string) Status {
	m.credMu.Lock()
	defer m.credMu.Unlock()

	hash, ok := m.creds[username]
	if !ok || hash != HashPassword(passwd) {
		return StatusUnknownUser
	}
	m.tokens[token] = username
	return StatusOK
}

// Logout applies a Logout log entry, revoking token. Logging out an
// already-unknown token is a no-op, satisfying at-least-once apply.
func (m *Manager) Logout(token string) Status {
	m.credMu.Lock()
	defer m.credMu.Unlock()
	delete(m.tokens, token)
	return StatusOK
}

// IsLoggedIn reports whether token currently maps to a username. An empty
// token is always considered valid - the request surface treats it as
// "anonymous" rather than "expired".
func (m *Manager) IsLoggedIn(token string) bool {
	if token == "" {
		return true
	}
	m.credMu.RLock()
	defer m.credMu.RUnlock()
	_, ok := m.tokens[token]
	return ok
}

// UsernameFromToken returns the username bound to token, or "" if the
// token is unknown or empty. The empty username is also the anonymous
// namespace's name, matching store's anonymousNamespace convention for
// requests carrying no token.
func (m *Manager) UsernameFromToken(token string) string {
	if token == "" {
		return ""
	}
	m.credMu.RLock()
	defer m.credMu.RUnlock()
	return m.tokens[token]
}

// KeepAlive upserts sessionID's liveness record, replacing its lock set
// with locks. Called both from a client's direct KeepAlive RPC and from a
// leader forwarding the heartbeat to followers, so every replica's
// session table stays in sync without going through the log.
func (m *Manager) KeepAlive(sessionID, token string, locks []string) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		s = &Session{ID: sessionID, Locks: make(map[string]bool)}
		m.sessions[sessionID] = s
	}
	s.Token = token
	s.LastReportTime = time.Now()
	s.Locks = make(map[string]bool, len(locks))
	for _, k := range locks {
		s.Locks[k] = true
	}
}

// AddLock records that sessionID holds key, creating a bare session
// record if none is tracked yet (a Lock can apply on a leader before any
// KeepAlive for that session has arrived). It leaves an existing
// record's LastReportTime untouched, so it does not by itself keep a
// stale session from expiring; a newly created record starts at the
// current time.
func (m *Manager) AddLock(sessionID, key string) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		s = &Session{ID: sessionID, LastReportTime: time.Now(), Locks: make(map[string]bool)}
		m.sessions[sessionID] = s
	}
	s.Locks[key] = true
}

// RemoveLock drops key from sessionID's lock set, if tracked.
func (m *Manager) RemoveLock(sessionID, key string) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		delete(s.Locks, key)
	}
}

// Exists reports whether sessionID is currently tracked, regardless of
// expiry - used by the lock-acquisition check ("the caller's session
// exists").
func (m *Manager) Exists(sessionID string) bool {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// IsExpired reports whether sessionID is unknown, or known but has not
// reported within timeout. An unknown session is treated as expired so
// that a lock held by a session this node has never heard of (e.g. right
// after a restart) can still be reclaimed.
func (m *Manager) IsExpired(sessionID string, timeout time.Duration) bool {
	m.sessMu.RLock()
	defer m.sessMu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return true
	}
	return time.Since(s.LastReportTime) > timeout
}

// ExpiredSessions returns every session whose last report is older than
// timeout, and removes them from the table. For each, it also returns the
// set of keys it held locked, so the caller (the reaper) can synthesize
// Unlock entries.
func (m *Manager) ExpiredSessions(timeout time.Duration) []Session {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	var expired []Session
	now := time.Now()
	for id, s := range m.sessions {
		if now.Sub(s.LastReportTime) <= timeout {
			continue
		}
		locks := make(map[string]bool, len(s.Locks))
		for k := range s.Locks {
			locks[k] = true
		}
		expired = append(expired, Session{ID: id, Token: s.Token, Locks: locks})
		delete(m.sessions, id)
	}
	return expired
}
