package session

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/tyronecai/ins/meta"
)

func newTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "session-test")
	if err != nil {
		t.Fatal(err)
	}
	ms, err := meta.Open(dir)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return NewManager(ms), func() {
		ms.Close()
		os.RemoveAll(dir)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	if m.IsValidUser("alice") {
		t.Fatalf("alice should not exist yet")
	}
	if got := m.Register("alice", "hunter2"); got != StatusOK {
		t.Fatalf("got %v, want StatusOK", got)
	}
	if !m.IsValidUser("alice") {
		t.Fatalf("alice should exist after register")
	}

	token := CalcToken("alice")
	if got := m.Login(token, "alice", "hunter2"); got != StatusOK {
		t.Fatalf("got %v, want StatusOK", got)
	}
	if !m.IsLoggedIn(token) {
		t.Fatalf("token should be logged in")
	}
	if got := m.UsernameFromToken(token); got != "alice" {
		t.Fatalf("got %q, want alice", got)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	m.Register("alice", "hunter2")
	token := CalcToken("alice")
	if got := m.Login(token, "alice", "wrong"); got != StatusUnknownUser {
		t.Fatalf("got %v, want StatusUnknownUser", got)
	}
	if m.IsLoggedIn(token) {
		t.Fatalf("token should not be logged in after failed login")
	}
}

func TestLogout(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	m.Register("alice", "hunter2")
	token := CalcToken("alice")
	m.Login(token, "alice", "hunter2")

	m.Logout(token)
	if m.IsLoggedIn(token) {
		t.Fatalf("token should not be logged in after logout")
	}
	// logging out an already-unknown token is a no-op
	if got := m.Logout(token); got != StatusOK {
		t.Fatalf("got %v, want StatusOK on double logout", got)
	}
}

func TestEmptyTokenIsAlwaysValid(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	if !m.IsLoggedIn("") {
		t.Fatalf("empty token should always be considered logged in")
	}
	if got := m.UsernameFromToken(""); got != "" {
		t.Fatalf("got %q, want empty username for anonymous", got)
	}
}

func TestBootstrapRootSurvivesLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "session-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	ms1, err := meta.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	m1 := NewManager(ms1)
	if err := m1.BootstrapRoot("root", "toor"); err != nil {
		t.Fatal(err)
	}
	ms1.Close()

	ms2, err := meta.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer ms2.Close()
	m2 := NewManager(ms2)
	if found, err := m2.LoadRootCredential(); err != nil {
		t.Fatal(err)
	} else if !found {
		t.Fatal("expected LoadRootCredential to find the bootstrapped record")
	}
	if !m2.IsValidUser("root") {
		t.Fatalf("root should be valid after loading from meta store")
	}
	if got := m2.Login(CalcToken("root"), "root", "toor"); got != StatusOK {
		t.Fatalf("got %v, want StatusOK", got)
	}
}

func TestKeepAliveAndExpiry(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	m.KeepAlive("s1", "tok", []string{"k1", "k2"})
	if !m.Exists("s1") {
		t.Fatalf("s1 should exist after keepalive")
	}
	if m.IsExpired("s1", time.Hour) {
		t.Fatalf("s1 should not be expired yet")
	}
	if !m.IsExpired("no-such-session", time.Hour) {
		t.Fatalf("an unknown session should be treated as expired")
	}

	expired := m.ExpiredSessions(0)
	found := false
	for _, s := range expired {
		if s.ID == "s1" {
			found = true
			if !s.Locks["k1"] || !s.Locks["k2"] {
				t.Fatalf("expected s1's locks to be reported, got %+v", s.Locks)
			}
		}
	}
	if !found {
		t.Fatalf("expected s1 among expired sessions")
	}
	if m.Exists("s1") {
		t.Fatalf("s1 should be removed after being reaped")
	}
}

func TestAddRemoveLock(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	m.AddLock("s1", "k1")
	if !m.Exists("s1") {
		t.Fatalf("AddLock should create a bare session record")
	}

	expired := m.ExpiredSessions(0)
	found := false
	for _, s := range expired {
		if s.ID == "s1" && s.Locks["k1"] {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected s1 to carry lock k1 into expiry")
	}
}

func TestRemoveLock(t *testing.T) {
	m, cleanup := newTestManager(t)
	defer cleanup()

	m.KeepAlive("s1", "", []string{"k1", "k2"})
	m.RemoveLock("s1", "k1")

	expired := m.ExpiredSessions(0)
	for _, s := range expired {
		if s.ID == "s1" {
			if s.Locks["k1"] {
				t.Fatalf("k1 should have been removed")
			}
			if !s.Locks["k2"] {
				t.Fatalf("k2 should still be present")
			}
		}
	}
}
