package store

import (
	"io/ioutil"
	"os"
	"testing"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "store-test")
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(dir)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return s, func() {
		s.Close()
		os.RemoveAll(dir)
	}
}

func TestGetOnUnopenedNamespace(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if _, _, _, err := s.Get("alice", "k"); err != ErrNamespaceNotFound {
		t.Fatalf("got err=%v, want ErrNamespaceNotFound", err)
	}
}

func TestPutOpensNamespaceLazily(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if err := s.Put("alice", "k", []byte("v")); err != nil {
		t.Fatal(err)
	}

	tag, payload, ok, err := s.Get("alice", "k")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if tag != TagPut || string(payload) != "v" {
		t.Fatalf("got (tag=%v, payload=%q), want (Put, v)", tag, payload)
	}
}

func TestPutLockTag(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if err := s.PutLock("alice", "lockpath", "session-1"); err != nil {
		t.Fatal(err)
	}

	tag, payload, ok, err := s.Get("alice", "lockpath")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if tag != TagLock || string(payload) != "session-1" {
		t.Fatalf("got (tag=%v, payload=%q), want (Lock, session-1)", tag, payload)
	}
}

func TestDeleteOnMissingKeyAndNamespace(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if err := s.Delete("nosuchuser", "k"); err != nil {
		t.Fatalf("delete on unopened namespace should succeed, got %v", err)
	}

	if err := s.Put("alice", "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("alice", "k"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok, _ := s.Get("alice", "k"); ok {
		t.Fatalf("expected miss after delete")
	}
	if err := s.Delete("alice", "k"); err != nil {
		t.Fatalf("delete of already-deleted key should succeed, got %v", err)
	}
}

func TestScanOrderAndRange(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	for _, k := range []string{"/a/3", "/a/1", "/a/2", "/b/1"} {
		if err := s.Put("alice", k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.Scan("alice", "/a/", "/b/")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	want := []string{"/a/1", "/a/2", "/a/3"}
	for i, e := range entries {
		if e.Key != want[i] {
			t.Fatalf("entry %d: got key %q, want %q", i, e.Key, want[i])
		}
	}
}

func TestScanUnbounded(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	for _, k := range []string{"a", "b", "c"} {
		s.Put("alice", k, []byte(k))
	}

	entries, err := s.Scan("alice", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
}

func TestLastAppliedIndexDefaultsToNegativeOne(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	index, err := s.LastAppliedIndex()
	if err != nil || index != -1 {
		t.Fatalf("got (%d, %v), want (-1, nil)", index, err)
	}
}

func TestSetAndGetLastAppliedIndex(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if err := s.SetLastAppliedIndex(42); err != nil {
		t.Fatal(err)
	}
	index, err := s.LastAppliedIndex()
	if err != nil || index != 42 {
		t.Fatalf("got (%d, %v), want (42, nil)", index, err)
	}
}

func TestNamespacesAreIndependent(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	s.Put("alice", "k", []byte("alice-value"))
	s.Put("bob", "k", []byte("bob-value"))

	_, aliceVal, _, err := s.Get("alice", "k")
	if err != nil {
		t.Fatal(err)
	}
	_, bobVal, _, err := s.Get("bob", "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(aliceVal) != "alice-value" || string(bobVal) != "bob-value" {
		t.Fatalf("namespaces leaked into each other: alice=%q bob=%q", aliceVal, bobVal)
	}
}

func TestReopenPreservesDataAndIndex(t *testing.T) {
	dir, err := ioutil.TempDir("", "store-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	s1.Put("alice", "k1", []byte("v1"))
	s1.Put("alice", "k2", []byte("v2"))
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if err := s2.OpenNamespace("alice"); err != nil {
		t.Fatal(err)
	}
	entries, err := s2.Scan("alice", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries after reopen, want 2", len(entries))
	}
}
