package meta

import (
	"io/ioutil"
	"os"
	"testing"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "meta-test")
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

func TestReadCurrentTermEmpty(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	term, err := s.ReadCurrentTerm()
	if err != nil || term != 0 {
		t.Fatalf("got (%d, %v), want (0, nil)", term, err)
	}
}

func TestWriteReadCurrentTerm(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	for _, term := range []int64{1, 2, 5, 42} {
		if err := s.WriteCurrentTerm(term); err != nil {
			t.Fatal(err)
		}
		got, err := s.ReadCurrentTerm()
		if err != nil || got != term {
			t.Fatalf("got (%d, %v), want (%d, nil)", got, err, term)
		}
	}
}

func TestWriteReadVote(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if _, _, ok, err := s.ReadVote(); err != nil || ok {
		t.Fatalf("expected no vote yet, got ok=%v err=%v", ok, err)
	}

	if err := s.WriteVote(1, "node-a"); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteVote(2, "node-b"); err != nil {
		t.Fatal(err)
	}

	term, candidate, ok, err := s.ReadVote()
	if err != nil || !ok || term != 2 || candidate != "node-b" {
		t.Fatalf("got (%d, %q, %v, %v), want (2, node-b, true, nil)", term, candidate, ok, err)
	}
}

func TestReadVoteIgnoresTornTrailingRecord(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if err := s.WriteVote(1, "node-a"); err != nil {
		t.Fatal(err)
	}

	// simulate a crash mid-write: a trailing record with no newline
	if _, err := s.voteFile.WriteString("2 node-b"); err != nil {
		t.Fatal(err)
	}

	term, candidate, ok, err := s.ReadVote()
	if err != nil || !ok || term != 1 || candidate != "node-a" {
		t.Fatalf("got (%d, %q, %v, %v), want (1, node-a, true, nil) - torn record should be ignored", term, candidate, ok, err)
	}
}

func TestRootCredentialOverwrite(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	if _, _, ok, err := s.ReadRootCredential(); err != nil || ok {
		t.Fatalf("expected no root credential yet, got ok=%v err=%v", ok, err)
	}

	if err := s.WriteRootCredential("root", "hash1"); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteRootCredential("root", "hash2"); err != nil {
		t.Fatal(err)
	}

	user, hash, ok, err := s.ReadRootCredential()
	if err != nil || !ok || user != "root" || hash != "hash2" {
		t.Fatalf("got (%q, %q, %v, %v), want (root, hash2, true, nil)", user, hash, ok, err)
	}
}

func TestReopenPreservesState(t *testing.T) {
	dir, err := ioutil.TempDir("", "meta-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	s1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.WriteCurrentTerm(7); err != nil {
		t.Fatal(err)
	}
	if err := s1.WriteVote(7, "node-c"); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	term, err := s2.ReadCurrentTerm()
	if err != nil || term != 7 {
		t.Fatalf("got (%d, %v), want (7, nil)", term, err)
	}
	voteTerm, candidate, ok, err := s2.ReadVote()
	if err != nil || !ok || voteTerm != 7 || candidate != "node-c" {
		t.Fatalf("got (%d, %q, %v, %v), want (7, node-c, true, nil)", voteTerm, candidate, ok, err)
	}
}
