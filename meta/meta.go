// Package meta is the durable store for the three pieces of state a node
// must remember across restarts before it may safely take part in an
// election: the current term, who it voted for in that term, and the root
// user's credential. All three live as flat files under a data directory.
// term.data and vote.data are written the way an append-only log is
// written: never rewritten in place, only ever grown, so a write that dies
// halfway through leaves the previous record intact. root.data holds a
// single record and is rewritten on every write.
//
// term.data and vote.data are read by scanning every record from the start
// of the file and keeping the last one that parses cleanly. That makes an
// incomplete trailing record - the tail end of a write that crashed before
// its fsync landed - equivalent to it never having been written: the reader
// silently falls back to the last complete record before it.
package meta

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tyronecai/ins/pkg/fileutil"
	"github.com/tyronecai/ins/xlog"
)

var logger = xlog.NewLogger("meta")

const (
	termFileName = "term.data"
	voteFileName = "vote.data"
	rootFileName = "root.data"
)

// Store is the durable term/vote/root-credential store for a single node.
// All methods are safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	dir string

	termFile *os.File
	voteFile *os.File
}

// Open opens (creating if absent) the meta files under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, fileutil.PrivateDirMode); err != nil {
		return nil, fmt.Errorf("meta: cannot create %s: %w", dir, err)
	}

	termFile, err := fileutil.OpenToAppend(filepath.Join(dir, termFileName))
	if err != nil {
		return nil, fmt.Errorf("meta: cannot open term file: %w", err)
	}
	voteFile, err := fileutil.OpenToAppend(filepath.Join(dir, voteFileName))
	if err != nil {
		termFile.Close()
		return nil, fmt.Errorf("meta: cannot open vote file: %w", err)
	}

	return &Store{dir: dir, termFile: termFile, voteFile: voteFile}, nil
}

// Close closes the open file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err1 := s.termFile.Close()
	err2 := s.voteFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// lastValidLine scans f from the beginning and returns the last line that
// is terminated by a newline. An unterminated trailing fragment - a torn
// write - is dropped.
func lastValidLine(f *os.File) (string, bool, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", false, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return "", false, err
	}
	// Whatever follows the final newline is either empty or a torn write.
	lines := strings.Split(string(data), "\n")
	lines = lines[:len(lines)-1]
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] != "" {
			return lines[i], true, nil
		}
	}
	return "", false, nil
}

// appendLine writes line plus a trailing newline and fsyncs before
// returning. A flush failure here is unrecoverable: the node cannot safely
// continue participating in elections without a durable record of its vote
// or term, so the caller is expected to treat the error as fatal.
func appendLine(f *os.File, line string) error {
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		return err
	}
	return fileutil.Fsync(f)
}

// ReadCurrentTerm returns the last durably recorded term, or 0 if none has
// ever been written.
func (s *Store) ReadCurrentTerm() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, ok, err := lastValidLine(s.termFile)
	if err != nil {
		return 0, fmt.Errorf("meta: read term: %w", err)
	}
	if !ok {
		return 0, nil
	}
	term, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		logger.Warningf("meta: ignoring unparsable term record %q: %v", line, err)
		return 0, nil
	}
	return term, nil
}

// WriteCurrentTerm durably appends a new current-term record.
func (s *Store) WriteCurrentTerm(term int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := appendLine(s.termFile, strconv.FormatInt(term, 10)); err != nil {
		logger.Fatalf("meta: fatal: cannot persist term %d: %v", term, err)
		return err
	}
	return nil
}

// ReadVote returns the (term, candidateID) pair of the most recent vote
// cast, and ok=false if no vote has ever been recorded.
func (s *Store) ReadVote() (term int64, candidateID string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, found, err := lastValidLine(s.voteFile)
	if err != nil {
		return 0, "", false, fmt.Errorf("meta: read vote: %w", err)
	}
	if !found {
		return 0, "", false, nil
	}

	fields := strings.Fields(line)
	if len(fields) != 2 {
		logger.Warningf("meta: ignoring malformed vote record %q", line)
		return 0, "", false, nil
	}
	t, perr := strconv.ParseInt(fields[0], 10, 64)
	if perr != nil {
		logger.Warningf("meta: ignoring malformed vote record %q: %v", line, perr)
		return 0, "", false, nil
	}
	return t, fields[1], true, nil
}

// WriteVote durably appends a new (term, candidateID) vote record.
func (s *Store) WriteVote(term int64, candidateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := fmt.Sprintf("%d %s", term, candidateID)
	if err := appendLine(s.voteFile, line); err != nil {
		logger.Fatalf("meta: fatal: cannot persist vote for term %d: %v", term, err)
		return err
	}
	return nil
}

// ReadRootCredential returns the root user's stored username and password
// hash, and ok=false if no credential has been written yet.
func (s *Store) ReadRootCredential() (username, passwordHash string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, rootFileName)
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("meta: read root credential: %w", rerr)
	}

	line := strings.TrimRight(string(data), "\n")
	if line == "" {
		return "", "", false, nil
	}
	parts := strings.SplitN(line, "\t", 2)
	if len(parts) != 2 {
		logger.Warningf("meta: ignoring malformed root credential record")
		return "", "", false, nil
	}
	return parts[0], parts[1], true, nil
}

// WriteRootCredential overwrites the root credential file with a single
// record, unlike the term and vote files which only ever grow. The bare
// bootstrap credential (see cmd/insd's --root_user/--root_password flags)
// is rewritten this way rather than appended, since only the latest value
// is ever meaningful.
func (s *Store) WriteRootCredential(username, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, rootFileName)
	f, err := fileutil.OpenToOverwrite(path)
	if err != nil {
		return fmt.Errorf("meta: cannot open root credential file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(fmt.Sprintf("%s\t%s\n", username, passwordHash)); err != nil {
		return err
	}
	if err := fileutil.Fsync(f); err != nil {
		logger.Fatalf("meta: fatal: cannot persist root credential: %v", err)
		return err
	}
	return nil
}
