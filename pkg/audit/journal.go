package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	segmentPrefix   = "audit-"
	segmentSuffix   = ".jsonl"
	archivedSuffix  = ".archived"
	defaultSegSize  = 16 << 20
	segmentFileMode = 0o644
)

// ErrJournalClosed is returned by writes after Close.
var ErrJournalClosed = errors.New("audit journal closed")

// Record is one journal line: an event chained to its predecessor by hash.
type Record struct {
	Event
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash"`
}

// JournalConfig configures a Journal.
type JournalConfig struct {
	Dir string
	// MaxSegmentSize rotates the active segment once it grows past this
	// many bytes.
	MaxSegmentSize int64
}

// Journal is an append-only, hash-chained JSONL event journal split into
// segments named by their first sequence number. Every write is fsynced
// before it returns.
type Journal struct {
	dir     string
	maxSize int64

	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	size     int64
	lastHash string
	lastSeq  uint64
	closed   bool
}

// OpenJournal opens the journal in dir, verifying the existing chain and
// continuing the newest unarchived segment.
func OpenJournal(cfg JournalConfig) (*Journal, error) {
	if cfg.Dir == "" {
		return nil, errors.New("audit journal: directory is required")
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultSegSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit journal directory: %w", err)
	}

	j := &Journal{dir: cfg.Dir, maxSize: cfg.MaxSegmentSize}
	if err := j.Replay(func(Record) error { return nil }); err != nil {
		return nil, err
	}

	segments, err := j.segments()
	if err != nil {
		return nil, err
	}
	active := ""
	if n := len(segments); n > 0 && !strings.HasSuffix(segments[n-1], archivedSuffix) {
		active = segments[n-1]
	}
	if err := j.openSegment(active); err != nil {
		return nil, err
	}
	return j, nil
}

// segments lists segment files in sequence order.
func (j *Journal) segments() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) {
			continue
		}
		if strings.HasSuffix(name, segmentSuffix) || strings.HasSuffix(name, segmentSuffix+archivedSuffix) {
			out = append(out, filepath.Join(j.dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (j *Journal) openSegment(path string) error {
	if path == "" {
		path = filepath.Join(j.dir, fmt.Sprintf("%s%020d%s", segmentPrefix, j.lastSeq+1, segmentSuffix))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, segmentFileMode)
	if err != nil {
		return fmt.Errorf("open audit segment: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit segment: %w", err)
	}
	j.file = f
	j.writer = bufio.NewWriter(f)
	j.size = stat.Size()
	return nil
}

// Write appends an event.
func (j *Journal) Write(e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	r := Record{Event: e, PrevHash: j.lastHash}
	r.Hash = hashRecord(r)
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	line = append(line, '\n')

	n, err := j.writer.Write(line)
	if err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush audit record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync audit segment: %w", err)
	}

	j.lastHash = r.Hash
	j.lastSeq = e.Seq
	j.size += int64(n)

	if j.size >= j.maxSize {
		return j.rotateLocked()
	}
	return nil
}

// Rotate closes the active segment, if it holds any records, and starts a
// new one.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	if j.size == 0 {
		return nil
	}
	return j.rotateLocked()
}

func (j *Journal) rotateLocked() error {
	flushErr := j.writer.Flush()
	closeErr := j.file.Close()
	if flushErr != nil {
		return fmt.Errorf("flush before rotation: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close segment before rotation: %w", closeErr)
	}
	return j.openSegment("")
}

// ClosedSegments returns segments that are complete and not yet archived.
func (j *Journal) ClosedSegments() ([]string, error) {
	j.mu.Lock()
	active := ""
	if j.file != nil {
		active = j.file.Name()
	}
	j.mu.Unlock()

	all, err := j.segments()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range all {
		if s != active && !strings.HasSuffix(s, archivedSuffix) {
			out = append(out, s)
		}
	}
	return out, nil
}

// MarkArchived records that a closed segment was uploaded. The file stays
// on disk so the chain can still be replayed.
func (j *Journal) MarkArchived(path string) error {
	if filepath.Dir(path) != filepath.Clean(j.dir) {
		return fmt.Errorf("segment %s is not in %s", path, j.dir)
	}
	return os.Rename(path, path+archivedSuffix)
}

// Replay reads every segment in order, verifying the hash chain, and calls
// fn for each record. It is meant for startup, before concurrent writes.
func (j *Journal) Replay(fn func(Record) error) error {
	segments, err := j.segments()
	if err != nil {
		return err
	}

	prev := ""
	var lastSeq uint64
	for _, path := range segments {
		last, seq, err := verifySegment(path, prev, fn)
		if err != nil {
			return err
		}
		if last != "" {
			prev = last
			lastSeq = seq
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastHash == "" {
		j.lastHash = prev
		j.lastSeq = lastSeq
	}
	return nil
}

// LastSeq returns the sequence number of the last journaled event.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Close flushes and closes the active segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	flushErr := j.writer.Flush()
	closeErr := j.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
