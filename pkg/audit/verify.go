package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrChainBroken means a journal record does not follow its predecessor.
var ErrChainBroken = errors.New("audit hash chain broken")

// hashRecord hashes a record with its Hash field cleared.
func hashRecord(r Record) string {
	r.Hash = ""
	data, _ := json.Marshal(r)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// verifySegment checks one segment file against the hash that preceded it
// and returns the last hash and sequence number in the file.
func verifySegment(path, prevHash string, fn func(Record) error) (string, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return VerifyStream(f, prevHash, fn)
}

// VerifyStream checks a JSONL record stream. prevHash is the hash of the
// record preceding the stream, empty at the start of the journal. fn may be
// nil.
func VerifyStream(r io.Reader, prevHash string, fn func(Record) error) (string, uint64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var lastSeq uint64
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return "", 0, fmt.Errorf("line %d: parse audit record: %w", line, err)
		}
		if rec.PrevHash != prevHash {
			return "", 0, fmt.Errorf("%w: line %d (seq %d) expected previous hash %q, got %q",
				ErrChainBroken, line, rec.Seq, prevHash, rec.PrevHash)
		}
		if got := hashRecord(rec); got != rec.Hash {
			return "", 0, fmt.Errorf("%w: line %d (seq %d) hash mismatch", ErrChainBroken, line, rec.Seq)
		}
		if fn != nil {
			if err := fn(rec); err != nil {
				return "", 0, err
			}
		}
		prevHash = rec.Hash
		lastSeq = rec.Seq
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}
	if line == 0 {
		return "", 0, nil
	}
	return prevHash, lastSeq, nil
}
