// Package ledger persists which chunks of a transfer have been confirmed
// written, so a job interrupted by a crash or link drop resumes instead of
// restarting. Records are small JSON files, one per incomplete job, written
// atomically via temp-file-then-rename; a torn write can only under-report
// progress, never corrupt the file being transferred.
package ledger

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

// recordsDirName is the subdirectory under the data dir holding records.
const recordsDirName = "resume"

// Record tracks confirmed chunks for one job.
//
// ResumeFrom is the first sequence not yet confirmed; every sequence below
// it is contiguous confirmed progress. OutOfOrder holds confirmed sequences
// at or above ResumeFrom, sorted ascending.
type Record struct {
	JobKey     string   `json:"job_key"`
	JobID      string   `json:"job_id"`
	Peer       string   `json:"peer"`
	Filename   string   `json:"filename"`
	TotalSize  int64    `json:"total_size"`
	ChunkSize  int      `json:"chunk_size"`
	ResumeFrom uint64   `json:"resume_from"`
	OutOfOrder []uint64 `json:"out_of_order,omitempty"`
	UpdatedAt  int64    `json:"updated_at"`
}

// MarkConfirmed records one confirmed sequence, folding any out-of-order
// confirmations that become contiguous into ResumeFrom.
func (r *Record) MarkConfirmed(sequence uint64) {
	if sequence < r.ResumeFrom {
		return
	}
	if sequence > r.ResumeFrom {
		if !r.confirmedOutOfOrder(sequence) {
			r.OutOfOrder = append(r.OutOfOrder, sequence)
			sort.Slice(r.OutOfOrder, func(i, j int) bool { return r.OutOfOrder[i] < r.OutOfOrder[j] })
		}
		return
	}

	r.ResumeFrom++
	for len(r.OutOfOrder) > 0 && r.OutOfOrder[0] == r.ResumeFrom {
		r.ResumeFrom++
		r.OutOfOrder = r.OutOfOrder[1:]
	}
	// Drop stragglers the contiguous frontier has already passed.
	for len(r.OutOfOrder) > 0 && r.OutOfOrder[0] < r.ResumeFrom {
		r.OutOfOrder = r.OutOfOrder[1:]
	}
}

// Confirmed reports whether a sequence has been confirmed.
func (r *Record) Confirmed(sequence uint64) bool {
	if sequence < r.ResumeFrom {
		return true
	}
	return r.confirmedOutOfOrder(sequence)
}

// ConfirmedCount returns how many chunks have been confirmed in total.
func (r *Record) ConfirmedCount() uint64 {
	return r.ResumeFrom + uint64(len(r.OutOfOrder))
}

func (r *Record) confirmedOutOfOrder(sequence uint64) bool {
	i := sort.Search(len(r.OutOfOrder), func(i int) bool { return r.OutOfOrder[i] >= sequence })
	return i < len(r.OutOfOrder) && r.OutOfOrder[i] == sequence
}

// JobKey derives the stable key identifying one logical transfer across
// restarts: a blake2b-256 hash of (peer, filename, size, mtime).
func JobKey(peer, filename string, size, mtime int64) string {
	input := fmt.Sprintf("%s|%s|%d|%d", peer, filename, size, mtime)
	sum := blake2b.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Ledger stores resume records under a directory.
type Ledger struct {
	dir string
}

// Open prepares the resume record directory under the app data dir.
func Open(dataDir string) (*Ledger, error) {
	dir := filepath.Join(dataDir, recordsDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create resume ledger directory: %w", err)
	}
	return &Ledger{dir: dir}, nil
}

// Load returns the record for a job key, or nil when no usable record
// exists. A corrupt or unreadable record is treated as missing: the worst
// outcome is a full restart of that one job.
func (l *Ledger) Load(jobKey string) (*Record, error) {
	raw, err := os.ReadFile(l.recordPath(jobKey))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, nil
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, nil
	}
	if record.JobKey != jobKey {
		return nil, nil
	}

	return &record, nil
}

// Save writes the record atomically: marshal to a temp file in the same
// directory, then rename over the final path.
func (l *Ledger) Save(record *Record) error {
	if record == nil || record.JobKey == "" {
		return errors.New("ledger: record with job key is required")
	}
	record.UpdatedAt = time.Now().UnixMilli()

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal resume record: %w", err)
	}

	finalPath := l.recordPath(record.JobKey)
	tempPath := finalPath + ".tmp"
	if err := os.WriteFile(tempPath, raw, 0o600); err != nil {
		return fmt.Errorf("write resume record: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("finalize resume record: %w", err)
	}

	return nil
}

// Delete removes the record for a job key. Missing records are not an error.
func (l *Ledger) Delete(jobKey string) error {
	err := os.Remove(l.recordPath(jobKey))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete resume record: %w", err)
	}
	return nil
}

func (l *Ledger) recordPath(jobKey string) string {
	return filepath.Join(l.dir, jobKey+".json")
}
