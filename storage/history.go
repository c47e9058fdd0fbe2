package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"lanstream/models"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// TransferRecord is the archived form of one terminal transfer job.
type TransferRecord struct {
	JobID      string
	JobKey     string
	Peer       string
	Direction  string
	Filename   string
	Size       int64
	BytesDone  int64
	Checksum   string
	Status     string
	Reason     string
	StartedAt  int64
	FinishedAt int64
}

// TransferStats aggregates archived transfers.
type TransferStats struct {
	Completed     int64
	Failed        int64
	Cancelled     int64
	BytesSent     int64
	BytesReceived int64
}

// RecordFromJob converts a terminal job into its archive row.
func RecordFromJob(job *models.TransferJob, finishedAt int64) TransferRecord {
	return TransferRecord{
		JobID:      job.ID,
		JobKey:     job.Key,
		Peer:       job.Peer,
		Direction:  string(job.Direction),
		Filename:   job.Filename,
		Size:       job.Size,
		BytesDone:  job.BytesConfirmed,
		Checksum:   job.Checksum,
		Status:     string(job.Status),
		Reason:     job.Reason,
		StartedAt:  job.CreatedAt,
		FinishedAt: finishedAt,
	}
}

// SaveTransfer archives one terminal transfer. Re-archiving the same job id
// overwrites the previous row, so a retried job keeps one history entry.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.JobID == "" {
		return errors.New("job_id is required")
	}
	if record.Peer == "" {
		return errors.New("peer is required")
	}
	if record.Filename == "" {
		return errors.New("filename is required")
	}
	switch record.Status {
	case string(models.JobCompleted), string(models.JobFailed), string(models.JobCancelled):
	default:
		return fmt.Errorf("status %q is not terminal", record.Status)
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			job_id, job_key, peer, direction, filename, size,
			bytes_done, checksum, status, reason, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			bytes_done = excluded.bytes_done,
			status = excluded.status,
			reason = excluded.reason,
			finished_at = excluded.finished_at`,
		record.JobID,
		record.JobKey,
		record.Peer,
		record.Direction,
		record.Filename,
		record.Size,
		record.BytesDone,
		record.Checksum,
		record.Status,
		record.Reason,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("archive transfer %q: %w", record.JobID, err)
	}

	return nil
}

// GetTransfer fetches one archived transfer by job id.
func (s *Store) GetTransfer(jobID string) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT job_id, job_key, peer, direction, filename, size,
			bytes_done, checksum, status, reason, started_at, finished_at
		FROM transfers
		WHERE job_id = ?`,
		jobID,
	)

	var record TransferRecord
	err := row.Scan(
		&record.JobID, &record.JobKey, &record.Peer, &record.Direction,
		&record.Filename, &record.Size, &record.BytesDone, &record.Checksum,
		&record.Status, &record.Reason, &record.StartedAt, &record.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", jobID, err)
	}

	return &record, nil
}

// ListTransfers returns archived transfers for a peer, newest first. A zero
// or negative limit returns everything.
func (s *Store) ListTransfers(peer string, limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(
		`SELECT job_id, job_key, peer, direction, filename, size,
			bytes_done, checksum, status, reason, started_at, finished_at
		FROM transfers
		WHERE peer = ?
		ORDER BY finished_at DESC, job_id
		LIMIT ?`,
		peer,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers for %q: %w", peer, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []TransferRecord
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(
			&record.JobID, &record.JobKey, &record.Peer, &record.Direction,
			&record.Filename, &record.Size, &record.BytesDone, &record.Checksum,
			&record.Status, &record.Reason, &record.StartedAt, &record.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return records, nil
}

// Stats returns aggregate counters across all archived transfers.
func (s *Store) Stats() (TransferStats, error) {
	var stats TransferStats

	row := s.db.QueryRow(
		`SELECT
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' AND direction = 'outgoing' THEN bytes_done ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' AND direction = 'incoming' THEN bytes_done ELSE 0 END), 0)
		FROM transfers`,
	)
	if err := row.Scan(&stats.Completed, &stats.Failed, &stats.Cancelled, &stats.BytesSent, &stats.BytesReceived); err != nil {
		return TransferStats{}, fmt.Errorf("aggregate transfer stats: %w", err)
	}

	return stats, nil
}
