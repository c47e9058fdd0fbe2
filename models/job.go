package models

// JobStatus is the lifecycle status of one transfer job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final for the job.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Direction distinguishes outgoing from incoming transfer jobs.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// TransferJob is one logical file transfer between two peers in one direction.
//
// ID is unique per job instance; Key is stable across restarts and reconnects,
// derived from (peer, filename, size, mtime), so a resumed transfer is
// recognized as the same logical job.
type TransferJob struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Peer      string    `json:"peer"`
	Direction Direction `json:"direction"`

	Path     string `json:"path"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Mtime    int64  `json:"mtime"`

	ChunkSize int    `json:"chunk_size"`
	Checksum  string `json:"checksum"`

	Status         JobStatus `json:"status"`
	BytesConfirmed int64     `json:"bytes_confirmed"`
	Reason         string    `json:"reason,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	LastChunkAt int64 `json:"last_chunk_at"`
}
