// Package queue holds pending, active and completed transfer jobs, ordered
// per peer. It enforces that one job's chunks are never interleaved with
// another's on the wire: DequeueNext activates at most one job per
// (peer, direction) at a time.
package queue

import (
	"errors"
	"sync"

	"lanstream/models"
)

var (
	// ErrJobNotFound indicates an unknown job id.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrJobTerminal indicates an operation on a job already in a terminal
	// status.
	ErrJobTerminal = errors.New("queue: job already terminal")
)

// Queue is an ordered, mutable set of transfer jobs keyed per peer.
// Newly queued jobs are strict FIFO; a job requeued after an interruption
// re-enters at the front so interrupted work finishes before new work.
type Queue struct {
	mu    sync.Mutex
	jobs  map[string]*models.TransferJob
	order map[string][]string // peer -> job ids, front first
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		jobs:  make(map[string]*models.TransferJob),
		order: make(map[string][]string),
	}
}

// Enqueue adds a job at the back of its peer's queue.
func (q *Queue) Enqueue(job *models.TransferJob) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.Status = models.JobQueued
	q.jobs[job.ID] = job
	q.order[job.Peer] = append(q.order[job.Peer], job.ID)
}

// Requeue moves an active or failed job back to the front of its peer's
// queue, preserving confirmed progress. Used when a connection drops
// mid-transfer (active -> queued) and for retrying failed jobs
// (failed -> queued).
func (q *Queue) Requeue(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobActive && job.Status != models.JobFailed {
		return ErrJobTerminal
	}

	job.Status = models.JobQueued
	q.removeFromOrderLocked(job.Peer, jobID)
	q.order[job.Peer] = append([]string{jobID}, q.order[job.Peer]...)
	return nil
}

// DequeueNext activates and returns the next queued job for a peer and
// direction, or nil when none is queued or one is already active.
func (q *Queue) DequeueNext(peer string, direction models.Direction) *models.TransferJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order[peer] {
		job := q.jobs[id]
		if job.Direction != direction {
			continue
		}
		if job.Status == models.JobActive {
			return nil
		}
	}

	for _, id := range q.order[peer] {
		job := q.jobs[id]
		if job.Direction == direction && job.Status == models.JobQueued {
			job.Status = models.JobActive
			return job
		}
	}
	return nil
}

// Pause marks a queued or active job paused; it stays in order but is
// skipped by DequeueNext until resumed.
func (q *Queue) Pause(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		return ErrJobTerminal
	}

	job.Status = models.JobPaused
	return nil
}

// Resume puts a paused job back to queued.
func (q *Queue) Resume(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobPaused {
		return ErrJobTerminal
	}

	job.Status = models.JobQueued
	return nil
}

// Finish marks a job with a terminal status and drops it from its peer's
// order. The job stays addressable by id for archival.
func (q *Queue) Finish(jobID string, status models.JobStatus, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !status.Terminal() {
		return errors.New("queue: finish requires a terminal status")
	}

	job.Status = status
	job.Reason = reason
	q.removeFromOrderLocked(job.Peer, jobID)
	return nil
}

// Get returns a job by id.
func (q *Queue) Get(jobID string) (*models.TransferJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	return job, ok
}

// FindByKey returns the non-terminal job with the given stable key, if any.
func (q *Queue) FindByKey(jobKey string) (*models.TransferJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.Key == jobKey && !job.Status.Terminal() {
			return job, true
		}
	}
	return nil, false
}

// List returns the peer's jobs in queue order.
func (q *Queue) List(peer string) []*models.TransferJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*models.TransferJob, 0, len(q.order[peer]))
	for _, id := range q.order[peer] {
		jobs = append(jobs, q.jobs[id])
	}
	return jobs
}

// Remove deletes a job entirely. Used after archival of terminal jobs.
func (q *Queue) Remove(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.jobs[jobID]; ok {
		q.removeFromOrderLocked(job.Peer, jobID)
		delete(q.jobs, jobID)
	}
}

func (q *Queue) removeFromOrderLocked(peer, jobID string) {
	ids := q.order[peer]
	for i, id := range ids {
		if id == jobID {
			q.order[peer] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}
