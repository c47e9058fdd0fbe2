package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"lanstream/models"
)

func newJob(id, peer string, direction models.Direction) *models.TransferJob {
	return &models.TransferJob{
		ID:        id,
		Key:       "key-" + id,
		Peer:      peer,
		Direction: direction,
		Filename:  id + ".bin",
		Size:      1024,
	}
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New()

	first := newJob("a", "laptop", models.DirectionOutgoing)
	second := newJob("b", "laptop", models.DirectionOutgoing)
	q.Enqueue(first)
	q.Enqueue(second)

	got := q.DequeueNext("laptop", models.DirectionOutgoing)
	require.NotNil(t, got)
	require.Equal(t, "a", got.ID)
	require.Equal(t, models.JobActive, got.Status)
}

func TestDequeueNextOneActivePerPeerAndDirection(t *testing.T) {
	q := New()
	q.Enqueue(newJob("a", "laptop", models.DirectionOutgoing))
	q.Enqueue(newJob("b", "laptop", models.DirectionOutgoing))

	require.NotNil(t, q.DequeueNext("laptop", models.DirectionOutgoing))
	// Second dequeue blocks on the active job.
	require.Nil(t, q.DequeueNext("laptop", models.DirectionOutgoing))

	// A different direction is independent.
	q.Enqueue(newJob("c", "laptop", models.DirectionIncoming))
	require.NotNil(t, q.DequeueNext("laptop", models.DirectionIncoming))

	// A different peer is independent.
	q.Enqueue(newJob("d", "desktop", models.DirectionOutgoing))
	require.NotNil(t, q.DequeueNext("desktop", models.DirectionOutgoing))
}

func TestRequeuePutsInterruptedJobFirst(t *testing.T) {
	q := New()
	q.Enqueue(newJob("a", "laptop", models.DirectionOutgoing))
	q.Enqueue(newJob("b", "laptop", models.DirectionOutgoing))

	active := q.DequeueNext("laptop", models.DirectionOutgoing)
	require.Equal(t, "a", active.ID)

	// Simulate a connection drop mid-transfer.
	require.NoError(t, q.Requeue("a"))

	next := q.DequeueNext("laptop", models.DirectionOutgoing)
	require.Equal(t, "a", next.ID, "interrupted job should resume before new work")
}

func TestRequeueRejectsQueuedAndTerminal(t *testing.T) {
	q := New()
	q.Enqueue(newJob("a", "laptop", models.DirectionOutgoing))
	require.ErrorIs(t, q.Requeue("a"), ErrJobTerminal)

	active := q.DequeueNext("laptop", models.DirectionOutgoing)
	require.NoError(t, q.Finish(active.ID, models.JobCompleted, ""))
	require.ErrorIs(t, q.Requeue("a"), ErrJobTerminal)

	require.ErrorIs(t, q.Requeue("missing"), ErrJobNotFound)
}

func TestRequeueAllowsFailedRetry(t *testing.T) {
	q := New()
	q.Enqueue(newJob("a", "laptop", models.DirectionOutgoing))

	active := q.DequeueNext("laptop", models.DirectionOutgoing)
	require.NoError(t, q.Finish(active.ID, models.JobFailed, "retries exhausted"))

	require.NoError(t, q.Requeue("a"))
	next := q.DequeueNext("laptop", models.DirectionOutgoing)
	require.Equal(t, "a", next.ID)
}

func TestPauseSkipsJobUntilResume(t *testing.T) {
	q := New()
	q.Enqueue(newJob("a", "laptop", models.DirectionOutgoing))
	q.Enqueue(newJob("b", "laptop", models.DirectionOutgoing))

	require.NoError(t, q.Pause("a"))

	next := q.DequeueNext("laptop", models.DirectionOutgoing)
	require.Equal(t, "b", next.ID)
	require.NoError(t, q.Finish("b", models.JobCompleted, ""))

	require.Nil(t, q.DequeueNext("laptop", models.DirectionOutgoing))

	require.NoError(t, q.Resume("a"))
	next = q.DequeueNext("laptop", models.DirectionOutgoing)
	require.Equal(t, "a", next.ID)
}

func TestFinishRemovesFromOrderButKeepsJob(t *testing.T) {
	q := New()
	q.Enqueue(newJob("a", "laptop", models.DirectionOutgoing))

	active := q.DequeueNext("laptop", models.DirectionOutgoing)
	require.NoError(t, q.Finish(active.ID, models.JobCancelled, "user cancelled"))

	require.Empty(t, q.List("laptop"))

	job, ok := q.Get("a")
	require.True(t, ok)
	require.Equal(t, models.JobCancelled, job.Status)
	require.Equal(t, "user cancelled", job.Reason)
}

func TestFinishRequiresTerminalStatus(t *testing.T) {
	q := New()
	q.Enqueue(newJob("a", "laptop", models.DirectionOutgoing))
	require.Error(t, q.Finish("a", models.JobQueued, ""))
}

func TestFindByKeyIgnoresTerminalJobs(t *testing.T) {
	q := New()
	q.Enqueue(newJob("a", "laptop", models.DirectionOutgoing))

	job, ok := q.FindByKey("key-a")
	require.True(t, ok)
	require.Equal(t, "a", job.ID)

	active := q.DequeueNext("laptop", models.DirectionOutgoing)
	require.NoError(t, q.Finish(active.ID, models.JobCompleted, ""))

	_, ok = q.FindByKey("key-a")
	require.False(t, ok)
}

func TestListPreservesOrder(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Enqueue(newJob(fmt.Sprintf("job-%d", i), "laptop", models.DirectionOutgoing))
	}

	jobs := q.List("laptop")
	require.Len(t, jobs, 5)
	for i, job := range jobs {
		require.Equal(t, fmt.Sprintf("job-%d", i), job.ID)
	}
}

func TestRemoveDeletesJob(t *testing.T) {
	q := New()
	q.Enqueue(newJob("a", "laptop", models.DirectionOutgoing))

	q.Remove("a")
	_, ok := q.Get("a")
	require.False(t, ok)
	require.Empty(t, q.List("laptop"))
}
