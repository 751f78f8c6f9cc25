package jobs

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryQueue struct {
	mu       sync.Mutex
	pending  map[string][]Job
	inflight map[string]map[string]Job
}

func NewMemoryQueue() Queue {
	return &memoryQueue{
		pending:  make(map[string][]Job),
		inflight: make(map[string]map[string]Job),
	}
}

func (q *memoryQueue) Enqueue(_ context.Context, job Job) error {
	if !validQueue(job.Queue) {
		return ErrUnknownQueue
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	job.Payload = maps.Clone(job.Payload)

	q.mu.Lock()
	q.pending[job.Queue] = append(q.pending[job.Queue], job)
	q.mu.Unlock()

	return nil
}

func (q *memoryQueue) Dequeue(_ context.Context, queue string) (Job, error) {
	if !validQueue(queue) {
		return Job{}, ErrUnknownQueue
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.pending[queue]
	if len(pending) == 0 {
		return Job{}, ErrQueueEmpty
	}
	job := pending[0]
	q.pending[queue] = pending[1:]

	if q.inflight[queue] == nil {
		q.inflight[queue] = make(map[string]Job)
	}
	q.inflight[queue][job.ID] = job

	return job, nil
}

func (q *memoryQueue) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	delete(q.inflight[job.Queue], job.ID)
	q.mu.Unlock()

	return nil
}

func (q *memoryQueue) Len(_ context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending[queue]), nil
}

func (q *memoryQueue) Recover(_ context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, job := range q.inflight[queue] {
		q.pending[queue] = append([]Job{job}, q.pending[queue]...)
		delete(q.inflight[queue], id)
		n++
	}

	return n, nil
}
