package jobs

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Logical queues. Jobs carry only the identifiers needed to re-fetch task or graph state.
const (
	TaskExecution         = "task-execution"
	DAGNodeExecution      = "dag-node-execution"
	ConsensusVerification = "consensus-verification"
)

var Queues = []string{TaskExecution, DAGNodeExecution, ConsensusVerification}

var (
	ErrQueueEmpty   = errors.New("queue is empty")
	ErrUnknownQueue = errors.New("unknown queue")
)

type Job struct {
	ID         string            `json:"id"`
	Queue      string            `json:"queue"`
	Payload    map[string]string `json:"payload"`
	Attempt    int               `json:"attempt"`
	EnqueuedAt time.Time         `json:"enqueued_at"`

	raw string
}

func (j Job) Get(key string) string {
	return j.Payload[key]
}

// Queue is an at-least-once job queue. A dequeued job stays in flight until
// acknowledged; Recover returns in-flight jobs to the queue after a restart.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context, queue string) (Job, error)
	Ack(ctx context.Context, job Job) error
	Len(ctx context.Context, queue string) (int, error)
	Recover(ctx context.Context, queue string) (int, error)
}

func validQueue(name string) bool {
	return slices.Contains(Queues, name)
}
