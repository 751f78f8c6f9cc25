package orchestration

import (
	"context"

	"github.com/absmach/anchor/task"
)

type StateStore interface {
	// Task operations
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	UpdateTask(ctx context.Context, t Task) error
	DeleteTask(ctx context.Context, taskID string) error
	ListTasks(ctx context.Context, offset, limit uint64) ([]Task, uint64, error)

	// Worker operations
	CreateWorker(ctx context.Context, w Worker) error
	GetWorker(ctx context.Context, workerID string) (Worker, error)
	UpdateWorker(ctx context.Context, w Worker) error
	ListWorkers(ctx context.Context, offset, limit uint64) ([]Worker, uint64, error)

	// Graph snapshots expire after the retention window.
	SaveGraph(ctx context.Context, g Graph) error
	GetGraph(ctx context.Context, graphID string) (Graph, error)
}

type WorkExecutor interface {
	// StartTask pushes the work descriptor of t, or of one of its subtasks
	// when sub is not nil, to worker w.
	StartTask(ctx context.Context, t Task, sub *task.SubTask, w Worker) error
}

type EventEmitter interface {
	EmitTaskCreated(ctx context.Context, t Task) error
	EmitTaskStarted(ctx context.Context, t Task) error
	EmitTaskCompleted(ctx context.Context, t Task) error
	EmitTaskFailed(ctx context.Context, t Task, reason string) error

	EmitGraphCompleted(ctx context.Context, g Graph) error
	EmitGraphFailed(ctx context.Context, g Graph, reason string) error

	EmitWorkerRegistered(ctx context.Context, w Worker) error
	EmitVerification(ctx context.Context, taskID, outcome string, details map[string]any) error
}

type Scheduler interface {
	// SelectWorkers ranks eligible workers for t and returns at most k of them.
	SelectWorkers(ctx context.Context, t Task, workers []Worker, k int) ([]Worker, error)
}
