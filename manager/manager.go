package manager

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/raft"
	"github.com/absmach/anchor/task"
	"github.com/absmach/anchor/worker"
)

var (
	// ErrUnexpectedWorker is returned for a report from a worker that was not assigned the task.
	ErrUnexpectedWorker = errors.New("worker is not assigned to the task")
	// ErrUnknownSubTask is returned for a report naming a subtask the task does not have.
	ErrUnknownSubTask = errors.New("unknown subtask")
)

// Service specifies the coordinator API: task and graph submission, status
// reporting from workers, worker inspection and verification administration.
type Service interface {
	// CreateTask persists t as Pending and queues it for dispatch.
	CreateTask(ctx context.Context, t task.Task) (task.Task, error)
	GetTask(ctx context.Context, taskID string) (task.Task, error)
	ListTasks(ctx context.Context, offset, limit uint64) (task.TaskPage, error)
	// StartTask queues a Pending task for another scheduling pass.
	StartTask(ctx context.Context, taskID string) error
	// TaskHistory returns the committed scheduling decisions for a task.
	TaskHistory(ctx context.Context, taskID string) ([]LedgerEntry, error)

	// UpdateStatus applies a worker's status report for a task or one of its subtasks.
	UpdateStatus(ctx context.Context, r orchestration.Report) (task.Task, error)

	// SubmitGraph validates and persists a task graph and queues its ready nodes.
	SubmitGraph(ctx context.Context, g task.Graph) (task.Graph, error)
	GetGraph(ctx context.Context, graphID string) (task.Graph, error)

	ListWorkers(ctx context.Context, offset, limit uint64) (worker.WorkerPage, error)
	GetWorker(ctx context.Context, workerID string) (worker.Worker, error)

	// Slash applies the administrative reputation penalty to a worker.
	Slash(ctx context.Context, workerID, reason string) (float64, error)
	Reputation(ctx context.Context, workerID string) (float64, error)

	ClusterStatus(ctx context.Context) (ClusterStatus, error)

	// Subscribe starts consuming worker discovery, heartbeat and result messages.
	Subscribe(ctx context.Context) error
	// HandleLeadership starts job processing when this replica leads and
	// stops it when it does not. It never blocks.
	HandleLeadership(ctx context.Context, isLeader bool, term uint64)
	// RunSweeps periodically retries waiting tasks and closes expired
	// verification rounds while this replica leads. It blocks until ctx is done.
	RunSweeps(ctx context.Context, interval time.Duration) error
}

// Replicator appends scheduling decisions to the replicated log.
// *raft.Node implements it.
type Replicator interface {
	AppendCommand(ctx context.Context, command []byte) (uint64, error)
	Status() raft.Status
}

type ClusterStatus struct {
	Mode    string                `json:"mode"`
	Leader  bool                  `json:"leader"`
	Raft    *raft.Status          `json:"raft,omitempty"`
	Ledger  LedgerStatus          `json:"ledger"`
	Queues  map[string]int        `json:"queues"`
	Workers map[worker.Status]int `json:"workers"`
}

type LedgerStatus struct {
	Entries     int    `json:"entries"`
	Tasks       int    `json:"tasks"`
	LastApplied uint64 `json:"last_applied"`
}

const (
	modeRaft       = "raft"
	modeStandalone = "standalone"
)
