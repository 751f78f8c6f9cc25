package orchestration

import (
	"github.com/absmach/anchor/task"
	"github.com/absmach/anchor/worker"
)

type Task = task.Task

type TaskState = task.State

type Worker = worker.Worker

type Graph = task.Graph

// Chunk is one contiguous slice of a parallel task's declared range.
type Chunk = task.Range

const (
	MsgNewTask      = "new_task"
	MsgScriptDeploy = "script_deploy"
)

// Event is published on the event topics whenever a task, graph or worker
// changes in a way clients may want to observe.
type Event struct {
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	GraphID   string         `json:"graph_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	State     string         `json:"state,omitempty"`
	WorkerIDs []string       `json:"worker_ids,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

const (
	EventTaskCreated      = "task.created"
	EventTaskStarted      = "task.started"
	EventTaskCompleted    = "task.completed"
	EventTaskFailed       = "task.failed"
	EventGraphCompleted   = "graph.completed"
	EventGraphFailed      = "graph.failed"
	EventWorkerRegistered = "worker.registered"
	EventVerification     = "task.verification"
)

// WorkMessage is pushed on a worker's dispatch topic. SourceCode is base64
// AES-GCM ciphertext when Encrypted is set.
type WorkMessage struct {
	Type         string            `json:"type"`
	TaskID       string            `json:"task_id"`
	SubTaskID    string            `json:"subtask_id,omitempty"`
	WorkerID     string            `json:"worker_id"`
	ChunkIndex   int               `json:"chunk_index,omitempty"`
	Range        *Chunk            `json:"range,omitempty"`
	Payload      map[string]any    `json:"payload,omitempty"`
	SourceCode   string            `json:"source_code,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Runtime      string            `json:"runtime,omitempty"`
	Timeout      int               `json:"timeout,omitempty"`
	Encrypted    bool              `json:"encrypted,omitempty"`
}

// Report is what a worker publishes on the results topic.
type Report struct {
	TaskID    string `json:"task_id"`
	SubTaskID string `json:"subtask_id,omitempty"`
	WorkerID  string `json:"worker_id"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Proof     string `json:"proof,omitempty"`
	Error     string `json:"error,omitempty"`
}
