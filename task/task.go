package task

import (
	"fmt"
	"time"
)

type State uint8

const (
	Pending State = iota
	Processing
	Aggregating
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Processing:
		return "Processing"
	case Aggregating:
		return "Aggregating"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func ParseState(s string) (State, error) {
	switch s {
	case "Pending", "pending":
		return Pending, nil
	case "Processing", "processing":
		return Processing, nil
	case "Aggregating", "aggregating":
		return Aggregating, nil
	case "Completed", "completed":
		return Completed, nil
	case "Failed", "failed":
		return Failed, nil
	default:
		return Pending, fmt.Errorf("unknown task state %q", s)
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st

	return nil
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

type Kind string

const (
	KindSingle    Kind = "single"
	KindParallel  Kind = "parallel"
	KindGraphNode Kind = "graph-node"
)

type VerifyStatus string

const (
	VerifyNone      VerifyStatus = ""
	VerifyPending   VerifyStatus = "pending"
	VerifyVerified  VerifyStatus = "verified"
	VerifyRecompute VerifyStatus = "recompute"
)

type Requirements struct {
	MinMemoryGB float64 `json:"min_memory_gb,omitempty" yaml:"min_memory_gb,omitempty"`
	GPU         bool    `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	Region      string  `json:"region,omitempty" yaml:"region,omitempty"`
	Parallelism int     `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	Redundancy  int     `json:"redundancy,omitempty" yaml:"redundancy,omitempty"`
}

// Script is pushed to workers as a script_deploy message.
type Script struct {
	SourceCode   string            `json:"source_code" yaml:"source_code"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Runtime      string            `json:"runtime,omitempty" yaml:"runtime,omitempty"`
	TimeoutS     int               `json:"timeout_s,omitempty" yaml:"timeout_s,omitempty"`
}

// Range is a half-open interval [Start, End) of a declared unit of work.
type Range struct {
	Start int64 `json:"start" yaml:"start"`
	End   int64 `json:"end" yaml:"end"`
}

func (r Range) Size() int64 {
	return r.End - r.Start
}

type SubTask struct {
	ID         string `json:"id"`
	ChunkIndex int    `json:"chunk_index"`
	Range      Range  `json:"range"`
	WorkerID   string `json:"worker_id,omitempty"`
	State      State  `json:"state"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

type Task struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Kind         Kind              `json:"kind"`
	Requirements Requirements      `json:"requirements"`
	Script       *Script           `json:"script,omitempty"`
	Payload      map[string]any    `json:"payload,omitempty"`
	TotalRange   int64             `json:"total_range,omitempty"`
	State        State             `json:"state"`
	SubTasks     []SubTask         `json:"sub_tasks,omitempty"`
	WorkerIDs    []string          `json:"worker_ids,omitempty"`
	Results      any               `json:"results,omitempty"`
	Error        string            `json:"error,omitempty"`
	GraphID      string            `json:"graph_id,omitempty"`
	NodeID       string            `json:"node_id,omitempty"`
	Attempts     int               `json:"attempts"`
	VerifyStatus VerifyStatus      `json:"verify_status,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	StartTime    time.Time         `json:"start_time"`
	FinishTime   time.Time         `json:"finish_time"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Redundant reports whether the task needs independent re-execution and verification.
func (t Task) Redundant() bool {
	return t.Requirements.Redundancy > 1
}

func (t Task) SubTask(id string) (int, bool) {
	for i := range t.SubTasks {
		if t.SubTasks[i].ID == id {
			return i, true
		}
	}

	return -1, false
}

// SubTasksDone reports whether every subtask reached a terminal state.
func (t Task) SubTasksDone() bool {
	if len(t.SubTasks) == 0 {
		return false
	}
	for i := range t.SubTasks {
		if !t.SubTasks[i].State.Terminal() {
			return false
		}
	}

	return true
}

type TaskPage struct {
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
	Total  uint64 `json:"total"`
	Tasks  []Task `json:"tasks"`
}

func FilterByState(tasks []Task, state State) []Task {
	var filtered []Task
	for _, t := range tasks {
		if t.State == state {
			filtered = append(filtered, t)
		}
	}

	return filtered
}
