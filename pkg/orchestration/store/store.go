package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/storage"
	"github.com/absmach/anchor/task"
	"github.com/absmach/anchor/worker"
)

// GraphRetention is how long a graph snapshot survives its last update.
const GraphRetention = 24 * time.Hour

// Key prefixes of the entities kept in the shared KV store.
const (
	TaskPrefix   = "task:"
	WorkerPrefix = "worker:"
	graphPrefix  = "graph:"
)

type stateStore struct {
	tasksDB   storage.Storage
	workersDB storage.Storage
	graphsKV  storage.KV
}

// NewStateStore keeps tasks and workers JSON-encoded in entity storage and
// graph snapshots in the key-value store under a retention TTL.
func NewStateStore(tasksDB, workersDB storage.Storage, graphsKV storage.KV) orchestration.StateStore {
	return &stateStore{
		tasksDB:   tasksDB,
		workersDB: workersDB,
		graphsKV:  graphsKV,
	}
}

// NewKVStateStore keeps every entity in kv, so replicas sharing it share state.
func NewKVStateStore(kv storage.KV) orchestration.StateStore {
	return NewStateStore(storage.NewKVStorage(kv, TaskPrefix), storage.NewKVStorage(kv, WorkerPrefix), kv)
}

func (s *stateStore) CreateTask(ctx context.Context, t orchestration.Task) error {
	data, err := encode("task", t.ID, t)
	if err != nil {
		return err
	}

	return s.tasksDB.Create(ctx, t.ID, data)
}

func (s *stateStore) GetTask(ctx context.Context, taskID string) (orchestration.Task, error) {
	data, err := s.tasksDB.Get(ctx, taskID)
	if err != nil {
		return orchestration.Task{}, err
	}

	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return orchestration.Task{}, fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
	}

	return t, nil
}

func (s *stateStore) UpdateTask(ctx context.Context, t orchestration.Task) error {
	data, err := encode("task", t.ID, t)
	if err != nil {
		return err
	}

	return s.tasksDB.Update(ctx, t.ID, data)
}

func (s *stateStore) DeleteTask(ctx context.Context, taskID string) error {
	return s.tasksDB.Delete(ctx, taskID)
}

func (s *stateStore) ListTasks(ctx context.Context, offset, limit uint64) (tasks []orchestration.Task, total uint64, err error) {
	data, total, err := s.tasksDB.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}

	tasks = make([]orchestration.Task, 0, len(data))
	for i := range data {
		var t task.Task
		if err := json.Unmarshal(data[i], &t); err != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	return tasks, total, nil
}

func (s *stateStore) CreateWorker(ctx context.Context, w orchestration.Worker) error {
	data, err := encode("worker", w.ID, w)
	if err != nil {
		return err
	}

	return s.workersDB.Create(ctx, w.ID, data)
}

func (s *stateStore) GetWorker(ctx context.Context, workerID string) (orchestration.Worker, error) {
	data, err := s.workersDB.Get(ctx, workerID)
	if err != nil {
		return orchestration.Worker{}, err
	}

	var w worker.Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return orchestration.Worker{}, fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
	}

	return w, nil
}

func (s *stateStore) UpdateWorker(ctx context.Context, w orchestration.Worker) error {
	data, err := encode("worker", w.ID, w)
	if err != nil {
		return err
	}

	return s.workersDB.Update(ctx, w.ID, data)
}

func (s *stateStore) ListWorkers(ctx context.Context, offset, limit uint64) (workers []orchestration.Worker, total uint64, err error) {
	data, total, err := s.workersDB.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, err
	}

	workers = make([]orchestration.Worker, 0, len(data))
	for i := range data {
		var w worker.Worker
		if err := json.Unmarshal(data[i], &w); err != nil {
			continue
		}
		workers = append(workers, w)
	}

	return workers, total, nil
}

func (s *stateStore) SaveGraph(ctx context.Context, g orchestration.Graph) error {
	data, err := encode("graph", g.ID, g)
	if err != nil {
		return err
	}

	return s.graphsKV.Set(ctx, graphPrefix+g.ID, data, GraphRetention)
}

func (s *stateStore) GetGraph(ctx context.Context, graphID string) (orchestration.Graph, error) {
	data, err := s.graphsKV.Get(ctx, graphPrefix+graphID)
	if err != nil {
		return orchestration.Graph{}, err
	}

	var g task.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return orchestration.Graph{}, fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
	}

	return g, nil
}

func encode(kind, id string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", kind, id, err)
	}

	return data, nil
}
