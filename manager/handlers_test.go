package manager

import (
	"context"
	"errors"
	"testing"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/task"
	"github.com/absmach/anchor/worker"
)

func TestDiscoveryHandler(t *testing.T) {
	cases := []struct {
		name    string
		msg     map[string]any
		wantErr error
	}{
		{
			name: "registers worker",
			msg:  map[string]any{"worker_id": "w1", "region": "eu", "specs": map[string]any{"cpu_cores": 8, "memory_gb": 16}},
		},
		{
			name:    "missing worker id",
			msg:     map[string]any{"region": "eu"},
			wantErr: errInvalidWorkerID,
		},
		{
			name:    "empty worker id",
			msg:     map[string]any{"worker_id": ""},
			wantErr: errEmptyWorkerID,
		},
		{
			name:    "malformed specs",
			msg:     map[string]any{"worker_id": "w1", "specs": "fast"},
			wantErr: pkgerrors.ErrInvalidData,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})

			err := env.pubsub.simulateMessage(env.topics.DiscoveryTopic(), tc.msg)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}

				return
			}
			if err != nil {
				t.Fatalf("discovery: %v", err)
			}

			w, err := env.svc.GetWorker(context.Background(), "w1")
			if err != nil {
				t.Fatalf("get worker: %v", err)
			}
			if w.Status != worker.Online || w.Region != "eu" || w.Specs.MemoryGB != 16 {
				t.Errorf("unexpected worker %+v", w)
			}
			if w.Name == "" {
				t.Error("expected a generated name")
			}
			if w.Reputation != 100 {
				t.Errorf("expected default reputation, got %v", w.Reputation)
			}

			evs := env.events(env.topics.WorkerEventsTopic())
			if len(evs) != 1 || evs[0].Type != orchestration.EventWorkerRegistered || evs[0].WorkerID != "w1" {
				t.Errorf("expected a worker.registered event, got %+v", evs)
			}
		})
	}
}

func TestHeartbeatHandler(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	// A heartbeat from an unknown worker registers it.
	err := env.pubsub.simulateMessage(env.topics.HeartbeatTopic(), map[string]any{
		"worker_id": "w1",
		"specs":     map[string]any{"cpu_cores": 2, "memory_gb": 4},
		"metrics":   map[string]any{"cpu_usage": 99},
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := env.svc.GetWorker(ctx, "w1"); err != nil {
		t.Fatalf("expected worker to be registered: %v", err)
	}

	err = env.pubsub.simulateMessage(env.topics.HeartbeatTopic(), map[string]any{
		"worker_id": "w1",
		"metrics":   map[string]any{"cpu_usage": 99, "uptime_sec": 60},
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	created, err := env.svc.CreateTask(ctx, task.Task{Name: "t"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	env.drain(t)

	got, err := env.svc.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != task.Pending {
		t.Fatalf("expected an overloaded worker to be skipped, got %s", got.State)
	}

	err = env.pubsub.simulateMessage(env.topics.HeartbeatTopic(), map[string]any{
		"worker_id": "w1",
		"metrics":   map[string]any{"cpu_usage": 10, "uptime_sec": 65},
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	env.drain(t)

	got, err = env.svc.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != task.Processing {
		t.Fatalf("expected dispatch once the worker recovered, got %s", got.State)
	}

	w, err := env.svc.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Metrics.CPUUsage != 10 || w.Metrics.UptimeSec != 65 || w.Specs.MemoryGB != 4 {
		t.Errorf("unexpected worker state %+v", w)
	}
}

func TestHeartbeatKeepsLoad(t *testing.T) {
	env := newTestEnv(t, Config{ReleaseThreshold: 1})
	ctx := context.Background()
	env.register(t, "w1", defaultSpecs, "")

	if _, err := env.svc.CreateTask(ctx, task.Task{Name: "t"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	env.drain(t)

	cases := []struct {
		name   string
		status worker.Status
		want   worker.Status
	}{
		{name: "plain heartbeat keeps busy", want: worker.Busy},
		{name: "idle ignored while loaded", status: worker.Idle, want: worker.Busy},
		{name: "syncing", status: worker.Syncing, want: worker.Syncing},
		{name: "last will", status: worker.Offline, want: worker.Offline},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := map[string]any{"worker_id": "w1"}
			if tc.status != "" {
				msg["status"] = string(tc.status)
			}
			if err := env.pubsub.simulateMessage(env.topics.HeartbeatTopic(), msg); err != nil {
				t.Fatalf("heartbeat: %v", err)
			}

			w, err := env.svc.GetWorker(ctx, "w1")
			if err != nil {
				t.Fatalf("get worker: %v", err)
			}
			if w.Status != tc.want {
				t.Errorf("expected %s, got %s", tc.want, w.Status)
			}
		})
	}

	// A last will from a worker that never registered is dropped.
	msg := map[string]any{"worker_id": "ghost", "status": string(worker.Offline)}
	if err := env.pubsub.simulateMessage(env.topics.HeartbeatTopic(), msg); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := env.svc.GetWorker(ctx, "ghost"); err == nil {
		t.Error("expected an offline will not to register a worker")
	}
}

func TestResultsHandler(t *testing.T) {
	env := newTestEnv(t, Config{})

	cases := []struct {
		name string
		msg  map[string]any
	}{
		{name: "missing task id", msg: map[string]any{"worker_id": "w1", "status": "Completed"}},
		{name: "unknown task", msg: map[string]any{"task_id": "missing", "worker_id": "w1", "status": "Completed"}},
		{name: "malformed", msg: map[string]any{"task_id": 7}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := env.pubsub.simulateMessage(env.topics.ResultsTopic(), tc.msg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
