package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/anchor/pkg/crypto"
	"github.com/absmach/anchor/pkg/mqtt"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/verification"
	"github.com/absmach/anchor/task"
	"github.com/absmach/anchor/worker"
	testingclock "k8s.io/utils/clock/testing"
)

type mockPubSub struct {
	mu         sync.Mutex
	published  map[string][]any
	subscribed map[string]mqtt.Handler
}

func newMockPubSub() *mockPubSub {
	return &mockPubSub{
		published:  make(map[string][]any),
		subscribed: make(map[string]mqtt.Handler),
	}
}

func (m *mockPubSub) Publish(_ context.Context, topic string, msg any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[topic] = append(m.published[topic], msg)

	return nil
}

func (m *mockPubSub) Subscribe(_ context.Context, topic string, handler mqtt.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed[topic] = handler

	return nil
}

func (m *mockPubSub) Unsubscribe(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscribed, topic)

	return nil
}

func (m *mockPubSub) Disconnect(context.Context) error {
	return nil
}

func (m *mockPubSub) handler(topic string) (mqtt.Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.subscribed[topic]

	return h, ok
}

func (m *mockPubSub) messages(topic string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]any(nil), m.published[topic]...)
}

type fakeRunner struct {
	mu   sync.Mutex
	jobs []Job
	out  Output
	err  error
}

func (r *fakeRunner) Run(_ context.Context, job Job) (Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)

	return r.out, r.err
}

func (r *fakeRunner) last() Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.jobs[len(r.jobs)-1]
}

type fakeSampler struct {
	metrics worker.Metrics
}

func (s fakeSampler) Sample() (worker.Metrics, error) {
	return s.metrics, nil
}

var topics = orchestration.NewTopicBuilder("d1", "c1")

func newTestService(t *testing.T, cfg Config, runner Runner) (*Service, *mockPubSub, *testingclock.FakeClock) {
	t.Helper()

	if cfg.WorkerID == "" {
		cfg.WorkerID = "w1"
	}
	pubsub := newMockPubSub()
	clk := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sampler := fakeSampler{metrics: worker.Metrics{CPUUsage: 12.5, RAMUsage: 40}}

	svc, err := New(cfg, pubsub, topics, runner, sampler, clk, logger)
	if err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}

	return svc, pubsub, clk
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRequiresWorkerID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := New(Config{}, newMockPubSub(), topics, &fakeRunner{}, nil, nil, logger); !errors.Is(err, errEmptyWorkerID) {
		t.Fatalf("expected %v, got %v", errEmptyWorkerID, err)
	}
}

func TestRunPublishesDiscoveryAndHeartbeats(t *testing.T) {
	cfg := Config{
		WorkerID:          "w1",
		Name:              "gpu-box",
		Region:            "eu",
		Specs:             worker.Specs{CPUCores: 8, MemoryGB: 16},
		HeartbeatInterval: time.Second,
	}
	svc, pubsub, clk := newTestService(t, cfg, &fakeRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	waitFor(t, clk.HasWaiters)

	discovery := pubsub.messages(topics.DiscoveryTopic())
	if len(discovery) != 1 {
		t.Fatalf("expected 1 discovery message, got %d", len(discovery))
	}
	d := discovery[0].(map[string]any)
	if d["worker_id"] != "w1" || d["region"] != "eu" || d["name"] != "gpu-box" {
		t.Errorf("unexpected discovery payload %v", d)
	}
	if _, ok := pubsub.handler(topics.WorkerTopic("w1")); !ok {
		t.Fatal("expected a subscription on the worker topic")
	}

	clk.Step(time.Second)
	waitFor(t, func() bool { return len(pubsub.messages(topics.HeartbeatTopic())) == 1 })

	hb := pubsub.messages(topics.HeartbeatTopic())[0].(map[string]any)
	if hb["status"] != worker.Idle {
		t.Errorf("expected idle status, got %v", hb["status"])
	}
	m := hb["metrics"].(worker.Metrics)
	if m.CPUUsage != 12.5 || m.RAMUsage != 40 {
		t.Errorf("unexpected metrics %+v", m)
	}
	if m.UptimeSec != 1 {
		t.Errorf("expected uptime 1s, got %d", m.UptimeSec)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestExecute(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	sealed, err := crypto.EncryptString("echo sealed", key)
	if err != nil {
		t.Fatalf("failed to encrypt source: %v", err)
	}

	cases := []struct {
		name       string
		key        []byte
		runner     *fakeRunner
		msg        orchestration.WorkMessage
		wantStatus task.State
		wantResult bool
		wantSource string
	}{
		{
			name:       "completed",
			runner:     &fakeRunner{out: Output{Stdout: "42"}},
			msg:        orchestration.WorkMessage{Type: orchestration.MsgScriptDeploy, TaskID: "t1", SourceCode: "echo 42"},
			wantStatus: task.Completed,
			wantResult: true,
			wantSource: "echo 42",
		},
		{
			name:       "non zero exit keeps output",
			runner:     &fakeRunner{out: Output{Stdout: "", Stderr: "boom", ExitCode: 2}, err: errors.New("exit status 2")},
			msg:        orchestration.WorkMessage{Type: orchestration.MsgScriptDeploy, TaskID: "t1", SourceCode: "exit 2"},
			wantStatus: task.Failed,
			wantResult: true,
			wantSource: "exit 2",
		},
		{
			name:       "runner setup error has no result",
			runner:     &fakeRunner{err: errNothingToRun},
			msg:        orchestration.WorkMessage{Type: orchestration.MsgNewTask, TaskID: "t1"},
			wantStatus: task.Failed,
		},
		{
			name:       "encrypted source is decrypted",
			key:        key,
			runner:     &fakeRunner{out: Output{Stdout: "sealed"}},
			msg:        orchestration.WorkMessage{Type: orchestration.MsgScriptDeploy, TaskID: "t1", SourceCode: sealed, Encrypted: true},
			wantStatus: task.Completed,
			wantResult: true,
			wantSource: "echo sealed",
		},
		{
			name:       "encrypted source without key",
			runner:     &fakeRunner{},
			msg:        orchestration.WorkMessage{Type: orchestration.MsgScriptDeploy, TaskID: "t1", SourceCode: sealed, Encrypted: true},
			wantStatus: task.Failed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newTestService(t, Config{WorkloadKey: tc.key}, tc.runner)

			report := svc.execute(context.Background(), tc.msg)
			if report.Status != tc.wantStatus.String() {
				t.Fatalf("expected status %s, got %s (error %q)", tc.wantStatus, report.Status, report.Error)
			}
			if report.WorkerID != "w1" || report.TaskID != "t1" {
				t.Errorf("unexpected report identity %+v", report)
			}
			if (report.Result != nil) != tc.wantResult {
				t.Errorf("expected result present %v, got %v", tc.wantResult, report.Result)
			}
			if tc.wantStatus == task.Failed && report.Error == "" {
				t.Error("expected an error message on failure")
			}
			if report.Proof != "" {
				t.Errorf("expected no proof without a challenge, got %q", report.Proof)
			}
			if tc.wantSource != "" && tc.runner.last().SourceCode != tc.wantSource {
				t.Errorf("expected source %q, got %q", tc.wantSource, tc.runner.last().SourceCode)
			}
		})
	}
}

func TestExecuteAnswersChallenge(t *testing.T) {
	issuedAt := time.UnixMilli(1_700_000_000_123)
	out := Output{Stdout: map[string]any{"sum": float64(45)}}
	svc, _, _ := newTestService(t, Config{}, &fakeRunner{out: out})

	msg := orchestration.WorkMessage{
		Type:   orchestration.MsgNewTask,
		TaskID: "t1",
		Payload: map[string]any{
			"command":                "sum",
			verification.NonceKey:    "abc",
			verification.IssuedAtKey: float64(issuedAt.UnixMilli()),
		},
	}

	report := svc.execute(context.Background(), msg)
	if report.Status != task.Completed.String() {
		t.Fatalf("expected completed, got %s", report.Status)
	}

	// The coordinator sees the result after a JSON round trip.
	data, err := json.Marshal(report.Result)
	if err != nil {
		t.Fatalf("failed to encode result: %v", err)
	}
	var received any
	if err := json.Unmarshal(data, &received); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	want, err := verification.ComputeProof(received, "abc", issuedAt)
	if err != nil {
		t.Fatalf("failed to compute proof: %v", err)
	}
	if report.Proof != want {
		t.Errorf("expected proof %s, got %s", want, report.Proof)
	}
}

func TestExecuteFailedChallengeProof(t *testing.T) {
	issuedAt := time.UnixMilli(1_700_000_000_000)
	svc, _, _ := newTestService(t, Config{}, &fakeRunner{err: errNothingToRun})

	report := svc.execute(context.Background(), orchestration.WorkMessage{
		TaskID: "t1",
		Payload: map[string]any{
			verification.NonceKey:    "n",
			verification.IssuedAtKey: issuedAt.UnixMilli(),
		},
	})

	want, err := verification.ComputeProof(map[string]any{"error": report.Error}, "n", issuedAt)
	if err != nil {
		t.Fatalf("failed to compute proof: %v", err)
	}
	if report.Proof != want {
		t.Errorf("expected proof over the error, got %s", report.Proof)
	}
}

func TestHandleWork(t *testing.T) {
	runner := &fakeRunner{out: Output{Stdout: "done"}}
	svc, pubsub, _ := newTestService(t, Config{}, runner)
	handle := svc.handleWork(context.Background())
	topic := topics.WorkerTopic("w1")

	if err := handle(topic, map[string]any{"type": orchestration.MsgNewTask}); err == nil {
		t.Fatal("expected an error for a message without task id")
	}

	if err := handle(topic, map[string]any{"type": orchestration.MsgNewTask, "task_id": "t9", "worker_id": "w2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := map[string]any{
		"type":        orchestration.MsgNewTask,
		"task_id":     "t1",
		"subtask_id":  "t1-1",
		"worker_id":   "w1",
		"chunk_index": float64(1),
		"range":       map[string]any{"start": float64(10), "end": float64(20)},
		"payload":     map[string]any{"command": "echo"},
		"timeout":     float64(5),
	}
	if err := handle(topic, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc.wg.Wait()

	results := pubsub.messages(topics.ResultsTopic())
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	report := results[0].(orchestration.Report)
	if report.TaskID != "t1" || report.SubTaskID != "t1-1" || report.Status != task.Completed.String() {
		t.Errorf("unexpected report %+v", report)
	}

	job := runner.last()
	if job.ID != "t1-1" || job.ChunkIndex != 1 || job.Timeout != 5*time.Second {
		t.Errorf("unexpected job %+v", job)
	}
	if job.Range == nil || job.Range.Start != 10 || job.Range.End != 20 {
		t.Errorf("unexpected range %+v", job.Range)
	}
	if len(runner.jobs) != 1 {
		t.Errorf("expected work for another worker to be ignored, ran %d jobs", len(runner.jobs))
	}
}

func TestChallenge(t *testing.T) {
	ms := int64(1_700_000_000_500)

	cases := []struct {
		name    string
		payload map[string]any
		ok      bool
	}{
		{
			name:    "float milliseconds",
			payload: map[string]any{verification.NonceKey: "n", verification.IssuedAtKey: float64(ms)},
			ok:      true,
		},
		{
			name:    "int milliseconds",
			payload: map[string]any{verification.NonceKey: "n", verification.IssuedAtKey: ms},
			ok:      true,
		},
		{
			name:    "json number",
			payload: map[string]any{verification.NonceKey: "n", verification.IssuedAtKey: json.Number("1700000000500")},
			ok:      true,
		},
		{
			name:    "no nonce",
			payload: map[string]any{verification.IssuedAtKey: float64(ms)},
		},
		{
			name:    "issued at as text",
			payload: map[string]any{verification.NonceKey: "n", verification.IssuedAtKey: "yesterday"},
		},
		{
			name: "nil payload",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			nonce, issuedAt, ok := challenge(tc.payload)
			if ok != tc.ok {
				t.Fatalf("expected ok %v, got %v", tc.ok, ok)
			}
			if !ok {
				return
			}
			if nonce != "n" || issuedAt.UnixMilli() != ms {
				t.Errorf("unexpected challenge %q %v", nonce, issuedAt)
			}
		})
	}
}
