package manager

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/anchor/manager/standalone"
	"github.com/absmach/anchor/pkg/jobs"
	"github.com/absmach/anchor/pkg/mqtt"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/storage"
	"github.com/absmach/anchor/pkg/verification"
	"github.com/absmach/anchor/worker"
	smqerrors "github.com/absmach/supermq/pkg/errors"
	testingclock "k8s.io/utils/clock/testing"
)

// mockPubSub records every publish and routes simulated messages to the
// subscribed handlers.
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

func (m *mockPubSub) Publish(ctx context.Context, topic string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.published[topic] = append(m.published[topic], payload)

	return nil
}

func (m *mockPubSub) Subscribe(ctx context.Context, topic string, handler mqtt.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscribed[topic] = handler

	return nil
}

func (m *mockPubSub) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subscribed, topic)

	return nil
}

func (m *mockPubSub) Disconnect(ctx context.Context) error {
	return nil
}

func (m *mockPubSub) simulateMessage(topic string, msg map[string]any) error {
	m.mu.Lock()
	var handler mqtt.Handler
	for filter, h := range m.subscribed {
		if mqtt.TopicMatches(filter, topic) {
			handler = h

			break
		}
	}
	m.mu.Unlock()

	if handler == nil {
		return nil
	}

	return handler(topic, msg)
}

func (m *mockPubSub) messages(topic string) []any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]any, len(m.published[topic]))
	copy(out, m.published[topic])

	return out
}

type testEnv struct {
	svc      *service
	pubsub   *mockPubSub
	queue    jobs.Queue
	verifier *verification.Verifier
	clock    *testingclock.FakeClock
	topics   *orchestration.TopicBuilder
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	clk := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))

	return newReplicaEnv(t, cfg, clk, storage.NewMemoryKV(clk), jobs.NewMemoryQueue())
}

// newReplicaEnv builds a coordinator replica on a shared KV store and job
// queue. Each replica has its own broker connection and starts as leader.
func newReplicaEnv(t *testing.T, cfg Config, clk *testingclock.FakeClock, kv storage.KV, queue jobs.Queue) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ps := newMockPubSub()

	a := standalone.NewAdapter(kv, ps, standalone.Config{DomainID: "d1", ChannelID: "c1"}, clk)
	processor := jobs.NewProcessor(queue, jobs.Config{PollInterval: 10 * time.Millisecond, InitialBackoff: 10 * time.Millisecond}, logger)
	verifier := verification.NewVerifier(kv, clk, logger)

	svc, ok := NewService(a, queue, processor, verifier, NewLedger(logger), nil, ps, clk, cfg, logger).(*service)
	if !ok {
		t.Fatal("NewService did not return *service")
	}
	t.Cleanup(processor.Stop)
	svc.leader.Store(true)

	if err := svc.Subscribe(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	return &testEnv{
		svc:      svc,
		pubsub:   ps,
		queue:    queue,
		verifier: verifier,
		clock:    clk,
		topics:   a.TopicBuilder,
	}
}

// drain runs queued jobs through the service handlers until every queue is empty.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	handlers := map[string]jobs.Handler{
		jobs.TaskExecution:         e.svc.handleTaskJob,
		jobs.DAGNodeExecution:      e.svc.handleNodeJob,
		jobs.ConsensusVerification: e.svc.handleConsensusJob,
	}

	for range 1000 {
		progressed := false
		for _, q := range jobs.Queues {
			job, err := e.queue.Dequeue(ctx, q)
			if errors.Is(err, jobs.ErrQueueEmpty) {
				continue
			}
			if err != nil {
				t.Fatalf("dequeue %s: %v", q, err)
			}
			job.Attempt = 1
			if err := handlers[q](ctx, job); err != nil {
				t.Fatalf("%s job failed: %v", q, smqerrors.Wrap(smqerrors.New("job handler returned an error"), err))
			}
			if err := e.queue.Ack(ctx, job); err != nil {
				t.Fatalf("ack: %v", err)
			}
			progressed = true
		}
		if !progressed {
			return
		}
	}
	t.Fatal("queues did not drain")
}

func (e *testEnv) register(t *testing.T, id string, specs worker.Specs, region string) {
	t.Helper()

	err := e.pubsub.simulateMessage(e.topics.DiscoveryTopic(), map[string]any{
		"worker_id": id,
		"name":      id,
		"region":    region,
		"specs":     specs,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (e *testEnv) report(r orchestration.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	return e.pubsub.simulateMessage(e.topics.ResultsTopic(), msg)
}

// work returns the work messages pushed to a worker, oldest first.
func (e *testEnv) work(t *testing.T, workerID string) []orchestration.WorkMessage {
	t.Helper()

	var out []orchestration.WorkMessage
	for _, m := range e.pubsub.messages(e.topics.WorkerTopic(workerID)) {
		wm, ok := m.(orchestration.WorkMessage)
		if !ok {
			t.Fatalf("unexpected message type %T on worker topic", m)
		}
		out = append(out, wm)
	}

	return out
}

func (e *testEnv) events(topic string) []orchestration.Event {
	var out []orchestration.Event
	for _, m := range e.pubsub.messages(topic) {
		if ev, ok := m.(orchestration.Event); ok {
			out = append(out, ev)
		}
	}

	return out
}

var defaultSpecs = worker.Specs{CPUCores: 4, MemoryGB: 8}

func jobFor(payload map[string]string) jobs.Job {
	return jobs.Job{ID: "redelivered", Queue: jobs.DAGNodeExecution, Payload: payload, Attempt: 2}
}
