package manager

import (
	"context"
	"errors"
	"testing"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/task"
)

func node(id string, deps ...string) task.Node {
	return task.Node{
		ID:        id,
		Spec:      task.NodeSpec{Name: id, Payload: map[string]any{"node": id}},
		DependsOn: deps,
	}
}

func newGraph(nodes ...task.Node) task.Graph {
	g := task.Graph{Nodes: make(map[string]task.Node, len(nodes))}
	for _, n := range nodes {
		g.Nodes[n.ID] = n
	}

	return g
}

// completeNode reports success for the task running node id.
func completeNode(t *testing.T, env *testEnv, graphID, id string) {
	t.Helper()

	g, err := env.svc.GetGraph(context.Background(), graphID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	n := g.Nodes[id]
	if n.Status != task.NodeRunning || n.TaskID == "" {
		t.Fatalf("node %s: expected running with a task, got %s", id, n.Status)
	}
	tk, err := env.svc.GetTask(context.Background(), n.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if tk.Kind != task.KindGraphNode || tk.GraphID != graphID || tk.NodeID != id {
		t.Fatalf("node %s: unexpected task %+v", id, tk)
	}
	if err := env.report(orchestration.Report{TaskID: tk.ID, WorkerID: tk.WorkerIDs[0], Status: "Completed", Result: "out-" + id}); err != nil {
		t.Fatalf("report node %s: %v", id, err)
	}
}

func nodeStatuses(t *testing.T, env *testEnv, graphID string) map[string]task.NodeStatus {
	t.Helper()

	g, err := env.svc.GetGraph(context.Background(), graphID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	out := make(map[string]task.NodeStatus, len(g.Nodes))
	for id, n := range g.Nodes {
		out[id] = n.Status
	}

	return out
}

func TestSubmitGraphValidation(t *testing.T) {
	env := newTestEnv(t, Config{})

	cases := []struct {
		name    string
		graph   task.Graph
		wantErr error
	}{
		{name: "empty", graph: task.Graph{}, wantErr: task.ErrEmptyGraph},
		{name: "unknown dependency", graph: newGraph(node("a", "x")), wantErr: task.ErrUnknownDependency},
		{name: "cycle", graph: newGraph(node("a", "b"), node("b", "a")), wantErr: task.ErrCyclicGraph},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.SubmitGraph(context.Background(), tc.graph)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
			if !errors.Is(err, pkgerrors.ErrValidation) {
				t.Errorf("expected a validation error, got %v", err)
			}
		})
	}
}

func TestGraphExecutionOrder(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.register(t, "w1", defaultSpecs, "")
	env.register(t, "w2", defaultSpecs, "")

	// a -> (b, c) -> d
	g, err := env.svc.SubmitGraph(ctx, newGraph(node("a"), node("b", "a"), node("c", "a"), node("d", "b", "c")))
	if err != nil {
		t.Fatalf("submit graph: %v", err)
	}
	if g.ID == "" || g.Status != task.GraphRunning {
		t.Fatalf("unexpected graph %s %s", g.ID, g.Status)
	}
	env.drain(t)

	steps := []struct {
		complete []string
		want     map[string]task.NodeStatus
	}{
		{
			want: map[string]task.NodeStatus{"a": task.NodeRunning, "b": task.NodePending, "c": task.NodePending, "d": task.NodePending},
		},
		{
			complete: []string{"a"},
			want:     map[string]task.NodeStatus{"a": task.NodeCompleted, "b": task.NodeRunning, "c": task.NodeRunning, "d": task.NodePending},
		},
		{
			complete: []string{"b"},
			want:     map[string]task.NodeStatus{"a": task.NodeCompleted, "b": task.NodeCompleted, "c": task.NodeRunning, "d": task.NodePending},
		},
		{
			complete: []string{"c"},
			want:     map[string]task.NodeStatus{"a": task.NodeCompleted, "b": task.NodeCompleted, "c": task.NodeCompleted, "d": task.NodeRunning},
		},
		{
			complete: []string{"d"},
			want:     map[string]task.NodeStatus{"a": task.NodeCompleted, "b": task.NodeCompleted, "c": task.NodeCompleted, "d": task.NodeCompleted},
		},
	}

	for i, step := range steps {
		for _, id := range step.complete {
			completeNode(t, env, g.ID, id)
		}
		env.drain(t)

		got := nodeStatuses(t, env, g.ID)
		for id, want := range step.want {
			if got[id] != want {
				t.Errorf("step %d: node %s expected %s, got %s", i, id, want, got[id])
			}
		}
	}

	final, err := env.svc.GetGraph(ctx, g.ID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	if final.Status != task.GraphCompleted {
		t.Fatalf("expected completed graph, got %s", final.Status)
	}
	if final.Nodes["d"].Result != "out-d" {
		t.Errorf("expected node result to be recorded, got %v", final.Nodes["d"].Result)
	}

	completed := 0
	for _, ev := range env.events(env.topics.GraphEventsTopic()) {
		if ev.Type == orchestration.EventGraphCompleted && ev.GraphID == g.ID {
			completed++
		}
	}
	if completed != 1 {
		t.Errorf("expected one graph.completed event, got %d", completed)
	}
}

func TestGraphFailurePropagation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.register(t, "w1", defaultSpecs, "")

	// a -> b -> c, x independent
	g, err := env.svc.SubmitGraph(ctx, newGraph(node("a"), node("b", "a"), node("c", "b"), node("x")))
	if err != nil {
		t.Fatalf("submit graph: %v", err)
	}
	env.drain(t)

	a, err := env.svc.GetGraph(ctx, g.ID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	tk, err := env.svc.GetTask(ctx, a.Nodes["a"].TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if err := env.report(orchestration.Report{TaskID: tk.ID, WorkerID: tk.WorkerIDs[0], Status: "Failed", Error: "boom"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	env.drain(t)

	final, err := env.svc.GetGraph(ctx, g.ID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	if final.Status != task.GraphFailed {
		t.Fatalf("expected failed graph, got %s", final.Status)
	}
	for _, id := range []string{"a", "b", "c"} {
		if final.Nodes[id].Status != task.NodeFailed {
			t.Errorf("node %s: expected failed, got %s", id, final.Nodes[id].Status)
		}
	}
	if final.Nodes["b"].TaskID != "" || final.Nodes["c"].TaskID != "" {
		t.Error("expected no task to be created for dependents of a failed node")
	}

	// The independent node still finishes, without reviving the graph.
	if final.Nodes["x"].Status != task.NodeRunning {
		t.Fatalf("expected independent node to keep running, got %s", final.Nodes["x"].Status)
	}
	completeNode(t, env, g.ID, "x")

	final, err = env.svc.GetGraph(ctx, g.ID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	if final.Status != task.GraphFailed || final.Nodes["x"].Status != task.NodeCompleted {
		t.Errorf("expected failed graph with x completed, got %s and %s", final.Status, final.Nodes["x"].Status)
	}

	failed := 0
	for _, ev := range env.events(env.topics.GraphEventsTopic()) {
		if ev.Type == orchestration.EventGraphFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("expected one graph.failed event, got %d", failed)
	}
}

func TestGraphNodeJobIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.register(t, "w1", defaultSpecs, "")

	g, err := env.svc.SubmitGraph(ctx, newGraph(node("a")))
	if err != nil {
		t.Fatalf("submit graph: %v", err)
	}
	env.drain(t)

	// A redelivered node job must not create a second task.
	redelivered := map[string]string{"graph_id": g.ID, "node_id": "a"}
	if err := env.svc.handleNodeJob(ctx, jobFor(redelivered)); err != nil {
		t.Fatalf("redelivered node job: %v", err)
	}

	page, err := env.svc.ListTasks(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("expected a single node task, got %d", page.Total)
	}
	if n := len(env.work(t, "w1")); n != 1 {
		t.Errorf("expected a single push, got %d", n)
	}
}

// saveFailingStore fails the next failures graph saves.
type saveFailingStore struct {
	orchestration.StateStore
	failures int
}

func (s *saveFailingStore) SaveGraph(ctx context.Context, g orchestration.Graph) error {
	if s.failures > 0 {
		s.failures--

		return errors.New("graph store unavailable")
	}

	return s.StateStore.SaveGraph(ctx, g)
}

func TestGraphNodeJobRetriedAfterSaveFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.register(t, "w1", defaultSpecs, "")

	g, err := env.svc.SubmitGraph(ctx, newGraph(node("a")))
	if err != nil {
		t.Fatalf("submit graph: %v", err)
	}
	env.svc.store = &saveFailingStore{StateStore: env.svc.store, failures: 1}

	job := jobFor(map[string]string{"graph_id": g.ID, "node_id": "a"})
	if err := env.svc.handleNodeJob(ctx, job); err == nil {
		t.Fatal("expected the failed graph save to fail the job")
	}
	if err := env.svc.handleNodeJob(ctx, job); err != nil {
		t.Fatalf("retried node job: %v", err)
	}
	env.drain(t)

	page, err := env.svc.ListTasks(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected a single node task, got %d", page.Total)
	}

	got, err := env.svc.GetGraph(ctx, g.ID)
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	n := got.Nodes["a"]
	if n.Status != task.NodeRunning || n.TaskID != page.Tasks[0].ID {
		t.Errorf("expected the node to run the existing task, got %s on %q", n.Status, n.TaskID)
	}
	if page.Tasks[0].State != task.Processing {
		t.Errorf("expected the existing task to be dispatched, got %s", page.Tasks[0].State)
	}
	if n := len(env.work(t, "w1")); n != 1 {
		t.Errorf("expected a single push, got %d", n)
	}
}
