package manager

import (
	"context"
	"errors"
	"fmt"
	"maps"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/jobs"
	"github.com/absmach/anchor/pkg/tracing"
	"github.com/absmach/anchor/task"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

func (svc *service) SubmitGraph(ctx context.Context, g task.Graph) (task.Graph, error) {
	ctx, span := tracing.StartSpan(ctx, "manager.submit_graph")
	defer span.End()

	if err := svc.requireLeader(); err != nil {
		return task.Graph{}, err
	}
	nodes := make(map[string]task.Node, len(g.Nodes))
	for id, n := range g.Nodes {
		if n.ID == "" {
			n.ID = id
		}
		n.Status = task.NodePending
		n.TaskID = ""
		n.Result = nil
		n.Error = ""
		nodes[id] = n
	}
	g.Nodes = nodes
	if err := g.Validate(); err != nil {
		return task.Graph{}, fmt.Errorf("%w: %w", pkgerrors.ErrValidation, err)
	}

	now := svc.clock.Now()
	g.ID = uuid.NewString()
	g.Status = task.GraphRunning
	g.CreatedAt = now
	g.UpdatedAt = now
	span.SetAttributes(attribute.String("graph_id", g.ID), attribute.Int("nodes", len(g.Nodes)))

	svc.mu.Lock()
	defer svc.mu.Unlock()

	if err := svc.enqueueReady(ctx, &g); err != nil {
		return task.Graph{}, err
	}
	svc.logger.InfoContext(ctx, "graph submitted", "graph_id", g.ID, "nodes", len(g.Nodes))

	return g, nil
}

// enqueueReady marks every ready node queued, persists the graph and then
// queues a node job for each of them.
func (svc *service) enqueueReady(ctx context.Context, g *task.Graph) error {
	ready := g.ReadyNodes()
	for _, id := range ready {
		n := g.Nodes[id]
		n.Status = task.NodeQueued
		g.SetNode(n)
	}
	if err := svc.store.SaveGraph(ctx, *g); err != nil {
		return err
	}

	for _, id := range ready {
		if err := svc.queue.Enqueue(ctx, jobs.Job{
			Queue:   jobs.DAGNodeExecution,
			Payload: map[string]string{"graph_id": g.ID, "node_id": id},
		}); err != nil {
			return err
		}
	}

	return nil
}

// handleNodeJob instantiates the task of a queued node and dispatches it.
// Redelivery after the task exists only retries a still pending dispatch.
func (svc *service) handleNodeJob(ctx context.Context, job jobs.Job) error {
	graphID, nodeID := job.Get("graph_id"), job.Get("node_id")
	ctx, span := tracing.StartSpan(ctx, "manager.node_job",
		attribute.String("graph_id", graphID),
		attribute.String("node_id", nodeID),
		attribute.Int("attempt", job.Attempt),
	)
	defer span.End()

	svc.mu.Lock()
	defer svc.mu.Unlock()

	g, err := svc.store.GetGraph(ctx, graphID)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}
	n, ok := g.Nodes[nodeID]
	if !ok {
		return jobs.Permanent(fmt.Errorf("%w: %s", task.ErrUnknownNode, nodeID))
	}

	switch n.Status {
	case task.NodeQueued:
		if !g.DepsCompleted(nodeID) {
			return jobs.Permanent(fmt.Errorf("node %s queued before its dependencies completed", nodeID))
		}
		t := task.Task{
			Name:         n.Spec.Name,
			Kind:         task.KindGraphNode,
			Requirements: n.Spec.Requirements,
			Script:       n.Spec.Script,
			Payload:      maps.Clone(n.Spec.Payload),
			GraphID:      g.ID,
			NodeID:       n.ID,
		}
		if err := svc.prepareTask(&t); err != nil {
			return jobs.Permanent(err)
		}
		t.ID = nodeTaskID(g.ID, n.ID)

		created := true
		err := svc.store.CreateTask(ctx, t)
		switch {
		case errors.Is(err, pkgerrors.ErrEntityExists):
			// An earlier delivery created the task but did not save the graph.
			created = false
			if t, err = svc.store.GetTask(ctx, t.ID); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		n.TaskID = t.ID
		n.Status = task.NodeRunning
		g.SetNode(n)
		g.UpdatedAt = svc.clock.Now()
		if err := svc.store.SaveGraph(ctx, g); err != nil {
			return err
		}
		if created {
			if err := svc.events.EmitTaskCreated(ctx, t); err != nil {
				svc.logger.WarnContext(ctx, "failed to emit task created event", "task_id", t.ID, "error", err)
			}
		}
		if !awaitingDispatch(t) {
			return nil
		}

		return svc.dispatch(ctx, &t)
	case task.NodeRunning:
		t, err := svc.store.GetTask(ctx, n.TaskID)
		if err != nil {
			return err
		}
		if !awaitingDispatch(t) {
			return nil
		}

		return svc.dispatch(ctx, &t)
	default:
		return nil
	}
}

// nodeTaskID names the task of a graph node. Every delivery of the node's
// job derives the same id.
func nodeTaskID(graphID, nodeID string) string {
	return graphID + ":" + nodeID
}

// nodeJobFailed fails a node whose dispatch exhausted its attempts, and
// with it every node that depends on it.
func (svc *service) nodeJobFailed(ctx context.Context, job jobs.Job, cause error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	g, err := svc.store.GetGraph(ctx, job.Get("graph_id"))
	if err != nil {
		return
	}
	n, ok := g.Nodes[job.Get("node_id")]
	if !ok || n.Status.Terminal() {
		return
	}
	reason := fmt.Sprintf("node dispatch failed after %d attempts: %v", job.Attempt, cause)

	if n.TaskID != "" {
		t, err := svc.store.GetTask(ctx, n.TaskID)
		if err == nil {
			svc.failTask(ctx, &t, reason)

			return
		}
	}

	n.Status = task.NodeFailed
	n.Error = reason
	g.SetNode(n)
	svc.failGraph(ctx, &g, n.ID, reason)
}

// advanceGraph folds a terminal node task into its graph: completion queues
// the dependents that became ready, failure fails every dependent and the graph.
func (svc *service) advanceGraph(ctx context.Context, t task.Task) {
	g, err := svc.store.GetGraph(ctx, t.GraphID)
	if err != nil {
		svc.logger.WarnContext(ctx, "failed to load graph of finished task", "graph_id", t.GraphID, "task_id", t.ID, "error", err)

		return
	}
	n, ok := g.Nodes[t.NodeID]
	if !ok || n.Status.Terminal() {
		return
	}

	if t.State == task.Failed {
		n.Status = task.NodeFailed
		n.Error = t.Error
		g.SetNode(n)
		svc.failGraph(ctx, &g, n.ID, t.Error)

		return
	}

	n.Status = task.NodeCompleted
	n.Result = t.Results
	g.SetNode(n)
	g.UpdatedAt = svc.clock.Now()

	if g.Status != task.GraphRunning {
		if err := svc.store.SaveGraph(ctx, g); err != nil {
			svc.logger.WarnContext(ctx, "failed to save graph", "graph_id", g.ID, "error", err)
		}

		return
	}

	g.Reconcile()
	if err := svc.enqueueReady(ctx, &g); err != nil {
		svc.logger.ErrorContext(ctx, "failed to queue ready nodes", "graph_id", g.ID, "error", err)

		return
	}
	if g.Status == task.GraphCompleted {
		if err := svc.events.EmitGraphCompleted(ctx, g); err != nil {
			svc.logger.WarnContext(ctx, "failed to emit graph completed event", "graph_id", g.ID, "error", err)
		}
		svc.logger.InfoContext(ctx, "graph completed", "graph_id", g.ID)
	}
}

func (svc *service) failGraph(ctx context.Context, g *task.Graph, nodeID, reason string) {
	failed := g.FailDependents(nodeID, fmt.Sprintf("dependency %s failed", nodeID))
	g.UpdatedAt = svc.clock.Now()

	wasRunning := g.Status == task.GraphRunning
	g.Status = task.GraphFailed
	if err := svc.store.SaveGraph(ctx, *g); err != nil {
		svc.logger.WarnContext(ctx, "failed to save graph", "graph_id", g.ID, "error", err)
	}
	if !wasRunning {
		return
	}

	if err := svc.events.EmitGraphFailed(ctx, *g, fmt.Sprintf("node %s failed: %s", nodeID, reason)); err != nil {
		svc.logger.WarnContext(ctx, "failed to emit graph failed event", "graph_id", g.ID, "error", err)
	}
	svc.logger.WarnContext(ctx, "graph failed", "graph_id", g.ID, "node_id", nodeID, "failed_dependents", failed)
}
