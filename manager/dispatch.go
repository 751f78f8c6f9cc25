package manager

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/jobs"
	"github.com/absmach/anchor/pkg/metrics"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/tracing"
	"github.com/absmach/anchor/pkg/verification"
	"github.com/absmach/anchor/task"
	"github.com/absmach/anchor/worker"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

func (svc *service) handleTaskJob(ctx context.Context, job jobs.Job) error {
	taskID := job.Get("task_id")
	ctx, span := tracing.StartSpan(ctx, "manager.task_job",
		attribute.String("task_id", taskID),
		attribute.Int("attempt", job.Attempt),
	)
	defer span.End()

	svc.mu.Lock()
	defer svc.mu.Unlock()

	t, err := svc.store.GetTask(ctx, taskID)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return jobs.Permanent(err)
	}
	if err != nil {
		return err
	}
	if !awaitingDispatch(t) {
		return nil
	}

	return svc.dispatch(ctx, &t)
}

// taskJobFailed runs once dispatch of a task has exhausted its attempts.
func (svc *service) taskJobFailed(ctx context.Context, job jobs.Job, cause error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	t, err := svc.store.GetTask(ctx, job.Get("task_id"))
	if err != nil {
		return
	}
	svc.failTask(ctx, &t, fmt.Sprintf("dispatch failed after %d attempts: %v", job.Attempt, cause))
}

// dispatch selects workers for t and pushes its work. A task with no
// eligible worker stays as it is and nil is returned; it is retried on the
// next worker availability event.
func (svc *service) dispatch(ctx context.Context, t *task.Task) error {
	workers, err := svc.allWorkers(ctx)
	if err != nil {
		return err
	}

	var shape string
	switch {
	case t.Kind == task.KindParallel:
		shape = "parallel"
		err = svc.dispatchParallel(ctx, t, workers)
	case t.Redundant():
		shape = "redundant"
		err = svc.dispatchRedundant(ctx, t, workers)
	default:
		shape = "single"
		err = svc.dispatchSingle(ctx, t, workers)
	}

	switch {
	case errors.Is(err, orchestration.ErrNoWorkerAvailable):
		metrics.Dispatches.WithLabelValues(shape, "deferred").Inc()
		svc.logger.InfoContext(ctx, "no eligible worker, task left pending", "task_id", t.ID, "kind", t.Kind)

		return nil
	case err != nil:
		metrics.Dispatches.WithLabelValues(shape, "failed").Inc()

		return err
	}
	metrics.Dispatches.WithLabelValues(shape, "dispatched").Inc()

	return nil
}

func (svc *service) dispatchSingle(ctx context.Context, t *task.Task, workers []worker.Worker) error {
	selected, err := svc.scheduler.SelectWorkers(ctx, *t, workers, 1)
	if err != nil {
		return err
	}
	w := selected[0]

	if err := svc.executor.StartTask(ctx, *t, nil, w); err != nil {
		return fmt.Errorf("failed to push task %s to worker %s: %w", t.ID, w.ID, err)
	}

	t.WorkerIDs = []string{w.ID}

	return svc.markDispatched(ctx, t, selected)
}

// dispatchParallel pushes every chunk of t not yet running. Chunks pushed
// before a failed push keep their workers, so the retry only places the rest
// and reports from the first workers stay valid.
func (svc *service) dispatchParallel(ctx context.Context, t *task.Task, workers []worker.Worker) error {
	subs, err := svc.assignChunks(ctx, t, workers)
	if err != nil {
		return err
	}

	byID := make(map[string]worker.Worker, len(workers))
	for _, w := range workers {
		byID[w.ID] = w
	}

	// Pushes are not cancelled on the first failure so every outcome is known.
	var g errgroup.Group
	pushed := make([]bool, len(subs))
	for i := range subs {
		if subs[i].State != task.Pending {
			continue
		}
		g.Go(func() error {
			w := byID[subs[i].WorkerID]
			if err := svc.executor.StartTask(ctx, *t, &subs[i], w); err != nil {
				return fmt.Errorf("failed to push subtask %s to worker %s: %w", subs[i].ID, w.ID, err)
			}
			pushed[i] = true

			return nil
		})
	}
	pushErr := g.Wait()

	for i := range subs {
		switch {
		case pushed[i]:
			subs[i].State = task.Processing
		case subs[i].State == task.Pending:
			subs[i].WorkerID = ""
		}
	}
	t.SubTasks = subs
	t.WorkerIDs = chunkWorkerIDs(subs)

	// Only workers with a chunk still running carry its load.
	var holders []worker.Worker
	for _, sub := range subs {
		w, ok := byID[sub.WorkerID]
		if !ok || sub.State.Terminal() || slices.ContainsFunc(holders, func(h worker.Worker) bool { return h.ID == w.ID }) {
			continue
		}
		holders = append(holders, w)
	}

	if pushErr != nil {
		svc.chargeWorkers(ctx, t.ID, holders)
		t.UpdatedAt = svc.clock.Now()
		if err := svc.store.UpdateTask(ctx, *t); err != nil {
			return errors.Join(pushErr, err)
		}

		return pushErr
	}

	return svc.markDispatched(ctx, t, holders)
}

// assignChunks returns the subtasks of t with a worker named for every chunk
// still to be pushed. The first pass partitions the range across the
// selected workers; later passes keep the chunks that already have one.
func (svc *service) assignChunks(ctx context.Context, t *task.Task, workers []worker.Worker) ([]task.SubTask, error) {
	if len(t.SubTasks) == 0 {
		selected, err := svc.scheduler.SelectWorkers(ctx, *t, workers, t.Requirements.Parallelism)
		if err != nil {
			return nil, err
		}
		chunks, err := orchestration.Partition(t.TotalRange, len(selected))
		if err != nil {
			return nil, jobs.Permanent(err)
		}

		subs := make([]task.SubTask, len(chunks))
		for i, c := range chunks {
			subs[i] = task.SubTask{
				ID:         fmt.Sprintf("%s-%d", t.ID, i),
				ChunkIndex: i,
				Range:      c,
				WorkerID:   selected[i].ID,
				State:      task.Pending,
			}
		}

		return subs, nil
	}

	subs := slices.Clone(t.SubTasks)
	var open []int
	holding := make(map[string]bool)
	for i := range subs {
		if subs[i].WorkerID == "" {
			open = append(open, i)

			continue
		}
		holding[subs[i].WorkerID] = true
	}
	if len(open) == 0 {
		return subs, nil
	}

	// Workers already holding a chunk are only used when nobody else can.
	free := slices.DeleteFunc(slices.Clone(workers), func(w worker.Worker) bool {
		return holding[w.ID]
	})
	selected, err := svc.scheduler.SelectWorkers(ctx, *t, free, len(open))
	if err != nil || len(selected) < len(open) {
		if selected, err = svc.scheduler.SelectWorkers(ctx, *t, workers, len(open)); err != nil {
			return nil, err
		}
	}
	if len(selected) < len(open) {
		return nil, fmt.Errorf("%w: %d of %d chunks can be placed", orchestration.ErrNoWorkerAvailable, len(selected), len(open))
	}
	for j, i := range open {
		subs[i].WorkerID = selected[j].ID
		subs[i].State = task.Pending
	}

	return subs, nil
}

// dispatchRedundant runs t on Redundancy distinct workers under a fresh
// challenge. Fewer eligible workers than required defers the task.
func (svc *service) dispatchRedundant(ctx context.Context, t *task.Task, workers []worker.Worker) error {
	required := t.Requirements.Redundancy
	selected, err := svc.scheduler.SelectWorkers(ctx, *t, workers, required)
	if err != nil {
		return err
	}
	if len(selected) < required {
		return fmt.Errorf("%w: %d of %d redundant workers eligible", orchestration.ErrNoWorkerAvailable, len(selected), required)
	}

	c, err := svc.verifier.IssueChallenge(ctx, t.ID)
	if err != nil {
		return err
	}
	payload := maps.Clone(t.Payload)
	if payload == nil {
		payload = make(map[string]any)
	}
	payload[verification.NonceKey] = c.Nonce
	payload[verification.IssuedAtKey] = c.IssuedAt.UnixMilli()
	t.Payload = payload

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range selected {
		g.Go(func() error {
			if err := svc.executor.StartTask(gctx, *t, nil, w); err != nil {
				return fmt.Errorf("failed to push task %s to worker %s: %w", t.ID, w.ID, err)
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	t.WorkerIDs = workerIDs(selected)
	t.VerifyStatus = task.VerifyPending

	return svc.markDispatched(ctx, t, selected)
}

// markDispatched moves t to Processing, charges the selected workers and
// records the assignment.
func (svc *service) markDispatched(ctx context.Context, t *task.Task, selected []worker.Worker) error {
	if err := svc.sm.MarkTaskProcessing(ctx, t); err != nil {
		return jobs.Permanent(err)
	}
	t.Attempts++
	t.UpdatedAt = svc.clock.Now()
	if err := svc.store.UpdateTask(ctx, *t); err != nil {
		return err
	}

	svc.chargeWorkers(ctx, t.ID, selected)

	svc.record(ctx, OpAssign, t.ID, t.WorkerIDs)
	metrics.TaskTotal.WithLabelValues(string(t.Kind), t.State.String()).Inc()
	if err := svc.events.EmitTaskStarted(ctx, *t); err != nil {
		svc.logger.WarnContext(ctx, "failed to emit task started event", "task_id", t.ID, "error", err)
	}
	svc.logger.InfoContext(ctx, "task dispatched", "task_id", t.ID, "kind", t.Kind, "workers", t.WorkerIDs, "attempt", t.Attempts)

	return nil
}

// chargeWorkers adds taskID to the active set of each worker.
func (svc *service) chargeWorkers(ctx context.Context, taskID string, workers []worker.Worker) {
	for _, w := range workers {
		w.AddTask(taskID, svc.cfg.ReleaseThreshold)
		if err := svc.store.UpdateWorker(ctx, w); err != nil {
			svc.logger.WarnContext(ctx, "failed to update worker load", "worker_id", w.ID, "error", err)
		}
	}
}

// chunkWorkerIDs lists the workers holding a chunk, in chunk order.
func chunkWorkerIDs(subs []task.SubTask) []string {
	var ids []string
	for _, s := range subs {
		if s.WorkerID != "" && !slices.Contains(ids, s.WorkerID) {
			ids = append(ids, s.WorkerID)
		}
	}

	return ids
}

func workerIDs(workers []worker.Worker) []string {
	ids := make([]string, len(workers))
	for i, w := range workers {
		ids[i] = w.ID
	}

	return ids
}
