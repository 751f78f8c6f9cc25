package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/jobs"
	"github.com/absmach/anchor/pkg/metrics"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/tracing"
	"github.com/absmach/anchor/pkg/verification"
	"github.com/absmach/anchor/task"
	"go.opentelemetry.io/otel/attribute"
)

// Aggregate is the merged result of a parallel task, in chunk order.
type Aggregate struct {
	CombinedOutput []any    `json:"combined_output"`
	NodeMap        []string `json:"node_map"`
	Aggregated     bool     `json:"aggregated"`
}

const (
	outcomeVerified    = "verified"
	outcomeNoConsensus = "no_consensus"
	outcomeRecompute   = "recompute"
)

func (svc *service) UpdateStatus(ctx context.Context, r orchestration.Report) (task.Task, error) {
	ctx, span := tracing.StartSpan(ctx, "manager.update_status",
		attribute.String("task_id", r.TaskID),
		attribute.String("subtask_id", r.SubTaskID),
		attribute.String("worker_id", r.WorkerID),
	)
	defer span.End()

	if err := svc.requireLeader(); err != nil {
		return task.Task{}, err
	}
	state, err := task.ParseState(r.Status)
	if err != nil || !state.Terminal() {
		return task.Task{}, fmt.Errorf("%w: status must be Completed or Failed, got %q", pkgerrors.ErrValidation, r.Status)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	t, err := svc.store.GetTask(ctx, r.TaskID)
	if err != nil {
		return task.Task{}, err
	}
	if r.WorkerID != "" && !slices.Contains(t.WorkerIDs, r.WorkerID) {
		return t, ErrUnexpectedWorker
	}
	if t.State.Terminal() {
		return t, nil
	}

	switch {
	case r.SubTaskID != "":
		err = svc.completeSubTask(ctx, &t, r, state)
	case t.Redundant():
		err = svc.submitResult(ctx, &t, r, state)
	default:
		err = svc.completeTask(ctx, &t, state, r.Result, r.Error)
	}

	return t, err
}

func (svc *service) completeTask(ctx context.Context, t *task.Task, state task.State, result any, errMsg string) error {
	var err error
	switch state {
	case task.Completed:
		err = svc.sm.MarkTaskCompleted(ctx, t, result)
	default:
		if errMsg == "" {
			errMsg = "worker reported failure"
		}
		err = svc.sm.MarkTaskFailed(ctx, t, errMsg)
	}
	if err != nil {
		return err
	}

	return svc.finish(ctx, t)
}

func (svc *service) completeSubTask(ctx context.Context, t *task.Task, r orchestration.Report, state task.State) error {
	idx, ok := t.SubTask(r.SubTaskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSubTask, r.SubTaskID)
	}
	sub := t.SubTasks[idx]
	if r.WorkerID != "" && r.WorkerID != sub.WorkerID {
		return ErrUnexpectedWorker
	}
	if sub.State.Terminal() {
		return nil
	}

	if err := svc.sm.MarkSubTask(t, sub.ID, state, r.Result, r.Error); err != nil {
		return err
	}
	svc.releaseWorkers(ctx, t.ID, sub.WorkerID)

	if !t.SubTasksDone() {
		t.UpdatedAt = svc.clock.Now()

		return svc.store.UpdateTask(ctx, *t)
	}

	if err := svc.sm.MarkTaskAggregating(ctx, t); err != nil {
		return err
	}
	metrics.TaskTotal.WithLabelValues(string(t.Kind), t.State.String()).Inc()

	agg, failed := aggregate(t.SubTasks)
	if len(failed) > 0 {
		t.Results = agg
		if err := svc.sm.MarkTaskFailed(ctx, t, fmt.Sprintf("%d of %d subtasks failed: %v", len(failed), len(t.SubTasks), failed)); err != nil {
			return err
		}

		return svc.finish(ctx, t)
	}
	if err := svc.sm.MarkTaskCompleted(ctx, t, agg); err != nil {
		return err
	}

	return svc.finish(ctx, t)
}

// aggregate merges subtask results in chunk order, tagging each with its worker.
func aggregate(subs []task.SubTask) (Aggregate, []string) {
	ordered := slices.Clone(subs)
	slices.SortFunc(ordered, func(a, b task.SubTask) int {
		return a.ChunkIndex - b.ChunkIndex
	})

	agg := Aggregate{
		CombinedOutput: make([]any, len(ordered)),
		NodeMap:        make([]string, len(ordered)),
		Aggregated:     true,
	}
	var failed []string
	for i, s := range ordered {
		agg.CombinedOutput[i] = s.Result
		agg.NodeMap[i] = s.WorkerID
		if s.State == task.Failed {
			failed = append(failed, s.ID)
		}
	}

	return agg, failed
}

// submitResult records a redundant execution as a proof submission and
// queues the consensus evaluation once enough have arrived.
func (svc *service) submitResult(ctx context.Context, t *task.Task, r orchestration.Report, state task.State) error {
	if r.WorkerID == "" {
		return fmt.Errorf("%w: worker_id is required for a redundant task", pkgerrors.ErrValidation)
	}
	if t.VerifyStatus != task.VerifyPending {
		svc.logger.DebugContext(ctx, "ignoring result outside a verification round", "task_id", t.ID, "worker_id", r.WorkerID)

		return nil
	}

	result := r.Result
	if state == task.Failed && result == nil {
		result = map[string]any{"error": r.Error}
	}

	_, err := svc.verifier.SubmitProof(ctx, t.ID, r.WorkerID, result, r.Proof)
	switch {
	case errors.Is(err, verification.ErrExpired), errors.Is(err, verification.ErrUnknownTask):
		return svc.recompute(ctx, t, "challenge expired before enough results arrived")
	case err != nil:
		return err
	}
	svc.releaseWorkers(ctx, t.ID, r.WorkerID)

	n, err := svc.verifier.Submissions(ctx, t.ID)
	if err != nil {
		return err
	}
	if n >= t.Requirements.Redundancy {
		if err := svc.queue.Enqueue(ctx, jobs.Job{
			Queue:   jobs.ConsensusVerification,
			Payload: map[string]string{"task_id": t.ID},
		}); err != nil {
			return err
		}
	}

	t.UpdatedAt = svc.clock.Now()

	return svc.store.UpdateTask(ctx, *t)
}

func (svc *service) handleConsensusJob(ctx context.Context, job jobs.Job) error {
	taskID := job.Get("task_id")
	ctx, span := tracing.StartSpan(ctx, "manager.consensus_job", attribute.String("task_id", taskID))
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
	if t.State.Terminal() || t.VerifyStatus != task.VerifyPending {
		return nil
	}

	out, err := svc.verifier.EvaluateConsensus(ctx, t.ID, t.Requirements.Redundancy)
	var d *verification.Disagreement
	switch {
	case errors.Is(err, verification.ErrNotReady):
		c, cerr := svc.verifier.Challenge(ctx, t.ID)
		switch {
		case errors.Is(cerr, verification.ErrUnknownTask):
			return svc.recompute(ctx, &t, "verification record expired")
		case cerr != nil:
			return cerr
		case c.Expired(svc.clock.Now()):
			return svc.recompute(ctx, &t, "challenge expired before enough results arrived")
		}

		return nil
	case errors.As(err, &d):
		svc.emitVerification(ctx, t.ID, outcomeNoConsensus, map[string]any{
			"groups":  d.Groups,
			"largest": d.Largest,
			"needed":  d.Needed,
			"attempt": t.Attempts,
		})

		return svc.recompute(ctx, &t, d.Error())
	case errors.Is(err, verification.ErrUnknownTask):
		return svc.recompute(ctx, &t, "verification record expired")
	case err != nil:
		return err
	}

	svc.syncReputation(ctx, append(slices.Clone(out.Majority), out.Dishonest...)...)
	svc.emitVerification(ctx, t.ID, outcomeVerified, map[string]any{
		"result_hash": out.ResultHash,
		"majority":    out.Majority,
		"dishonest":   out.Dishonest,
	})

	t.VerifyStatus = task.VerifyVerified
	if err := svc.sm.MarkTaskCompleted(ctx, &t, out.Result); err != nil {
		return jobs.Permanent(err)
	}

	return svc.finish(ctx, &t)
}

func (svc *service) consensusJobFailed(ctx context.Context, job jobs.Job, cause error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	t, err := svc.store.GetTask(ctx, job.Get("task_id"))
	if err != nil {
		return
	}
	svc.failTask(ctx, &t, fmt.Sprintf("verification failed: %v", cause))
}

// recompute re-dispatches a redundant task under a new challenge, or fails
// it once its dispatch rounds are exhausted.
func (svc *service) recompute(ctx context.Context, t *task.Task, reason string) error {
	svc.releaseWorkers(ctx, t.ID, t.WorkerIDs...)

	if t.Attempts >= svc.cfg.MaxAttempts {
		svc.failTask(ctx, t, fmt.Sprintf("no consensus after %d attempts: %s", t.Attempts, reason))

		return nil
	}

	t.VerifyStatus = task.VerifyRecompute
	t.UpdatedAt = svc.clock.Now()
	if err := svc.store.UpdateTask(ctx, *t); err != nil {
		return err
	}
	svc.emitVerification(ctx, t.ID, outcomeRecompute, map[string]any{"reason": reason, "attempt": t.Attempts})
	svc.logger.WarnContext(ctx, "recomputing task", "task_id", t.ID, "attempt", t.Attempts, "reason", reason)

	return svc.dispatch(ctx, t)
}

// failTask marks t Failed unless it already reached a terminal state.
func (svc *service) failTask(ctx context.Context, t *task.Task, reason string) {
	if t.State.Terminal() {
		return
	}
	if err := svc.sm.MarkTaskFailed(ctx, t, reason); err != nil {
		svc.logger.ErrorContext(ctx, "failed to mark task failed", "task_id", t.ID, "error", err)

		return
	}
	if err := svc.finish(ctx, t); err != nil {
		svc.logger.ErrorContext(ctx, "failed to finish task", "task_id", t.ID, "error", err)
	}
}

// finish persists a task that just reached a terminal state and runs
// everything that follows from it.
func (svc *service) finish(ctx context.Context, t *task.Task) error {
	t.UpdatedAt = svc.clock.Now()
	if err := svc.store.UpdateTask(ctx, *t); err != nil {
		return err
	}
	svc.releaseWorkers(ctx, t.ID, t.WorkerIDs...)

	state := t.State.String()
	metrics.TaskTotal.WithLabelValues(string(t.Kind), state).Inc()
	if !t.StartTime.IsZero() {
		metrics.TaskDuration.WithLabelValues(string(t.Kind), state).Observe(t.FinishTime.Sub(t.StartTime).Seconds())
	}

	switch t.State {
	case task.Completed:
		svc.record(ctx, OpComplete, t.ID, t.WorkerIDs)
		if err := svc.events.EmitTaskCompleted(ctx, *t); err != nil {
			svc.logger.WarnContext(ctx, "failed to emit task completed event", "task_id", t.ID, "error", err)
		}
		svc.logger.InfoContext(ctx, "task completed", "task_id", t.ID, "kind", t.Kind)
	default:
		svc.record(ctx, OpFail, t.ID, t.WorkerIDs)
		if err := svc.events.EmitTaskFailed(ctx, *t, t.Error); err != nil {
			svc.logger.WarnContext(ctx, "failed to emit task failed event", "task_id", t.ID, "error", err)
		}
		svc.logger.WarnContext(ctx, "task failed", "task_id", t.ID, "kind", t.Kind, "reason", t.Error)
	}

	if t.GraphID != "" {
		svc.advanceGraph(ctx, *t)
	}

	return nil
}

// releaseWorkers drops taskID from each worker's active set. Workers that
// become available trigger another scheduling pass for waiting tasks.
func (svc *service) releaseWorkers(ctx context.Context, taskID string, ids ...string) {
	freed := false
	for _, id := range ids {
		w, err := svc.store.GetWorker(ctx, id)
		if err != nil {
			continue
		}
		if !slices.Contains(w.ActiveTasks, taskID) {
			continue
		}
		if w.Release(taskID, svc.cfg.ReleaseThreshold) {
			freed = true
		}
		if err := svc.store.UpdateWorker(ctx, w); err != nil {
			svc.logger.WarnContext(ctx, "failed to release worker", "worker_id", id, "task_id", taskID, "error", err)
		}
	}
	if freed {
		svc.requeuePending(ctx)
	}
}

func (svc *service) emitVerification(ctx context.Context, taskID, outcome string, details map[string]any) {
	if err := svc.events.EmitVerification(ctx, taskID, outcome, details); err != nil {
		svc.logger.WarnContext(ctx, "failed to emit verification event", "task_id", taskID, "outcome", outcome, "error", err)
	}
}
