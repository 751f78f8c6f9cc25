package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/0x6flab/namegenerator"
	"github.com/absmach/anchor/manager/standalone"
	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/jobs"
	"github.com/absmach/anchor/pkg/metrics"
	"github.com/absmach/anchor/pkg/mqtt"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/raft"
	"github.com/absmach/anchor/pkg/tracing"
	"github.com/absmach/anchor/pkg/verification"
	"github.com/absmach/anchor/task"
	"github.com/absmach/anchor/worker"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/utils/clock"
)

const (
	defOffset = 0
	defLimit  = 100

	defMaxAttempts = 3
)

var namegen = namegenerator.NewGenerator()

// Config holds scheduling policy.
type Config struct {
	// Redundancy is applied to single tasks and graph nodes that do not ask
	// for a redundancy factor. Values below 2 run such tasks once.
	Redundancy int
	// MaxAttempts bounds dispatch rounds of a redundant task that keeps
	// failing consensus.
	MaxAttempts int
	// ReleaseThreshold is the active task count at which a worker is Busy.
	ReleaseThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defMaxAttempts
	}
	if c.ReleaseThreshold <= 0 {
		c.ReleaseThreshold = worker.DefaultReleaseThreshold
	}

	return c
}

type service struct {
	store      orchestration.StateStore
	scheduler  orchestration.Scheduler
	executor   orchestration.WorkExecutor
	events     orchestration.EventEmitter
	sm         *orchestration.StateMachine
	topics     *orchestration.TopicBuilder
	queue      jobs.Queue
	processor  *jobs.Processor
	verifier   *verification.Verifier
	ledger     *Ledger
	replicator Replicator
	pubsub     mqtt.PubSub
	clock      clock.PassiveClock
	cfg        Config
	logger     *slog.Logger

	// mu serializes read-modify-write cycles on task, graph and worker state.
	mu sync.Mutex

	leader   atomic.Bool
	leaderMu sync.Mutex
}

// NewService wires the coordinator. replicator may be nil, in which case
// scheduling decisions are recorded in the local ledger only and the caller
// is expected to call HandleLeadership(ctx, true, 0).
func NewService(
	a *standalone.Adapter,
	queue jobs.Queue, processor *jobs.Processor,
	verifier *verification.Verifier, ledger *Ledger, replicator Replicator,
	pubsub mqtt.PubSub, clk clock.PassiveClock, cfg Config, logger *slog.Logger,
) Service {
	if clk == nil {
		clk = clock.RealClock{}
	}

	svc := &service{
		store:      a.StateStore,
		scheduler:  a.Scheduler,
		executor:   a.WorkExecutor,
		events:     a.EventEmitter,
		sm:         a.StateMachine,
		topics:     a.TopicBuilder,
		queue:      queue,
		processor:  processor,
		verifier:   verifier,
		ledger:     ledger,
		replicator: replicator,
		pubsub:     pubsub,
		clock:      clk,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}

	processor.Handle(jobs.TaskExecution, svc.handleTaskJob, svc.taskJobFailed)
	processor.Handle(jobs.DAGNodeExecution, svc.handleNodeJob, svc.nodeJobFailed)
	processor.Handle(jobs.ConsensusVerification, svc.handleConsensusJob, svc.consensusJobFailed)

	return svc
}

func (svc *service) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	ctx, span := tracing.StartSpan(ctx, "manager.create_task")
	defer span.End()

	if err := svc.requireLeader(); err != nil {
		return task.Task{}, err
	}
	if err := svc.prepareTask(&t); err != nil {
		return task.Task{}, err
	}
	span.SetAttributes(attribute.String("task_id", t.ID), attribute.String("kind", string(t.Kind)))

	if err := svc.store.CreateTask(ctx, t); err != nil {
		return task.Task{}, err
	}
	metrics.TaskTotal.WithLabelValues(string(t.Kind), t.State.String()).Inc()

	if err := svc.events.EmitTaskCreated(ctx, t); err != nil {
		svc.logger.WarnContext(ctx, "failed to emit task created event", "task_id", t.ID, "error", err)
	}

	if err := svc.enqueueTask(ctx, t.ID); err != nil {
		return task.Task{}, err
	}

	return t, nil
}

// prepareTask assigns identity and defaults and validates the requirements.
func (svc *service) prepareTask(t *task.Task) error {
	req := t.Requirements
	if req.Parallelism < 0 || req.Redundancy < 0 || req.MinMemoryGB < 0 {
		return fmt.Errorf("%w: requirements must not be negative", pkgerrors.ErrValidation)
	}

	if t.Kind == "" {
		t.Kind = task.KindSingle
		if req.Parallelism > 1 || t.TotalRange > 0 {
			t.Kind = task.KindParallel
		}
	}

	switch t.Kind {
	case task.KindParallel:
		if t.TotalRange <= 0 {
			return fmt.Errorf("%w: parallel task needs a positive total_range", pkgerrors.ErrValidation)
		}
		if req.Redundancy > 1 {
			return fmt.Errorf("%w: parallel tasks cannot be redundant", pkgerrors.ErrValidation)
		}
		if req.Parallelism == 0 {
			t.Requirements.Parallelism = 1
		}
	case task.KindSingle, task.KindGraphNode:
		if req.Redundancy == 0 && svc.cfg.Redundancy > 1 {
			t.Requirements.Redundancy = svc.cfg.Redundancy
		}
	default:
		return fmt.Errorf("%w: unknown task kind %q", pkgerrors.ErrValidation, t.Kind)
	}

	now := svc.clock.Now()
	t.ID = uuid.NewString()
	t.State = task.Pending
	t.SubTasks = nil
	t.WorkerIDs = nil
	t.Results = nil
	t.Error = ""
	t.Attempts = 0
	t.VerifyStatus = task.VerifyNone
	t.CreatedAt = now
	t.UpdatedAt = now

	return nil
}

func (svc *service) GetTask(ctx context.Context, taskID string) (task.Task, error) {
	return svc.store.GetTask(ctx, taskID)
}

func (svc *service) ListTasks(ctx context.Context, offset, limit uint64) (task.TaskPage, error) {
	tasks, total, err := svc.store.ListTasks(ctx, offset, limit)
	if err != nil {
		return task.TaskPage{}, err
	}

	return task.TaskPage{
		Offset: offset,
		Limit:  limit,
		Total:  total,
		Tasks:  tasks,
	}, nil
}

func (svc *service) StartTask(ctx context.Context, taskID string) error {
	if err := svc.requireLeader(); err != nil {
		return err
	}
	t, err := svc.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.State != task.Pending {
		return fmt.Errorf("%w: task %s is %s", orchestration.ErrInvalidStateTransition, taskID, t.State)
	}

	return svc.enqueueTask(ctx, taskID)
}

func (svc *service) TaskHistory(ctx context.Context, taskID string) ([]LedgerEntry, error) {
	if _, err := svc.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	return svc.ledger.History(taskID), nil
}

func (svc *service) GetGraph(ctx context.Context, graphID string) (task.Graph, error) {
	return svc.store.GetGraph(ctx, graphID)
}

func (svc *service) GetWorker(ctx context.Context, workerID string) (worker.Worker, error) {
	w, err := svc.store.GetWorker(ctx, workerID)
	if err != nil {
		return worker.Worker{}, err
	}
	w.SetAlive(svc.clock.Now())

	return w, nil
}

func (svc *service) ListWorkers(ctx context.Context, offset, limit uint64) (worker.WorkerPage, error) {
	workers, total, err := svc.store.ListWorkers(ctx, offset, limit)
	if err != nil {
		return worker.WorkerPage{}, err
	}

	now := svc.clock.Now()
	for i := range workers {
		workers[i].SetAlive(now)
	}

	return worker.WorkerPage{
		Offset:  offset,
		Limit:   limit,
		Total:   total,
		Workers: workers,
	}, nil
}

func (svc *service) Slash(ctx context.Context, workerID, reason string) (float64, error) {
	if err := svc.requireLeader(); err != nil {
		return 0, err
	}
	if reason == "" {
		return 0, fmt.Errorf("%w: slash reason is required", pkgerrors.ErrValidation)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	if _, err := svc.store.GetWorker(ctx, workerID); err != nil {
		return 0, err
	}

	score, err := svc.verifier.Slash(ctx, workerID, reason)
	if err != nil {
		return 0, err
	}
	svc.syncReputation(ctx, workerID)

	return score, nil
}

func (svc *service) Reputation(ctx context.Context, workerID string) (float64, error) {
	if _, err := svc.store.GetWorker(ctx, workerID); err != nil {
		return 0, err
	}

	return svc.verifier.Reputation(ctx, workerID)
}

func (svc *service) ClusterStatus(ctx context.Context) (ClusterStatus, error) {
	status := ClusterStatus{
		Mode:    modeStandalone,
		Leader:  svc.leader.Load(),
		Ledger:  svc.ledger.Status(),
		Queues:  make(map[string]int, len(jobs.Queues)),
		Workers: make(map[worker.Status]int),
	}
	if svc.replicator != nil {
		rs := svc.replicator.Status()
		status.Mode = modeRaft
		status.Raft = &rs
	}

	for _, q := range jobs.Queues {
		n, err := svc.queue.Len(ctx, q)
		if err != nil {
			return ClusterStatus{}, err
		}
		status.Queues[q] = n
	}

	workers, err := svc.allWorkers(ctx)
	if err != nil {
		return ClusterStatus{}, err
	}
	for _, w := range workers {
		status.Workers[w.Status]++
	}
	for _, s := range []worker.Status{worker.Online, worker.Idle, worker.Busy, worker.Offline, worker.Syncing} {
		metrics.WorkersActive.WithLabelValues(string(s)).Set(float64(status.Workers[s]))
	}

	return status, nil
}

// allWorkers pages through every known worker with liveness applied.
func (svc *service) allWorkers(ctx context.Context) ([]worker.Worker, error) {
	var all []worker.Worker
	for offset := uint64(defOffset); ; offset += defLimit {
		page, err := svc.ListWorkers(ctx, offset, defLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Workers...)
		if offset+defLimit >= page.Total {
			return all, nil
		}
	}
}

func (svc *service) allTasks(ctx context.Context) ([]task.Task, error) {
	var all []task.Task
	for offset := uint64(defOffset); ; offset += defLimit {
		tasks, total, err := svc.store.ListTasks(ctx, offset, defLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, tasks...)
		if offset+defLimit >= total {
			return all, nil
		}
	}
}

func (svc *service) enqueueTask(ctx context.Context, taskID string) error {
	return svc.queue.Enqueue(ctx, jobs.Job{
		Queue:   jobs.TaskExecution,
		Payload: map[string]string{"task_id": taskID},
	})
}

// requeuePending gives every task waiting for a worker another scheduling pass.
func (svc *service) requeuePending(ctx context.Context) {
	tasks, err := svc.allTasks(ctx)
	if err != nil {
		svc.logger.WarnContext(ctx, "failed to list pending tasks", "error", err)

		return
	}

	for _, t := range tasks {
		if !awaitingDispatch(t) {
			continue
		}
		if err := svc.enqueueTask(ctx, t.ID); err != nil {
			svc.logger.WarnContext(ctx, "failed to requeue task", "task_id", t.ID, "error", err)
		}
	}
}

// requireLeader guards mutations: only the leader owns task state.
func (svc *service) requireLeader() error {
	if svc.leader.Load() {
		return nil
	}
	leader := ""
	if svc.replicator != nil {
		leader = svc.replicator.Status().LeaderID
	}

	return fmt.Errorf("%w: current leader is %q", raft.ErrNotLeader, leader)
}

func awaitingDispatch(t task.Task) bool {
	switch {
	case t.State == task.Pending:
		return true
	case t.State == task.Processing && t.VerifyStatus == task.VerifyRecompute:
		return true
	default:
		return false
	}
}

// record appends a scheduling decision to the replicated log, or to the
// local ledger without one. Losing leadership mid-decision is logged, not fatal.
func (svc *service) record(ctx context.Context, op Op, taskID string, workerIDs []string) {
	c := Command{Op: op, TaskID: taskID, WorkerIDs: workerIDs, At: svc.clock.Now().UnixMilli()}

	if svc.replicator == nil {
		if err := svc.ledger.append(c); err != nil {
			svc.logger.WarnContext(ctx, "failed to record scheduling decision", "task_id", taskID, "op", op, "error", err)
		}

		return
	}

	data, err := EncodeCommand(c)
	if err != nil {
		svc.logger.WarnContext(ctx, "failed to encode scheduling decision", "task_id", taskID, "op", op, "error", err)

		return
	}
	if _, err := svc.replicator.AppendCommand(ctx, data); err != nil {
		svc.logger.WarnContext(ctx, "failed to replicate scheduling decision", "task_id", taskID, "op", op, "error", err)
	}
}

// syncReputation copies the verifier's reputation into the worker records
// the scheduler reads.
func (svc *service) syncReputation(ctx context.Context, workerIDs ...string) {
	for _, id := range workerIDs {
		w, err := svc.store.GetWorker(ctx, id)
		if errors.Is(err, pkgerrors.ErrNotFound) {
			continue
		}
		if err != nil {
			svc.logger.WarnContext(ctx, "failed to load worker", "worker_id", id, "error", err)

			continue
		}
		rep, err := svc.verifier.Reputation(ctx, id)
		if err != nil {
			svc.logger.WarnContext(ctx, "failed to read reputation", "worker_id", id, "error", err)

			continue
		}
		w.Reputation = rep
		if err := svc.store.UpdateWorker(ctx, w); err != nil {
			svc.logger.WarnContext(ctx, "failed to update worker", "worker_id", id, "error", err)
		}
	}
}
