package manager

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/anchor/pkg/jobs"
	"github.com/absmach/anchor/pkg/verification"
	"github.com/absmach/anchor/task"
)

// HandleLeadership switches job consumption on for the leader and off for
// followers. It returns immediately so it can be called from the consensus
// callback; the switch itself runs in the background.
func (svc *service) HandleLeadership(ctx context.Context, isLeader bool, term uint64) {
	svc.leader.Store(isLeader)

	go svc.reconcileLeadership(ctx, term)
}

func (svc *service) reconcileLeadership(ctx context.Context, term uint64) {
	svc.leaderMu.Lock()
	defer svc.leaderMu.Unlock()

	isLeader := svc.leader.Load()
	switch {
	case isLeader && !svc.processor.Running():
		if ctx.Err() != nil {
			return
		}
		svc.processor.Start(ctx)
		svc.logger.InfoContext(ctx, "acquired leadership, consuming jobs", "term", term)

		svc.mu.Lock()
		svc.requeuePending(ctx)
		svc.mu.Unlock()
	case !isLeader && svc.processor.Running():
		svc.processor.Stop()
		svc.logger.InfoContext(ctx, "lost leadership, stopped consuming jobs", "term", term)
	}
}

const defSweepInterval = 30 * time.Second

// RunSweeps runs a scheduling sweep every interval while this replica leads,
// until ctx is done.
func (svc *service) RunSweeps(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !svc.leader.Load() {
				continue
			}
			svc.mu.Lock()
			svc.sweep(ctx)
			svc.mu.Unlock()
		}
	}
}

// sweep retries tasks still waiting for workers and closes verification
// rounds whose challenge ran out. Callers hold svc.mu.
func (svc *service) sweep(ctx context.Context) {
	svc.requeuePending(ctx)
	svc.expireChallenges(ctx)
}

// expireChallenges queues a consensus evaluation for every verification
// round whose challenge expired before all workers reported.
func (svc *service) expireChallenges(ctx context.Context) {
	tasks, err := svc.allTasks(ctx)
	if err != nil {
		svc.logger.WarnContext(ctx, "failed to list tasks under verification", "error", err)

		return
	}

	now := svc.clock.Now()
	for _, t := range tasks {
		if t.State != task.Processing || t.VerifyStatus != task.VerifyPending {
			continue
		}
		c, err := svc.verifier.Challenge(ctx, t.ID)
		switch {
		case errors.Is(err, verification.ErrUnknownTask):
		case err != nil:
			svc.logger.WarnContext(ctx, "failed to load challenge", "task_id", t.ID, "error", err)

			continue
		case !c.Expired(now):
			continue
		}

		err = svc.queue.Enqueue(ctx, jobs.Job{
			Queue:   jobs.ConsensusVerification,
			Payload: map[string]string{"task_id": t.ID},
		})
		if err != nil {
			svc.logger.WarnContext(ctx, "failed to queue expired verification", "task_id", t.ID, "error", err)
		}
	}
}
