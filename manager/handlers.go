package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pkgerrors "github.com/absmach/anchor/pkg/errors"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/worker"
)

var (
	errInvalidWorkerID = errors.New("invalid worker_id")
	errEmptyWorkerID   = errors.New("worker id is empty")
)

type discoveryMsg struct {
	WorkerID string       `json:"worker_id"`
	Name     string       `json:"name"`
	Region   string       `json:"region"`
	Specs    worker.Specs `json:"specs"`
}

type heartbeatMsg struct {
	WorkerID string         `json:"worker_id"`
	Region   string         `json:"region"`
	Specs    *worker.Specs  `json:"specs"`
	Metrics  worker.Metrics `json:"metrics"`
	Status   worker.Status  `json:"status"`
}

func (svc *service) Subscribe(ctx context.Context) error {
	topic := svc.topics.BaseTopic() + "/control/worker/+"
	if err := svc.pubsub.Subscribe(ctx, topic, svc.handle(ctx)); err != nil {
		return err
	}

	return nil
}

func (svc *service) handle(ctx context.Context) func(topic string, msg map[string]any) error {
	return func(topic string, msg map[string]any) error {
		switch topic {
		case svc.topics.DiscoveryTopic():
			if err := svc.discoveryHandler(ctx, msg); err != nil {
				return err
			}
			svc.logger.InfoContext(ctx, "successfully registered worker", "worker_id", msg["worker_id"])
		case svc.topics.HeartbeatTopic():
			return svc.heartbeatHandler(ctx, msg)
		case svc.topics.ResultsTopic():
			return svc.resultsHandler(ctx, msg)
		}

		return nil
	}
}

func (svc *service) discoveryHandler(ctx context.Context, msg map[string]any) error {
	if _, err := workerID(msg); err != nil {
		return err
	}
	var d discoveryMsg
	if err := decode(msg, &d); err != nil {
		return err
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()

	now := svc.clock.Now()
	w, err := svc.store.GetWorker(ctx, d.WorkerID)
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		rep, err := svc.verifier.Reputation(ctx, d.WorkerID)
		if err != nil {
			return err
		}
		name := d.Name
		if name == "" {
			name = namegen.Generate()
		}
		w = worker.Worker{
			ID:            d.WorkerID,
			Name:          name,
			Region:        d.Region,
			Specs:         d.Specs,
			Status:        worker.Online,
			Reputation:    rep,
			LastHeartbeat: now,
			RegisteredAt:  now,
		}
		if err := svc.store.CreateWorker(ctx, w); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		w.Region = d.Region
		w.Specs = d.Specs
		w.LastHeartbeat = now
		w.Status = availableStatus(w, svc.cfg.ReleaseThreshold)
		if err := svc.store.UpdateWorker(ctx, w); err != nil {
			return err
		}
	}

	if err := svc.events.EmitWorkerRegistered(ctx, w); err != nil {
		svc.logger.WarnContext(ctx, "failed to emit worker registered event", "worker_id", w.ID, "error", err)
	}
	svc.requeuePending(ctx)

	return nil
}

func (svc *service) heartbeatHandler(ctx context.Context, msg map[string]any) error {
	if _, err := workerID(msg); err != nil {
		return err
	}
	var hb heartbeatMsg
	if err := decode(msg, &hb); err != nil {
		return err
	}

	svc.mu.Lock()
	w, err := svc.store.GetWorker(ctx, hb.WorkerID)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		svc.mu.Unlock()
		if hb.Status == worker.Offline {
			return nil
		}
		d := discoveryMsg{WorkerID: hb.WorkerID, Region: hb.Region}
		if hb.Specs != nil {
			d.Specs = *hb.Specs
		}

		return svc.discoveryHandler(ctx, map[string]any{
			"worker_id": d.WorkerID,
			"region":    d.Region,
			"specs":     d.Specs,
		})
	}
	defer svc.mu.Unlock()
	if err != nil {
		return err
	}

	now := svc.clock.Now()
	w.SetAlive(now)
	wasAvailable := w.Available(worker.DefaultCPUCeiling)
	w.Metrics = hb.Metrics
	w.LastHeartbeat = now
	if hb.Specs != nil {
		w.Specs = *hb.Specs
	}
	if hb.Region != "" {
		w.Region = hb.Region
	}
	switch hb.Status {
	case worker.Offline:
		// Last will published by the broker when the worker drops off.
		w.Status = worker.Offline
	case worker.Syncing:
		w.Status = worker.Syncing
	case worker.Idle:
		if len(w.ActiveTasks) == 0 {
			w.Status = worker.Idle
		}
	default:
		w.Status = availableStatus(w, svc.cfg.ReleaseThreshold)
	}
	if err := svc.store.UpdateWorker(ctx, w); err != nil {
		return err
	}

	if !wasAvailable && w.Available(worker.DefaultCPUCeiling) {
		svc.logger.InfoContext(ctx, "worker available", "worker_id", w.ID, "status", w.Status)
		svc.requeuePending(ctx)
	}

	return nil
}

func (svc *service) resultsHandler(ctx context.Context, msg map[string]any) error {
	// Followers keep worker views warm but leave results to the leader.
	if !svc.leader.Load() {
		return nil
	}
	var r orchestration.Report
	if err := decode(msg, &r); err != nil {
		return err
	}
	if r.TaskID == "" {
		return errors.New("task id is empty")
	}

	if _, err := svc.UpdateStatus(ctx, r); err != nil {
		svc.logger.WarnContext(ctx, "failed to apply result", "task_id", r.TaskID, "subtask_id", r.SubTaskID, "worker_id", r.WorkerID, "error", err)

		return err
	}

	return nil
}

// availableStatus is the status a live worker holds given its current load.
func availableStatus(w worker.Worker, threshold int) worker.Status {
	if len(w.ActiveTasks) >= threshold {
		return worker.Busy
	}

	return worker.Online
}

func workerID(msg map[string]any) (string, error) {
	id, ok := msg["worker_id"].(string)
	if !ok {
		return "", errInvalidWorkerID
	}
	if id == "" {
		return "", errEmptyWorkerID
	}

	return id, nil
}

// decode maps a broker message onto v.
func decode(msg map[string]any, v any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", pkgerrors.ErrInvalidData, err)
	}

	return nil
}
