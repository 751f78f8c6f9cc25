package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/anchor/pkg/crypto"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/verification"
	"github.com/absmach/anchor/task"
)

func (s *Service) handleWork(ctx context.Context) func(topic string, msg map[string]any) error {
	return func(topic string, msg map[string]any) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		var wm orchestration.WorkMessage
		if err := json.Unmarshal(data, &wm); err != nil {
			return err
		}
		if wm.TaskID == "" {
			return fmt.Errorf("work message on %s has no task id", topic)
		}
		if wm.WorkerID != "" && wm.WorkerID != s.cfg.WorkerID {
			s.logger.DebugContext(ctx, "ignoring work addressed to another worker", "task_id", wm.TaskID, "worker_id", wm.WorkerID)

			return nil
		}

		s.logger.InfoContext(ctx, "received work", "type", wm.Type, "task_id", wm.TaskID, "subtask_id", wm.SubTaskID)

		s.running.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.running.Add(-1)

			report := s.execute(ctx, wm)
			if err := s.pubsub.Publish(ctx, s.topics.ResultsTopic(), report); err != nil {
				s.logger.ErrorContext(ctx, "failed to publish result", "task_id", wm.TaskID, "subtask_id", wm.SubTaskID, "error", err)
			}
		}()

		return nil
	}
}

// execute runs the work and builds its report. A challenge in the payload
// is answered with a proof over exactly the result being reported.
func (s *Service) execute(ctx context.Context, wm orchestration.WorkMessage) orchestration.Report {
	report := orchestration.Report{
		TaskID:    wm.TaskID,
		SubTaskID: wm.SubTaskID,
		WorkerID:  s.cfg.WorkerID,
		Status:    task.Completed.String(),
	}

	job, err := s.job(wm)
	if err == nil {
		var out Output
		out, err = s.runner.Run(ctx, job)
		if err == nil || out.Stdout != nil {
			report.Result = out
		}
	}
	if err != nil {
		s.logger.WarnContext(ctx, "work failed", "task_id", wm.TaskID, "subtask_id", wm.SubTaskID, "error", err)
		report.Status = task.Failed.String()
		report.Error = err.Error()
	}

	if nonce, issuedAt, ok := challenge(wm.Payload); ok {
		subject := report.Result
		if subject == nil {
			subject = map[string]any{"error": report.Error}
		}
		proof, err := verification.ComputeProof(subject, nonce, issuedAt)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to compute proof", "task_id", wm.TaskID, "error", err)
		}
		report.Proof = proof
	}

	return report
}

func (s *Service) job(wm orchestration.WorkMessage) (Job, error) {
	source := wm.SourceCode
	if wm.Encrypted {
		if s.cfg.WorkloadKey == nil {
			return Job{}, fmt.Errorf("task %s: encrypted source but no workload key configured", wm.TaskID)
		}
		dec, err := crypto.DecryptString(source, s.cfg.WorkloadKey)
		if err != nil {
			return Job{}, fmt.Errorf("task %s: failed to decrypt source: %w", wm.TaskID, err)
		}
		source = dec
	}

	id := wm.TaskID
	if wm.SubTaskID != "" {
		id = wm.SubTaskID
	}

	return Job{
		ID:           id,
		TaskID:       wm.TaskID,
		SubTaskID:    wm.SubTaskID,
		ChunkIndex:   wm.ChunkIndex,
		Range:        wm.Range,
		Payload:      wm.Payload,
		SourceCode:   source,
		Dependencies: wm.Dependencies,
		Env:          wm.Env,
		Runtime:      wm.Runtime,
		Timeout:      time.Duration(wm.Timeout) * time.Second,
	}, nil
}

// challenge extracts the nonce and issue time a coordinator embeds in the
// payload of a redundant task.
func challenge(payload map[string]any) (string, time.Time, bool) {
	nonce, ok := payload[verification.NonceKey].(string)
	if !ok || nonce == "" {
		return "", time.Time{}, false
	}

	var ms int64
	switch v := payload[verification.IssuedAtKey].(type) {
	case float64:
		ms = int64(v)
	case int64:
		ms = v
	case int:
		ms = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return "", time.Time{}, false
		}
		ms = n
	default:
		return "", time.Time{}, false
	}

	return nonce, time.UnixMilli(ms), true
}
