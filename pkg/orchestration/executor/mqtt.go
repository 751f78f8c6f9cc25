package executor

import (
	"context"
	"fmt"

	"github.com/absmach/anchor/pkg/crypto"
	"github.com/absmach/anchor/pkg/mqtt"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/task"
)

type MQTTWorkExecutor struct {
	pubsub      mqtt.PubSub
	topics      *orchestration.TopicBuilder
	workloadKey []byte
}

// NewMQTTWorkExecutor publishes work on per-worker topics. Script sources
// are encrypted when workloadKey is set.
func NewMQTTWorkExecutor(pubsub mqtt.PubSub, topics *orchestration.TopicBuilder, workloadKey []byte) orchestration.WorkExecutor {
	return &MQTTWorkExecutor{
		pubsub:      pubsub,
		topics:      topics,
		workloadKey: workloadKey,
	}
}

func (e *MQTTWorkExecutor) StartTask(ctx context.Context, t orchestration.Task, sub *task.SubTask, w orchestration.Worker) error {
	msg := orchestration.WorkMessage{
		Type:     orchestration.MsgNewTask,
		TaskID:   t.ID,
		WorkerID: w.ID,
		Payload:  t.Payload,
	}
	if sub != nil {
		r := sub.Range
		msg.SubTaskID = sub.ID
		msg.ChunkIndex = sub.ChunkIndex
		msg.Range = &r
	}

	if s := t.Script; s != nil {
		msg.Type = orchestration.MsgScriptDeploy
		msg.SourceCode = s.SourceCode
		msg.Dependencies = s.Dependencies
		msg.Env = s.Env
		msg.Runtime = s.Runtime
		msg.Timeout = s.TimeoutS

		if len(e.workloadKey) > 0 {
			sealed, err := crypto.EncryptString(s.SourceCode, e.workloadKey)
			if err != nil {
				return fmt.Errorf("failed to encrypt script for task %s: %w", t.ID, err)
			}
			msg.SourceCode = sealed
			msg.Encrypted = true
		}
	}

	return e.pubsub.Publish(ctx, e.topics.WorkerTopic(w.ID), msg)
}
