package events

import (
	"context"

	"github.com/absmach/anchor/pkg/mqtt"
	"github.com/absmach/anchor/pkg/orchestration"
	"k8s.io/utils/clock"
)

type MQTTEventEmitter struct {
	pubsub mqtt.PubSub
	topics *orchestration.TopicBuilder
	clock  clock.PassiveClock
}

func NewMQTTEventEmitter(pubsub mqtt.PubSub, topics *orchestration.TopicBuilder, clk clock.PassiveClock) orchestration.EventEmitter {
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &MQTTEventEmitter{
		pubsub: pubsub,
		topics: topics,
		clock:  clk,
	}
}

func (e *MQTTEventEmitter) EmitTaskCreated(ctx context.Context, t orchestration.Task) error {
	return e.emitTask(ctx, orchestration.EventTaskCreated, t, "")
}

func (e *MQTTEventEmitter) EmitTaskStarted(ctx context.Context, t orchestration.Task) error {
	return e.emitTask(ctx, orchestration.EventTaskStarted, t, "")
}

func (e *MQTTEventEmitter) EmitTaskCompleted(ctx context.Context, t orchestration.Task) error {
	return e.emitTask(ctx, orchestration.EventTaskCompleted, t, "")
}

func (e *MQTTEventEmitter) EmitTaskFailed(ctx context.Context, t orchestration.Task, reason string) error {
	return e.emitTask(ctx, orchestration.EventTaskFailed, t, reason)
}

func (e *MQTTEventEmitter) EmitGraphCompleted(ctx context.Context, g orchestration.Graph) error {
	return e.publish(ctx, e.topics.GraphEventsTopic(), orchestration.Event{
		Type:    orchestration.EventGraphCompleted,
		GraphID: g.ID,
		State:   string(g.Status),
	})
}

func (e *MQTTEventEmitter) EmitGraphFailed(ctx context.Context, g orchestration.Graph, reason string) error {
	return e.publish(ctx, e.topics.GraphEventsTopic(), orchestration.Event{
		Type:    orchestration.EventGraphFailed,
		GraphID: g.ID,
		State:   string(g.Status),
		Reason:  reason,
	})
}

func (e *MQTTEventEmitter) EmitWorkerRegistered(ctx context.Context, w orchestration.Worker) error {
	return e.publish(ctx, e.topics.WorkerEventsTopic(), orchestration.Event{
		Type:     orchestration.EventWorkerRegistered,
		WorkerID: w.ID,
		State:    string(w.Status),
	})
}

func (e *MQTTEventEmitter) EmitVerification(ctx context.Context, taskID, outcome string, details map[string]any) error {
	return e.publish(ctx, e.topics.TaskEventsTopic(), orchestration.Event{
		Type:    orchestration.EventVerification,
		TaskID:  taskID,
		State:   outcome,
		Details: details,
	})
}

func (e *MQTTEventEmitter) emitTask(ctx context.Context, typ string, t orchestration.Task, reason string) error {
	return e.publish(ctx, e.topics.TaskEventsTopic(), orchestration.Event{
		Type:      typ,
		TaskID:    t.ID,
		GraphID:   t.GraphID,
		State:     t.State.String(),
		WorkerIDs: t.WorkerIDs,
		Reason:    reason,
	})
}

func (e *MQTTEventEmitter) publish(ctx context.Context, topic string, ev orchestration.Event) error {
	ev.Timestamp = e.clock.Now().Unix()

	return e.pubsub.Publish(ctx, topic, ev)
}
