package standalone

import (
	"github.com/absmach/anchor/pkg/mqtt"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/orchestration/events"
	"github.com/absmach/anchor/pkg/orchestration/executor"
	"github.com/absmach/anchor/pkg/orchestration/store"
	"github.com/absmach/anchor/pkg/storage"
	"k8s.io/utils/clock"
)

// Adapter bundles the orchestration components the manager runs on.
type Adapter struct {
	StateStore   orchestration.StateStore
	WorkExecutor orchestration.WorkExecutor
	EventEmitter orchestration.EventEmitter
	Scheduler    orchestration.Scheduler
	StateMachine *orchestration.StateMachine
	TopicBuilder *orchestration.TopicBuilder
}

type Config struct {
	DomainID  string
	ChannelID string
	// WorkloadKey encrypts script sources pushed to workers. Nil sends them in clear.
	WorkloadKey []byte
	// MinReputation excludes workers below the floor from scheduling. Zero disables it.
	MinReputation float64
	CPUCeiling    float64
}

// NewAdapter keeps tasks, workers and graphs in kv. Replicas given the
// same kv pick up each other's state on failover.
func NewAdapter(kv storage.KV, pubsub mqtt.PubSub, cfg Config, clk clock.PassiveClock) *Adapter {
	topicBuilder := orchestration.NewTopicBuilder(cfg.DomainID, cfg.ChannelID)

	opts := []orchestration.SchedulerOption{orchestration.WithMinReputation(cfg.MinReputation)}
	if cfg.CPUCeiling > 0 {
		opts = append(opts, orchestration.WithCPUCeiling(cfg.CPUCeiling))
	}

	return &Adapter{
		StateStore:   store.NewKVStateStore(kv),
		WorkExecutor: executor.NewMQTTWorkExecutor(pubsub, topicBuilder, cfg.WorkloadKey),
		EventEmitter: events.NewMQTTEventEmitter(pubsub, topicBuilder, clk),
		Scheduler:    orchestration.NewScoringScheduler(opts...),
		StateMachine: orchestration.NewStateMachine(clk),
		TopicBuilder: topicBuilder,
	}
}
