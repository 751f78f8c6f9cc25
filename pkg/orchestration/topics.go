package orchestration

import "fmt"

type TopicBuilder struct {
	domainID  string
	channelID string
}

func NewTopicBuilder(domainID, channelID string) *TopicBuilder {
	return &TopicBuilder{
		domainID:  domainID,
		channelID: channelID,
	}
}

func (tb *TopicBuilder) BaseTopic() string {
	return fmt.Sprintf("m/%s/c/%s", tb.domainID, tb.channelID)
}

// WorkerTopic is the per-worker dispatch channel.
func (tb *TopicBuilder) WorkerTopic(workerID string) string {
	return fmt.Sprintf("%s/workers/%s", tb.BaseTopic(), workerID)
}

func (tb *TopicBuilder) DiscoveryTopic() string {
	return tb.BaseTopic() + "/control/worker/discovery"
}

func (tb *TopicBuilder) HeartbeatTopic() string {
	return tb.BaseTopic() + "/control/worker/heartbeat"
}

func (tb *TopicBuilder) ResultsTopic() string {
	return tb.BaseTopic() + "/control/worker/results"
}

func (tb *TopicBuilder) TaskEventsTopic() string {
	return tb.BaseTopic() + "/events/tasks"
}

func (tb *TopicBuilder) GraphEventsTopic() string {
	return tb.BaseTopic() + "/events/graphs"
}

func (tb *TopicBuilder) WorkerEventsTopic() string {
	return tb.BaseTopic() + "/events/workers"
}

// RaftBase is the prefix under which replicas exchange consensus RPCs.
func (tb *TopicBuilder) RaftBase() string {
	return tb.BaseTopic() + "/control"
}
