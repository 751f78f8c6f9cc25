package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/anchor/pkg/mqtt"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/worker"
	"k8s.io/utils/clock"
)

const defaultHeartbeatInterval = 2 * time.Second

var errEmptyWorkerID = errors.New("worker id is empty")

type Config struct {
	WorkerID          string
	Name              string
	Region            string
	Specs             worker.Specs
	HeartbeatInterval time.Duration
	// WorkloadKey decrypts script sources sealed by the coordinator. Nil
	// means sources arrive in clear text.
	WorkloadKey []byte
}

type Service struct {
	cfg     Config
	pubsub  mqtt.PubSub
	topics  *orchestration.TopicBuilder
	runner  Runner
	sampler Sampler
	clock   clock.WithTicker
	logger  *slog.Logger

	started time.Time
	running atomic.Int64
	wg      sync.WaitGroup
}

func New(
	cfg Config,
	pubsub mqtt.PubSub,
	topics *orchestration.TopicBuilder,
	runner Runner,
	sampler Sampler,
	clk clock.WithTicker,
	logger *slog.Logger,
) (*Service, error) {
	if cfg.WorkerID == "" {
		return nil, errEmptyWorkerID
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Service{
		cfg:     cfg,
		pubsub:  pubsub,
		topics:  topics,
		runner:  runner,
		sampler: sampler,
		clock:   clk,
		logger:  logger,
		started: clk.Now(),
	}, nil
}

// Run announces the worker, subscribes to its dispatch topic and sends
// heartbeats until ctx is cancelled. Executions still in flight are awaited
// before it returns.
func (s *Service) Run(ctx context.Context) error {
	if err := s.publishDiscovery(ctx); err != nil {
		return err
	}

	topic := s.topics.WorkerTopic(s.cfg.WorkerID)
	if err := s.pubsub.Subscribe(ctx, topic, s.handleWork(ctx)); err != nil {
		return fmt.Errorf("failed to subscribe to worker topic: %w", err)
	}

	s.logger.InfoContext(ctx, "agent is running", "worker_id", s.cfg.WorkerID, "topic", topic)

	ticker := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("agent stopped", "worker_id", s.cfg.WorkerID)

			return nil
		case <-ticker.C():
			if err := s.publishHeartbeat(ctx); err != nil {
				s.logger.ErrorContext(ctx, "failed to publish heartbeat", "error", err)
			}
		}
	}
}

func (s *Service) publishDiscovery(ctx context.Context) error {
	payload := map[string]any{
		"worker_id": s.cfg.WorkerID,
		"name":      s.cfg.Name,
		"region":    s.cfg.Region,
		"specs":     s.cfg.Specs,
	}
	if err := s.pubsub.Publish(ctx, s.topics.DiscoveryTopic(), payload); err != nil {
		return fmt.Errorf("failed to publish discovery: %w", err)
	}
	s.logger.InfoContext(ctx, "discovery message published", "worker_id", s.cfg.WorkerID)

	return nil
}

func (s *Service) publishHeartbeat(ctx context.Context) error {
	var metrics worker.Metrics
	if s.sampler != nil {
		m, err := s.sampler.Sample()
		if err != nil {
			s.logger.WarnContext(ctx, "failed to sample host metrics", "error", err)
		}
		metrics = m
	}
	metrics.UptimeSec = int64(s.clock.Since(s.started).Seconds())

	status := worker.Idle
	if s.running.Load() > 0 {
		status = worker.Online
	}

	payload := map[string]any{
		"worker_id": s.cfg.WorkerID,
		"region":    s.cfg.Region,
		"specs":     s.cfg.Specs,
		"metrics":   metrics,
		"status":    status,
	}

	return s.pubsub.Publish(ctx, s.topics.HeartbeatTopic(), payload)
}
