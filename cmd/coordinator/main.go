package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/anchor"
	"github.com/absmach/anchor/manager"
	"github.com/absmach/anchor/manager/api"
	"github.com/absmach/anchor/manager/standalone"
	"github.com/absmach/anchor/pkg/crypto"
	"github.com/absmach/anchor/pkg/jobs"
	"github.com/absmach/anchor/pkg/mqtt"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/pkg/raft"
	"github.com/absmach/anchor/pkg/storage"
	"github.com/absmach/anchor/pkg/tracing"
	"github.com/absmach/anchor/pkg/verification"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

const (
	svcName      = "coordinator"
	envPrefix    = "ANCHOR_COORDINATOR_"
	redisPrefix  = "anchor:"
	shutdownWait = 5 * time.Second
)

type config struct {
	LogLevel   string `env:"LOG_LEVEL"   envDefault:"info"`
	InstanceID string `env:"INSTANCE_ID"`
	ConfigPath string `env:"CONFIG"`
	HTTPPort   string `env:"HTTP_PORT"   envDefault:"7070"`

	DomainID    string `env:"DOMAIN_ID"`
	ChannelID   string `env:"CHANNEL_ID"`
	ClientID    string `env:"CLIENT_ID"`
	ClientKey   string `env:"CLIENT_KEY"`
	WorkloadKey string `env:"WORKLOAD_KEY"`

	MQTTAddress string        `env:"MQTT_ADDRESS"   envDefault:"tcp://localhost:1883"`
	MQTTQoS     uint8         `env:"MQTT_QOS"       envDefault:"2"`
	MQTTTimeout time.Duration `env:"MQTT_TIMEOUT"   envDefault:"30s"`
	MQTTCAPath  string        `env:"MQTT_CA_PATH"`
	MQTTCert    string        `env:"MQTT_CERT_PATH"`
	MQTTKey     string        `env:"MQTT_KEY_PATH"`

	// An empty RedisURL keeps the KV store and the job queues in memory.
	RedisURL string `env:"REDIS_URL"`

	Peers              []string      `env:"RAFT_PEERS"                envSeparator:","`
	ElectionTimeoutMin time.Duration `env:"RAFT_ELECTION_TIMEOUT_MIN" envDefault:"150ms"`
	ElectionTimeoutMax time.Duration `env:"RAFT_ELECTION_TIMEOUT_MAX" envDefault:"300ms"`
	HeartbeatInterval  time.Duration `env:"RAFT_HEARTBEAT_INTERVAL"   envDefault:"150ms"`
	RPCTimeout         time.Duration `env:"RAFT_RPC_TIMEOUT"          envDefault:"1s"`

	JobConcurrency    int           `env:"JOB_CONCURRENCY"     envDefault:"4"`
	JobMaxAttempts    uint          `env:"JOB_MAX_ATTEMPTS"    envDefault:"3"`
	JobBackoff        time.Duration `env:"JOB_BACKOFF"         envDefault:"2s"`
	JobTimeout        time.Duration `env:"JOB_TIMEOUT"         envDefault:"30s"`
	Redundancy        int           `env:"REDUNDANCY"          envDefault:"1"`
	RecomputeAttempts int           `env:"RECOMPUTE_ATTEMPTS"  envDefault:"3"`
	MinReputation     float64       `env:"MIN_REPUTATION"      envDefault:"0"`
	CPUCeiling        float64       `env:"CPU_CEILING"         envDefault:"95"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL"      envDefault:"30s"`

	OTelURL    string  `env:"OTEL_URL"`
	TraceRatio float64 `env:"TRACE_RATIO" envDefault:"1.0"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cfg config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("failed to load %s configuration: %w", svcName, err)
	}

	logger := configureLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.ConfigPath != "" {
		fileCfg, err := anchor.LoadConfig(cfg.ConfigPath)
		if err != nil {
			return err
		}
		applyFileConfig(&cfg, fileCfg.Coordinator)
	}

	if cfg.InstanceID == "" {
		if len(cfg.Peers) > 0 {
			return errors.New("an instance id is required when raft peers are configured")
		}
		cfg.InstanceID = uuid.NewString()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	shutdownTracing, err := tracing.Init(ctx, svcName, cfg.OTelURL, cfg.TraceRatio)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("failed to shut down tracing", slog.Any("error", err))
		}
	}()

	var workloadKey []byte
	if cfg.WorkloadKey != "" {
		if workloadKey, err = crypto.ParseKey(cfg.WorkloadKey); err != nil {
			return fmt.Errorf("invalid workload key: %w", err)
		}
	}

	kv, queue, closeStores, err := newStores(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer closeStores()

	pubsub, err := mqtt.NewPubSub(mqtt.Config{
		URL:      cfg.MQTTAddress,
		QoS:      cfg.MQTTQoS,
		ID:       cfg.InstanceID,
		Username: cfg.ClientID,
		Password: cfg.ClientKey,
		Timeout:  cfg.MQTTTimeout,
		CAPath:   cfg.MQTTCAPath,
		CertPath: cfg.MQTTCert,
		KeyPath:  cfg.MQTTKey,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize mqtt pubsub: %w", err)
	}
	defer func() {
		if err := pubsub.Disconnect(context.Background()); err != nil {
			logger.Warn("failed to disconnect mqtt", slog.Any("error", err))
		}
	}()

	clk := clock.RealClock{}
	adapter := standalone.NewAdapter(
		kv, pubsub,
		standalone.Config{
			DomainID:      cfg.DomainID,
			ChannelID:     cfg.ChannelID,
			WorkloadKey:   workloadKey,
			MinReputation: cfg.MinReputation,
			CPUCeiling:    cfg.CPUCeiling,
		}, clk,
	)

	processor := jobs.NewProcessor(queue, jobs.Config{
		Concurrency:    cfg.JobConcurrency,
		MaxAttempts:    cfg.JobMaxAttempts,
		InitialBackoff: cfg.JobBackoff,
		JobTimeout:     cfg.JobTimeout,
	}, logger)
	verifier := verification.NewVerifier(kv, clk, logger)
	ledger := manager.NewLedger(logger)
	svcCfg := manager.Config{
		Redundancy:  cfg.Redundancy,
		MaxAttempts: cfg.RecomputeAttempts,
	}

	g, ctx := errgroup.WithContext(ctx)

	var svc manager.Service
	if len(cfg.Peers) == 0 {
		svc = manager.NewService(adapter, queue, processor, verifier, ledger, nil, pubsub, clk, svcCfg, logger)
		svc.HandleLeadership(ctx, true, 0)
		logger.Info("no raft peers configured, running as standalone leader")
	} else {
		topics := orchestration.NewTopicBuilder(cfg.DomainID, cfg.ChannelID)
		transport := raft.NewMQTTTransport(cfg.InstanceID, topics.RaftBase(), pubsub, logger)

		// The service is only built after the node, so leadership
		// callbacks are routed through a late-bound variable.
		var leader func(isLeader bool, term uint64)
		node, err := raft.NewNode(ctx, raft.Config{
			ID:                 cfg.InstanceID,
			Peers:              cfg.Peers,
			ElectionTimeoutMin: cfg.ElectionTimeoutMin,
			ElectionTimeoutMax: cfg.ElectionTimeoutMax,
			HeartbeatInterval:  cfg.HeartbeatInterval,
			RPCTimeout:         cfg.RPCTimeout,
			Clock:              clk,
			Transport:          transport,
			Persister:          raft.NewKVPersister(kv, cfg.InstanceID),
			Logger:             logger,
			OnApply:            ledger.Apply,
			OnLeadershipChange: func(isLeader bool, term uint64) {
				if leader != nil {
					leader(isLeader, term)
				}
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create raft node: %w", err)
		}

		svc = manager.NewService(adapter, queue, processor, verifier, ledger, node, pubsub, clk, svcCfg, logger)
		leader = func(isLeader bool, term uint64) {
			svc.HandleLeadership(ctx, isLeader, term)
		}

		if err := transport.Serve(ctx, node); err != nil {
			return err
		}
		g.Go(func() error {
			return node.Run(ctx)
		})
	}

	if err := svc.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to worker topics: %w", err)
	}
	g.Go(func() error {
		return svc.RunSweeps(ctx, cfg.SweepInterval)
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.MakeHandler(svc, logger, cfg.InstanceID),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info(fmt.Sprintf("%s service HTTP server listening at %s", svcName, server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s service terminated: %w", svcName, err)
	}

	return nil
}

func newStores(redisURL string) (storage.KV, jobs.Queue, func(), error) {
	if redisURL == "" {
		return storage.NewMemoryKV(nil), jobs.NewMemoryQueue(), func() {}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	return storage.NewRedisKV(client, redisPrefix), jobs.NewRedisQueue(client, redisPrefix), func() { _ = client.Close() }, nil
}

func applyFileConfig(cfg *config, fc anchor.CoordinatorConfig) {
	if fc.DomainID != "" {
		cfg.DomainID = fc.DomainID
	}
	if fc.ChannelID != "" {
		cfg.ChannelID = fc.ChannelID
	}
	if fc.ClientID != "" {
		cfg.ClientID = fc.ClientID
	}
	if fc.ClientKey != "" {
		cfg.ClientKey = fc.ClientKey
	}
	if fc.WorkloadKey != "" {
		cfg.WorkloadKey = fc.WorkloadKey
	}
}

func configureLogger(level string) *slog.Logger {
	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("Invalid log level: %s. Defaulting to info.\n", level)
		logLevel = slog.LevelInfo
	}

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(logHandler)
}
