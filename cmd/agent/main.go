package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/absmach/anchor"
	"github.com/absmach/anchor/agent"
	"github.com/absmach/anchor/pkg/crypto"
	"github.com/absmach/anchor/pkg/mqtt"
	"github.com/absmach/anchor/pkg/orchestration"
	"github.com/absmach/anchor/worker"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

const (
	svcName   = "agent"
	envPrefix = "ANCHOR_AGENT_"
)

type config struct {
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	ConfigPath string `env:"CONFIG"`

	// WorkerID doubles as the MQTT client id. A random id is generated when empty.
	WorkerID          string        `env:"WORKER_ID"`
	Name              string        `env:"NAME"`
	Region            string        `env:"REGION"`
	GPU               bool          `env:"GPU"                envDefault:"false"`
	GPUModel          string        `env:"GPU_MODEL"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"2s"`
	WorkDir           string        `env:"WORK_DIR"`
	DefaultRuntime    string        `env:"DEFAULT_RUNTIME"    envDefault:"sh"`

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
		applyFileConfig(&cfg, fileCfg.Agent)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}

	logger.Info("Starting agent service", slog.String("worker_id", cfg.WorkerID))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	var workloadKey []byte
	if cfg.WorkloadKey != "" {
		key, err := crypto.ParseKey(cfg.WorkloadKey)
		if err != nil {
			return fmt.Errorf("invalid workload key: %w", err)
		}
		workloadKey = key
	}

	topics := orchestration.NewTopicBuilder(cfg.DomainID, cfg.ChannelID)
	pubsub, err := mqtt.NewPubSub(mqtt.Config{
		URL:         cfg.MQTTAddress,
		QoS:         cfg.MQTTQoS,
		ID:          cfg.WorkerID,
		Username:    cfg.ClientID,
		Password:    cfg.ClientKey,
		Timeout:     cfg.MQTTTimeout,
		CAPath:      cfg.MQTTCAPath,
		CertPath:    cfg.MQTTCert,
		KeyPath:     cfg.MQTTKey,
		WillTopic:   topics.HeartbeatTopic(),
		WillPayload: fmt.Sprintf(`{"worker_id":%q,"status":%q}`, cfg.WorkerID, string(worker.Offline)),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize mqtt pubsub: %w", err)
	}
	defer func() {
		if err := pubsub.Disconnect(context.Background()); err != nil {
			logger.Warn("failed to disconnect mqtt", slog.Any("error", err))
		}
	}()

	sampler, err := agent.NewProcSampler()
	if err != nil {
		return fmt.Errorf("failed to open host metrics: %w", err)
	}

	svc, err := agent.New(agent.Config{
		WorkerID:          cfg.WorkerID,
		Name:              cfg.Name,
		Region:            cfg.Region,
		Specs:             agent.HostSpecs(worker.Specs{GPU: cfg.GPU, GPUModel: cfg.GPUModel}, runtime.NumCPU()),
		HeartbeatInterval: cfg.HeartbeatInterval,
		WorkloadKey:       workloadKey,
	}, pubsub, topics, agent.NewHostRunner(cfg.WorkDir, cfg.DefaultRuntime, logger), sampler, nil, logger)
	if err != nil {
		return fmt.Errorf("service initialization error: %w", err)
	}

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("service run error: %w", err)
	}

	return nil
}

func applyFileConfig(cfg *config, fc anchor.AgentConfig) {
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
