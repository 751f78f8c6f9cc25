package anchor

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
)

type Config struct {
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Agent       AgentConfig       `toml:"agent"`
	CLI         CLIConfig         `toml:"cli"`
}

type CoordinatorConfig struct {
	DomainID    string `toml:"domain_id"`
	ClientID    string `toml:"client_id"`
	ClientKey   string `toml:"client_key"`
	ChannelID   string `toml:"channel_id"`
	WorkloadKey string `toml:"workload_key"` // Key used to encrypt script sources before dispatch
}

type AgentConfig struct {
	DomainID    string `toml:"domain_id"`
	ClientID    string `toml:"client_id"`
	ClientKey   string `toml:"client_key"`
	ChannelID   string `toml:"channel_id"`
	WorkloadKey string `toml:"workload_key"` // Key used to decrypt script sources upon receipt
}

type CLIConfig struct {
	CoordinatorURL string `toml:"coordinator_url"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	tree, err := toml.Load(string(data))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	var cfg Config
	if err := tree.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}
