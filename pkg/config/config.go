package config

import (
	"fmt"
	"time"
)

const (
	ReplayStrategyConstant    = "constant"
	ReplayStrategyExponential = "exponential"
)

type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// StorePath selects the sqlite checkpoint store, state is kept in
	// memory when empty.
	StorePath string `env:"STORE_PATH"`

	// X500 names of the identities hosted by this node.
	HostedIdentities []string `env:"HOSTED_IDENTITIES" envSeparator:";" envDefault:"O=Alice, L=London, C=GB"`
	GroupID          string   `env:"GROUP_ID" envDefault:"group-1"`
	NetworkType      string   `env:"NETWORK_TYPE" envDefault:"CORDA_5"`

	// Members maps counterparty X500 names to the node id their link
	// registers with, e.g. "O=Bob, L=Paris, C=FR|bob".
	Members map[string]string `env:"MEMBERS" envSeparator:";" envKeyValSeparator:"|" envDefault:"O=Bob, L=Paris, C=FR|bob"`

	ReplayStrategy      string        `env:"REPLAY_STRATEGY" envDefault:"constant"`
	ReplayBasePeriod    time.Duration `env:"REPLAY_BASE_PERIOD" envDefault:"2s"`
	ReplayMaxPeriod     time.Duration `env:"REPLAY_MAX_PERIOD" envDefault:"30s"`
	ReplayMultiplier    float64       `env:"REPLAY_MULTIPLIER" envDefault:"2"`
	ReplayJitter        float64       `env:"REPLAY_JITTER" envDefault:"0"`
	ReplaySweepInterval time.Duration `env:"REPLAY_SWEEP_INTERVAL" envDefault:"100ms"`
	LimitTotalReplays   bool          `env:"LIMIT_TOTAL_REPLAYS" envDefault:"true"`
	MaxReplays          int           `env:"MAX_REPLAYS" envDefault:"10"`

	FlowMapperCleanupWindow   time.Duration `env:"FLOW_MAPPER_CLEANUP_WINDOW" envDefault:"30s"`
	FlowMapperCleanupInterval time.Duration `env:"FLOW_MAPPER_CLEANUP_INTERVAL" envDefault:"5s"`
	ErrorOnRepeatedClose      bool          `env:"ERROR_ON_REPEATED_CLOSE" envDefault:"false"`

	// OtelEndpoint enables trace export when set.
	OtelEndpoint string `env:"OTEL_ENDPOINT"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.ReplayStrategy != ReplayStrategyConstant && cfg.ReplayStrategy != ReplayStrategyExponential {
		return nil, fmt.Errorf("unknown replay strategy %q", cfg.ReplayStrategy)
	}
	if cfg.ReplayBasePeriod <= 0 {
		return nil, fmt.Errorf("replay base period must be positive, got %s", cfg.ReplayBasePeriod)
	}
	if cfg.LimitTotalReplays && cfg.MaxReplays < 1 {
		return nil, fmt.Errorf("max replays must be at least 1 when total replays are limited, got %d", cfg.MaxReplays)
	}
	return cfg, nil
}
