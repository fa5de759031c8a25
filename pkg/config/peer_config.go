package config

import "time"

type PeerConfig struct {
	LogLevel             string        `env:"LOG_LEVEL" envDefault:"info"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECTION_ATTEMPTS" envDefault:"100"`
	Identity             string        `env:"PEER_IDENTITY" envDefault:"O=Bob, L=Paris, C=FR"`
	GroupID              string        `env:"GROUP_ID" envDefault:"group-1"`
	ResendWindow         time.Duration `env:"RESEND_WINDOW" envDefault:"2s"`
	ResultTimeout        time.Duration `env:"RESULT_TIMEOUT" envDefault:"300s"`

	// NodeID is the id the link registers with, a random one is
	// generated when empty.
	NodeID string `env:"PEER_NODE_ID" envDefault:"bob"`
}

func LoadForPeer() (*PeerConfig, error) {
	cfg := &PeerConfig{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
