package config

import (
	"strings"
	"testing"
	"time"
)

func Test_load_uses_defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Error(err)
		t.FailNow()
	}

	if cfg.LogLevel != "info" || cfg.ReplayStrategy != ReplayStrategyConstant {
		t.Error("unexpected defaults: ", cfg.LogLevel, cfg.ReplayStrategy)
	}
	if cfg.ReplayBasePeriod != 2*time.Second || cfg.MaxReplays != 10 || !cfg.LimitTotalReplays {
		t.Error("unexpected replay defaults: ", cfg.ReplayBasePeriod, cfg.MaxReplays, cfg.LimitTotalReplays)
	}
	if len(cfg.HostedIdentities) != 1 || cfg.HostedIdentities[0] != "O=Alice, L=London, C=GB" {
		t.Error("expected the default hosted identity, got ", cfg.HostedIdentities)
	}
	if cfg.Members["O=Bob, L=Paris, C=FR"] != "bob" {
		t.Error("expected the default member mapping, got ", cfg.Members)
	}
}

func Test_load_parses_lists_of_x500_names(t *testing.T) {
	t.Setenv("HOSTED_IDENTITIES", "O=Alice, L=London, C=GB;O=Carol, L=Rome, C=IT")
	t.Setenv("MEMBERS", "O=Bob, L=Paris, C=FR|bob-node;O=Dave, L=Oslo, C=NO|dave-node")

	cfg, err := Load()
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if len(cfg.HostedIdentities) != 2 || cfg.HostedIdentities[1] != "O=Carol, L=Rome, C=IT" {
		t.Error("unexpected hosted identities: ", cfg.HostedIdentities)
	}
	if cfg.Members["O=Dave, L=Oslo, C=NO"] != "dave-node" {
		t.Error("unexpected members: ", cfg.Members)
	}
}

func Test_load_rejects_unknown_replay_strategy(t *testing.T) {
	t.Setenv("REPLAY_STRATEGY", "fibonacci")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "fibonacci") {
		t.Error("expected an unknown replay strategy error, got ", err)
	}
}

func Test_load_rejects_zero_replay_limit(t *testing.T) {
	t.Setenv("MAX_REPLAYS", "0")

	if _, err := Load(); err == nil {
		t.Error("expected an error for a zero replay limit")
	}
}

func Test_load_reports_malformed_values(t *testing.T) {
	t.Setenv("REPLAY_BASE_PERIOD", "soon")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Error("expected parse env error, got ", err)
	}
}

func Test_load_for_peer_uses_defaults(t *testing.T) {
	cfg, err := LoadForPeer()
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if cfg.MaxReconnectAttempts != 100 || cfg.NodeID != "bob" || cfg.ResendWindow != 2*time.Second {
		t.Error("unexpected peer defaults: ", cfg)
	}
}
