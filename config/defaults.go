package config

import (
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/opener"
	"github.com/Klingon-tech/klingnet-loot/internal/payment"
	"github.com/Klingon-tech/klingnet-loot/internal/selector"
)

// Default ports.
const (
	DefaultP2PPort = 30400
	DefaultRPCPort = 8645
)

// Default returns the default node configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		DB:      DBConfig{Engine: EngineBadger},
		Loot: LootConfig{
			Mode:        payment.ModeAdmin,
			Granularity: uint32(option.BasisPoints),
			MaxItems:    opener.DefaultMaxItems,
		},
		Random: RandomConfig{Source: selector.KindCrypto},
		P2P: P2PConfig{
			Enabled:    false,
			ListenAddr: "0.0.0.0",
			Port:       DefaultP2PPort,
			MaxPeers:   50,
			// Format: "/ip4/203.0.113.1/tcp/30400/p2p/12D3KooW..."
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       DefaultRPCPort,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info"},
	}
}
