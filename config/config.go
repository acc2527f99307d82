// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Deployment: the option table, class pools and administrators a
//     loot system starts with, read from a JSON file and applied once
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	DataDir string `conf:"datadir"`

	DB      DBConfig
	Loot    LootConfig
	Admin   AdminConfig
	Random  RandomConfig
	P2P     P2PConfig
	RPC     RPCConfig
	Metrics MetricsConfig
	Log     LogConfig
}

// Storage engines.
const (
	EngineBadger = "badger"
	EngineMemory = "memory"
)

// DBConfig selects the storage engine.
type DBConfig struct {
	Engine string `conf:"db.engine"`
}

// LootConfig holds the open settings.
type LootConfig struct {
	Mode        string `conf:"loot.mode"`        // admin or paid
	Granularity uint32 `conf:"loot.granularity"` // 10000 or 100
	Deployment  string `conf:"loot.deployment"`  // Deployment file path
	MaxItems    uint64 `conf:"loot.maxitems"`    // Items per open ceiling
}

// AdminConfig lists addresses allowed to sign admin calls, in addition to
// the deployment's administrators.
type AdminConfig struct {
	Addresses []string `conf:"admin.addresses"`
}

// RandomConfig selects the randomness source.
type RandomConfig struct {
	Source string `conf:"random.source"` // crypto, hash or seeded
	Seed   string `conf:"random.seed"`   // Hex seed for hash and seeded
}

// P2PConfig holds event gossip settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // "*" = all
}

// MetricsConfig enables the /metrics endpoint on the RPC server.
type MetricsConfig struct {
	Enabled bool `conf:"metrics.enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-loot
//	macOS:   ~/Library/Application Support/KlingnetLoot
//	Windows: %APPDATA%\KlingnetLoot
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-loot"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetLoot")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "KlingnetLoot")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetLoot")
	default:
		return filepath.Join(home, ".klingnet-loot")
	}
}

// DBDir returns the badger database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.DataDir, "db")
}

// KeysDir returns the admin key file directory.
func (c *Config) KeysDir() string {
	return filepath.Join(c.DataDir, "keys")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "lootd.conf")
}

// DeploymentFile returns the deployment file path.
func (c *Config) DeploymentFile() string {
	if c.Loot.Deployment != "" {
		return c.Loot.Deployment
	}
	return filepath.Join(c.DataDir, "deployment.json")
}
