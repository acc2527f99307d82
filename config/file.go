package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-loot/internal/opener"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "datadir":
		cfg.DataDir = value

	case "db.engine":
		cfg.DB.Engine = strings.ToLower(value)

	// Loot
	case "loot.mode":
		cfg.Loot.Mode = strings.ToLower(value)
	case "loot.granularity":
		var g uint64
		g, err = strconv.ParseUint(value, 10, 32)
		cfg.Loot.Granularity = uint32(g)
	case "loot.deployment":
		cfg.Loot.Deployment = value
	case "loot.maxitems":
		cfg.Loot.MaxItems, err = strconv.ParseUint(value, 10, 64)

	case "admin.addresses":
		cfg.Admin.Addresses = parseStringList(value)

	// Randomness
	case "random.source":
		cfg.Random.Source = strings.ToLower(value)
	case "random.seed":
		cfg.Random.Seed = value

	// P2P
	case "p2p.enabled", "p2p":
		cfg.P2P.Enabled = parseBool(value)
	case "p2p.listen":
		cfg.P2P.ListenAddr = value
	case "p2p.port":
		cfg.P2P.Port, err = strconv.Atoi(value)
	case "p2p.seeds":
		cfg.P2P.Seeds = parseStringList(value)
	case "p2p.maxpeers":
		cfg.P2P.MaxPeers, err = strconv.Atoi(value)
	case "p2p.nodiscover":
		cfg.P2P.NoDiscover = parseBool(value)

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		cfg.RPC.Port, err = strconv.Atoi(value)
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	case "metrics.enabled", "metrics":
		cfg.Metrics.Enabled = parseBool(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return err
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string) error {
	content := `# Klingnet Loot Node Configuration
#
# This file contains NODE settings only. The option table, preminted
# pools and administrators come from the deployment file and are applied
# once, on first start.

# Data directory (default: ~/.klingnet-loot)
# datadir = ~/.klingnet-loot

# Storage engine: badger or memory
db.engine = badger

# ============================================================================
# Loot
# ============================================================================

# Who triggers opens: admin (signed admin calls) or paid (anyone, exact price)
loot.mode = admin

# Probability denominator: 10000 (basis points) or 100 (percent)
loot.granularity = 10000

# Deployment file (default: <datadir>/deployment.json)
# loot.deployment = /etc/klingnet-loot/deployment.json

# Maximum items issued by a single open
loot.maxitems = ` + strconv.FormatUint(opener.DefaultMaxItems, 10) + `

# Extra administrator addresses (comma-separated 0x hex)
# admin.addresses =

# ============================================================================
# Randomness
# ============================================================================

# crypto (default), hash (verifiable, seed required) or seeded (tests only)
random.source = crypto
# random.seed = <hex>

# ============================================================================
# Event gossip
# ============================================================================

p2p.enabled = false
p2p.listen = 0.0.0.0
p2p.port = ` + strconv.Itoa(DefaultP2PPort) + `
p2p.maxpeers = 50
# p2p.seeds = /ip4/203.0.113.1/tcp/30400/p2p/12D3KooW...
# p2p.nodiscover = false

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + strconv.Itoa(DefaultRPCPort) + `
rpc.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# rpc.cors = http://localhost:3000

# Prometheus endpoint at /metrics on the RPC server
metrics.enabled = true

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
