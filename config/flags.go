package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrHelp is returned by ParseFlags when -help or -version was requested
// and the corresponding text has already been printed.
var ErrHelp = errors.New("help requested")

// Version is the node version string.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	Help    bool
	Version bool

	// Core
	DataDir string
	Config  string
	Engine  string

	// Loot
	Mode        string
	Granularity uint
	Deployment  string
	MaxItems    uint64
	Admins      string

	// Randomness
	RandomSource string
	RandomSeed   string

	// P2P
	P2P        bool
	P2PPort    int
	Seeds      string
	MaxPeers   int
	NoDiscover bool

	// RPC
	RPC        bool
	RPCAddr    string
	RPCPort    int
	RPCAllowed string
	RPCCORS    string
	Metrics    bool

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetP2P        bool
	SetRPC        bool
	SetNoDiscover bool
	SetMetrics    bool
	SetLogJSON    bool
}

// ParseFlags parses command-line arguments (without the program name).
func ParseFlags(args []string, out io.Writer) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("lootd", flag.ContinueOnError)
	fs.SetOutput(out)

	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.StringVar(&f.Engine, "db", "", "Storage engine (badger or memory)")

	fs.StringVar(&f.Mode, "mode", "", "Open mode (admin or paid)")
	fs.UintVar(&f.Granularity, "granularity", 0, "Probability denominator (10000 or 100)")
	fs.StringVar(&f.Deployment, "deployment", "", "Deployment file path")
	fs.Uint64Var(&f.MaxItems, "max-items", 0, "Maximum items per open")
	fs.StringVar(&f.Admins, "admins", "", "Extra admin addresses (comma-separated)")

	fs.StringVar(&f.RandomSource, "random", "", "Randomness source (crypto, hash, seeded)")
	fs.StringVar(&f.RandomSeed, "random-seed", "", "Hex seed for hash or seeded sources")

	fs.BoolVar(&f.P2P, "p2p", false, "Enable event gossip")
	fs.IntVar(&f.P2PPort, "p2p-port", 0, "P2P listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Seed nodes as comma-separated libp2p multiaddrs")
	fs.IntVar(&f.MaxPeers, "maxpeers", 0, "Maximum number of peers")
	fs.BoolVar(&f.NoDiscover, "nodiscover", false, "Disable mDNS peer discovery")

	fs.BoolVar(&f.RPC, "rpc", true, "Enable RPC server")
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "RPC listen address")
	fs.IntVar(&f.RPCPort, "rpc-port", 0, "RPC listen port")
	fs.StringVar(&f.RPCAllowed, "rpc-allowed", "", "Allowed IPs for RPC")
	fs.StringVar(&f.RPCCORS, "rpc-cors", "", "Allowed CORS origins for RPC (comma-separated)")
	fs.BoolVar(&f.Metrics, "metrics", true, "Serve Prometheus metrics at /metrics")

	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() { printUsage(out) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, err
	}
	if f.Help {
		printUsage(out)
		return nil, ErrHelp
	}
	if f.Version {
		fmt.Fprintf(out, "lootd version %s\n", Version)
		return nil, ErrHelp
	}

	f.SetP2P = isFlagSet(fs, "p2p")
	f.SetRPC = isFlagSet(fs, "rpc")
	f.SetNoDiscover = isFlagSet(fs, "nodiscover")
	f.SetMetrics = isFlagSet(fs, "metrics")
	f.SetLogJSON = isFlagSet(fs, "log-json")
	f.Args = fs.Args()

	// A positional argument stops the parser; anything flag-like after it
	// was silently ignored.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Engine != "" {
		cfg.DB.Engine = strings.ToLower(f.Engine)
	}

	if f.Mode != "" {
		cfg.Loot.Mode = strings.ToLower(f.Mode)
	}
	if f.Granularity != 0 {
		cfg.Loot.Granularity = uint32(f.Granularity)
	}
	if f.Deployment != "" {
		cfg.Loot.Deployment = f.Deployment
	}
	if f.MaxItems != 0 {
		cfg.Loot.MaxItems = f.MaxItems
	}
	if f.Admins != "" {
		cfg.Admin.Addresses = parseStringList(f.Admins)
	}

	if f.RandomSource != "" {
		cfg.Random.Source = strings.ToLower(f.RandomSource)
	}
	if f.RandomSeed != "" {
		cfg.Random.Seed = f.RandomSeed
	}

	if f.SetP2P {
		cfg.P2P.Enabled = f.P2P
	}
	if f.P2PPort != 0 {
		cfg.P2P.Port = f.P2PPort
	}
	if f.Seeds != "" {
		cfg.P2P.Seeds = parseStringList(f.Seeds)
	}
	if f.MaxPeers != 0 {
		cfg.P2P.MaxPeers = f.MaxPeers
	}
	if f.SetNoDiscover {
		cfg.P2P.NoDiscover = f.NoDiscover
	}

	if f.SetRPC {
		cfg.RPC.Enabled = f.RPC
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}
	if f.RPCPort != 0 {
		cfg.RPC.Port = f.RPCPort
	}
	if f.RPCAllowed != "" {
		cfg.RPC.AllowedIPs = parseStringList(f.RPCAllowed)
	}
	if f.RPCCORS != "" {
		cfg.RPC.CORSOrigins = parseStringList(f.RPCCORS)
	}
	if f.SetMetrics {
		cfg.Metrics.Enabled = f.Metrics
	}

	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Klingnet Loot - lootbox option registry and open service

Usage:
  lootd [options]

Core Options:
  --datadir       Data directory (default: ~/.klingnet-loot)
  --config, -c    Config file path (default: <datadir>/lootd.conf)
  --db            Storage engine: badger (default) or memory

Loot Options:
  --mode          admin (default): opens are signed admin calls
                  paid: anyone opens by supplying price x quantity
  --granularity   Probability denominator: 10000 (default) or 100
  --deployment    Deployment file (default: <datadir>/deployment.json)
  --max-items     Maximum items issued by one open (default: 10000)
  --admins        Extra admin addresses (comma-separated 0x hex)

Randomness Options:
  --random        crypto (default), hash or seeded
  --random-seed   Hex seed (required for hash, optional for seeded)

P2P Options:
  --p2p           Gossip committed opens (default: false)
  --p2p-port      P2P listen port (default: 30400)
  --seeds         Seed nodes as comma-separated libp2p multiaddrs
  --maxpeers      Maximum number of peers (default: 50)
  --nodiscover    Disable mDNS peer discovery

RPC Options:
  --rpc           Enable RPC server (default: true)
  --rpc-addr      RPC listen address (default: 127.0.0.1)
  --rpc-port      RPC port (default: 8645)
  --rpc-allowed   Allowed IPs for RPC (comma-separated)
  --rpc-cors      Allowed CORS origins for RPC (comma-separated)
  --metrics       Serve Prometheus metrics at /metrics (default: true)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Start with a deployment file
  lootd --deployment=./deployment.json

  # Pay-to-open node with event gossip
  lootd --mode=paid --p2p --seeds=/ip4/203.0.113.1/tcp/30400/p2p/12D3KooW...
`)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args, os.Stdout)
	if err != nil {
		return nil, nil, err
	}

	cfg := Default()
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	ApplyFlags(cfg, flags)
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	for _, dir := range []string{cfg.DataDir, cfg.DBDir(), cfg.KeysDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}
	return nil
}
