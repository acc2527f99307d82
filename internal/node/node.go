// Package node assembles a loot daemon from configuration so it can be
// embedded in any binary (daemon, tests, tools).
package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Klingon-tech/klingnet-loot/config"
	"github.com/Klingon-tech/klingnet-loot/internal/access"
	"github.com/Klingon-tech/klingnet-loot/internal/events"
	"github.com/Klingon-tech/klingnet-loot/internal/issuance"
	"github.com/Klingon-tech/klingnet-loot/internal/ledger"
	klog "github.com/Klingon-tech/klingnet-loot/internal/log"
	"github.com/Klingon-tech/klingnet-loot/internal/metrics"
	"github.com/Klingon-tech/klingnet-loot/internal/opener"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/p2p"
	"github.com/Klingon-tech/klingnet-loot/internal/payment"
	"github.com/Klingon-tech/klingnet-loot/internal/rpc"
	"github.com/Klingon-tech/klingnet-loot/internal/selector"
	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/internal/supply"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"
)

// ledgerPrefix namespaces the built-in item ledger inside the node database.
var ledgerPrefix = []byte("ledger/")

// keyDeployment records the hash of the deployment applied at first start.
var keyDeployment = []byte("deployment/applied")

// ErrGranularityMismatch is returned when the configured granularity
// differs from the deployment's.
var ErrGranularityMismatch = errors.New("configured granularity does not match deployment")

// Node is a fully-initialized loot daemon.
type Node struct {
	cfg        *config.Config
	deployment *config.Deployment
	logger     zerolog.Logger

	// Core
	db       storage.DB
	registry *option.Registry
	supply   *supply.Ledger
	ledger   *ledger.Ledger
	treasury *payment.Treasury
	events   *events.Log
	admins   *access.Admins
	gate     *access.Gate
	report   *metrics.Report
	opener   *opener.Opener
	open     rpc.OpenFunc

	// Networking
	p2pNode   *p2p.Node
	rpcServer *rpc.Server
}

// New creates and initializes a new Node: logger, deployment, storage,
// loot components, and the optional gossip and RPC servers. Nothing
// listens until Start is called.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "lootd.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	// ── 2. Deployment ───────────────────────────────────────────────
	dep, err := loadDeployment(cfg)
	if err != nil {
		return nil, err
	}
	if dep.Granularity != cfg.Loot.Granularity {
		return nil, fmt.Errorf("%w: config %d, deployment %d", ErrGranularityMismatch, cfg.Loot.Granularity, dep.Granularity)
	}
	adminAddrs, err := mergeAdmins(dep, cfg.Admin.Addresses)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("deployment", dep.ID).
		Str("mode", cfg.Loot.Mode).
		Uint32("granularity", dep.Granularity).
		Int("admins", len(adminAddrs)).
		Msg("Starting Klingnet Loot Node")

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		deployment: dep,
		logger:     logger,
		db:         db,
		admins:     access.NewAdmins(adminAddrs...),
		report:     metrics.NewReport(opener.Kinds...),
	}

	// ── 4. Loot components ──────────────────────────────────────────
	if err := n.setupCore(); err != nil {
		db.Close()
		return nil, err
	}

	// ── 5. Deployment contents ──────────────────────────────────────
	if err := n.applyDeployment(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply deployment: %w", err)
	}

	// ── 6. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		n.p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         db,
			NetworkID:  dep.ID,
			DataDir:    cfg.DataDir,
			Report:     n.report,
		})
		n.p2pNode.SetOpenHandler(func(from peer.ID, ev *events.Event) {
			logger.Info().
				Str("peer", from.String()).
				Uint64("seq", ev.Seq).
				Uint32("option", uint32(ev.OptionID)).
				Uint64("items", ev.ItemsIssued).
				Msg("Open announced by peer")
		})
		n.events.AddSink(n.p2pNode)
	} else {
		logger.Warn().Msg("P2P disabled by config; opens will not be gossiped")
	}

	// ── 7. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(rpcAddr, rpc.Backend{
			Registry:   n.registry,
			Supply:     n.supply,
			Ledger:     n.ledger,
			Treasury:   n.treasury,
			Events:     n.events,
			Admins:     n.admins,
			Gate:       n.gate,
			Nonces:     rpc.NewNonceStore(db),
			Open:       n.open,
			Report:     n.report,
			Mode:       cfg.Loot.Mode,
			Deployment: dep.ID,
		}, cfg.RPC)
		if n.p2pNode != nil {
			n.rpcServer.SetP2PNode(n.p2pNode)
		}
		if cfg.Metrics.Enabled {
			h, err := metrics.Handler(metrics.NewCollector(n.report, n.gate.Paused))
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("metrics handler: %w", err)
			}
			n.rpcServer.SetMetricsHandler(h)
		}
	} else {
		if cfg.Metrics.Enabled {
			logger.Warn().Msg("metrics.enabled is true but RPC is disabled; /metrics unavailable")
		}
		logger.Warn().Msg("RPC disabled by config")
	}

	return n, nil
}

// setupCore builds the loot components over n.db.
func (n *Node) setupCore() error {
	cfg := n.cfg

	n.ledger = ledger.New(storage.NewPrefixDB(n.db, ledgerPrefix))
	items := issuance.Builtin(n.ledger)

	reg, err := option.NewRegistry(n.db, option.Granularity(n.deployment.Granularity), items, n.deployment.Operator())
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	n.registry = reg
	n.supply = supply.NewLedger(n.db, reg)
	n.treasury = payment.NewTreasury(n.db, reg)

	if n.events, err = events.NewLog(n.db); err != nil {
		return fmt.Errorf("create event log: %w", err)
	}
	if n.gate, err = access.NewGate(n.db); err != nil {
		return fmt.Errorf("create gate: %w", err)
	}

	strategy, err := payment.New(cfg.Loot.Mode)
	if err != nil {
		return err
	}
	seed, err := cfg.RandomSeed()
	if err != nil {
		return fmt.Errorf("random seed: %w", err)
	}
	src, err := selector.New(cfg.Random.Source, seed, n.db)
	if err != nil {
		return fmt.Errorf("random source: %w", err)
	}
	if hs, ok := src.(*selector.HashSource); ok {
		n.logger.Info().Uint64("position", hs.Position()).Msg("Hash-chain random source ready")
	}

	n.opener, err = opener.New(opener.Deps{
		DB:       n.db,
		Registry: reg,
		Supply:   n.supply,
		Ledger:   items,
		Payment:  strategy,
		Treasury: n.treasury,
		Events:   n.events,
		Source:   src,
		Report:   n.report,
		MaxItems: cfg.Loot.MaxItems,
	})
	if err != nil {
		return fmt.Errorf("create opener: %w", err)
	}

	guards := []access.Guard{access.NotPaused(n.gate), access.NonReentrant()}
	if strategy.Mode() == payment.ModeAdmin {
		guards = append([]access.Guard{access.AdminOnly(n.admins)}, guards...)
	}
	n.open = n.opener.Guarded(guards...)

	n.logger.Info().
		Str("source", cfg.Random.Source).
		Uint64("max_items", cfg.Loot.MaxItems).
		Str("operator", reg.Operator().String()).
		Msg("Loot components ready")
	return nil
}

// applyDeployment writes the deployment's options and preminted pools
// the first time a database sees it. Already-bound classes are skipped,
// so a start interrupted halfway resumes cleanly.
func (n *Node) applyDeployment(ctx context.Context) error {
	hash, err := n.deployment.Hash()
	if err != nil {
		return err
	}
	applied, err := n.db.Get(keyDeployment)
	switch {
	case err == nil:
		if !bytes.Equal(applied, hash[:]) {
			n.logger.Warn().
				Str("deployment", n.deployment.ID).
				Msg("Deployment file changed since first start; changes ignored")
		}
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	for _, o := range n.deployment.Options {
		opt, err := o.Option()
		if err != nil {
			return err
		}
		if err := n.registry.SetOption(option.ID(o.ID), opt); err != nil {
			return fmt.Errorf("option %d: %w", o.ID, err)
		}
	}

	if len(n.deployment.Pools) > 0 {
		if err := n.createPools(ctx); err != nil {
			return err
		}
	}

	if err := n.db.Put(keyDeployment, hash[:]); err != nil {
		return err
	}
	n.logger.Info().
		Str("deployment", n.deployment.ID).
		Int("options", len(n.deployment.Options)).
		Int("pools", len(n.deployment.Pools)).
		Msg("Deployment applied")
	return nil
}

// createPools mints every preminted pool to the first deployment admin,
// approves the operator, and binds the classes.
func (n *Node) createPools(ctx context.Context) error {
	admins, err := n.deployment.AdminAddresses()
	if err != nil {
		return err
	}
	if len(admins) == 0 {
		return fmt.Errorf("preminted pools need an administrator")
	}
	owner := admins[0]

	type pool struct {
		class  option.Class
		amount uint64
	}
	var todo []pool
	for _, p := range n.deployment.Pools {
		c, err := option.ParseClass(p.Class)
		if err != nil {
			return err
		}
		rec, err := n.registry.Class(c)
		if err != nil {
			return err
		}
		if rec.Bound() {
			continue
		}
		todo = append(todo, pool{c, p.Amount})
	}
	if len(todo) == 0 {
		return nil
	}

	sess, err := n.ledger.Begin(ctx, owner)
	if err != nil {
		return err
	}
	defer sess.Discard()
	ids := make([]types.TokenID, len(todo))
	for i, p := range todo {
		if ids[i], err = sess.CreateLot(ctx, owner, p.amount); err != nil {
			return fmt.Errorf("pool %s: %w", p.class, err)
		}
	}
	if err := sess.Commit(); err != nil {
		return err
	}

	if err := n.ledger.SetApprovalForAll(owner, n.registry.Operator(), true); err != nil {
		return err
	}
	for i, p := range todo {
		if err := n.registry.SetClassBinding(ctx, owner, p.class, ids[i]); err != nil {
			return fmt.Errorf("bind %s: %w", p.class, err)
		}
	}
	return nil
}

// Start brings up the gossip node and the RPC listener.
func (n *Node) Start() error {
	if n.p2pNode != nil {
		if err := n.p2pNode.Start(); err != nil {
			return fmt.Errorf("start P2P: %w", err)
		}
		n.logger.Info().
			Str("id", n.p2pNode.ID().String()).
			Int("port", n.cfg.P2P.Port).
			Bool("discovery", !n.cfg.P2P.NoDiscover).
			Msg("P2P node started")
	}

	if n.rpcServer != nil {
		if err := n.rpcServer.Start(); err != nil {
			if n.p2pNode != nil {
				n.p2pNode.Stop()
			}
			return fmt.Errorf("start RPC at %s: %w", n.rpcServer.Addr(), err)
		}
		n.logger.Info().
			Str("addr", n.rpcServer.Addr()).
			Bool("metrics", n.cfg.Metrics.Enabled).
			Msg("RPC server started")
	}

	n.logger.Info().
		Bool("paused", n.gate.Paused()).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order.
func (n *Node) Stop() {
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Open runs one guarded open, as loot_open does.
func (n *Node) Open(ctx context.Context, req opener.Request) (*opener.Result, error) {
	return n.open(ctx, req)
}

// Registry exposes the option registry.
func (n *Node) Registry() *option.Registry { return n.registry }

// Ledger exposes the built-in item ledger.
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

// Events exposes the event log.
func (n *Node) Events() *events.Log { return n.events }

// Report exposes the live counters.
func (n *Node) Report() *metrics.Report { return n.report }
