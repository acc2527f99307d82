package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/payment"
	"github.com/Klingon-tech/klingnet-loot/internal/selector"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// MinHashSeedSize is the shortest seed accepted for the hash source.
const MinHashSeedSize = 16

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch cfg.DB.Engine {
	case EngineBadger, EngineMemory:
	default:
		return fmt.Errorf("db.engine must be %q or %q", EngineBadger, EngineMemory)
	}
	switch cfg.Loot.Mode {
	case payment.ModeAdmin, payment.ModePaid:
	default:
		return fmt.Errorf("loot.mode must be %q or %q", payment.ModeAdmin, payment.ModePaid)
	}
	if !option.Granularity(cfg.Loot.Granularity).Valid() {
		return fmt.Errorf("loot.granularity must be %d or %d", option.BasisPoints, option.Percent)
	}
	if cfg.Loot.MaxItems == 0 {
		return fmt.Errorf("loot.maxitems must be positive")
	}
	for i, a := range cfg.Admin.Addresses {
		if _, err := types.ParseAddress(a); err != nil {
			return fmt.Errorf("admin.addresses[%d]: %w", i, err)
		}
	}
	if err := validateRandom(cfg.Random); err != nil {
		return err
	}

	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.P2P.Enabled {
		if _, err := ma.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", cfg.P2P.ListenAddr, cfg.P2P.Port)); err != nil {
			if _, err6 := ma.NewMultiaddr(fmt.Sprintf("/ip6/%s/tcp/%d", cfg.P2P.ListenAddr, cfg.P2P.Port)); err6 != nil {
				return fmt.Errorf("p2p.listen %q: %w", cfg.P2P.ListenAddr, err)
			}
		}
	}
	for i, s := range cfg.P2P.Seeds {
		if _, err := peer.AddrInfoFromString(s); err != nil {
			return fmt.Errorf("p2p.seeds[%d] must be a multiaddr with /p2p/<id>: %w", i, err)
		}
	}
	return nil
}

// RandomSeed decodes random.seed.
func (c *Config) RandomSeed() ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(c.Random.Seed), "0x")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("random.seed must be hex: %w", err)
	}
	return b, nil
}

func validateRandom(r RandomConfig) error {
	seed, err := (&Config{Random: r}).RandomSeed()
	if err != nil {
		return err
	}
	switch r.Source {
	case selector.KindCrypto:
		if len(seed) > 0 {
			return fmt.Errorf("random.seed has no effect with random.source=%s", r.Source)
		}
	case selector.KindHash:
		if len(seed) < MinHashSeedSize {
			return fmt.Errorf("random.source=hash needs a random.seed of at least %d bytes", MinHashSeedSize)
		}
	case selector.KindSeeded:
	default:
		return fmt.Errorf("random.source must be %s, %s or %s", selector.KindCrypto, selector.KindHash, selector.KindSeeded)
	}
	return nil
}
