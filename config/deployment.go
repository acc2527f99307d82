package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/pkg/crypto"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

// Deployment is the initial state of a loot system. It is applied once,
// on the first start against an empty database.
type Deployment struct {
	ID          string             `json:"id"`
	Granularity uint32             `json:"granularity"`
	Admins      []string           `json:"admins"`
	Options     []DeploymentOption `json:"options,omitempty"`
	Pools       []PremintedPool    `json:"pools,omitempty"`
}

// DeploymentOption is one option table entry. Probabilities are keyed by
// class name; Common takes whatever the others leave.
type DeploymentOption struct {
	ID              uint32            `json:"id"`
	QuantityPerOpen uint32            `json:"quantity_per_open"`
	Capacity        uint64            `json:"capacity"`
	Probabilities   map[string]uint32 `json:"probabilities"`
	Price           uint64            `json:"price,omitempty"`
}

// PremintedPool is a stock of items created for the first administrator
// and bound to a class before any open.
type PremintedPool struct {
	Class  string `json:"class"`
	Amount uint64 `json:"amount"`
}

// Option converts the entry to a registry record.
func (o DeploymentOption) Option() (option.Option, error) {
	var p option.Probabilities
	for name, w := range o.Probabilities {
		c, err := option.ParseClass(name)
		if err != nil {
			return option.Option{}, err
		}
		p[c] = w
	}
	return option.Option{
		QuantityPerOpen: o.QuantityPerOpen,
		Capacity:        o.Capacity,
		Probabilities:   p,
		Price:           o.Price,
	}, nil
}

// AdminAddresses parses the administrator list.
func (d *Deployment) AdminAddresses() ([]types.Address, error) {
	out := make([]types.Address, 0, len(d.Admins))
	for i, s := range d.Admins {
		a, err := types.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("admins[%d]: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// LoadDeployment reads and validates a deployment file.
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading deployment file: %w", err)
	}
	var d Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing deployment file: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("invalid deployment: %w", err)
	}
	return &d, nil
}

// Save writes the deployment as indented JSON.
func (d *Deployment) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal deployment: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the deployment is self-consistent.
func (d *Deployment) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	g := option.Granularity(d.Granularity)
	if !g.Valid() {
		return fmt.Errorf("granularity must be %d or %d, got %d", option.BasisPoints, option.Percent, d.Granularity)
	}
	admins, err := d.AdminAddresses()
	if err != nil {
		return err
	}
	if len(admins) == 0 {
		return fmt.Errorf("at least one admin is required")
	}
	for i, a := range admins {
		if a.IsZero() {
			return fmt.Errorf("admins[%d] is the zero address", i)
		}
	}

	seen := make(map[uint32]struct{}, len(d.Options))
	for i, o := range d.Options {
		if _, dup := seen[o.ID]; dup {
			return fmt.Errorf("options[%d]: duplicate option id %d", i, o.ID)
		}
		seen[o.ID] = struct{}{}
		opt, err := o.Option()
		if err != nil {
			return fmt.Errorf("options[%d]: %w", i, err)
		}
		if err := opt.Validate(g); err != nil {
			return fmt.Errorf("options[%d]: %w", i, err)
		}
	}

	var bound [option.NumClasses]bool
	for i, p := range d.Pools {
		c, err := option.ParseClass(p.Class)
		if err != nil {
			return fmt.Errorf("pools[%d]: %w", i, err)
		}
		if bound[c] {
			return fmt.Errorf("pools[%d]: class %s listed twice", i, c)
		}
		bound[c] = true
		if p.Amount == 0 {
			return fmt.Errorf("pools[%d]: amount must be positive", i)
		}
	}
	return nil
}

// Hash returns the BLAKE3 hash of the canonical JSON encoding.
func (d *Deployment) Hash() (types.Hash, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}

// Operator is the system address that moves items on behalf of the
// deployment. Owners approve it to let opens draw from their pools.
func (d *Deployment) Operator() types.Address {
	h := crypto.TaggedHash("klingnet-loot/operator", []byte(d.ID))
	var a types.Address
	copy(a[:], h[:types.AddressSize])
	return a
}
