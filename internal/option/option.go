// Package option holds the lootbox option table and the class-to-token
// bindings that every open reads.
package option

import (
	"errors"
	"fmt"
	"strings"
)

// NumClasses is the fixed number of rarity classes.
const NumClasses = 6

var (
	ErrProbabilityOverflow = errors.New("class probabilities exceed granularity total")
	ErrCommonWeight        = errors.New("common class weight must be zero")
	ErrInvalidGranularity  = errors.New("granularity must be 10000 or 100")
	ErrInvalidClass        = errors.New("invalid class")
)

// ID identifies an option (a lootbox type).
type ID uint32

// Class is a rarity tier. Common is the fallback and never looked up.
type Class uint8

const (
	Common Class = iota
	Uncommon
	Rare
	Epic
	Legendary
	Mythic
)

var classNames = [NumClasses]string{"common", "uncommon", "rare", "epic", "legendary", "mythic"}

// Valid reports whether c is one of the configured classes.
func (c Class) Valid() bool {
	return c < NumClasses
}

func (c Class) String() string {
	if !c.Valid() {
		return fmt.Sprintf("class(%d)", uint8(c))
	}
	return classNames[c]
}

// ParseClass accepts a class name or its index.
func ParseClass(s string) (Class, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range classNames {
		if s == name || s == fmt.Sprint(i) {
			return Class(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidClass, s)
}

// Granularity is the fixed total that probabilities are expressed against.
type Granularity uint32

const (
	BasisPoints Granularity = 10000
	Percent     Granularity = 100
)

// Valid reports whether g is a supported granularity.
func (g Granularity) Valid() bool {
	return g == BasisPoints || g == Percent
}

// Probabilities holds one weight per class, indexed by Class.
type Probabilities [NumClasses]uint32

// Weighted returns the sum of the weights of the non-common classes.
func (p Probabilities) Weighted() uint64 {
	var sum uint64
	for i := 1; i < NumClasses; i++ {
		sum += uint64(p[i])
	}
	return sum
}

// Option is the full settings record of one lootbox type.
type Option struct {
	// QuantityPerOpen is the number of items issued per open; 0 disables the option.
	QuantityPerOpen uint32 `json:"quantity_per_open"`
	// Capacity caps the number of opens; 0 means unlimited.
	Capacity      uint64        `json:"capacity"`
	Probabilities Probabilities `json:"class_probabilities"`
	// Price is the unit price in the pay-to-open mode.
	Price uint64 `json:"price,omitempty"`
}

// Enabled reports whether the option can be opened at all.
func (o Option) Enabled() bool {
	return o.QuantityPerOpen > 0
}

// Validate checks the option against the deployment granularity.
func (o Option) Validate(g Granularity) error {
	return ValidateProbabilities(o.Probabilities, g)
}

// ValidateProbabilities rejects tables whose non-common weights sum above
// the granularity total, or that assign weight to Common directly.
// Under-allocation is accepted: Common absorbs whatever remains.
func ValidateProbabilities(p Probabilities, g Granularity) error {
	if !g.Valid() {
		return fmt.Errorf("%w: got %d", ErrInvalidGranularity, g)
	}
	if p[Common] != 0 {
		return fmt.Errorf("%w: got %d", ErrCommonWeight, p[Common])
	}
	if sum := p.Weighted(); sum > uint64(g) {
		return fmt.Errorf("%w: sum %d > %d", ErrProbabilityOverflow, sum, g)
	}
	return nil
}

// CommonShare returns the weight left to the Common class.
func CommonShare(p Probabilities, g Granularity) uint64 {
	sum := p.Weighted()
	if sum >= uint64(g) {
		return 0
	}
	return uint64(g) - sum
}
