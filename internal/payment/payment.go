// Package payment validates what an open must pay and keeps the funds
// collected by paid opens.
package payment

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/Klingon-tech/klingnet-loot/internal/option"
)

// Deployment modes.
const (
	ModeAdmin = "admin" // administrator-triggered issuance, no payment
	ModePaid  = "paid"  // buyer pays price × quantity per open
)

var (
	ErrInvalidPayment = errors.New("invalid payment")
	ErrUnknownMode    = errors.New("unknown payment mode")
)

// Strategy decides the payment an open requires.
type Strategy interface {
	// Required returns the amount owed for quantity opens of opt.
	Required(opt option.Option, quantity uint64) (uint64, error)
	// Validate checks supplied against Required.
	Validate(opt option.Option, quantity, supplied uint64) error
	Mode() string
}

// New returns the strategy for a deployment mode.
func New(mode string) (Strategy, error) {
	switch mode {
	case ModeAdmin:
		return Free{}, nil
	case ModePaid:
		return Priced{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// Free is the administrator-issued mode. Opens carry no payment.
type Free struct{}

func (Free) Mode() string { return ModeAdmin }

func (Free) Required(option.Option, uint64) (uint64, error) { return 0, nil }

func (Free) Validate(_ option.Option, _ uint64, supplied uint64) error {
	if supplied != 0 {
		return fmt.Errorf("%w: payment %d sent to a free deployment", ErrInvalidPayment, supplied)
	}
	return nil
}

// Priced requires exactly price × quantity.
type Priced struct{}

func (Priced) Mode() string { return ModePaid }

func (Priced) Required(opt option.Option, quantity uint64) (uint64, error) {
	hi, lo := bits.Mul64(opt.Price, quantity)
	if hi != 0 {
		return 0, fmt.Errorf("%w: price %d × quantity %d overflows", ErrInvalidPayment, opt.Price, quantity)
	}
	return lo, nil
}

func (p Priced) Validate(opt option.Option, quantity, supplied uint64) error {
	want, err := p.Required(opt, quantity)
	if err != nil {
		return err
	}
	if supplied != want {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidPayment, supplied, want)
	}
	return nil
}
