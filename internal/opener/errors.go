package opener

import (
	"errors"

	"github.com/Klingon-tech/klingnet-loot/internal/access"
	"github.com/Klingon-tech/klingnet-loot/internal/issuance"
	"github.com/Klingon-tech/klingnet-loot/internal/payment"
)

var (
	ErrOptionDisabled   = errors.New("option disabled")
	ErrSupplyExhausted  = errors.New("supply exhausted")
	ErrInvalidRecipient = errors.New("recipient must be non-zero")
	ErrTooManyItems     = errors.New("too many items in one open")
)

// Failure kinds, stable labels for logs, metrics and RPC error codes.
const (
	KindOptionDisabled  = "option_disabled"
	KindSupplyExhausted = "supply_exhausted"
	KindInvalidPayment  = "invalid_payment"
	KindUnauthorized    = "unauthorized"
	KindPaused          = "paused"
	KindReentrantCall   = "reentrant_call"
	KindIssuanceFailed  = "issuance_failed"
	KindInvalidRequest  = "invalid_request"
	KindInternal        = "internal"
)

// Kinds lists every failure kind.
var Kinds = []string{
	KindOptionDisabled,
	KindSupplyExhausted,
	KindInvalidPayment,
	KindUnauthorized,
	KindPaused,
	KindReentrantCall,
	KindIssuanceFailed,
	KindInvalidRequest,
	KindInternal,
}

// Kind classifies err. Errors that match no known failure are internal.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrOptionDisabled):
		return KindOptionDisabled
	case errors.Is(err, ErrSupplyExhausted):
		return KindSupplyExhausted
	case errors.Is(err, payment.ErrInvalidPayment):
		return KindInvalidPayment
	case errors.Is(err, access.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, access.ErrPaused):
		return KindPaused
	case errors.Is(err, access.ErrReentrantCall):
		return KindReentrantCall
	case errors.Is(err, issuance.ErrIssuanceFailed):
		return KindIssuanceFailed
	case errors.Is(err, ErrInvalidRecipient), errors.Is(err, ErrTooManyItems):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}
