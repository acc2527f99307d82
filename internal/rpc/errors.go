package rpc

import (
	"errors"

	"github.com/Klingon-tech/klingnet-loot/internal/events"
	"github.com/Klingon-tech/klingnet-loot/internal/ledger"
	"github.com/Klingon-tech/klingnet-loot/internal/opener"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/payment"
)

var kindCodes = map[string]int{
	opener.KindOptionDisabled:  CodeOptionDisabled,
	opener.KindSupplyExhausted: CodeSupplyExhausted,
	opener.KindInvalidPayment:  CodeInvalidPayment,
	opener.KindUnauthorized:    CodeUnauthorized,
	opener.KindPaused:          CodePaused,
	opener.KindReentrantCall:   CodeReentrantCall,
	opener.KindIssuanceFailed:  CodeIssuanceFailed,
	opener.KindInvalidRequest:  CodeInvalidParams,
	opener.KindInternal:        CodeInternalError,
}

// toError maps a backend error onto a JSON-RPC error. The failure kind is
// attached as data.
func toError(err error) *Error {
	var code int
	switch {
	case errors.Is(err, ErrMissingAuth), errors.Is(err, ErrBadSignature):
		code = CodeBadSignature
	case errors.Is(err, ErrStaleNonce):
		code = CodeStaleNonce
	case errors.Is(err, option.ErrNotAuthorizedForTransfer):
		code = CodeNotAuthorizedForTransfer
	case errors.Is(err, option.ErrClassAlreadyBound):
		code = CodeClassAlreadyBound
	case errors.Is(err, payment.ErrNothingToWithdraw):
		code = CodeNothingToWithdraw
	case errors.Is(err, ledger.ErrUnknownLot), errors.Is(err, events.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, option.ErrInvalidClass),
		errors.Is(err, option.ErrProbabilityOverflow),
		errors.Is(err, option.ErrCommonWeight),
		errors.Is(err, option.ErrZeroToken),
		errors.Is(err, ledger.ErrZeroAddress):
		code = CodeInvalidParams
	default:
		kind := opener.Kind(err)
		return &Error{Code: kindCodes[kind], Message: err.Error(), Data: kind}
	}
	return &Error{Code: code, Message: err.Error()}
}
