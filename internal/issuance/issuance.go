// Package issuance delivers drawn items through the item ledger.
package issuance

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-loot/internal/ledger"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

// ErrIssuanceFailed wraps every rejection from the item ledger.
var ErrIssuanceFailed = errors.New("issuance failed")

// Session is one all-or-nothing unit of ledger writes.
type Session interface {
	Transfer(ctx context.Context, from, to types.Address, id types.TokenID, amount uint64) error
	CreateLot(ctx context.Context, owner types.Address, amount uint64) (types.TokenID, error)
	MintInto(ctx context.Context, to types.Address, id types.TokenID, amount uint64) error
	Commit() error
	// Discard drops uncommitted writes and ends the session.
	Discard()
}

// BatchSession is a Session whose writes can join a caller's storage batch,
// making ledger and loot state commit together.
type BatchSession interface {
	Session
	StageInto(b storage.Batch) error
}

// Ledger is the item ledger as seen by the loot system.
type Ledger interface {
	IsAuthorizedFor(ctx context.Context, owner, operator types.Address) (bool, error)
	Begin(ctx context.Context, operator types.Address) (Session, error)
}

type builtin struct {
	l *ledger.Ledger
}

// Builtin exposes the built-in ledger through the Ledger interface.
func Builtin(l *ledger.Ledger) Ledger {
	return builtin{l: l}
}

func (b builtin) IsAuthorizedFor(ctx context.Context, owner, operator types.Address) (bool, error) {
	return b.l.IsAuthorizedFor(ctx, owner, operator)
}

func (b builtin) Begin(ctx context.Context, operator types.Address) (Session, error) {
	s, err := b.l.Begin(ctx, operator)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Method names how an item was delivered.
type Method string

const (
	MethodTransfer  Method = "transfer"
	MethodCreateLot Method = "create_lot"
	MethodMint      Method = "mint"
)

// Issued describes one delivered item.
type Issued struct {
	Class   option.Class  `json:"class"`
	TokenID types.TokenID `json:"token_id"`
	Method  Method        `json:"method"`
}

// Issue delivers one unit of class c to recipient:
//   - preminted classes transfer from the administrator pool,
//   - unbound classes create a new lot owned by recipient and bind it,
//   - bound classes mint into the existing lot.
func Issue(ctx context.Context, s Session, b *option.Bindings, c option.Class, recipient types.Address) (Issued, error) {
	rec, err := b.Record(c)
	if err != nil {
		return Issued{}, err
	}

	switch {
	case rec.Preminted:
		if err := s.Transfer(ctx, rec.Pool, recipient, rec.TokenID, 1); err != nil {
			return Issued{}, fmt.Errorf("%w: transfer %s from pool: %w", ErrIssuanceFailed, c, err)
		}
		return Issued{Class: c, TokenID: rec.TokenID, Method: MethodTransfer}, nil

	case !rec.Bound():
		id, err := s.CreateLot(ctx, recipient, 1)
		if err != nil {
			return Issued{}, fmt.Errorf("%w: create lot for %s: %w", ErrIssuanceFailed, c, err)
		}
		if err := b.Bind(c, id); err != nil {
			return Issued{}, err
		}
		return Issued{Class: c, TokenID: id, Method: MethodCreateLot}, nil

	default:
		if err := s.MintInto(ctx, recipient, rec.TokenID, 1); err != nil {
			return Issued{}, fmt.Errorf("%w: mint %s: %w", ErrIssuanceFailed, c, err)
		}
		return Issued{Class: c, TokenID: rec.TokenID, Method: MethodMint}, nil
	}
}
