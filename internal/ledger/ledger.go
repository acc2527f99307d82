// Package ledger is the built-in multi-token item ledger that loot is
// issued into.
//
// Every token lot is identified by a TokenID derived from its creator and
// a ledger-wide nonce. Owners hold balances per lot and may approve an
// operator to move all of their lots. Writes go through a Session, which
// holds the ledger's single writer lock until it is committed or discarded.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/crypto"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotApproved         = errors.New("operator not approved by owner")
	ErrUnknownLot          = errors.New("unknown token lot")
	ErrZeroAmount          = errors.New("amount must be positive")
	ErrAmountOverflow      = errors.New("amount overflow")
	ErrZeroAddress         = errors.New("zero address")
	ErrSessionClosed       = errors.New("session closed")
)

// DB key prefixes.
var (
	prefixBalance  = []byte("bal/") // bal/<owner(20)><lot(32)> -> amount(8)
	prefixLot      = []byte("lot/") // lot/<lot(32)> -> Lot JSON
	prefixApproval = []byte("apr/") // apr/<owner(20)><operator(20)> -> 0x01
	keyNonce       = []byte("nonce")
)

// DeriveLotID computes the id of the n-th lot, created by owner.
// LotID = BLAKE3("klingnet-loot/lot" || owner || n).
func DeriveLotID(owner types.Address, n uint64) types.TokenID {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return types.TokenID(crypto.TaggedHash("klingnet-loot/lot", owner[:], buf[:]))
}

// Lot describes a token lot.
type Lot struct {
	ID       types.TokenID `json:"id"`
	Creator  types.Address `json:"creator"`
	Supply   uint64        `json:"supply"`
	Sequence uint64        `json:"sequence"`
}

// Holding is one owner's balance of one lot.
type Holding struct {
	TokenID types.TokenID `json:"token_id"`
	Amount  uint64        `json:"amount"`
}

// Ledger stores balances, lots and operator approvals.
type Ledger struct {
	db storage.DB
	mu sync.Mutex
}

// New creates a ledger on db.
func New(db storage.DB) *Ledger {
	return &Ledger{db: db}
}

// IsAuthorizedFor reports whether operator may move owner's tokens.
func (l *Ledger) IsAuthorizedFor(_ context.Context, owner, operator types.Address) (bool, error) {
	if owner == operator {
		return true, nil
	}
	return l.db.Has(approvalKey(owner, operator))
}

// SetApprovalForAll grants or revokes operator's right to move owner's tokens.
func (l *Ledger) SetApprovalForAll(owner, operator types.Address, approved bool) error {
	if owner.IsZero() || operator.IsZero() {
		return ErrZeroAddress
	}
	if approved {
		return l.db.Put(approvalKey(owner, operator), []byte{1})
	}
	return l.db.Delete(approvalKey(owner, operator))
}

// BalanceOf returns owner's balance of lot id.
func (l *Ledger) BalanceOf(owner types.Address, id types.TokenID) (uint64, error) {
	return readUint64(l.db, balanceKey(owner, id))
}

// Balances lists every nonzero holding of owner.
func (l *Ledger) Balances(owner types.Address) ([]Holding, error) {
	prefix := append(append([]byte{}, prefixBalance...), owner[:]...)
	holdings := []Holding{}
	err := l.db.ForEach(prefix, func(key, value []byte) error {
		if len(key) != len(prefix)+types.HashSize || len(value) != 8 {
			return nil
		}
		var h Holding
		copy(h.TokenID[:], key[len(prefix):])
		h.Amount = binary.BigEndian.Uint64(value)
		if h.Amount > 0 {
			holdings = append(holdings, h)
		}
		return nil
	})
	return holdings, err
}

// Lot returns the lot with the given id.
func (l *Ledger) Lot(id types.TokenID) (*Lot, error) {
	return readLot(l.db, id)
}

// Lots lists all lots.
func (l *Ledger) Lots() ([]Lot, error) {
	lots := []Lot{}
	err := l.db.ForEach(prefixLot, func(_, value []byte) error {
		var lot Lot
		if err := json.Unmarshal(value, &lot); err != nil {
			return fmt.Errorf("lot unmarshal: %w", err)
		}
		lots = append(lots, lot)
		return nil
	})
	return lots, err
}

// Begin opens a write session acting as operator. It blocks until any
// other session is finished.
func (l *Ledger) Begin(ctx context.Context, operator types.Address) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	return &Session{
		l:        l,
		operator: operator,
		writes:   make(map[string][]byte),
	}, nil
}

type reader interface {
	Get(key []byte) ([]byte, error)
}

func readUint64(r reader, key []byte) (uint64, error) {
	data, err := r.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt counter at %x", key)
	}
	return binary.BigEndian.Uint64(data), nil
}

func readLot(r reader, id types.TokenID) (*Lot, error) {
	data, err := r.Get(lotKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLot, id)
	}
	if err != nil {
		return nil, err
	}
	var lot Lot
	if err := json.Unmarshal(data, &lot); err != nil {
		return nil, fmt.Errorf("lot unmarshal: %w", err)
	}
	return &lot, nil
}

func balanceKey(owner types.Address, id types.TokenID) []byte {
	key := make([]byte, 0, len(prefixBalance)+types.AddressSize+types.HashSize)
	key = append(key, prefixBalance...)
	key = append(key, owner[:]...)
	return append(key, id[:]...)
}

func lotKey(id types.TokenID) []byte {
	key := make([]byte, 0, len(prefixLot)+types.HashSize)
	key = append(key, prefixLot...)
	return append(key, id[:]...)
}

func approvalKey(owner, operator types.Address) []byte {
	key := make([]byte, 0, len(prefixApproval)+2*types.AddressSize)
	key = append(key, prefixApproval...)
	key = append(key, owner[:]...)
	return append(key, operator[:]...)
}
