package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/Klingon-tech/klingnet-loot/internal/log"
	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

// Session buffers ledger writes. Reads see the session's own writes.
// Nothing reaches storage until Commit, or until the batch passed to
// StageInto commits.
type Session struct {
	l        *Ledger
	operator types.Address
	writes   map[string][]byte
	closed   bool
}

// Get reads through the session overlay.
func (s *Session) Get(key []byte) ([]byte, error) {
	if v, ok := s.writes[string(key)]; ok {
		return v, nil
	}
	return s.l.db.Get(key)
}

func (s *Session) put(key, value []byte) {
	s.writes[string(key)] = value
}

func (s *Session) check(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	return ctx.Err()
}

// Transfer moves amount units of lot id from one owner to another. The
// session operator must be from or approved by from.
func (s *Session) Transfer(ctx context.Context, from, to types.Address, id types.TokenID, amount uint64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if amount == 0 {
		return ErrZeroAmount
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	ok, err := s.l.IsAuthorizedFor(ctx, from, s.operator)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s for %s", ErrNotApproved, s.operator, from)
	}
	if _, err := readLot(s, id); err != nil {
		return err
	}

	fromBal, err := readUint64(s, balanceKey(from, id))
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("%w: %s holds %d of %s, need %d", ErrInsufficientBalance, from, fromBal, id, amount)
	}
	s.putUint64(balanceKey(from, id), fromBal-amount)

	toBal, err := readUint64(s, balanceKey(to, id))
	if err != nil {
		return err
	}
	if toBal > math.MaxUint64-amount {
		return ErrAmountOverflow
	}
	s.putUint64(balanceKey(to, id), toBal+amount)
	return nil
}

// CreateLot mints a new lot of amount units owned by owner.
func (s *Session) CreateLot(ctx context.Context, owner types.Address, amount uint64) (types.TokenID, error) {
	if err := s.check(ctx); err != nil {
		return types.TokenID{}, err
	}
	if amount == 0 {
		return types.TokenID{}, ErrZeroAmount
	}
	if owner.IsZero() {
		return types.TokenID{}, ErrZeroAddress
	}
	nonce, err := readUint64(s, keyNonce)
	if err != nil {
		return types.TokenID{}, err
	}
	id := DeriveLotID(owner, nonce)
	lot := Lot{ID: id, Creator: owner, Supply: amount, Sequence: nonce}
	if err := s.putLot(&lot); err != nil {
		return types.TokenID{}, err
	}
	s.putUint64(keyNonce, nonce+1)
	s.putUint64(balanceKey(owner, id), amount)
	return id, nil
}

// MintInto adds amount units of an existing lot to to's balance.
func (s *Session) MintInto(ctx context.Context, to types.Address, id types.TokenID, amount uint64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if amount == 0 {
		return ErrZeroAmount
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	lot, err := readLot(s, id)
	if err != nil {
		return err
	}
	if lot.Supply > math.MaxUint64-amount {
		return ErrAmountOverflow
	}
	bal, err := readUint64(s, balanceKey(to, id))
	if err != nil {
		return err
	}
	lot.Supply += amount
	if err := s.putLot(lot); err != nil {
		return err
	}
	s.putUint64(balanceKey(to, id), bal+amount)
	return nil
}

// StageInto copies the session's writes into b. The caller commits b and
// then calls Discard to release the ledger.
func (s *Session) StageInto(b storage.Batch) error {
	if s.closed {
		return ErrSessionClosed
	}
	if w, ok := s.l.db.(storage.BatchWrapper); ok {
		b = w.WrapBatch(b)
	}
	for _, k := range s.sortedKeys() {
		if err := b.Put([]byte(k), s.writes[k]); err != nil {
			return fmt.Errorf("stage ledger write: %w", err)
		}
	}
	return nil
}

// Commit writes the session atomically and releases the ledger.
func (s *Session) Commit() error {
	if s.closed {
		return ErrSessionClosed
	}
	defer s.Discard()
	b := storage.NewBatch(s.l.db)
	defer b.Discard()
	for _, k := range s.sortedKeys() {
		if err := b.Put([]byte(k), s.writes[k]); err != nil {
			return err
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("ledger commit: %w", err)
	}
	log.Ledger.Debug().Int("writes", len(s.writes)).Msg("Session committed")
	return nil
}

// Discard drops uncommitted writes and releases the ledger. Safe to call
// more than once.
func (s *Session) Discard() {
	if s.closed {
		return
	}
	s.closed = true
	s.writes = nil
	s.l.mu.Unlock()
}

func (s *Session) sortedKeys() []string {
	keys := make([]string, 0, len(s.writes))
	for k := range s.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Session) putUint64(key []byte, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	s.put(key, buf[:])
}

func (s *Session) putLot(lot *Lot) error {
	data, err := json.Marshal(lot)
	if err != nil {
		return fmt.Errorf("lot marshal: %w", err)
	}
	s.put(lotKey(lot.ID), data)
	return nil
}
