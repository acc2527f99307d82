package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

var (
	admin    = types.Address{0xad}
	operator = types.Address{0x0e}
	buyer    = types.Address{0xb0}
)

func TestDeriveLotID(t *testing.T) {
	a := DeriveLotID(admin, 0)
	if a.IsZero() {
		t.Fatal("derived lot id is zero")
	}
	if a == DeriveLotID(admin, 1) || a == DeriveLotID(buyer, 0) {
		t.Error("lot ids collide across nonce or owner")
	}
	if a != DeriveLotID(admin, 0) {
		t.Error("DeriveLotID is not deterministic")
	}
}

func TestSession_CreateMintTransfer(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemory())

	s, err := l.Begin(ctx, operator)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	id, err := s.CreateLot(ctx, buyer, 1)
	if err != nil {
		t.Fatalf("CreateLot() error: %v", err)
	}
	if err := s.MintInto(ctx, buyer, id, 2); err != nil {
		t.Fatalf("MintInto() error: %v", err)
	}
	// Nothing visible before commit.
	if bal, _ := l.BalanceOf(buyer, id); bal != 0 {
		t.Fatalf("balance visible before commit: %d", bal)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	if bal, _ := l.BalanceOf(buyer, id); bal != 3 {
		t.Errorf("BalanceOf = %d, want 3", bal)
	}
	lot, err := l.Lot(id)
	if err != nil {
		t.Fatalf("Lot() error: %v", err)
	}
	if lot.Supply != 3 || lot.Creator != buyer || lot.Sequence != 0 {
		t.Errorf("Lot = %+v", lot)
	}

	// The nonce advanced: the next lot gets a different id.
	s2, _ := l.Begin(ctx, operator)
	id2, _ := s2.CreateLot(ctx, buyer, 1)
	s2.Commit()
	if id2 == id {
		t.Error("second lot reused the first id")
	}
	lots, _ := l.Lots()
	if len(lots) != 2 {
		t.Errorf("Lots() = %d entries, want 2", len(lots))
	}
}

func TestSession_TransferNeedsApproval(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemory())

	s, _ := l.Begin(ctx, admin)
	pool, _ := s.CreateLot(ctx, admin, 5)
	s.Commit()

	s, _ = l.Begin(ctx, operator)
	err := s.Transfer(ctx, admin, buyer, pool, 1)
	s.Discard()
	if !errors.Is(err, ErrNotApproved) {
		t.Fatalf("Transfer() without approval = %v, want ErrNotApproved", err)
	}

	if err := l.SetApprovalForAll(admin, operator, true); err != nil {
		t.Fatalf("SetApprovalForAll() error: %v", err)
	}
	if ok, _ := l.IsAuthorizedFor(ctx, admin, operator); !ok {
		t.Fatal("IsAuthorizedFor = false after approval")
	}

	s, _ = l.Begin(ctx, operator)
	if err := s.Transfer(ctx, admin, buyer, pool, 2); err != nil {
		t.Fatalf("Transfer() error: %v", err)
	}
	if err := s.Transfer(ctx, admin, buyer, pool, 4); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("overdraw error = %v, want ErrInsufficientBalance", err)
	}
	s.Commit()

	if bal, _ := l.BalanceOf(admin, pool); bal != 3 {
		t.Errorf("admin balance = %d, want 3", bal)
	}
	holdings, _ := l.Balances(buyer)
	if len(holdings) != 1 || holdings[0].TokenID != pool || holdings[0].Amount != 2 {
		t.Errorf("Balances(buyer) = %+v", holdings)
	}

	l.SetApprovalForAll(admin, operator, false)
	if ok, _ := l.IsAuthorizedFor(ctx, admin, operator); ok {
		t.Error("IsAuthorizedFor = true after revoke")
	}
}

func TestSession_DiscardLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	db := storage.NewMemory()
	l := New(db)

	s, _ := l.Begin(ctx, operator)
	s.CreateLot(ctx, buyer, 1)
	s.Discard()
	s.Discard()

	var keys int
	db.ForEach(nil, func(_, _ []byte) error { keys++; return nil })
	if keys != 0 {
		t.Errorf("%d keys written by a discarded session", keys)
	}
	if _, err := s.CreateLot(ctx, buyer, 1); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("use after Discard error = %v", err)
	}
}

func TestSession_Validation(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemory())
	s, _ := l.Begin(ctx, operator)
	defer s.Discard()

	if _, err := s.CreateLot(ctx, buyer, 0); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("CreateLot(0) error = %v", err)
	}
	if _, err := s.CreateLot(ctx, types.Address{}, 1); !errors.Is(err, ErrZeroAddress) {
		t.Errorf("CreateLot(zero owner) error = %v", err)
	}
	if err := s.MintInto(ctx, buyer, types.TokenID{0x42}, 1); !errors.Is(err, ErrUnknownLot) {
		t.Errorf("MintInto(unknown) error = %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := s.MintInto(cancelled, buyer, types.TokenID{0x42}, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("MintInto(cancelled) error = %v", err)
	}
}

func TestSession_StageIntoPrefixedBatch(t *testing.T) {
	ctx := context.Background()
	root := storage.NewMemory()
	l := New(storage.NewPrefixDB(root, []byte("ledger/")))

	s, _ := l.Begin(ctx, operator)
	id, _ := s.CreateLot(ctx, buyer, 1)

	b := root.NewBatch()
	b.Put([]byte("sup/x"), []byte{1})
	if err := s.StageInto(b); err != nil {
		t.Fatalf("StageInto() error: %v", err)
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("batch Commit() error: %v", err)
	}
	s.Discard()

	if bal, _ := l.BalanceOf(buyer, id); bal != 1 {
		t.Errorf("BalanceOf after staged commit = %d, want 1", bal)
	}
	if ok, _ := root.Has(append([]byte("ledger/"), lotKey(id)...)); !ok {
		t.Error("lot not written under ledger namespace")
	}
}

func TestBegin_SerializesSessions(t *testing.T) {
	ctx := context.Background()
	l := New(storage.NewMemory())
	first, _ := l.Begin(ctx, operator)

	acquired := make(chan struct{})
	go func() {
		s, _ := l.Begin(ctx, operator)
		close(acquired)
		s.Discard()
	}()

	select {
	case <-acquired:
		t.Fatal("second session started while the first was open")
	case <-time.After(50 * time.Millisecond):
	}
	first.Discard()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second session never started")
	}
}
