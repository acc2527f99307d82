package issuance

import (
	"context"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-loot/internal/ledger"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

var (
	admin    = types.Address{0xad}
	operator = types.Address{0x0e}
	buyer    = types.Address{0xb0}
)

type fixture struct {
	db  *storage.MemoryDB
	led *ledger.Ledger
	il  Ledger
	reg *option.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storage.NewMemory()
	led := ledger.New(storage.NewPrefixDB(db, []byte("ledger/")))
	il := Builtin(led)
	reg, err := option.NewRegistry(db, option.BasisPoints, il, operator)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	return &fixture{db: db, led: led, il: il, reg: reg}
}

func TestIssue_CreatesThenMints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, err := f.il.Begin(ctx, operator)
	if err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	defer s.Discard()
	b := f.reg.StageBindings()

	first, err := Issue(ctx, s, b, option.Rare, buyer)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if first.Method != MethodCreateLot || first.TokenID.IsZero() {
		t.Fatalf("first issue = %+v, want create_lot", first)
	}
	second, err := Issue(ctx, s, b, option.Rare, buyer)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if second.Method != MethodMint || second.TokenID != first.TokenID {
		t.Fatalf("second issue = %+v, want mint into %s", second, first.TokenID)
	}

	batch := f.db.NewBatch()
	b.StageInto(batch)
	s.(BatchSession).StageInto(batch)
	if err := batch.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	s.Discard()

	rec, _ := f.reg.Class(option.Rare)
	if rec.TokenID != first.TokenID || rec.Preminted {
		t.Errorf("stored binding = %+v", rec)
	}
	if bal, _ := f.led.BalanceOf(buyer, first.TokenID); bal != 2 {
		t.Errorf("buyer balance = %d, want 2", bal)
	}
}

func TestIssue_PremintedTransfersFromPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	s, _ := f.il.Begin(ctx, admin)
	pool, _ := s.CreateLot(ctx, admin, 2)
	s.Commit()
	f.led.SetApprovalForAll(admin, operator, true)
	if err := f.reg.SetClassBinding(ctx, admin, option.Mythic, pool); err != nil {
		t.Fatalf("SetClassBinding() error: %v", err)
	}

	s, _ = f.il.Begin(ctx, operator)
	defer s.Discard()
	b := f.reg.StageBindings()
	for i := 0; i < 2; i++ {
		got, err := Issue(ctx, s, b, option.Mythic, buyer)
		if err != nil {
			t.Fatalf("Issue() #%d error: %v", i, err)
		}
		if got.Method != MethodTransfer || got.TokenID != pool {
			t.Fatalf("Issue() = %+v, want transfer of pool", got)
		}
	}
	// The pool is empty now.
	_, err := Issue(ctx, s, b, option.Mythic, buyer)
	if !errors.Is(err, ErrIssuanceFailed) || !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("Issue() from empty pool = %v", err)
	}
}

func TestBuiltin_BeginError(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := f.il.Begin(ctx, operator)
	if err == nil || s != nil {
		t.Fatalf("Begin(cancelled) = %v, %v; want nil session and error", s, err)
	}
}
