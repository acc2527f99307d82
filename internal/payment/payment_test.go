package payment

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

func TestNew(t *testing.T) {
	for mode, want := range map[string]string{ModeAdmin: ModeAdmin, ModePaid: ModePaid} {
		s, err := New(mode)
		if err != nil {
			t.Fatalf("New(%q) error: %v", mode, err)
		}
		if s.Mode() != want {
			t.Errorf("Mode() = %q, want %q", s.Mode(), want)
		}
	}
	if _, err := New("auction"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("New(auction) error = %v", err)
	}
}

func TestFree(t *testing.T) {
	opt := option.Option{QuantityPerOpen: 1, Price: 100}
	if err := (Free{}).Validate(opt, 3, 0); err != nil {
		t.Errorf("Validate(0) error: %v", err)
	}
	if err := (Free{}).Validate(opt, 3, 300); !errors.Is(err, ErrInvalidPayment) {
		t.Errorf("Validate(300) error = %v, want ErrInvalidPayment", err)
	}
}

func TestPriced(t *testing.T) {
	opt := option.Option{QuantityPerOpen: 1, Price: 250}
	tests := []struct {
		name     string
		opt      option.Option
		quantity uint64
		supplied uint64
		wantErr  bool
	}{
		{"exact", opt, 4, 1000, false},
		{"short", opt, 4, 999, true},
		{"over", opt, 4, 1001, true},
		{"free option", option.Option{QuantityPerOpen: 1}, 4, 0, false},
		{"overflow", option.Option{QuantityPerOpen: 1, Price: math.MaxUint64}, 2, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (Priced{}).Validate(tt.opt, tt.quantity, tt.supplied)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPayment) {
				t.Errorf("error %v is not ErrInvalidPayment", err)
			}
		})
	}
}

type locks struct {
	mu sync.Mutex
	m  map[option.ID]*sync.Mutex
}

func (l *locks) LockOption(id option.ID) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[option.ID]*sync.Mutex)
	}
	mu, ok := l.m[id]
	if !ok {
		mu = &sync.Mutex{}
		l.m[id] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func TestTreasury_DepositAndWithdraw(t *testing.T) {
	db := storage.NewMemory()
	tr := NewTreasury(db, &locks{})
	admin := types.Address{0xad}

	b := db.NewBatch()
	tr.Deposit(b, 1, 500)
	tr.Deposit(b, 2, 0)
	b.Commit()
	b = db.NewBatch()
	tr.Deposit(b, 1, 250)
	tr.Deposit(b, 3, 100)
	b.Commit()

	if f, _ := tr.Funds(1); f != 750 {
		t.Errorf("Funds(1) = %d, want 750", f)
	}
	if bal, _ := tr.Balance(); bal != 850 {
		t.Errorf("Balance() = %d, want 850", bal)
	}

	w, err := tr.Withdraw(admin)
	if err != nil {
		t.Fatalf("Withdraw() error: %v", err)
	}
	if w.Amount != 850 || w.ByOption[1] != 750 || w.ByOption[3] != 100 || w.To != admin {
		t.Errorf("Withdraw() = %+v", w)
	}
	if bal, _ := tr.Balance(); bal != 0 {
		t.Errorf("Balance() after withdraw = %d", bal)
	}
	if total, _ := tr.Withdrawn(); total != 850 {
		t.Errorf("Withdrawn() = %d, want 850", total)
	}
	if _, err := tr.Withdraw(admin); !errors.Is(err, ErrNothingToWithdraw) {
		t.Errorf("second Withdraw() error = %v", err)
	}
}

func TestTreasury_DepositDiscarded(t *testing.T) {
	db := storage.NewMemory()
	tr := NewTreasury(db, &locks{})
	b := db.NewBatch()
	tr.Deposit(b, 1, 500)
	b.Discard()
	if f, _ := tr.Funds(1); f != 0 {
		t.Errorf("Funds(1) = %d after discarded deposit", f)
	}
}
