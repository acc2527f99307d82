package payment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-loot/internal/log"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

var (
	ErrNothingToWithdraw = errors.New("no funds to withdraw")
	ErrFundsOverflow     = errors.New("treasury balance overflow")
)

var (
	prefixFunds  = []byte("trs/f/") // trs/f/<option(4)> -> amount(8)
	keyWithdrawn = []byte("trs/withdrawn")
)

// Locker hands out the per-option locks that also guard option funds.
type Locker interface {
	LockOption(id option.ID) func()
}

// Withdrawal reports a completed withdrawal.
type Withdrawal struct {
	To       types.Address        `json:"to"`
	Amount   uint64               `json:"amount"`
	ByOption map[option.ID]uint64 `json:"by_option"`
}

// Treasury accumulates payments per option. Funds of an option are only
// touched under that option's lock.
type Treasury struct {
	db     storage.DB
	locker Locker
}

// NewTreasury creates a treasury on db.
func NewTreasury(db storage.DB, locker Locker) *Treasury {
	return &Treasury{db: db, locker: locker}
}

// Funds returns the unwithdrawn payments of option id.
func (t *Treasury) Funds(id option.ID) (uint64, error) {
	return readAmount(t.db, fundsKey(id))
}

// Balance returns the unwithdrawn payments across all options.
func (t *Treasury) Balance() (uint64, error) {
	var total uint64
	err := t.db.ForEach(prefixFunds, func(_, value []byte) error {
		if len(value) == 8 {
			total += binary.BigEndian.Uint64(value)
		}
		return nil
	})
	return total, err
}

// Withdrawn returns the lifetime withdrawn amount.
func (t *Treasury) Withdrawn() (uint64, error) {
	return readAmount(t.db, keyWithdrawn)
}

// Deposit stages amount onto option id's funds in b. The caller must hold
// the option lock until b is committed.
func (t *Treasury) Deposit(b storage.Batch, id option.ID, amount uint64) error {
	if amount == 0 {
		return nil
	}
	cur, err := t.Funds(id)
	if err != nil {
		return err
	}
	if cur > math.MaxUint64-amount {
		return fmt.Errorf("%w: option %d", ErrFundsOverflow, id)
	}
	return b.Put(fundsKey(id), encodeAmount(cur+amount))
}

// Withdraw drains every option's funds to the administrator in one batch.
func (t *Treasury) Withdraw(to types.Address) (*Withdrawal, error) {
	var ids []option.ID
	err := t.db.ForEach(prefixFunds, func(key, _ []byte) error {
		if len(key) == len(prefixFunds)+4 {
			ids = append(ids, option.ID(binary.BigEndian.Uint32(key[len(prefixFunds):])))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan funds: %w", err)
	}

	// ForEach yields ids in key order, so locks are always taken in the
	// same order.
	for _, id := range ids {
		unlock := t.locker.LockOption(id)
		defer unlock()
	}

	w := &Withdrawal{To: to, ByOption: make(map[option.ID]uint64)}
	b := storage.NewBatch(t.db)
	defer b.Discard()
	for _, id := range ids {
		amount, err := t.Funds(id)
		if err != nil {
			return nil, err
		}
		if amount == 0 {
			continue
		}
		if w.Amount > math.MaxUint64-amount {
			return nil, ErrFundsOverflow
		}
		w.Amount += amount
		w.ByOption[id] = amount
		if err := b.Delete(fundsKey(id)); err != nil {
			return nil, err
		}
	}
	if w.Amount == 0 {
		return nil, ErrNothingToWithdraw
	}

	prev, err := t.Withdrawn()
	if err != nil {
		return nil, err
	}
	if prev <= math.MaxUint64-w.Amount {
		if err := b.Put(keyWithdrawn, encodeAmount(prev+w.Amount)); err != nil {
			return nil, err
		}
	}
	if err := b.Commit(); err != nil {
		return nil, fmt.Errorf("commit withdrawal: %w", err)
	}
	log.Treasury.Info().
		Str("to", to.String()).
		Uint64("amount", w.Amount).
		Int("options", len(w.ByOption)).
		Msg("Funds withdrawn")
	return w, nil
}

func readAmount(db storage.DB, key []byte) (uint64, error) {
	data, err := db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt amount at %s", key)
	}
	return binary.BigEndian.Uint64(data), nil
}

func encodeAmount(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func fundsKey(id option.ID) []byte {
	key := make([]byte, len(prefixFunds)+4)
	copy(key, prefixFunds)
	binary.BigEndian.PutUint32(key[len(prefixFunds):], uint32(id))
	return key
}
