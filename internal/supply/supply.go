// Package supply tracks how many times each option has been opened and
// enforces option capacities.
package supply

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/storage"
)

// Unlimited is reported by Remaining for options without a capacity.
const Unlimited = math.MaxUint64

var ErrCounterOverflow = errors.New("open counter overflow")

var prefixOpened = []byte("sup/") // sup/<id(4)> -> opened(8)

// CanOpen reports whether amount more opens fit under the option's cap.
func CanOpen(opt option.Option, opened, amount uint64) bool {
	if amount == 0 {
		return false
	}
	if opt.Capacity == 0 {
		return true
	}
	return amount <= opt.Capacity && opened <= opt.Capacity-amount
}

// Remaining returns how many opens are left. Disabled options and options
// whose capacity was lowered below the opened count have none left.
func Remaining(opt option.Option, opened uint64) uint64 {
	if !opt.Enabled() {
		return 0
	}
	if opt.Capacity == 0 {
		return Unlimited
	}
	if opened >= opt.Capacity {
		return 0
	}
	return opt.Capacity - opened
}

// Status is a snapshot of one option's supply.
type Status struct {
	Opened    uint64 `json:"opened"`
	Capacity  uint64 `json:"capacity"`
	Remaining uint64 `json:"remaining"`
	Unlimited bool   `json:"unlimited"`
}

// Ledger persists per-option open counters.
type Ledger struct {
	db  storage.DB
	reg *option.Registry
}

// NewLedger creates a supply ledger reading caps from reg.
func NewLedger(db storage.DB, reg *option.Registry) *Ledger {
	return &Ledger{db: db, reg: reg}
}

// Opened returns the committed open count of id.
func (l *Ledger) Opened(id option.ID) (uint64, error) {
	data, err := l.db.Get(openedKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("supply get: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt supply counter for option %d", id)
	}
	return binary.BigEndian.Uint64(data), nil
}

// CanOpen checks amount against the stored option and counter. The result
// only holds while the caller keeps the option lock.
func (l *Ledger) CanOpen(id option.ID, amount uint64) (bool, error) {
	opt, err := l.reg.Option(id)
	if err != nil {
		return false, err
	}
	opened, err := l.Opened(id)
	if err != nil {
		return false, err
	}
	return CanOpen(opt, opened, amount), nil
}

// Remaining returns the opens left for id.
func (l *Ledger) Remaining(id option.ID) (uint64, error) {
	st, err := l.Status(id)
	return st.Remaining, err
}

// Status reports the supply of id.
func (l *Ledger) Status(id option.ID) (Status, error) {
	opt, err := l.reg.Option(id)
	if err != nil {
		return Status{}, err
	}
	opened, err := l.Opened(id)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Opened:    opened,
		Capacity:  opt.Capacity,
		Remaining: Remaining(opt, opened),
		Unlimited: opt.Enabled() && opt.Capacity == 0,
	}, nil
}

// Commit stages opened+amount as the new counter of id into b. The
// counter only changes if b commits.
func (l *Ledger) Commit(b storage.Batch, id option.ID, opened, amount uint64) error {
	if opened > math.MaxUint64-amount {
		return fmt.Errorf("%w: option %d", ErrCounterOverflow, id)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], opened+amount)
	if err := b.Put(openedKey(id), buf[:]); err != nil {
		return fmt.Errorf("stage supply: %w", err)
	}
	return nil
}

func openedKey(id option.ID) []byte {
	key := make([]byte, len(prefixOpened)+4)
	copy(key, prefixOpened)
	binary.BigEndian.PutUint32(key[len(prefixOpened):], uint32(id))
	return key
}
