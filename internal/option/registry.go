package option

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-loot/internal/log"
	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

var (
	ErrNotAuthorizedForTransfer = errors.New("administrator has not authorized transfers by this system")
	ErrClassAlreadyBound        = errors.New("class already bound to a different token")
	ErrZeroToken                = errors.New("token id must be non-zero")
)

// DB key prefixes.
var (
	prefixOption = []byte("opt/") // opt/<id(4)> -> Option JSON
	prefixClass  = []byte("cls/") // cls/<class(1)> -> ClassRecord JSON
)

// ClassRecord binds a class to a token lot in the item ledger.
type ClassRecord struct {
	Preminted bool          `json:"preminted"`
	TokenID   types.TokenID `json:"token_id"`
	// Pool is the administrator holding a preminted class's tokens.
	Pool types.Address `json:"pool,omitempty"`
}

// Bound reports whether a token id has been bound to the class.
func (r ClassRecord) Bound() bool {
	return !r.TokenID.IsZero()
}

// Authorizer answers whether owner allowed operator to move its tokens.
type Authorizer interface {
	IsAuthorizedFor(ctx context.Context, owner, operator types.Address) (bool, error)
}

// Entry pairs an option id with its settings.
type Entry struct {
	ID ID `json:"id"`
	Option
}

// Registry persists options and class bindings.
//
// Two locks guard open-time consistency. Each option has its own mutex,
// held by an open from validation through commit. The binding table has
// a reader/writer lock: opens that only reuse bound classes share it,
// first-time binding takes it exclusively.
type Registry struct {
	db          storage.DB
	granularity Granularity
	auth        Authorizer
	operator    types.Address

	locksMu sync.Mutex
	locks   map[ID]*sync.Mutex

	bindMu sync.RWMutex
}

// NewRegistry creates a registry. operator is the address this system
// uses when moving administrator pools through auth.
func NewRegistry(db storage.DB, g Granularity, auth Authorizer, operator types.Address) (*Registry, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidGranularity, g)
	}
	return &Registry{
		db:          db,
		granularity: g,
		auth:        auth,
		operator:    operator,
		locks:       make(map[ID]*sync.Mutex),
	}, nil
}

// Granularity returns the deployment's probability total.
func (r *Registry) Granularity() Granularity {
	return r.granularity
}

// Operator returns the address this system acts as in the item ledger.
func (r *Registry) Operator() types.Address {
	return r.operator
}

// LockOption acquires the exclusive lock of option id and returns its release.
func (r *Registry) LockOption(id ID) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	r.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// LockBindings acquires the binding table for writing.
func (r *Registry) LockBindings() func() {
	r.bindMu.Lock()
	return r.bindMu.Unlock
}

// RLockBindings acquires the binding table for reading.
func (r *Registry) RLockBindings() func() {
	r.bindMu.RLock()
	return r.bindMu.RUnlock
}

// SetOption overwrites the settings of id. Callers must be privileged.
func (r *Registry) SetOption(id ID, opt Option) error {
	if err := opt.Validate(r.granularity); err != nil {
		return err
	}
	data, err := json.Marshal(opt)
	if err != nil {
		return fmt.Errorf("option marshal: %w", err)
	}

	unlock := r.LockOption(id)
	defer unlock()
	if err := r.db.Put(optionKey(id), data); err != nil {
		return fmt.Errorf("option put: %w", err)
	}
	log.Registry.Info().
		Uint32("option", uint32(id)).
		Uint32("quantity_per_open", opt.QuantityPerOpen).
		Uint64("capacity", opt.Capacity).
		Msg("Option updated")
	return nil
}

// Option returns the settings of id. Unknown ids yield the zero
// (disabled) option without error; err is only set on storage failure.
func (r *Registry) Option(id ID) (Option, error) {
	data, err := r.db.Get(optionKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Option{}, nil
	}
	if err != nil {
		return Option{}, fmt.Errorf("option get: %w", err)
	}
	var opt Option
	if err := json.Unmarshal(data, &opt); err != nil {
		return Option{}, fmt.Errorf("option unmarshal: %w", err)
	}
	return opt, nil
}

// Options lists every stored option in id order.
func (r *Registry) Options() ([]Entry, error) {
	var out []Entry
	err := r.db.ForEach(prefixOption, func(key, value []byte) error {
		if len(key) != len(prefixOption)+4 {
			return nil
		}
		var opt Option
		if err := json.Unmarshal(value, &opt); err != nil {
			return fmt.Errorf("option unmarshal: %w", err)
		}
		out = append(out, Entry{ID: ID(binary.BigEndian.Uint32(key[len(prefixOption):])), Option: opt})
		return nil
	})
	return out, err
}

// SetClassBinding marks class c as backed by the preminted lot tokenID
// held by admin. The item ledger must confirm admin approved this
// system's operator. A class already bound to another token is rejected.
func (r *Registry) SetClassBinding(ctx context.Context, admin types.Address, c Class, tokenID types.TokenID) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidClass, c)
	}
	if tokenID.IsZero() {
		return ErrZeroToken
	}
	ok, err := r.auth.IsAuthorizedFor(ctx, admin, r.operator)
	if err != nil {
		return fmt.Errorf("authorization check: %w", err)
	}
	if !ok {
		return ErrNotAuthorizedForTransfer
	}

	unlock := r.LockBindings()
	defer unlock()

	rec, err := r.Class(c)
	if err != nil {
		return err
	}
	if rec.Bound() {
		// Rebinding the same preminted pool is a no-op. A lot created by
		// an open belongs to its buyers and can never become a pool.
		if rec.Preminted && rec.TokenID == tokenID {
			return nil
		}
		return fmt.Errorf("%w: %s is bound to %s", ErrClassAlreadyBound, c, rec.TokenID)
	}
	data, err := json.Marshal(ClassRecord{Preminted: true, TokenID: tokenID, Pool: admin})
	if err != nil {
		return fmt.Errorf("class marshal: %w", err)
	}
	if err := r.db.Put(classKey(c), data); err != nil {
		return fmt.Errorf("class put: %w", err)
	}
	log.Registry.Info().
		Str("class", c.String()).
		Str("token", tokenID.String()).
		Msg("Class bound to preminted pool")
	return nil
}

// Class returns the binding of c. Unbound classes return the zero record.
func (r *Registry) Class(c Class) (ClassRecord, error) {
	if !c.Valid() {
		return ClassRecord{}, fmt.Errorf("%w: %d", ErrInvalidClass, c)
	}
	data, err := r.db.Get(classKey(c))
	if errors.Is(err, storage.ErrNotFound) {
		return ClassRecord{}, nil
	}
	if err != nil {
		return ClassRecord{}, fmt.Errorf("class get: %w", err)
	}
	var rec ClassRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ClassRecord{}, fmt.Errorf("class unmarshal: %w", err)
	}
	return rec, nil
}

// Classes returns the records of all classes, indexed by Class.
func (r *Registry) Classes() ([NumClasses]ClassRecord, error) {
	var out [NumClasses]ClassRecord
	for c := Class(0); c < NumClasses; c++ {
		rec, err := r.Class(c)
		if err != nil {
			return out, err
		}
		out[c] = rec
	}
	return out, nil
}

func optionKey(id ID) []byte {
	key := make([]byte, len(prefixOption)+4)
	copy(key, prefixOption)
	binary.BigEndian.PutUint32(key[len(prefixOption):], uint32(id))
	return key
}

func classKey(c Class) []byte {
	key := make([]byte, len(prefixClass)+1)
	copy(key, prefixClass)
	key[len(prefixClass)] = byte(c)
	return key
}
