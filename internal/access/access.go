// Package access provides the guards composed around loot entry points:
// privileged-caller checks, the pause gate and reentrancy exclusion.
package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
	"go.uber.org/atomic"
)

var (
	ErrUnauthorized  = errors.New("caller is not an administrator")
	ErrPaused        = errors.New("opens are paused")
	ErrReentrantCall = errors.New("reentrant call")
)

type callerKey struct{}

type reentryKey struct{}

// WithCaller returns ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, caller types.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller returns the authenticated caller carried by ctx.
func Caller(ctx context.Context) (types.Address, bool) {
	a, ok := ctx.Value(callerKey{}).(types.Address)
	return a, ok
}

// Admins is the set of privileged addresses.
type Admins struct {
	mu  sync.RWMutex
	set map[types.Address]struct{}
}

// NewAdmins creates an admin set.
func NewAdmins(addrs ...types.Address) *Admins {
	a := &Admins{set: make(map[types.Address]struct{}, len(addrs))}
	for _, addr := range addrs {
		a.set[addr] = struct{}{}
	}
	return a
}

// IsAdmin reports whether addr is privileged.
func (a *Admins) IsAdmin(addr types.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.set[addr]
	return ok
}

// List returns the admins in byte order.
func (a *Admins) List() []types.Address {
	a.mu.RLock()
	out := make([]types.Address, 0, len(a.set))
	for addr := range a.set {
		out = append(out, addr)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// Primary returns the first admin in byte order.
func (a *Admins) Primary() (types.Address, bool) {
	list := a.List()
	if len(list) == 0 {
		return types.Address{}, false
	}
	return list[0], true
}

var keyPaused = []byte("gate/paused")

// Gate is the persisted pause switch.
type Gate struct {
	db     storage.DB
	paused atomic.Bool
}

// NewGate loads the pause state from db.
func NewGate(db storage.DB) (*Gate, error) {
	g := &Gate{db: db}
	ok, err := db.Has(keyPaused)
	if err != nil {
		return nil, fmt.Errorf("load pause state: %w", err)
	}
	g.paused.Store(ok)
	return g, nil
}

// Pause stops opens until Resume.
func (g *Gate) Pause() error {
	if err := g.db.Put(keyPaused, []byte{1}); err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	g.paused.Store(true)
	return nil
}

// Resume re-enables opens.
func (g *Gate) Resume() error {
	if err := g.db.Delete(keyPaused); err != nil {
		return fmt.Errorf("persist resume: %w", err)
	}
	g.paused.Store(false)
	return nil
}

// Paused reports the gate state.
func (g *Gate) Paused() bool {
	return g.paused.Load()
}
