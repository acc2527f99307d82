package option

import (
	"encoding/json"
	"fmt"

	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

// Bindings is a per-open view of the class table that buffers first-time
// bindings until the open commits. Callers must hold the binding lock
// for as long as the view is in use.
type Bindings struct {
	reg     *Registry
	pending map[Class]types.TokenID
	order   []Class
}

// StageBindings returns an empty overlay over the stored class table.
func (r *Registry) StageBindings() *Bindings {
	return &Bindings{reg: r, pending: make(map[Class]types.TokenID)}
}

// Record returns the binding of c as seen by this open.
func (b *Bindings) Record(c Class) (ClassRecord, error) {
	if id, ok := b.pending[c]; ok {
		return ClassRecord{TokenID: id}, nil
	}
	return b.reg.Class(c)
}

// Bind records a lazily created lot for an unbound class.
func (b *Bindings) Bind(c Class, id types.TokenID) error {
	if id.IsZero() {
		return ErrZeroToken
	}
	rec, err := b.Record(c)
	if err != nil {
		return err
	}
	if rec.Bound() {
		return fmt.Errorf("%w: %s is bound to %s", ErrClassAlreadyBound, c, rec.TokenID)
	}
	b.pending[c] = id
	b.order = append(b.order, c)
	return nil
}

// Pending returns the classes bound by this open, in binding order.
func (b *Bindings) Pending() []Class {
	out := make([]Class, len(b.order))
	copy(out, b.order)
	return out
}

// StageInto writes the pending bindings into batch.
func (b *Bindings) StageInto(batch storage.Batch) error {
	for _, c := range b.order {
		data, err := json.Marshal(ClassRecord{TokenID: b.pending[c]})
		if err != nil {
			return fmt.Errorf("class marshal: %w", err)
		}
		if err := batch.Put(classKey(c), data); err != nil {
			return fmt.Errorf("stage class %s: %w", c, err)
		}
	}
	return nil
}
