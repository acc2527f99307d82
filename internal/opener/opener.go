// Package opener runs an open end to end: validation against the option
// table and supply counter, the draws, issuance of every drawn item, and
// a single atomic commit of all resulting state.
package opener

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/Klingon-tech/klingnet-loot/internal/access"
	"github.com/Klingon-tech/klingnet-loot/internal/events"
	"github.com/Klingon-tech/klingnet-loot/internal/issuance"
	"github.com/Klingon-tech/klingnet-loot/internal/log"
	"github.com/Klingon-tech/klingnet-loot/internal/metrics"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/payment"
	"github.com/Klingon-tech/klingnet-loot/internal/selector"
	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/internal/supply"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

// Request asks for quantity opens of an option on behalf of recipient.
type Request struct {
	OptionID  option.ID     `json:"option"`
	Recipient types.Address `json:"recipient"`
	Quantity  uint64        `json:"quantity"`
	// Payment is the amount already collected for this open.
	Payment uint64 `json:"payment"`
}

// Result describes a committed open.
type Result struct {
	Seq         uint64            `json:"seq"`
	ItemsIssued uint64            `json:"items_issued"`
	Items       []issuance.Issued `json:"items"`
}

// Deps are the collaborators of an Opener. Report may be nil.
type Deps struct {
	DB       storage.DB
	Registry *option.Registry
	Supply   *supply.Ledger
	Ledger   issuance.Ledger
	Payment  payment.Strategy
	Treasury *payment.Treasury
	Events   *events.Log
	Source   selector.Source
	Report   *metrics.Report

	// MaxItems bounds quantity × quantityPerOpen; 0 selects DefaultMaxItems.
	MaxItems uint64
}

// DefaultMaxItems is the item ceiling per open when none is configured.
const DefaultMaxItems = 10000

// Opener is the open orchestrator.
type Opener struct {
	db       storage.DB
	registry *option.Registry
	supply   *supply.Ledger
	ledger   issuance.Ledger
	payment  payment.Strategy
	treasury *payment.Treasury
	events   *events.Log
	source   selector.Source
	report   *metrics.Report
	maxItems uint64
	now      func() time.Time
}

// New creates an opener.
func New(d Deps) (*Opener, error) {
	switch {
	case d.DB == nil, d.Registry == nil, d.Supply == nil, d.Ledger == nil,
		d.Payment == nil, d.Treasury == nil, d.Events == nil, d.Source == nil:
		return nil, errors.New("opener: missing dependency")
	}
	report := d.Report
	if report == nil {
		report = metrics.NewReport(Kinds...)
	}
	maxItems := d.MaxItems
	if maxItems == 0 {
		maxItems = DefaultMaxItems
	}
	return &Opener{
		db:       d.DB,
		registry: d.Registry,
		supply:   d.Supply,
		ledger:   d.Ledger,
		payment:  d.Payment,
		treasury: d.Treasury,
		events:   d.Events,
		source:   d.Source,
		report:   report,
		maxItems: maxItems,
		now:      time.Now,
	}, nil
}

// Guarded returns Open behind guards, counting every rejection.
func (o *Opener) Guarded(guards ...access.Guard) func(context.Context, Request) (*Result, error) {
	inner := access.Wrap(o.open, guards...)
	return func(ctx context.Context, req Request) (*Result, error) {
		res, err := inner(ctx, req)
		if err != nil {
			o.fail(req, err)
		}
		return res, err
	}
}

// Open runs one open without any access guards.
func (o *Opener) Open(ctx context.Context, req Request) (*Result, error) {
	res, err := o.open(ctx, req)
	if err != nil {
		o.fail(req, err)
	}
	return res, err
}

func (o *Opener) fail(req Request, err error) {
	kind := Kind(err)
	o.report.Fail(kind)
	ev := log.Opener.Debug()
	if kind == KindInternal {
		ev = log.Opener.Error()
	}
	ev.Err(err).
		Str("kind", kind).
		Uint32("option", uint32(req.OptionID)).
		Str("recipient", req.Recipient.String()).
		Uint64("quantity", req.Quantity).
		Msg("Open rejected")
}

// open commits one open and then hands its event to the sinks, after
// every lock taken by openLocked is released.
func (o *Opener) open(ctx context.Context, req Request) (*Result, error) {
	res, ev, err := o.openLocked(ctx, req)
	if err != nil {
		return nil, err
	}
	o.events.Publish(ev)
	return res, nil
}

func (o *Opener) openLocked(ctx context.Context, req Request) (*Result, *events.Event, error) {
	unlock := o.registry.LockOption(req.OptionID)
	defer unlock()

	opt, err := o.registry.Option(req.OptionID)
	if err != nil {
		return nil, nil, err
	}
	if !opt.Enabled() {
		return nil, nil, fmt.Errorf("%w: option %d", ErrOptionDisabled, req.OptionID)
	}
	opened, err := o.supply.Opened(req.OptionID)
	if err != nil {
		return nil, nil, err
	}
	if !supply.CanOpen(opt, opened, req.Quantity) {
		return nil, nil, fmt.Errorf("%w: option %d opened %d of %d, requested %d",
			ErrSupplyExhausted, req.OptionID, opened, opt.Capacity, req.Quantity)
	}
	if err := o.payment.Validate(opt, req.Quantity, req.Payment); err != nil {
		return nil, nil, err
	}
	if req.Recipient.IsZero() {
		return nil, nil, ErrInvalidRecipient
	}

	hi, items := bits.Mul64(req.Quantity, uint64(opt.QuantityPerOpen))
	if hi != 0 || items > o.maxItems {
		return nil, nil, fmt.Errorf("%w: %d × %d exceeds limit %d", ErrTooManyItems, req.Quantity, opt.QuantityPerOpen, o.maxItems)
	}

	// Draws do not depend on bindings, so all of them happen up front.
	total := uint32(o.registry.Granularity())
	classes := make([]option.Class, items)
	for i := range classes {
		c, err := selector.Draw(opt.Probabilities, total, o.source)
		if err != nil {
			return nil, nil, err
		}
		classes[i] = c
	}

	release, err := o.lockBindingsFor(classes)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	sess, err := o.ledger.Begin(ctx, o.registry.Operator())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: begin ledger session: %w", issuance.ErrIssuanceFailed, err)
	}
	defer sess.Discard()

	bindings := o.registry.StageBindings()
	issued := make([]issuance.Issued, 0, len(classes))
	for _, c := range classes {
		it, err := issuance.Issue(ctx, sess, bindings, c, req.Recipient)
		if err != nil {
			return nil, nil, err
		}
		issued = append(issued, it)
	}

	ev := &events.Event{
		Seq:         o.events.Reserve(),
		OptionID:    req.OptionID,
		Recipient:   req.Recipient,
		Quantity:    req.Quantity,
		ItemsIssued: items,
		Payment:     req.Payment,
		Items:       issued,
		Timestamp:   o.now().UnixMilli(),
	}
	if err := o.commit(sess, bindings, req, opened, ev); err != nil {
		return nil, nil, err
	}

	o.record(ev, bindings)
	return &Result{Seq: ev.Seq, ItemsIssued: items, Items: issued}, ev, nil
}

// lockBindingsFor takes the binding table exclusively when a drawn class
// may still need its first lot, and shared otherwise. Bound classes never
// become unbound, so a shared lock chosen here stays sufficient.
func (o *Opener) lockBindingsFor(classes []option.Class) (func(), error) {
	var seen [option.NumClasses]bool
	for _, c := range classes {
		if seen[c] {
			continue
		}
		seen[c] = true
		rec, err := o.registry.Class(c)
		if err != nil {
			return nil, err
		}
		if !rec.Bound() {
			return o.registry.LockBindings(), nil
		}
	}
	return o.registry.RLockBindings(), nil
}

func (o *Opener) commit(sess issuance.Session, bindings *option.Bindings, req Request, opened uint64, ev *events.Event) error {
	b := storage.NewBatch(o.db)
	defer b.Discard()

	if err := o.supply.Commit(b, req.OptionID, opened, req.Quantity); err != nil {
		return err
	}
	if err := bindings.StageInto(b); err != nil {
		return err
	}
	if err := o.treasury.Deposit(b, req.OptionID, req.Payment); err != nil {
		return err
	}
	if err := o.events.Stage(b, ev); err != nil {
		return err
	}

	bs, ok := sess.(issuance.BatchSession)
	if ok {
		if err := bs.StageInto(b); err != nil {
			return fmt.Errorf("%w: %w", issuance.ErrIssuanceFailed, err)
		}
		if err := b.Commit(); err != nil {
			return fmt.Errorf("commit open: %w", err)
		}
		return nil
	}

	// External ledgers commit on their own. Items are delivered first so a
	// local failure can be reconciled from the ledger rather than leaving
	// a sale without items.
	if err := sess.Commit(); err != nil {
		return fmt.Errorf("%w: ledger commit: %w", issuance.ErrIssuanceFailed, err)
	}
	if err := b.Commit(); err != nil {
		log.Opener.Error().Err(err).
			Uint64("seq", ev.Seq).
			Uint32("option", uint32(req.OptionID)).
			Msg("Ledger committed but loot state did not; reconcile from the ledger")
		return fmt.Errorf("commit open: %w", err)
	}
	return nil
}

func (o *Opener) record(ev *events.Event, bindings *option.Bindings) {
	o.report.Opens.Inc()
	o.report.ItemsIssued.Add(ev.ItemsIssued)
	o.report.LotsCreated.Add(uint64(len(bindings.Pending())))
	for _, it := range ev.Items {
		o.report.Draws[it.Class].Inc()
	}
	for _, c := range bindings.Pending() {
		log.Opener.Info().Str("class", c.String()).Msg("Class bound to new lot")
	}
	log.Opener.Info().
		Uint64("seq", ev.Seq).
		Uint32("option", uint32(ev.OptionID)).
		Str("recipient", ev.Recipient.String()).
		Uint64("quantity", ev.Quantity).
		Uint64("items", ev.ItemsIssued).
		Msg("Open committed")
}
