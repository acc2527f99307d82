// Package events records one event per successful open and fans it out to
// subscribers once the open is committed.
package events

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-loot/internal/issuance"
	"github.com/Klingon-tech/klingnet-loot/internal/log"
	"github.com/Klingon-tech/klingnet-loot/internal/option"
	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
	"go.uber.org/atomic"
)

var ErrNotFound = errors.New("event not found")

var prefixEvent = []byte("evt/") // evt/<seq(8)> -> Event JSON

// Event summarizes one committed open, including where every drawn item went.
type Event struct {
	Seq         uint64            `json:"seq"`
	OptionID    option.ID         `json:"option"`
	Recipient   types.Address     `json:"recipient"`
	Quantity    uint64            `json:"quantity"`
	ItemsIssued uint64            `json:"items_issued"`
	Payment     uint64            `json:"payment,omitempty"`
	Items       []issuance.Issued `json:"items"`
	Timestamp   int64             `json:"timestamp"`
}

// Sink receives committed events, e.g. the gossip broadcaster.
type Sink interface {
	PublishEvent(ev *Event) error
}

// Log is the durable event stream.
type Log struct {
	db   storage.DB
	next atomic.Uint64

	mu      sync.RWMutex
	subs    map[int]chan Event
	nextSub int
	sinks   []Sink
	dropped atomic.Uint64
}

// NewLog opens the event log stored in db.
func NewLog(db storage.DB) (*Log, error) {
	l := &Log{db: db, subs: make(map[int]chan Event)}
	var last uint64
	err := db.ForEach(prefixEvent, func(key, _ []byte) error {
		if len(key) == len(prefixEvent)+8 {
			if seq := binary.BigEndian.Uint64(key[len(prefixEvent):]); seq > last {
				last = seq
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	l.next.Store(last + 1)
	return l, nil
}

// Reserve allocates the next sequence number. Reserved numbers of opens
// that fail to commit are skipped.
func (l *Log) Reserve() uint64 {
	return l.next.Inc() - 1
}

// Stage writes ev into b.
func (l *Log) Stage(b storage.Batch, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("event marshal: %w", err)
	}
	if err := b.Put(eventKey(ev.Seq), data); err != nil {
		return fmt.Errorf("stage event: %w", err)
	}
	return nil
}

// AddSink registers a sink for committed events.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Publish notifies subscribers and sinks of a committed event. Slow
// subscribers miss events rather than stalling opens.
func (l *Log) Publish(ev *Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- *ev:
		default:
			l.dropped.Inc()
		}
	}
	for _, s := range l.sinks {
		if err := s.PublishEvent(ev); err != nil {
			log.Opener.Warn().Err(err).Uint64("seq", ev.Seq).Msg("Event sink failed")
		}
	}
}

// Subscribe returns a channel of committed events and its cancel function.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many subscriber deliveries were skipped.
func (l *Log) Dropped() uint64 {
	return l.dropped.Load()
}

// Get returns the event with sequence seq.
func (l *Log) Get(seq uint64) (*Event, error) {
	data, err := l.db.Get(eventKey(seq))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, seq)
	}
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("event unmarshal: %w", err)
	}
	return &ev, nil
}

var errStop = errors.New("stop")

// List returns up to limit events with seq >= from, oldest first.
func (l *Log) List(from uint64, limit int) ([]Event, error) {
	out := []Event{}
	if limit <= 0 {
		return out, nil
	}
	err := l.db.ForEach(prefixEvent, func(key, value []byte) error {
		if len(key) != len(prefixEvent)+8 || binary.BigEndian.Uint64(key[len(prefixEvent):]) < from {
			return nil
		}
		var ev Event
		if err := json.Unmarshal(value, &ev); err != nil {
			return fmt.Errorf("event unmarshal: %w", err)
		}
		out = append(out, ev)
		if len(out) >= limit {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return out, nil
}

func eventKey(seq uint64) []byte {
	key := make([]byte, len(prefixEvent)+8)
	copy(key, prefixEvent)
	binary.BigEndian.PutUint64(key[len(prefixEvent):], seq)
	return key
}
