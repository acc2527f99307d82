package p2p

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-loot/internal/events"
)

// TopicOpens carries one announcement per committed open.
const TopicOpens = "/klingnet-loot/open/1.0.0"

// ProtocolVersion is the announcement format version.
const ProtocolVersion uint32 = 1

// maxMessageSize fits an open at the item ceiling with room to spare.
const maxMessageSize = 4 << 20

var (
	ErrMalformed    = errors.New("malformed announcement")
	ErrWrongNetwork = errors.New("announcement from another deployment")
	ErrNotStarted   = errors.New("p2p node not started")
)

// Announcement is the gossip payload for a committed open.
type Announcement struct {
	Version uint32        `json:"version"`
	Network string        `json:"network"`
	Event   *events.Event `json:"event"`
}

// Validate checks the announcement is well formed and belongs to network.
func (a *Announcement) Validate(network string) error {
	if a.Version != ProtocolVersion {
		return fmt.Errorf("%w: version %d", ErrMalformed, a.Version)
	}
	if a.Network != network {
		return fmt.Errorf("%w: %q", ErrWrongNetwork, a.Network)
	}
	ev := a.Event
	switch {
	case ev == nil:
		return fmt.Errorf("%w: no event", ErrMalformed)
	case ev.Seq == 0:
		return fmt.Errorf("%w: zero sequence", ErrMalformed)
	case ev.Recipient.IsZero():
		return fmt.Errorf("%w: zero recipient", ErrMalformed)
	case ev.Quantity == 0:
		return fmt.Errorf("%w: zero quantity", ErrMalformed)
	case uint64(len(ev.Items)) != ev.ItemsIssued:
		return fmt.Errorf("%w: %d items listed, %d issued", ErrMalformed, len(ev.Items), ev.ItemsIssued)
	}
	for _, it := range ev.Items {
		if !it.Class.Valid() {
			return fmt.Errorf("%w: class %d", ErrMalformed, it.Class)
		}
	}
	return nil
}
