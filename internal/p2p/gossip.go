package p2p

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-loot/internal/events"
	"github.com/Klingon-tech/klingnet-loot/internal/log"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PublishEvent announces a committed open. It satisfies events.Sink.
func (n *Node) PublishEvent(ev *events.Event) error {
	if n.topic == nil {
		return ErrNotStarted
	}
	data, err := json.Marshal(&Announcement{
		Version: ProtocolVersion,
		Network: n.config.NetworkID,
		Event:   ev,
	})
	if err != nil {
		return fmt.Errorf("marshal announcement: %w", err)
	}
	return n.topic.Publish(n.ctx, data)
}

func (n *Node) readLoop() {
	defer n.wg.Done()
	for {
		msg, err := n.sub.Next(n.ctx)
		if err != nil {
			return // Context cancelled.
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.handleMessage(msg)
	}
}

func (n *Node) handleMessage(msg *pubsub.Message) {
	defer func() { recover() }()
	n.addPeer(msg.ReceivedFrom, "gossip")

	ev, err := decodeAnnouncement(msg.Data, n.config.NetworkID)
	if err != nil {
		n.penalize(msg.ReceivedFrom, err)
		return
	}
	n.report.Received.Inc()
	log.P2P.Debug().
		Str("peer", shortID(msg.ReceivedFrom)).
		Uint64("seq", ev.Seq).
		Uint32("option", uint32(ev.OptionID)).
		Uint64("items", ev.ItemsIssued).
		Msg("Open announcement received")

	n.handlerMu.RLock()
	fn := n.openHandler
	n.handlerMu.RUnlock()
	if fn != nil {
		fn(msg.ReceivedFrom, ev)
	}
}

func (n *Node) penalize(from peer.ID, err error) {
	penalty := PenaltyMalformed
	if errors.Is(err, ErrWrongNetwork) {
		penalty = PenaltyWrongNetwork
	}
	log.P2P.Debug().Str("peer", shortID(from)).Err(err).Msg("Dropping announcement")
	n.BanManager.RecordOffense(from, penalty, err.Error())
}

func decodeAnnouncement(data []byte, network string) (*events.Event, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := a.Validate(network); err != nil {
		return nil, err
	}
	return a.Event, nil
}
