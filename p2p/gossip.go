package p2p

// gossip.go - the single broadcast topic every node subscribes to.

import (
	"context"
	"errors"
	"fmt"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/olserra/meshclaw/core"
)

// BroadcastTopic is the GossipSub topic carrying every ProtocolMessage.
const BroadcastTopic = "mesh:broadcast"

// Per-sender inbound limits. Messages past the burst are dropped before
// they reach the event channel.
const (
	gossipRatePerSecond = 100
	gossipBurst         = 1000
)

// Gossip publishes to and reads from BroadcastTopic.
type Gossip struct {
	self    peer.ID
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	limiter *limiter.TokenBucket
}

func newGossip(ps *pubsub.PubSub, self peer.ID) (*Gossip, error) {
	topic, err := ps.Join(BroadcastTopic)
	if err != nil {
		return nil, fmt.Errorf("p2p gossip: join %s: %w", BroadcastTopic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("p2p gossip: subscribe %s: %w", BroadcastTopic, err)
	}
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     gossipRatePerSecond,
			Duration: time.Second,
			Burst:    gossipBurst,
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		sub.Cancel()
		topic.Close()
		return nil, fmt.Errorf("p2p gossip: rate limiter: %w", err)
	}
	return &Gossip{self: self, topic: topic, sub: sub, limiter: tb}, nil
}

// Publish sends raw bytes to every subscriber. There is no retry; callers
// log and move on.
func (g *Gossip) Publish(ctx context.Context, data []byte) error {
	if err := g.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("p2p gossip: publish: %w", err)
	}
	return nil
}

// PublishMessage encodes msg and publishes it.
func (g *Gossip) PublishMessage(ctx context.Context, msg *core.ProtocolMessage) error {
	data, err := core.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return g.Publish(ctx, data)
}

// Peers lists peers currently subscribed to the topic.
func (g *Gossip) Peers() []peer.ID { return g.topic.ListPeers() }

// run forwards messages from other peers as EventGossip until ctx ends.
func (g *Gossip) run(ctx context.Context, emit func(Event)) {
	for {
		msg, err := g.sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				log.Errorf("gossip subscription ended: %v", err)
			}
			return
		}
		if msg.ReceivedFrom == g.self || msg.GetFrom() == g.self {
			continue
		}
		from := msg.GetFrom()
		if !g.limiter.Allow(from.String()) {
			log.Debugf("rate limited gossip from %s", from.ShortString())
			continue
		}
		emit(Event{Kind: EventGossip, Peer: from, Data: msg.Data})
	}
}

func (g *Gossip) close() {
	g.sub.Cancel()
	g.topic.Close()
}
