package p2p

// discovery.go - local peer discovery, connection notifications and the
// liveness prober.

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
)

// mdnsEmitWait bounds how long an mDNS sighting waits for a full event
// channel. mDNS re-announces, so a dropped sighting is seen again later.
const mdnsEmitWait = 500 * time.Millisecond

// mdnsNotifee turns mDNS sightings into EventDiscovered. Repeat sightings
// of the same peer are passed on; deduplication belongs to the consumer.
type mdnsNotifee struct {
	self peer.ID
	emit func(Event)
}

// HandlePeerFound is called by the mDNS service for every sighting.
func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.self {
		return
	}
	n.emit(Event{Kind: EventDiscovered, Peer: pi.ID, Addrs: pi.Addrs})
}

func (m *MeshHost) emitDiscovered(ev Event) { m.emitWithin(ev, mdnsEmitWait) }

// notifiee reports connection changes. Disconnected fires only when the last
// connection to a peer closes.
func (m *MeshHost) notifiee() network.Notifiee {
	return &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			m.tryEmit(Event{Kind: EventConnected, Peer: c.RemotePeer(), Addr: c.RemoteMultiaddr()})
		},
		DisconnectedF: func(n network.Network, c network.Conn) {
			if n.Connectedness(c.RemotePeer()) == network.Connected {
				return
			}
			m.tryEmit(Event{Kind: EventDisconnected, Peer: c.RemotePeer()})
		},
	}
}

// probe pings every connected peer each interval.
func (m *MeshHost) probe(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, p := range m.h.Network().Peers() {
				go m.pingOnce(ctx, p)
			}
		}
	}
}

func (m *MeshHost) pingOnce(ctx context.Context, p peer.ID) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	select {
	case res, ok := <-ping.Ping(ctx, m.h, p):
		if !ok {
			return
		}
		m.tryEmit(Event{Kind: EventPing, Peer: p, RTT: res.RTT, Err: res.Error})
	case <-ctx.Done():
		m.tryEmit(Event{Kind: EventPing, Peer: p, Err: ctx.Err()})
	}
}
