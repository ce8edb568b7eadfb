// Package p2p provides the libp2p networking layer of a meshclaw node.
//
// A MeshHost bundles one libp2p host with the sub-systems a node needs:
// Kademlia DHT for the capability directory, GossipSub for the broadcast
// topic, mDNS for local discovery, a ping prober and connection notifications.
// Every sub-system reports to a single Event channel read by one consumer,
// so the node's state is only ever touched from that consumer's goroutine.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/core/routing"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"

	"github.com/olserra/meshclaw/core"
)

var log = logging.Logger("meshclaw/p2p")

// MDNSServiceName is the rendezvous tag nodes advertise on the local network.
const MDNSServiceName = "meshclaw"

// DHTProtocolPrefix scopes the Kademlia protocol so meshclaw nodes only route
// among themselves.
const DHTProtocolPrefix protocol.ID = "/meshclaw"

// ErrClosed is returned by operations on a closed MeshHost.
var ErrClosed = errors.New("p2p: host closed")

// Config tunes a MeshHost. Zero fields take DefaultConfig values.
type Config struct {
	ListenAddrs  []string
	ConnLow      int
	ConnHigh     int
	IdleTimeout  time.Duration // grace period before idle connections may be pruned
	QueryTimeout time.Duration // per capability lookup
	PingInterval time.Duration // 0 disables the prober
	EventBuffer  int
	EnableMDNS   bool
}

// DefaultConfig listens on every interface over TCP and QUIC.
func DefaultConfig() Config {
	return Config{
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		},
		ConnLow:      32,
		ConnHigh:     128,
		IdleTimeout:  60 * time.Second,
		QueryTimeout: 30 * time.Second,
		PingInterval: 15 * time.Second,
		EventBuffer:  256,
		EnableMDNS:   true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = d.ListenAddrs
	}
	if c.ConnLow <= 0 {
		c.ConnLow = d.ConnLow
	}
	if c.ConnHigh <= c.ConnLow {
		c.ConnHigh = c.ConnLow * 4
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// MeshHost wraps a libp2p host with meshclaw's networking sub-systems.
type MeshHost struct {
	cfg    Config
	h      host.Host
	kdht   *dht.IpfsDHT
	ps     *pubsub.PubSub
	gossip *Gossip
	dir    *Directory
	mdns   mdns.Service

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewHost builds and starts listening with the node's identity. Failing to
// listen on any configured address is an error.
func NewHost(ctx context.Context, cfg Config, id *core.NodeIdentity) (*MeshHost, error) {
	cfg = cfg.withDefaults()

	cm, err := connmgr.NewConnManager(cfg.ConnLow, cfg.ConnHigh, connmgr.WithGracePeriod(cfg.IdleTimeout))
	if err != nil {
		return nil, fmt.Errorf("p2p: connection manager: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	var kdht *dht.IpfsDHT
	h, err := libp2p.New(
		libp2p.Identity(id.PrivKey()),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionManager(cm),
		libp2p.ProtocolVersion(core.ProtocolVersion),
		libp2p.Ping(true),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			kdht, err = dht.New(ctx, h,
				dht.Mode(dht.ModeServer),
				dht.ProtocolPrefix(DHTProtocolPrefix),
				dht.NamespacedValidator(core.CapabilityNamespace, core.CapabilityValidator{}),
			)
			return kdht, err
		}),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
	)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("p2p: gossipsub: %w", err)
	}

	m := &MeshHost{
		cfg:    cfg,
		h:      h,
		kdht:   kdht,
		ps:     ps,
		events: make(chan Event, cfg.EventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	m.gossip, err = newGossip(ps, h.ID())
	if err != nil {
		m.Close()
		return nil, err
	}
	m.dir = newDirectory(kdht, h.ID(), cfg.QueryTimeout, m.emit)

	h.Network().Notify(m.notifiee())
	return m, nil
}

// Start launches the background producers and bootstraps the DHT. Events
// begin flowing on Events() once Start returns.
func (m *MeshHost) Start() error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	for _, a := range m.h.Addrs() {
		m.emit(Event{Kind: EventListen, Addr: a})
	}

	go m.gossip.run(m.ctx, m.emit)
	if m.cfg.PingInterval > 0 {
		go m.probe(m.ctx, m.cfg.PingInterval)
	}

	if m.cfg.EnableMDNS {
		m.mdns = mdns.NewMdnsService(m.h, MDNSServiceName, &mdnsNotifee{self: m.h.ID(), emit: m.emitDiscovered})
		if err := m.mdns.Start(); err != nil {
			return fmt.Errorf("p2p: start mdns: %w", err)
		}
	}

	if err := m.kdht.Bootstrap(m.ctx); err != nil {
		log.Warnf("dht bootstrap: %v", err)
	}
	return nil
}

// Close stops every sub-system and the underlying host.
func (m *MeshHost) Close() error {
	var err error
	m.once.Do(func() {
		m.cancel()
		if m.mdns != nil {
			m.mdns.Close()
		}
		if m.gossip != nil {
			m.gossip.close()
		}
		if m.kdht != nil {
			m.kdht.Close()
		}
		err = m.h.Close()
	})
	return err
}

// Events is the fan-in channel of every networking notification.
func (m *MeshHost) Events() <-chan Event { return m.events }

// ID returns the local PeerId.
func (m *MeshHost) ID() peer.ID { return m.h.ID() }

// Addrs returns the local listen addresses.
func (m *MeshHost) Addrs() []multiaddr.Multiaddr { return m.h.Addrs() }

// AddrInfo returns the peer.AddrInfo that peers can use to connect to us.
func (m *MeshHost) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: m.h.ID(), Addrs: m.h.Addrs()}
}

// Gossip returns the broadcast channel.
func (m *MeshHost) Gossip() *Gossip { return m.gossip }

// Directory returns the capability directory.
func (m *MeshHost) Directory() *Directory { return m.dir }

// ConnectedPeers lists peers with at least one open connection.
func (m *MeshHost) ConnectedPeers() []peer.ID { return m.h.Network().Peers() }

// RoutingPeers lists the peers in the DHT routing table.
func (m *MeshHost) RoutingPeers() []peer.ID { return m.kdht.RoutingTable().ListPeers() }

// AddPeer records addresses for a discovered peer and offers it to the DHT
// routing table. The entry stays replaceable until the peer answers a query.
func (m *MeshHost) AddPeer(info peer.AddrInfo) {
	m.h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.AddressTTL)
	if _, err := m.kdht.RoutingTable().TryAddPeer(info.ID, false, true); err != nil {
		log.Debugf("routing table rejected %s: %v", info.ID.ShortString(), err)
	}
}

// Dial connects to info in the background. Failures are only logged.
func (m *MeshHost) Dial(info peer.AddrInfo) {
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
		defer cancel()
		if err := m.h.Connect(ctx, info); err != nil {
			log.Warnf("dial %s: %v", info.ID.ShortString(), err)
		}
	}()
}

// Connect dials info and waits for the connection.
func (m *MeshHost) Connect(ctx context.Context, info peer.AddrInfo) error {
	if err := m.h.Connect(ctx, info); err != nil {
		return fmt.Errorf("p2p connect %s: %w", info.ID.ShortString(), err)
	}
	return nil
}

// emit delivers ev unless the host is shutting down.
func (m *MeshHost) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// emitWithin waits up to d for room on the channel, then drops ev.
func (m *MeshHost) emitWithin(ev Event, d time.Duration) {
	select {
	case m.events <- ev:
		return
	default:
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case m.events <- ev:
	case <-t.C:
		log.Debugf("event channel full for %s, dropped %s for %s", d, ev.Kind, ev.Peer.ShortString())
	case <-m.ctx.Done():
	}
}

// tryEmit delivers ev only if the channel has room. Used from libp2p
// callbacks, which must not block the swarm.
func (m *MeshHost) tryEmit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Debugf("event channel full, dropped %s for %s", ev.Kind, ev.Peer.ShortString())
	}
}
