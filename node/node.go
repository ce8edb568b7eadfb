// Package node wires the networking layer, the shared document, the gateway
// bridge and the compute provider into one meshclaw node, and runs the event
// loop that owns all of the node's mutable routing state.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/olserra/meshclaw/core"
	"github.com/olserra/meshclaw/p2p"
)

var log = logging.Logger("meshclaw/node")

// Seed document entry written on first start and announced on every
// broadcast tick.
const (
	SeedDocID = "note1"
	SeedText  = "Initial shared knowledge"
	seedDim   = 384
)

// Dialer reaches peers found by discovery.
type Dialer interface {
	AddPeer(info peer.AddrInfo)
	Dial(info peer.AddrInfo)
}

// Directory registers and resolves capabilities.
type Directory interface {
	Resolver
	Register(ctx context.Context, capability string) error
}

// Document is the replicated shared-memory store.
type Document interface {
	InsertText(key, value string)
	GetText(key string) (string, bool)
	ApplyUpdate(update []byte) error
	Update() []byte
	Save() error
}

// VectorIndex receives embeddings for document entries.
type VectorIndex interface {
	Add(id string, vector []float32, metadata string) error
}

// Deps are the collaborators a Node dispatches between.
type Deps struct {
	Self      string
	Events    <-chan p2p.Event
	Inbound   <-chan *core.ProtocolMessage // from the gateway bridge
	Dialer    Dialer
	Gossip    Publisher
	Directory Directory
	Memory    Document
	Vectors   VectorIndex // may be nil
	Provider  Provider
	Notifier  Notifier
	Peers     *core.PeerSet
	Journal   *core.Journal // may be nil
}

// Node is the single-threaded event dispatcher.
type Node struct {
	cfg   Config
	deps  Deps
	coord *Coordinator
}

// New creates a Node. Nothing runs until Run.
func New(cfg Config, deps Deps) *Node {
	return &Node{
		cfg:  cfg,
		deps: deps,
		coord: NewCoordinator(CoordinatorConfig{
			Self:              deps.Self,
			DefaultCapability: cfg.DefaultCapability,
			Publisher:         deps.Gossip,
			Resolver:          deps.Directory,
			Provider:          deps.Provider,
			Notifier:          deps.Notifier,
			Journal:           deps.Journal,
		}),
	}
}

// Coordinator exposes the delegation coordinator, mainly for tests.
func (n *Node) Coordinator() *Coordinator { return n.coord }

// Run seeds local state, registers capabilities and dispatches events until
// ctx is cancelled. On the way out the document is saved; spawned work is
// not awaited.
func (n *Node) Run(ctx context.Context) error {
	n.setup(ctx)

	ticker := time.NewTicker(n.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-n.deps.Inbound:
			if !ok {
				n.deps.Inbound = nil
				continue
			}
			n.handleBridge(ctx, msg)

		case <-ticker.C:
			n.broadcastMemory(ctx)

		case ev, ok := <-n.deps.Events:
			if !ok {
				n.deps.Events = nil
				continue
			}
			n.handleEvent(ctx, ev)

		case <-ctx.Done():
			log.Infof("shutting down")
			if err := n.deps.Memory.Save(); err != nil {
				return fmt.Errorf("node: save document: %w", err)
			}
			return nil
		}
	}
}

func (n *Node) setup(ctx context.Context) {
	if _, ok := n.deps.Memory.GetText(SeedDocID); !ok {
		n.deps.Memory.InsertText(SeedDocID, SeedText)
	}
	if n.deps.Vectors != nil {
		vec := make([]float32, seedDim)
		for i := range vec {
			vec[i] = 0.1
		}
		if err := n.deps.Vectors.Add(SeedDocID, vec, SeedText); err != nil {
			log.Warnf("vector store: %v", err)
		}
	}
	for _, capability := range n.cfg.Capabilities {
		if err := n.deps.Directory.Register(ctx, capability); err != nil {
			log.Warnf("register %s: %v", capability, err)
		}
	}
}

// ------------------------------------------------------------------ bridge

func (n *Node) handleBridge(ctx context.Context, msg *core.ProtocolMessage) {
	if msg.Type == core.TypeDelegate && msg.Delegate != nil {
		n.coord.Submit(ctx, *msg.Delegate)
		return
	}
	if err := n.deps.Gossip.PublishMessage(ctx, msg); err != nil {
		log.Warnf("bridge publish %s: %v", msg.Type, err)
	}
}

func (n *Node) broadcastMemory(ctx context.Context) {
	msg := core.NewMemorySyncMessage(SeedDocID, n.deps.Memory.Update(), uint64(time.Now().Unix()))
	if err := n.deps.Gossip.PublishMessage(ctx, msg); err != nil {
		log.Warnf("memory broadcast: %v", err)
	}
}

// ------------------------------------------------------------------ network

func (n *Node) handleEvent(ctx context.Context, ev p2p.Event) {
	switch ev.Kind {
	case p2p.EventListen:
		log.Infof("listening on %s/p2p/%s", ev.Addr, n.deps.Self)
	case p2p.EventDiscovered:
		n.handleDiscovered(ev)
	case p2p.EventConnected:
		log.Infof("connected to %s", ev.Peer)
	case p2p.EventDisconnected:
		log.Infof("disconnected from %s", ev.Peer)
	case p2p.EventPing:
		if ev.Err != nil {
			log.Debugf("ping %s: %v", ev.Peer, ev.Err)
		} else {
			log.Debugf("ping %s: %s", ev.Peer, ev.RTT)
		}
	case p2p.EventGossip:
		n.handleGossip(ctx, ev)
	case p2p.EventQueryResult:
		n.coord.HandleQueryResult(ctx, ev)
	case p2p.EventPutResult:
		switch {
		case ev.Err != nil:
			log.Warnf("capability %s not registered: %v", ev.Key, ev.Err)
		case !ev.Replicated:
			log.Infof("capability %s stored locally, no peers yet", ev.Key)
		default:
			log.Infof("capability %s registered", ev.Key)
		}
	}
}

// handleDiscovered dials and announces a peer the first time it is seen.
func (n *Node) handleDiscovered(ev p2p.Event) {
	id := ev.Peer.String()
	addr := ""
	if len(ev.Addrs) > 0 {
		addr = ev.Addrs[0].String()
	}
	fresh := n.deps.Peers.Add(id, addr)
	for _, a := range ev.Addrs {
		n.deps.Peers.Add(id, a.String())
	}
	if !fresh {
		return
	}

	log.Infof("discovered peer %s at %s", id, addr)
	n.deps.Notifier.Publish(core.NewDiscoveryEvent(id, addr))
	info := peer.AddrInfo{ID: ev.Peer, Addrs: ev.Addrs}
	n.deps.Dialer.AddPeer(info)
	n.deps.Dialer.Dial(info)
}

func (n *Node) handleGossip(ctx context.Context, ev p2p.Event) {
	msg, err := core.DecodeMessage(ev.Data)
	if err != nil {
		log.Debugf("dropping gossip from %s: %v", ev.Peer, err)
		return
	}
	n.deps.Notifier.Publish(json.RawMessage(ev.Data))

	switch msg.Type {
	case core.TypeMemorySync:
		if err := n.deps.Memory.ApplyUpdate(msg.MemorySync.Delta); err != nil {
			log.Warnf("memory update from %s: %v", ev.Peer, err)
			return
		}
		if text, ok := n.deps.Memory.GetText(SeedDocID); ok {
			log.Debugf("shared %s: %s", SeedDocID, text)
		}
	case core.TypeKnowledgeUpdate:
		n.deps.Memory.InsertText(msg.KnowledgeUpdate.Key, msg.KnowledgeUpdate.Value)
	case core.TypeDelegate:
		n.coord.HandleInbound(ctx, *msg.Delegate)
	case core.TypeQuery:
		log.Infof("query from %s: %s", ev.Peer, msg.Query.Query)
	default:
		log.Debugf("%s message from %s", msg.Type, ev.Peer)
	}
}
