package node_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olserra/meshclaw/core"
	"github.com/olserra/meshclaw/memory"
	"github.com/olserra/meshclaw/node"
	"github.com/olserra/meshclaw/p2p"
	"github.com/olserra/meshclaw/vectorstore"
)

type nodeFixture struct {
	events   chan p2p.Event
	inbound  chan *core.ProtocolMessage
	pub      *fakePublisher
	dir      *fakeDirectory
	dialer   *fakeDialer
	notifier *fakeNotifier
	doc      *fakeDoc
	vectors  *vectorstore.Index
	peers    *core.PeerSet
	done     chan error
	cancel   context.CancelFunc
	stopOnce sync.Once
	runErr   error
}

func startNode(t *testing.T, interval time.Duration) *nodeFixture {
	t.Helper()
	f := &nodeFixture{
		events:   make(chan p2p.Event, 16),
		inbound:  make(chan *core.ProtocolMessage, 16),
		pub:      &fakePublisher{},
		dir:      &fakeDirectory{},
		dialer:   &fakeDialer{},
		notifier: newNotifier(),
		doc:      &fakeDoc{Doc: memory.NewDocWithClient("self-doc")},
		vectors:  vectorstore.New(),
		peers:    core.NewPeerSet(),
		done:     make(chan error, 1),
	}
	cfg := node.DefaultConfig()
	cfg.BroadcastInterval = interval
	cfg.Capabilities = []string{"embedding", "vision"}

	n := node.New(cfg, node.Deps{
		Self:      selfID,
		Events:    f.events,
		Inbound:   f.inbound,
		Dialer:    f.dialer,
		Gossip:    f.pub,
		Directory: f.dir,
		Memory:    f.doc,
		Vectors:   f.vectors,
		Provider:  fakeProvider{reply: "ok "},
		Notifier:  f.notifier,
		Peers:     f.peers,
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- n.Run(ctx) }()
	t.Cleanup(func() { f.stop() })
	return f
}

// stop cancels Run and returns its error.
func (f *nodeFixture) stop() error {
	f.stopOnce.Do(func() {
		f.cancel()
		select {
		case f.runErr = <-f.done:
		case <-time.After(2 * time.Second):
			f.runErr = context.DeadlineExceeded
		}
	})
	return f.runErr
}

func TestSetupSeedsAndRegisters(t *testing.T) {
	f := startNode(t, time.Hour)

	requireEventually(t, func() bool { return len(f.dir.capabilities()) == 2 }, "capabilities registered")
	assert.Equal(t, []string{"embedding", "vision"}, f.dir.capabilities())

	text, ok := f.doc.GetText(node.SeedDocID)
	require.True(t, ok)
	assert.Equal(t, node.SeedText, text)
	assert.Equal(t, 1, f.vectors.Len())
}

func TestSetupKeepsExistingSeed(t *testing.T) {
	doc := memory.NewDocWithClient("pre")
	doc.InsertText(node.SeedDocID, "already here")

	cfg := node.DefaultConfig()
	cfg.BroadcastInterval = time.Hour
	n := node.New(cfg, node.Deps{
		Self: selfID, Dialer: &fakeDialer{}, Gossip: &fakePublisher{}, Directory: &fakeDirectory{},
		Memory: &fakeDoc{Doc: doc}, Provider: fakeProvider{}, Notifier: newNotifier(), Peers: core.NewPeerSet(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.Run(ctx))

	text, _ := doc.GetText(node.SeedDocID)
	assert.Equal(t, "already here", text)
}

func TestPeriodicMemoryBroadcast(t *testing.T) {
	f := startNode(t, 20*time.Millisecond)

	requireEventually(t, func() bool { return len(f.pub.ofType(core.TypeMemorySync)) >= 2 }, "memory broadcasts")
	msg := f.pub.ofType(core.TypeMemorySync)[0]
	assert.Equal(t, node.SeedDocID, msg.MemorySync.DocID)

	peerDoc := memory.NewDocWithClient("peer")
	require.NoError(t, peerDoc.ApplyUpdate(msg.MemorySync.Delta))
	text, ok := peerDoc.GetText(node.SeedDocID)
	require.True(t, ok)
	assert.Equal(t, node.SeedText, text)
}

func TestDiscoveryDialsOnce(t *testing.T) {
	f := startNode(t, time.Hour)
	id, err := core.NewIdentity()
	require.NoError(t, err)
	pid := id.ID
	addr := multiaddr.StringCast("/ip4/192.168.1.20/tcp/4001")
	ev := p2p.Event{Kind: p2p.EventDiscovered, Peer: pid, Addrs: []multiaddr.Multiaddr{addr}}

	f.events <- ev
	f.events <- ev

	pushed := next[core.DiscoveryEvent](t, f.notifier)
	assert.Equal(t, "discovery", pushed.Type)
	assert.Equal(t, pid.String(), pushed.NodeID)
	assert.Equal(t, addr.String(), pushed.Address)

	quiet[core.DiscoveryEvent](t, f.notifier, 100*time.Millisecond)
	assert.Equal(t, 1, f.dialer.dials())
	assert.True(t, f.peers.Has(pid.String()))
}

func TestGossipMemorySyncMerges(t *testing.T) {
	f := startNode(t, time.Hour)

	remote := memory.NewDocWithClient("remote")
	remote.InsertText("fact", "water is wet")
	data, err := core.EncodeMessage(core.NewMemorySyncMessage("note1", remote.Update(), 1))
	require.NoError(t, err)

	f.events <- p2p.Event{Kind: p2p.EventGossip, Data: data}

	raw := next[json.RawMessage](t, f.notifier)
	assert.JSONEq(t, string(data), string(raw))
	requireEventually(t, func() bool {
		v, ok := f.doc.GetText("fact")
		return ok && v == "water is wet"
	}, "update merged")
}

func TestGossipKnowledgeUpdate(t *testing.T) {
	f := startNode(t, time.Hour)
	data, err := core.EncodeMessage(core.NewKnowledgeUpdateMessage("k", "v"))
	require.NoError(t, err)

	f.events <- p2p.Event{Kind: p2p.EventGossip, Data: data}

	requireEventually(t, func() bool {
		v, ok := f.doc.GetText("k")
		return ok && v == "v"
	}, "knowledge inserted")
}

func TestGossipDelegateForSelf(t *testing.T) {
	f := startNode(t, time.Hour)
	data, err := core.EncodeMessage(core.NewDelegateMessage(delegation("remote-task", selfID)))
	require.NoError(t, err)

	f.events <- p2p.Event{Kind: p2p.EventGossip, Data: data}

	ev := next[core.ResultEvent](t, f.notifier)
	assert.Equal(t, "remote-task", ev.TaskID)
	assert.Equal(t, "ok summarise", ev.Result)
}

func TestGossipGarbageDropped(t *testing.T) {
	f := startNode(t, time.Hour)
	f.events <- p2p.Event{Kind: p2p.EventGossip, Data: []byte(`{"type":"bogus"}`)}
	f.events <- p2p.Event{Kind: p2p.EventGossip, Data: []byte(`nope`)}
	quiet[json.RawMessage](t, f.notifier, 100*time.Millisecond)
}

func TestBridgeInbound(t *testing.T) {
	f := startNode(t, time.Hour)

	f.inbound <- core.NewKnowledgeUpdateMessage("k", "v")
	requireEventually(t, func() bool { return len(f.pub.ofType(core.TypeKnowledgeUpdate)) == 1 }, "published")

	f.inbound <- core.NewDelegateMessage(delegation("sym", core.AssigneeAny))
	requireEventually(t, func() bool { return len(f.dir.resolved()) == 1 }, "resolving")
	assert.Equal(t, []string{"cap:llm:llama3"}, f.dir.resolved())
	assert.Empty(t, f.pub.ofType(core.TypeDelegate))
}

func TestQueryResultRoutesThroughLoop(t *testing.T) {
	f := startNode(t, time.Hour)

	f.inbound <- core.NewDelegateMessage(delegation("sym", "cap:vision"))
	requireEventually(t, func() bool { return len(f.dir.resolved()) == 1 }, "resolving")

	f.events <- p2p.Event{Kind: p2p.EventQueryResult, QueryID: 1, Key: "cap:vision",
		Record: &core.CapabilityRecord{Peer: otherID, Capability: "vision"}}

	requireEventually(t, func() bool { return len(f.pub.ofType(core.TypeDelegate)) == 1 }, "routed")
	assert.Equal(t, otherID, f.pub.ofType(core.TypeDelegate)[0].Delegate.AssigneeID)
}

func TestShutdownSaves(t *testing.T) {
	f := startNode(t, time.Hour)
	require.NoError(t, f.stop())
	assert.Equal(t, 1, f.doc.saved())
}
