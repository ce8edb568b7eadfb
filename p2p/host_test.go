package p2p_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olserra/meshclaw/core"
	"github.com/olserra/meshclaw/p2p"
)

func makeHost(t *testing.T) *p2p.MeshHost {
	t.Helper()
	if testing.Short() {
		t.Skip("libp2p host test skipped in -short mode")
	}
	id, err := core.NewIdentity()
	require.NoError(t, err)

	cfg := p2p.DefaultConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.EnableMDNS = false
	cfg.PingInterval = 0
	cfg.QueryTimeout = 3 * time.Second

	h, err := p2p.NewHost(context.Background(), cfg, id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	require.NoError(t, h.Start())
	return h
}

func connected(t *testing.T) (a, b *p2p.MeshHost) {
	t.Helper()
	a, b = makeHost(t), makeHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Connect(ctx, b.AddrInfo()))
	return a, b
}

// await drains h's events until match accepts one or the deadline passes.
func await(t *testing.T, h *p2p.MeshHost, d time.Duration, match func(p2p.Event) bool) (p2p.Event, bool) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-h.Events():
			if match(ev) {
				return ev, true
			}
		case <-deadline:
			return p2p.Event{}, false
		}
	}
}

func TestStartReportsListenAddrs(t *testing.T) {
	h := makeHost(t)
	ev, ok := await(t, h, time.Second, func(ev p2p.Event) bool { return ev.Kind == p2p.EventListen })
	require.True(t, ok, "expected an EventListen")
	assert.NotNil(t, ev.Addr)
}

func TestConnectEmitsConnected(t *testing.T) {
	a, b := connected(t)
	ev, ok := await(t, a, 3*time.Second, func(ev p2p.Event) bool { return ev.Kind == p2p.EventConnected })
	require.True(t, ok, "expected EventConnected on the dialer")
	assert.Equal(t, b.ID(), ev.Peer)
	assert.Contains(t, a.ConnectedPeers(), b.ID())
}

// TestGossipDelivery verifies a message published by one host arrives at the
// other and is never echoed back to its publisher.
func TestGossipDelivery(t *testing.T) {
	a, b := connected(t)

	msg := core.NewKnowledgeUpdateMessage("note1", "from a")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The mesh forms on the first heartbeats; keep publishing until it does.
	received := make(chan p2p.Event, 1)
	go func() {
		ev, ok := await(t, b, 10*time.Second, func(ev p2p.Event) bool { return ev.Kind == p2p.EventGossip })
		if ok {
			received <- ev
		}
		close(received)
	}()

	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	var got p2p.Event
loop:
	for {
		select {
		case ev, ok := <-received:
			require.True(t, ok, "gossip never arrived")
			got = ev
			break loop
		case <-tick.C:
			_ = a.Gossip().PublishMessage(ctx, msg)
		case <-ctx.Done():
			t.Fatal("timed out waiting for gossip")
		}
	}

	assert.Equal(t, a.ID(), got.Peer)
	decoded, err := core.DecodeMessage(got.Data)
	require.NoError(t, err)
	assert.Equal(t, "from a", decoded.KnowledgeUpdate.Value)

	_, echoed := await(t, a, 300*time.Millisecond, func(ev p2p.Event) bool { return ev.Kind == p2p.EventGossip })
	assert.False(t, echoed, "publisher must not receive its own message")
}

// TestDirectoryRegisterResolve verifies a capability registered on one host
// resolves to that host from the other.
func TestDirectoryRegisterResolve(t *testing.T) {
	a, b := connected(t)
	ctx := context.Background()

	// Registration replicates once b's routing table holds a.
	registered := false
	for i := 0; i < 20 && !registered; i++ {
		require.NoError(t, b.Directory().Register(ctx, "llm:llama3"))
		ev, ok := await(t, b, 5*time.Second, func(ev p2p.Event) bool { return ev.Kind == p2p.EventPutResult })
		require.True(t, ok)
		assert.Equal(t, "cap:llm:llama3", ev.Key)
		require.NoError(t, ev.Err)
		if ev.Replicated {
			registered = true
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	require.True(t, registered, "capability never replicated")

	id := a.Directory().Resolve(ctx, "cap:llm:llama3")
	ev, ok := await(t, a, 5*time.Second, func(ev p2p.Event) bool {
		return ev.Kind == p2p.EventQueryResult && ev.QueryID == id
	})
	require.True(t, ok, "no query result")
	require.NoError(t, ev.Err)
	require.NotNil(t, ev.Record)
	assert.Equal(t, b.ID().String(), ev.Record.Peer)
	assert.Equal(t, "llm:llama3", ev.Record.Capability)
}

func TestRegisterAloneStaysLocal(t *testing.T) {
	h := makeHost(t)
	require.NoError(t, h.Directory().Register(context.Background(), "solo"))

	ev, ok := await(t, h, 10*time.Second, func(ev p2p.Event) bool { return ev.Kind == p2p.EventPutResult })
	require.True(t, ok, "no put result")
	assert.Equal(t, "cap:solo", ev.Key)
	assert.NoError(t, ev.Err)
	assert.False(t, ev.Replicated)
}

// TestAddPeerFillsRoutingTable checks that a discovered peer is known to the
// DHT before any connection exists.
func TestAddPeerFillsRoutingTable(t *testing.T) {
	a, b := makeHost(t), makeHost(t)
	a.AddPeer(b.AddrInfo())
	assert.Contains(t, a.RoutingPeers(), b.ID())
}

func TestDirectoryResolveMissing(t *testing.T) {
	a, _ := connected(t)

	id := a.Directory().Resolve(context.Background(), "cap:does-not-exist")
	ev, ok := await(t, a, 5*time.Second, func(ev p2p.Event) bool {
		return ev.Kind == p2p.EventQueryResult && ev.QueryID == id
	})
	require.True(t, ok, "no query result")
	assert.Error(t, ev.Err)
	assert.Nil(t, ev.Record)
}

func TestResolveIDsAreDistinct(t *testing.T) {
	h := makeHost(t)
	first := h.Directory().Resolve(context.Background(), "cap:x")
	second := h.Directory().Resolve(context.Background(), "cap:x")
	assert.NotEqual(t, first, second)
}

func TestStartAfterCloseFails(t *testing.T) {
	h := makeHost(t)
	require.NoError(t, h.Close())
	assert.True(t, errors.Is(h.Start(), p2p.ErrClosed))
}
