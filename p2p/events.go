package p2p

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/olserra/meshclaw/core"
)

// EventKind tags an Event.
type EventKind int

const (
	// EventListen reports a local listen address (Addr).
	EventListen EventKind = iota
	// EventDiscovered reports a peer found on the local network (Peer, Addrs).
	EventDiscovered
	// EventConnected reports a new connection to Peer.
	EventConnected
	// EventDisconnected reports the last connection to Peer closing.
	EventDisconnected
	// EventPing reports a liveness probe of Peer (RTT or Err).
	EventPing
	// EventGossip carries a message received on the broadcast topic (Peer, Data).
	EventGossip
	// EventQueryResult completes a capability lookup (QueryID, Key, Record or Err).
	EventQueryResult
	// EventPutResult completes a capability registration (Key, Replicated, Err).
	EventPutResult
)

var kindNames = [...]string{
	EventListen:       "listen",
	EventDiscovered:   "discovered",
	EventConnected:    "connected",
	EventDisconnected: "disconnected",
	EventPing:         "ping",
	EventGossip:       "gossip",
	EventQueryResult:  "query-result",
	EventPutResult:    "put-result",
}

func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// QueryID correlates a Resolve call with its EventQueryResult.
type QueryID uint64

// Event is one notification from the networking layer. Every producer sends
// on the same channel so a single consumer sees them in arrival order.
// Only the fields documented for Kind are set.
type Event struct {
	Kind EventKind

	Peer  peer.ID
	Addrs []multiaddr.Multiaddr
	Addr  multiaddr.Multiaddr

	Data []byte

	QueryID QueryID
	Key     string
	Record  *core.CapabilityRecord
	// Replicated reports whether a put reached at least one other peer.
	Replicated bool

	RTT time.Duration
	Err error
}
