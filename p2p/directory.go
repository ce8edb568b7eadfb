package p2p

// directory.go - capability directory over the Kademlia DHT.
//
// Register and Resolve never block the caller: the DHT round trip runs in a
// worker goroutine and its outcome comes back as an Event.

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	kb "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	mh "github.com/multiformats/go-multihash"

	"github.com/olserra/meshclaw/core"
)

// ErrNoRecord is the Err of an EventQueryResult when no peer holds the key.
var ErrNoRecord = errors.New("p2p directory: no capability record")

// Directory maps capability keys to the peers that registered them.
type Directory struct {
	kdht    *dht.IpfsDHT
	self    peer.ID
	timeout time.Duration
	emit    func(Event)
	nextID  atomic.Uint64
}

func newDirectory(kdht *dht.IpfsDHT, self peer.ID, timeout time.Duration, emit func(Event)) *Directory {
	return &Directory{kdht: kdht, self: self, timeout: timeout, emit: emit}
}

// Register announces this node as the owner of capability ("cap:<name>" or a
// bare name). The record is written locally and replicated in the
// background; the outcome arrives as EventPutResult. An empty routing table
// is not a failure: the record stays local with Replicated unset.
func (d *Directory) Register(ctx context.Context, capability string) error {
	key := capability
	if !strings.HasPrefix(key, core.CapabilityPrefix) {
		key = core.CapabilityPrefix + capability
	}
	dhtKey, err := core.DHTKey(key)
	if err != nil {
		return err
	}
	value, err := core.EncodeRecord(core.CapabilityRecord{
		Peer:       d.self.String(),
		Capability: strings.TrimPrefix(key, core.CapabilityPrefix),
		Timestamp:  core.Now(),
	})
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		err := d.kdht.PutValue(ctx, dhtKey, value)
		replicated := err == nil
		if errors.Is(err, kb.ErrLookupFailure) {
			err = nil
		}
		if err == nil {
			if perr := d.provide(ctx, dhtKey); perr != nil {
				log.Debugf("provider record not advertised: %v", perr)
			}
		}
		d.emit(Event{Kind: EventPutResult, Key: key, Err: err, Replicated: replicated})
	}()
	return nil
}

// provide also advertises dhtKey as a provider record so owners can be found
// with FindProviders.
func (d *Directory) provide(ctx context.Context, dhtKey string) error {
	c, err := CapabilityCID(dhtKey)
	if err != nil {
		return err
	}
	if err := d.kdht.Provide(ctx, c, true); err != nil {
		return fmt.Errorf("p2p directory: provide %s: %w", dhtKey, err)
	}
	return nil
}

// Resolve starts a lookup of capabilityKey and returns its id immediately.
// The matching EventQueryResult carries the same id.
func (d *Directory) Resolve(ctx context.Context, capabilityKey string) QueryID {
	id := QueryID(d.nextID.Add(1))

	go func() {
		ev := Event{Kind: EventQueryResult, QueryID: id, Key: capabilityKey}
		rec, err := d.lookup(ctx, capabilityKey)
		if err != nil {
			ev.Err = err
		} else {
			ev.Record = &rec
		}
		d.emit(ev)
	}()
	return id
}

func (d *Directory) lookup(ctx context.Context, capabilityKey string) (core.CapabilityRecord, error) {
	dhtKey, err := core.DHTKey(capabilityKey)
	if err != nil {
		return core.CapabilityRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	value, err := d.kdht.GetValue(ctx, dhtKey, dht.Quorum(1))
	if errors.Is(err, routing.ErrNotFound) {
		return core.CapabilityRecord{}, fmt.Errorf("%w: %s", ErrNoRecord, capabilityKey)
	}
	if err != nil {
		return core.CapabilityRecord{}, fmt.Errorf("p2p directory: get %s: %w", capabilityKey, err)
	}
	return core.DecodeRecord(value)
}

// CapabilityCID derives the content id advertised for a capability key.
func CapabilityCID(dhtKey string) (cid.Cid, error) {
	sum := sha256.Sum256([]byte(dhtKey))
	hash, err := mh.Encode(sum[:], mh.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("p2p directory: multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hash), nil
}
