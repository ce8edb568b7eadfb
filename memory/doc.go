// Package memory implements the replicated shared-memory document: a
// last-writer-wins map from keys to text, exchanged between peers as
// encoded updates and persisted locally as a snapshot.
//
// Every write is tagged with a Lamport clock and the writing replica's
// client id. For each key a replica keeps only the winning write, the one
// with the greatest (clock, client, value). Applying an update takes the
// per-key maximum, so replicas that have applied the same set of updates in
// any order, any number of times, hold identical documents.
package memory

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// op is one write of value to key.
type op struct {
	key    string
	value  string
	clock  uint64
	client string
}

// beats reports whether o wins over other for the same key.
func (o op) beats(other op) bool {
	if o.clock != other.clock {
		return o.clock > other.clock
	}
	if o.client != other.client {
		return o.client > other.client
	}
	return o.value > other.value
}

// Doc is a concurrency-safe replica of the shared document.
type Doc struct {
	mu     sync.RWMutex
	client string
	clock  uint64        // highest clock seen, local or remote
	ops    map[string]op // winning write per key
}

// NewDoc creates an empty replica with a random client id.
func NewDoc() *Doc {
	return NewDocWithClient(uuid.NewString())
}

// NewDocWithClient creates an empty replica writing as client.
func NewDocWithClient(client string) *Doc {
	return &Doc{client: client, ops: make(map[string]op)}
}

// ClientID returns the id this replica stamps on its writes.
func (d *Doc) ClientID() string { return d.client }

// InsertText replaces the value at key. The write is ordered after every
// write this replica has already seen, so it is visible immediately.
func (d *Doc) InsertText(key, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clock++
	d.ops[key] = op{key: key, value: value, clock: d.clock, client: d.client}
}

// GetText returns the current value at key. A key holding the empty string
// is present.
func (d *Doc) GetText(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	o, ok := d.ops[key]
	return o.value, ok
}

// Keys returns every key with a value, sorted.
func (d *Doc) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]string, 0, len(d.ops))
	for k := range d.ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ops)
}

// Clock returns the highest Lamport clock this replica has seen.
func (d *Doc) Clock() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clock
}

// Update encodes the whole document relative to an empty baseline. Applying
// it to any replica brings that replica up to date with this one.
func (d *Doc) Update() []byte {
	d.mu.RLock()
	ops := make([]op, 0, len(d.ops))
	for _, o := range d.ops {
		ops = append(ops, o)
	}
	d.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool { return ops[i].key < ops[j].key })
	return encodeUpdate(ops)
}

// ApplyUpdate merges an encoded update. Malformed input returns an error
// wrapping ErrInvalidUpdate and leaves the document untouched.
func (d *Doc) ApplyUpdate(update []byte) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range ops {
		if cur, ok := d.ops[o.key]; !ok || o.beats(cur) {
			d.ops[o.key] = o
		}
		if o.clock > d.clock {
			d.clock = o.clock
		}
	}
	return nil
}
