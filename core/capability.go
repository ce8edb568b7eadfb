package core

// capability.go - capability directory records.
//
// A capability "cap:<name>" lives in the DHT under the namespaced key
// "/cap/<name>". The value is a msgpack-encoded CapabilityRecord naming the
// peer that registered it. The last writer wins; records never expire.

import (
	"errors"
	"fmt"
	"strings"

	record "github.com/libp2p/go-libp2p-record"
	"github.com/vmihailenco/msgpack/v5"
)

// CapabilityNamespace is the DHT key namespace holding capability records.
const CapabilityNamespace = "cap"

// ErrInvalidRecord is returned for capability records that fail validation.
var ErrInvalidRecord = errors.New("core: invalid capability record")

// CapabilityRecord names the peer offering a capability.
type CapabilityRecord struct {
	Peer       string `msgpack:"peer"`
	Capability string `msgpack:"capability"`
	Timestamp  uint64 `msgpack:"timestamp"`
}

// EncodeRecord serialises r for storage in the DHT.
func EncodeRecord(r CapabilityRecord) ([]byte, error) {
	b, err := msgpack.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("capability record: %w", err)
	}
	return b, nil
}

// DecodeRecord parses and sanity-checks a stored record.
func DecodeRecord(b []byte) (CapabilityRecord, error) {
	var r CapabilityRecord
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return CapabilityRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.Peer == "" || r.Capability == "" {
		return CapabilityRecord{}, fmt.Errorf("%w: missing peer or capability", ErrInvalidRecord)
	}
	return r, nil
}

// DHTKey converts "cap:<name>" into the DHT key "/cap/<name>".
func DHTKey(capabilityKey string) (string, error) {
	name := strings.TrimPrefix(capabilityKey, CapabilityPrefix)
	if name == capabilityKey || name == "" {
		return "", fmt.Errorf("capability key %q: want %s<name>", capabilityKey, CapabilityPrefix)
	}
	return "/" + CapabilityNamespace + "/" + name, nil
}

// ------------------------------------------------------------------ validator

// CapabilityValidator is the record.Validator for the "cap" namespace.
type CapabilityValidator struct{}

var _ record.Validator = CapabilityValidator{}

// Validate accepts a well-formed record whose capability matches the key.
func (CapabilityValidator) Validate(key string, value []byte) error {
	ns, name, err := record.SplitKey(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if ns != CapabilityNamespace {
		return fmt.Errorf("%w: namespace %q", ErrInvalidRecord, ns)
	}
	r, err := DecodeRecord(value)
	if err != nil {
		return err
	}
	if r.Capability != name {
		return fmt.Errorf("%w: record for %q stored under %q", ErrInvalidRecord, r.Capability, name)
	}
	return nil
}

// Select picks the freshest valid record. Ties keep the earlier index.
func (v CapabilityValidator) Select(key string, values [][]byte) (int, error) {
	best := -1
	var bestTS uint64
	for i, val := range values {
		if v.Validate(key, val) != nil {
			continue
		}
		r, _ := DecodeRecord(val)
		if best < 0 || r.Timestamp > bestTS {
			best, bestTS = i, r.Timestamp
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w: no valid record for %s", ErrInvalidRecord, key)
	}
	return best, nil
}
