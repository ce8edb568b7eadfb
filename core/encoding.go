package core

// encoding.go - JSON encoding of the ProtocolMessage tagged union.
//
// Every message is a single JSON object whose "type" member selects the
// variant; the remaining members are the variant's fields. The same bytes
// travel on the gossip topic and over the gateway bridge.

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode is returned for any input that is not a well-formed ProtocolMessage.
var ErrDecode = errors.New("core: malformed protocol message")

// requiredFields lists the members each variant must carry. Optional members
// (signature, payload, metadata) are absent here.
var requiredFields = map[MessageType][]string{
	TypeMemorySync:      {"doc_id", "delta", "version"},
	TypeDiscovery:       {"node_id", "capabilities"},
	TypeBroadcast:       {"channel", "sender", "content", "timestamp"},
	TypeDelegate:        {"taskId", "taskDesc", "requesterId", "assigneeId", "timestamp"},
	TypeCapability:      {"node_id", "capability"},
	TypeKnowledgeUpdate: {"key", "value"},
	TypeQuery:           {"query"},
}

// ------------------------------------------------------------------ Delta

// Delta is an opaque byte payload. It is written as a JSON array of byte
// values; a base64 string is accepted when reading.
type Delta []byte

// MarshalJSON implements json.Marshaler.
func (d Delta) MarshalJSON() ([]byte, error) {
	nums := make([]uint16, len(d))
	for i, b := range d {
		nums[i] = uint16(b)
	}
	return json.Marshal(nums)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Delta) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("delta: %w", err)
		}
		*d = b
		return nil
	}
	var nums []uint16
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("delta: %w", err)
	}
	out := make(Delta, len(nums))
	for i, n := range nums {
		if n > 0xff {
			return fmt.Errorf("delta: byte %d out of range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*d = out
	return nil
}

// ------------------------------------------------------------------ RawValue

// RawValue holds an arbitrary JSON value passed through untouched.
type RawValue = json.RawMessage

// ------------------------------------------------------------------ encode

// EncodeMessage serialises m as a tagged JSON object.
func EncodeMessage(m *ProtocolMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("core encode: nil message")
	}
	var v any
	switch m.Type {
	case TypeMemorySync:
		if m.MemorySync == nil {
			break
		}
		v = struct {
			Type MessageType `json:"type"`
			*MemorySync
		}{m.Type, m.MemorySync}
	case TypeDiscovery:
		if m.Discovery == nil {
			break
		}
		v = struct {
			Type MessageType `json:"type"`
			*Discovery
		}{m.Type, m.Discovery}
	case TypeBroadcast:
		if m.Broadcast == nil {
			break
		}
		v = struct {
			Type MessageType `json:"type"`
			*Broadcast
		}{m.Type, m.Broadcast}
	case TypeDelegate:
		if m.Delegate == nil {
			break
		}
		v = struct {
			Type MessageType `json:"type"`
			*DelegationMessage
		}{m.Type, m.Delegate}
	case TypeCapability:
		if m.Capability == nil {
			break
		}
		v = struct {
			Type MessageType `json:"type"`
			*CapabilityAnnouncement
		}{m.Type, m.Capability}
	case TypeKnowledgeUpdate:
		if m.KnowledgeUpdate == nil {
			break
		}
		v = struct {
			Type MessageType `json:"type"`
			*KnowledgeUpdate
		}{m.Type, m.KnowledgeUpdate}
	case TypeQuery:
		if m.Query == nil {
			break
		}
		v = struct {
			Type MessageType `json:"type"`
			*Query
		}{m.Type, m.Query}
	default:
		return nil, fmt.Errorf("core encode: unknown message type %q", m.Type)
	}
	if v == nil {
		return nil, fmt.Errorf("core encode: %s message has no body", m.Type)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("core encode: %w", err)
	}
	return b, nil
}

// ------------------------------------------------------------------ decode

// DecodeMessage parses a tagged JSON object. Any failure, including an
// unknown or missing type and a missing required member, wraps ErrDecode.
func DecodeMessage(data []byte) (*ProtocolMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrDecode)
	}
	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	}
	var t MessageType
	if err := json.Unmarshal(rawType, &t); err != nil {
		return nil, fmt.Errorf("%w: type: %v", ErrDecode, err)
	}
	required, ok := requiredFields[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrDecode, t)
	}
	for _, name := range required {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: %s: missing %s", ErrDecode, t, name)
		}
	}

	m := &ProtocolMessage{Type: t}
	var body any
	switch t {
	case TypeMemorySync:
		m.MemorySync = &MemorySync{}
		body = m.MemorySync
	case TypeDiscovery:
		m.Discovery = &Discovery{}
		body = m.Discovery
	case TypeBroadcast:
		m.Broadcast = &Broadcast{}
		body = m.Broadcast
	case TypeDelegate:
		m.Delegate = &DelegationMessage{}
		body = m.Delegate
	case TypeCapability:
		m.Capability = &CapabilityAnnouncement{}
		body = m.Capability
	case TypeKnowledgeUpdate:
		m.KnowledgeUpdate = &KnowledgeUpdate{}
		body = m.KnowledgeUpdate
	case TypeQuery:
		m.Query = &Query{}
		body = m.Query
	}
	if err := json.Unmarshal(data, body); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, t, err)
	}
	return m, nil
}

// MarshalJSON lets a *ProtocolMessage be embedded in other JSON values.
func (m *ProtocolMessage) MarshalJSON() ([]byte, error) { return EncodeMessage(m) }

// UnmarshalJSON is the json.Unmarshaler form of DecodeMessage.
func (m *ProtocolMessage) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}
