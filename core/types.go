// Package core provides the fundamental types, wire encoding, identity and
// bookkeeping shared by every part of a meshclaw node.
package core

import "time"

// MessageType is the "type" discriminator of a ProtocolMessage on the wire.
type MessageType string

const (
	TypeMemorySync      MessageType = "memory-sync"
	TypeDiscovery       MessageType = "discovery"
	TypeBroadcast       MessageType = "broadcast"
	TypeDelegate        MessageType = "delegate"
	TypeCapability      MessageType = "capability"
	TypeKnowledgeUpdate MessageType = "knowledge-update"
	TypeQuery           MessageType = "query"
)

// ProtocolVersion is advertised through identify as the agent version.
const ProtocolVersion = "/meshclaw/0.1.0"

// ProtocolMessage is the tagged union carried on the gossip topic and the
// gateway bridge. Exactly one of the body pointers matching Type is set.
type ProtocolMessage struct {
	Type MessageType

	MemorySync      *MemorySync
	Discovery       *Discovery
	Broadcast       *Broadcast
	Delegate        *DelegationMessage
	Capability      *CapabilityAnnouncement
	KnowledgeUpdate *KnowledgeUpdate
	Query           *Query
}

// ------------------------------------------------------------------ bodies

// MemorySync carries an encoded shared-document update.
type MemorySync struct {
	DocID   string `json:"doc_id"`
	Delta   Delta  `json:"delta"`
	Version uint64 `json:"version"`
}

// Discovery announces a node and the capabilities it offers.
type Discovery struct {
	NodeID       string   `json:"node_id"`
	Capabilities []string `json:"capabilities"`
}

// Broadcast is a free-form chat-style message on a named channel.
type Broadcast struct {
	Channel   string  `json:"channel"`
	Sender    string  `json:"sender"`
	Content   string  `json:"content"`
	Timestamp uint64  `json:"timestamp"`
	Signature *string `json:"signature,omitempty"`
}

// CapabilityAnnouncement is the gossip form of a capability advertisement.
// Directory records are CapabilityRecord values, not this.
type CapabilityAnnouncement struct {
	NodeID     string   `json:"node_id"`
	Capability string   `json:"capability"`
	Metadata   RawValue `json:"metadata,omitempty"`
}

// KnowledgeUpdate writes one key of the shared document directly.
type KnowledgeUpdate struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Query asks peers a free-text question. Receivers only log it.
type Query struct {
	Query string `json:"query"`
}

// ------------------------------------------------------------------ constructors

// NewMemorySyncMessage wraps a document update for gossip.
func NewMemorySyncMessage(docID string, delta []byte, version uint64) *ProtocolMessage {
	return &ProtocolMessage{Type: TypeMemorySync, MemorySync: &MemorySync{DocID: docID, Delta: delta, Version: version}}
}

// NewDelegateMessage wraps a delegation for gossip.
func NewDelegateMessage(d DelegationMessage) *ProtocolMessage {
	return &ProtocolMessage{Type: TypeDelegate, Delegate: &d}
}

// NewKnowledgeUpdateMessage wraps a single key write.
func NewKnowledgeUpdateMessage(key, value string) *ProtocolMessage {
	return &ProtocolMessage{Type: TypeKnowledgeUpdate, KnowledgeUpdate: &KnowledgeUpdate{Key: key, Value: value}}
}

// NewDiscoveryMessage wraps a node announcement.
func NewDiscoveryMessage(nodeID string, capabilities []string) *ProtocolMessage {
	return &ProtocolMessage{Type: TypeDiscovery, Discovery: &Discovery{NodeID: nodeID, Capabilities: capabilities}}
}

// Now returns the current time as Unix milliseconds, the timestamp unit used
// on the wire.
func Now() uint64 { return uint64(time.Now().UnixMilli()) }
