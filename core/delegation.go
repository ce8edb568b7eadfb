package core

import "strings"

// AssigneeAny asks the mesh to pick any node able to run the task.
const AssigneeAny = "any"

// CapabilityPrefix marks a symbolic assignee naming a capability.
const CapabilityPrefix = "cap:"

// DelegationMessage is a unit of work handed from a requester to an assignee.
// AssigneeID is a concrete peer id, "any", or "cap:<name>".
type DelegationMessage struct {
	TaskID      string   `json:"taskId"`
	TaskDesc    string   `json:"taskDesc"`
	RequesterID string   `json:"requesterId"`
	AssigneeID  string   `json:"assigneeId"`
	Payload     RawValue `json:"payload,omitempty"`
	Timestamp   uint64   `json:"timestamp"`
}

// Route is the path a delegation takes out of the coordinator.
type Route int

const (
	// RouteLocal runs the task on this node.
	RouteLocal Route = iota
	// RouteSymbolic needs a directory lookup before it can be forwarded.
	RouteSymbolic
	// RouteRemote is forwarded on gossip unchanged.
	RouteRemote
)

func (r Route) String() string {
	switch r {
	case RouteLocal:
		return "local"
	case RouteSymbolic:
		return "symbolic"
	case RouteRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Route classifies the assignee relative to the local peer id.
func (d DelegationMessage) Route(localID string) Route {
	switch {
	case d.AssigneeID == localID:
		return RouteLocal
	case d.AssigneeID == AssigneeAny, strings.HasPrefix(d.AssigneeID, CapabilityPrefix):
		return RouteSymbolic
	default:
		return RouteRemote
	}
}

// CapabilityKey returns the "cap:<name>" key a symbolic assignee resolves
// through. "any" maps onto defaultCapability.
func (d DelegationMessage) CapabilityKey(defaultCapability string) string {
	if d.AssigneeID == AssigneeAny {
		return CapabilityPrefix + defaultCapability
	}
	return d.AssigneeID
}

// WithAssignee returns a copy of d addressed to peerID. Every other field is
// carried over unchanged.
func (d DelegationMessage) WithAssignee(peerID string) DelegationMessage {
	d.AssigneeID = peerID
	return d
}
