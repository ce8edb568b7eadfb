package core

// Gateway push events. These are not ProtocolMessages: they only travel from
// the node to connected gateway clients.

// ResultStatusCompleted is the only status a task result carries.
const ResultStatusCompleted = "completed"

// DiscoveryEvent tells the gateway a new peer was found.
type DiscoveryEvent struct {
	Type    string `json:"type"`
	NodeID  string `json:"nodeId"`
	Address string `json:"address"`
}

// NewDiscoveryEvent builds the push event for a newly discovered peer.
func NewDiscoveryEvent(nodeID, address string) DiscoveryEvent {
	return DiscoveryEvent{Type: "discovery", NodeID: nodeID, Address: address}
}

// ResultEvent reports the outcome of a task executed on this node.
type ResultEvent struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
	Status string `json:"status"`
	Result string `json:"result"`
}

// NewResultEvent builds a completed-task push event. Provider failures are
// reported through result text, never through status.
func NewResultEvent(taskID, result string) ResultEvent {
	return ResultEvent{Type: "result", TaskID: taskID, Status: ResultStatusCompleted, Result: result}
}
