package node

// coordinator.go - routes delegations to the peer that can run them.
//
//	Received -> Executing               assignee is this node
//	Received -> Resolving -> Routed     "any" or "cap:<name>", owner found
//	Received -> Resolving -> Failed     lookup error or timeout
//	Received -> Routed                  any other peer id, published as-is
//
// The pending-query table is owned by the dispatcher goroutine: Submit,
// HandleQueryResult and HandleInbound must all be called from it. Only task
// execution leaves that goroutine.

import (
	"context"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/olserra/meshclaw/core"
	"github.com/olserra/meshclaw/p2p"
)

// Publisher sends a message on the broadcast topic.
type Publisher interface {
	PublishMessage(ctx context.Context, msg *core.ProtocolMessage) error
}

// Resolver starts an asynchronous capability lookup. Its outcome arrives as
// an EventQueryResult carrying the returned id.
type Resolver interface {
	Resolve(ctx context.Context, capabilityKey string) p2p.QueryID
}

// Provider runs a task prompt on a compute backend.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Notifier pushes an event to every gateway client without blocking.
type Notifier interface {
	Publish(v any)
}

// CoordinatorConfig wires a Coordinator to its collaborators.
type CoordinatorConfig struct {
	Self              string
	DefaultCapability string
	Publisher         Publisher
	Resolver          Resolver
	Provider          Provider
	Notifier          Notifier
	Journal           *core.Journal // may be nil
}

// Coordinator implements delegation routing for one node.
type Coordinator struct {
	cfg     CoordinatorConfig
	pending map[p2p.QueryID]core.DelegationMessage
	seen    *bloom.BloomFilter
}

// NewCoordinator creates a Coordinator with an empty pending table.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		pending: make(map[p2p.QueryID]core.DelegationMessage),
		seen:    bloom.NewWithEstimates(100_000, 0.001),
	}
}

// Pending returns the number of delegations awaiting a directory lookup.
func (c *Coordinator) Pending() int { return len(c.pending) }

// Submit accepts a delegation from the gateway.
func (c *Coordinator) Submit(ctx context.Context, msg core.DelegationMessage) {
	if c.seen.TestAndAddString(msg.TaskID) {
		log.Warnf("task %s submitted again; processing it independently", msg.TaskID)
	}
	c.record(msg.TaskID, core.StateReceived, "assignee="+msg.AssigneeID)

	switch msg.Route(c.cfg.Self) {
	case core.RouteLocal:
		c.execute(ctx, msg)

	case core.RouteSymbolic:
		key := msg.CapabilityKey(c.cfg.DefaultCapability)
		id := c.cfg.Resolver.Resolve(ctx, key)
		c.pending[id] = msg
		log.Infof("task %s: resolving %s (query %d)", msg.TaskID, key, id)
		c.record(msg.TaskID, core.StateResolving, key)

	case core.RouteRemote:
		c.publish(ctx, msg)
	}
}

// HandleQueryResult finishes a lookup started by Submit. Results for unknown
// query ids are ignored.
func (c *Coordinator) HandleQueryResult(ctx context.Context, ev p2p.Event) {
	msg, ok := c.pending[ev.QueryID]
	if !ok {
		return
	}
	delete(c.pending, ev.QueryID)

	if ev.Err != nil || ev.Record == nil {
		err := ev.Err
		if err == nil {
			err = fmt.Errorf("empty record")
		}
		log.Warnf("task %s: lookup of %s failed: %v", msg.TaskID, ev.Key, err)
		c.record(msg.TaskID, core.StateFailed, err.Error())
		return
	}

	routed := msg.WithAssignee(ev.Record.Peer)
	log.Infof("task %s: %s resolved to %s", msg.TaskID, ev.Key, ev.Record.Peer)
	if routed.Route(c.cfg.Self) == core.RouteLocal {
		// The owner is this node: nobody else would act on the message.
		c.execute(ctx, routed)
		return
	}
	c.publish(ctx, routed)
}

// HandleInbound acts on a delegation received from the mesh. Only messages
// addressed to this node are executed; everything else is ignored.
func (c *Coordinator) HandleInbound(ctx context.Context, msg core.DelegationMessage) {
	if msg.AssigneeID != c.cfg.Self {
		log.Debugf("task %s addressed to %s, ignoring", msg.TaskID, msg.AssigneeID)
		return
	}
	c.record(msg.TaskID, core.StateReceived, "from="+msg.RequesterID)
	c.execute(ctx, msg)
}

func (c *Coordinator) publish(ctx context.Context, msg core.DelegationMessage) {
	if err := c.cfg.Publisher.PublishMessage(ctx, core.NewDelegateMessage(msg)); err != nil {
		log.Warnf("task %s: publish: %v", msg.TaskID, err)
	}
	c.record(msg.TaskID, core.StateRouted, "assignee="+msg.AssigneeID)
}

// execute runs the task off the dispatcher goroutine and always emits exactly
// one result event.
func (c *Coordinator) execute(ctx context.Context, msg core.DelegationMessage) {
	c.record(msg.TaskID, core.StateExecuting, "")
	go func() {
		result, err := c.cfg.Provider.Generate(ctx, msg.TaskDesc)
		if err != nil {
			result = "error: " + err.Error()
		}
		c.cfg.Notifier.Publish(core.NewResultEvent(msg.TaskID, result))
		c.record(msg.TaskID, core.StateCompleted, fmt.Sprintf("%d bytes", len(result)))
	}()
}

func (c *Coordinator) record(taskID, state, details string) {
	if err := c.cfg.Journal.Record(taskID, state, details); err != nil {
		log.Warnf("journal: %v", err)
	}
}
