// Package registry holds the per-chain node state built from feed messages.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/feed"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/logger"
)

// ChainInfo is the metadata the feed announces for a chain.
type ChainInfo struct {
	Label     string
	NodeCount uint64
}

// NodeStatus is one node as seen by a census.
type NodeStatus struct {
	ID    feed.NodeID
	Name  string
	Class Classification
	Alive bool
	Stale bool
}

// Census is a consistent view of every node of a chain at one instant.
type Census struct {
	Chain string
	At    time.Time
	Nodes []NodeStatus
}

// Count returns the number of nodes in the given classification, alive or not.
func (c Census) Count(class Classification) int {
	n := 0
	for _, s := range c.Nodes {
		if s.Class == class {
			n++
		}
	}
	return n
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the time source used to stamp updates.
func WithClock(clock func() time.Time) Option {
	return func(c *Chain) { c.clock = clock }
}

// WithLogger overrides the chain logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// Chain tracks the nodes of a single subscribed chain.
type Chain struct {
	mu sync.RWMutex

	name             string
	classifier       Classifier
	inactiveNodeTime time.Duration

	nodes        map[feed.NodeID]*Node
	chains       map[string]ChainInfo
	subscribedTo string
	feedVersion  string
	lastEvent    time.Time

	clock  func() time.Time
	logger *zap.Logger
}

// NewChain creates an empty registry for the named chain.
func NewChain(name string, classifier Classifier, inactiveNodeTime time.Duration, opts ...Option) *Chain {
	c := &Chain{
		name:             name,
		classifier:       classifier,
		inactiveNodeTime: inactiveNodeTime,
		nodes:            make(map[feed.NodeID]*Node),
		chains:           make(map[string]ChainInfo),
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.ForChain("registry", name)
	}
	return c
}

func (c *Chain) Name() string                    { return c.name }
func (c *Chain) Classifier() Classifier          { return c.classifier }
func (c *Chain) InactiveNodeTime() time.Duration { return c.inactiveNodeTime }

// Touch records that a frame was received and returns the time elapsed since
// the previous one. The first call returns zero.
func (c *Chain) Touch() time.Duration {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	var gap time.Duration
	if !c.lastEvent.IsZero() {
		gap = now.Sub(c.lastEvent)
	}
	c.lastEvent = now
	return gap
}

// Apply folds one message into the registry. Errors leave the registry as it
// was before the call.
func (c *Chain) Apply(msg feed.Message) error {
	now := c.clock()

	switch msg.Action {
	case feed.AddedNode:
		p, err := feed.ParseAddedNode(msg.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if _, exists := c.nodes[p.ID]; exists {
			c.logger.Debug("Replacing known node", zap.Uint64("node_id", uint64(p.ID)))
		}
		c.nodes[p.ID] = newNode(p, now)
		c.mu.Unlock()

	case feed.RemovedNode:
		id, err := feed.ParseNodeID(msg.Payload)
		if err != nil {
			return err
		}
		return c.update(msg.Action, id, func(*Node) {
			delete(c.nodes, id)
		})

	case feed.StaleNode:
		id, err := feed.ParseNodeID(msg.Payload)
		if err != nil {
			return err
		}
		return c.update(msg.Action, id, func(n *Node) { n.markStale() })

	case feed.LocatedNode:
		p, err := feed.ParseLocatedNode(msg.Payload)
		if err != nil {
			return err
		}
		return c.update(msg.Action, p.ID, func(n *Node) { n.updateLocation(p.Location, now) })

	case feed.ImportedBlock:
		p, err := feed.ParseImportedBlock(msg.Payload)
		if err != nil {
			return err
		}
		return c.update(msg.Action, p.ID, func(n *Node) { n.updateBlock(p.Block, now) })

	case feed.FinalizedBlock:
		p, err := feed.ParseFinalizedBlock(msg.Payload)
		if err != nil {
			return err
		}
		return c.update(msg.Action, p.ID, func(n *Node) { n.updateFinalized(p.Height, p.Hash, now) })

	case feed.NodeStats:
		p, err := feed.ParseNodeStats(msg.Payload)
		if err != nil {
			return err
		}
		return c.update(msg.Action, p.ID, func(n *Node) { n.updateStats(p.Stats, now) })

	case feed.NodeHardware:
		p, err := feed.ParseNodeHardware(msg.Payload)
		if err != nil {
			return err
		}
		return c.update(msg.Action, p.ID, func(n *Node) { n.updateHardware(p.Hardware, now) })

	case feed.NodeIO:
		p, err := feed.ParseNodeIO(msg.Payload)
		if err != nil {
			return err
		}
		return c.update(msg.Action, p.ID, func(n *Node) { n.updateIO(p.IO, now) })

	case feed.SubscribedTo:
		label, err := feed.ParseLabel(msg.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		dropped := len(c.nodes)
		c.nodes = make(map[feed.NodeID]*Node)
		c.subscribedTo = label
		c.mu.Unlock()
		c.logger.Info("Subscribed to network",
			zap.String("label", label),
			zap.Int("dropped_nodes", dropped))

	case feed.UnsubscribedFrom:
		label, err := feed.ParseLabel(msg.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.subscribedTo == label {
			c.subscribedTo = ""
		}
		c.mu.Unlock()
		c.logger.Info("Unsubscribed from network", zap.String("label", label))

	case feed.AddedChain:
		p, err := feed.ParseAddedChain(msg.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.chains[p.Label] = ChainInfo{Label: p.Label, NodeCount: p.NodeCount}
		c.mu.Unlock()

	case feed.RemovedChain:
		label, err := feed.ParseLabel(msg.Payload)
		if err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.chains, label)
		c.mu.Unlock()

	case feed.FeedVersion:
		var version string
		if len(msg.Payload) > 0 {
			version = string(msg.Payload)
		}
		c.mu.Lock()
		c.feedVersion = version
		c.mu.Unlock()
		c.logger.Debug("Feed version announced", zap.String("version", version))

	case feed.BestBlock, feed.BestFinalized, feed.TimeSync, feed.Pong,
		feed.AfgFinalized, feed.AfgReceivedPrevote, feed.AfgReceivedPrecommit, feed.AfgAuthoritySet:
		// Recognized but carry nothing the registry keeps.

	default:
		return errors.ProtocolDecodeError(fmt.Sprintf("unhandled action %s", msg.Action), nil).WithChain(c.name)
	}
	return nil
}

// update runs fn against a known node under the write lock, or reports the
// reference as unknown. Only actions that reference a node may use it.
func (c *Chain) update(action feed.Action, id feed.NodeID, fn func(*Node)) error {
	if !action.ReferencesNode() {
		return errors.ProtocolDecodeError(fmt.Sprintf("%s does not reference a node", action), nil).WithChain(c.name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.node(id)
	if !ok {
		return errors.UnknownNodeReference(action.String(), uint64(id)).WithChain(c.name)
	}
	fn(n)
	return nil
}

// node looks up a record; callers must hold the lock.
func (c *Chain) node(id feed.NodeID) (*Node, bool) {
	n, ok := c.nodes[id]
	return n, ok
}

// Len returns the number of tracked nodes.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// Node returns a copy of the node with the given id.
func (c *Chain) Node(id feed.NodeID) (Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.node(id)
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// SubscribedTo returns the label of the network the feed last confirmed.
func (c *Chain) SubscribedTo() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribedTo
}

// FeedVersion returns the raw version payload the feed announced, if any.
func (c *Chain) FeedVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.feedVersion
}

// LastEvent returns when the last frame was received.
func (c *Chain) LastEvent() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastEvent
}

// Chains returns the announced chains sorted by label.
func (c *Chain) Chains() []ChainInfo {
	c.mu.RLock()
	out := make([]ChainInfo, 0, len(c.chains))
	for _, info := range c.chains {
		out = append(out, info)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Census classifies every node and evaluates its liveness at the current time.
func (c *Chain) Census() Census {
	now := c.clock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	census := Census{
		Chain: c.name,
		At:    now,
		Nodes: make([]NodeStatus, 0, len(c.nodes)),
	}
	for id, n := range c.nodes {
		census.Nodes = append(census.Nodes, NodeStatus{
			ID:    id,
			Name:  n.Name,
			Class: c.classifier.Classify(n.Name),
			Alive: n.IsAlive(now, c.inactiveNodeTime),
			Stale: n.Stale,
		})
	}
	sort.Slice(census.Nodes, func(i, j int) bool { return census.Nodes[i].ID < census.Nodes[j].ID })
	return census
}
