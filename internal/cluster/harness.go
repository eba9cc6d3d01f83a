package cluster

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"go.uber.org/zap"

	"expchain/internal/chain"
	"expchain/internal/config"
	"expchain/internal/merge"
	"expchain/internal/snapshot"
	"expchain/internal/storage"
)

// Node is a single member of an in-process cluster: a chain store plus
// a snapshot coordinator wired to the node's topology neighbors.
type Node[T any] struct {
	ID    string
	store *storage.ChainStore[T]
	coord *snapshot.Coordinator[T]
}

// Head returns the node's current chain head.
func (n *Node[T]) Head() *chain.Experience[T] {
	return n.store.Head()
}

// Snapshot returns the chain recorded for a wave, if any.
func (n *Node[T]) Snapshot(wave string) (*chain.Experience[T], bool) {
	return n.store.Snapshot(wave)
}

// WaveState reports the node's snapshot state for a wave.
func (n *Node[T]) WaveState(wave string) snapshot.State {
	return n.coord.WaveState(wave)
}

// message is either a gossiped chain head or a snapshot marker.
type message[T any] struct {
	from   string
	head   *chain.Experience[T]
	marker *snapshot.Marker
}

type envelope[T any] struct {
	to  string
	msg message[T]
}

// Cluster runs a set of nodes in one process and simulates delivery
// between them. Messages are queued and delivered in random order from
// a seeded source, so a run is deterministic for a given seed while
// still exercising reordering.
type Cluster[T any] struct {
	mu     sync.Mutex
	topo   *config.Topology
	nodes  map[string]*Node[T]
	strat  merge.Strategy[T]
	queue  []envelope[T]
	rng    *rand.Rand
	logger *zap.Logger
}

// New builds a cluster from a validated topology. All nodes share the
// same merge strategy.
func New[T any](topo *config.Topology, strat merge.Strategy[T], seed int64, logger *zap.Logger) *Cluster[T] {
	if logger == nil {
		logger = zap.NewNop()
	}

	nodes := make(map[string]*Node[T], len(topo.Nodes))
	for _, n := range topo.Nodes {
		nodes[n.ID] = &Node[T]{
			ID:    n.ID,
			store: storage.NewChainStore[T](n.ID),
			coord: snapshot.NewCoordinator[T](n.ID, n.Neighbors, logger.Named(n.ID)),
		}
	}

	return &Cluster[T]{
		topo:   topo,
		nodes:  nodes,
		strat:  strat,
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
	}
}

// Node returns a member by ID, or nil if unknown.
func (c *Cluster[T]) Node(id string) *Node[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

// Append records a new experience on one node's local chain.
func (c *Cluster[T]) Append(nodeID string, value T, context string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node: %s", nodeID)
	}
	if _, err := node.store.Append(value, context); err != nil {
		return err
	}
	return nil
}

// ShareHead gossips a node's current head to all of its neighbors.
func (c *Cluster[T]) ShareHead(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node: %s", nodeID)
	}

	head := node.store.Head()
	if head == nil {
		return nil
	}
	for _, neighbor := range c.topo.NeighborsOf(nodeID) {
		c.queue = append(c.queue, envelope[T]{
			to:  neighbor,
			msg: message[T]{from: nodeID, head: head},
		})
	}
	return nil
}

// InitiateSnapshot starts a snapshot wave from one node and returns the
// wave ID.
func (c *Cluster[T]) InitiateSnapshot(nodeID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("unknown node: %s", nodeID)
	}

	snap, out, err := node.coord.InitiateSnapshot(node.store.Head())
	if err != nil {
		return "", fmt.Errorf("initiate snapshot on %s: %w", nodeID, err)
	}

	wave := strings.TrimPrefix(snap.Context(), "snapshot/")
	node.store.RecordSnapshot(wave, snap)
	c.enqueueMarkers(nodeID, out)
	return wave, nil
}

// Step delivers one queued message, chosen at random. It returns false
// when the queue is empty.
func (c *Cluster[T]) Step() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return false, nil
	}

	i := c.rng.Intn(len(c.queue))
	env := c.queue[i]
	c.queue[i] = c.queue[len(c.queue)-1]
	c.queue = c.queue[:len(c.queue)-1]

	if err := c.deliver(env); err != nil {
		return true, err
	}
	return true, nil
}

// Drain delivers queued messages until none remain, including messages
// produced during the drain. It returns the number delivered.
func (c *Cluster[T]) Drain() (int, error) {
	delivered := 0
	for {
		more, err := c.Step()
		if err != nil {
			return delivered + 1, err
		}
		if !more {
			return delivered, nil
		}
		delivered++
	}
}

func (c *Cluster[T]) deliver(env envelope[T]) error {
	node, ok := c.nodes[env.to]
	if !ok {
		return fmt.Errorf("message addressed to unknown node: %s", env.to)
	}

	if env.msg.marker != nil {
		snap, out := node.coord.HandleMarker(*env.msg.marker, node.store.Head(), env.msg.from)
		if snap != nil {
			node.store.RecordSnapshot(env.msg.marker.Wave, snap)
		}
		c.enqueueMarkers(env.to, out)
		return nil
	}

	node.store.Observe(env.msg.from, env.msg.head)
	_, report, err := node.store.Merge(env.msg.head, c.strat)
	if err != nil {
		if !errors.Is(err, merge.ErrConflictUnresolved) {
			return fmt.Errorf("merge on %s: %w", env.to, err)
		}
		c.logger.Warn("merge retained conflicting siblings",
			zap.String("node", env.to),
			zap.String("from", env.msg.from),
			zap.Int("unresolved", report.Unresolved))
	}
	return nil
}

func (c *Cluster[T]) enqueueMarkers(from string, out []snapshot.Outbound) {
	for _, ob := range out {
		m := ob.Marker
		c.queue = append(c.queue, envelope[T]{
			to:  ob.To,
			msg: message[T]{from: from, marker: &m},
		})
	}
}
