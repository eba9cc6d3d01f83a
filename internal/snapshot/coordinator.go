package snapshot

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"expchain/internal/chain"
)

// State represents a node's position in a snapshot wave.
type State int

const (
	// Idle means the node has not seen the wave (or completed it).
	Idle State = iota
	// AwaitingMarker means the node has recorded its local state and is
	// waiting for the wave's marker from the rest of its neighbors.
	AwaitingMarker
	// Recorded means the marker arrived from every neighbor; the node's
	// part of the wave is done.
	Recorded
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case AwaitingMarker:
		return "AWAITING_MARKER"
	case Recorded:
		return "RECORDED"
	default:
		return "UNKNOWN"
	}
}

// Marker is the control message that propagates a snapshot wave. Waves
// are identified by UUID so that two nodes initiating concurrently can
// never collide without any coordination.
type Marker struct {
	Wave      string `json:"wave"`
	Initiator string `json:"initiator"`
}

// Outbound is a marker addressed to a neighbor.
type Outbound struct {
	To     string
	Marker Marker
}

// waveProgress tracks one wave on one node.
type waveProgress[T any] struct {
	state    State
	seen     map[string]bool // neighbors whose marker has arrived
	snapshot *chain.Experience[T]
}

// Coordinator runs the coordinator-free distributed snapshot protocol
// for a single node: record local state the first time a wave is seen,
// forward the marker everywhere except where it came from, and count
// neighbor markers until the wave is locally complete. It never pauses
// the node; chains are immutable, so the recorded head stays consistent
// while appends continue.
type Coordinator[T any] struct {
	mu        sync.Mutex
	nodeID    string
	neighbors []string
	waves     map[string]*waveProgress[T]
	logger    *zap.Logger
}

// NewCoordinator creates a snapshot coordinator for nodeID with the
// given neighbor set. A nil logger disables logging.
func NewCoordinator[T any](nodeID string, neighbors []string, logger *zap.Logger) *Coordinator[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator[T]{
		nodeID:    nodeID,
		neighbors: append([]string(nil), neighbors...),
		waves:     make(map[string]*waveProgress[T]),
		logger:    logger,
	}
}

// InitiateSnapshot starts a fresh wave: the local chain is recorded
// immediately and a marker is emitted to every neighbor. Any node may
// initiate at any time; overlapping waves do not interfere.
func (c *Coordinator[T]) InitiateSnapshot(localChain *chain.Experience[T]) (*chain.Experience[T], []Outbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wave := uuid.NewString()
	if _, exists := c.waves[wave]; exists {
		return nil, nil, fmt.Errorf("wave %s already in progress", wave)
	}

	snap := c.record(wave, localChain)
	marker := Marker{Wave: wave, Initiator: c.nodeID}

	c.logger.Info("snapshot wave initiated",
		zap.String("node", c.nodeID),
		zap.String("wave", wave),
		zap.Int("neighbors", len(c.neighbors)))

	return snap, c.fanout(marker, ""), nil
}

// HandleMarker processes an incoming marker. The first marker of a wave
// records local state at that moment and forwards the marker to every
// neighbor except fromNode; later markers of the same wave only advance
// the neighbor count. Duplicate deliveries are no-ops, so the protocol
// tolerates transports that retry.
func (c *Coordinator[T]) HandleMarker(m Marker, localChain *chain.Experience[T], fromNode string) (*chain.Experience[T], []Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()

	progress, known := c.waves[m.Wave]
	if known {
		c.markSeen(progress, m.Wave, fromNode)
		return nil, nil
	}

	snap := c.record(m.Wave, localChain)
	progress = c.waves[m.Wave]
	c.markSeen(progress, m.Wave, fromNode)

	c.logger.Info("snapshot wave recorded",
		zap.String("node", c.nodeID),
		zap.String("wave", m.Wave),
		zap.String("initiator", m.Initiator),
		zap.String("from", fromNode))

	return snap, c.fanout(m, fromNode)
}

// WaveState returns the node's state for a wave; Idle for unknown waves.
func (c *Coordinator[T]) WaveState(wave string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if progress, ok := c.waves[wave]; ok {
		return progress.state
	}
	return Idle
}

// RecordedSnapshot returns the chain head recorded for a wave, or nil
// if this node has not recorded it.
func (c *Coordinator[T]) RecordedSnapshot(wave string) *chain.Experience[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if progress, ok := c.waves[wave]; ok {
		return progress.snapshot
	}
	return nil
}

// Complete discards a finished wave and returns the node to Idle for
// it. Termination of the wave across the whole system is detected
// externally (by counting acknowledgements); the coordinator only
// tracks its own node.
func (c *Coordinator[T]) Complete(wave string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waves, wave)
}

// record captures the local chain for a wave. The snapshot experience
// carries the head's value and clock verbatim under a wave-tagged
// context; it is a derived record owned by the caller, not an append,
// so recording never perturbs the chain being observed.
func (c *Coordinator[T]) record(wave string, localChain *chain.Experience[T]) *chain.Experience[T] {
	snap := chain.FromParts(localChain, localChain.Value(), "snapshot/"+wave, c.nodeID, localChain.Clock())

	progress := &waveProgress[T]{
		state:    AwaitingMarker,
		seen:     make(map[string]bool),
		snapshot: snap,
	}
	if len(c.neighbors) == 0 {
		progress.state = Recorded
	}
	c.waves[wave] = progress
	return snap
}

// markSeen notes that a neighbor's marker for the wave arrived and
// flips the wave to Recorded once every neighbor has reported.
func (c *Coordinator[T]) markSeen(progress *waveProgress[T], wave, fromNode string) {
	if fromNode == "" || progress.seen[fromNode] {
		return
	}
	progress.seen[fromNode] = true

	if progress.state == AwaitingMarker && len(progress.seen) >= len(c.neighbors) {
		progress.state = Recorded
		c.logger.Info("snapshot wave complete on node",
			zap.String("node", c.nodeID),
			zap.String("wave", wave))
	}
}

// fanout builds markers for every neighbor except the one the marker
// came from.
func (c *Coordinator[T]) fanout(m Marker, except string) []Outbound {
	out := make([]Outbound, 0, len(c.neighbors))
	for _, neighbor := range c.neighbors {
		if neighbor == except {
			continue
		}
		out = append(out, Outbound{To: neighbor, Marker: m})
	}
	return out
}
