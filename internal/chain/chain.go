package chain

import (
	"errors"
	"fmt"

	"expchain/internal/clock"
)

// MergeNodeID is the reserved origin id carried by experiences produced
// by the merge engine. Append refuses it so that ordinary history can
// never be mistaken for a merge result.
const MergeNodeID = "MERGE"

var (
	// ErrReservedNodeID is returned when a caller tries to append with
	// the reserved merge sentinel as origin.
	ErrReservedNodeID = errors.New("node id is reserved for merge results")

	// ErrMalformedChain is returned when a serialized chain cannot be
	// reassembled (cycle, forward reference, unresolvable previous).
	ErrMalformedChain = errors.New("malformed chain")
)

// Experience is one immutable entry in a node-local history chain. It
// links backward to the experience it was derived from; the root of a
// chain has no previous. An empty chain is represented by a nil
// *Experience.
//
// Experiences are never modified after creation. "Updating" a chain
// means creating a new Experience whose previous is the old head, so
// concurrent readers of a shared tail never observe partial state.
type Experience[T any] struct {
	previous *Experience[T]
	value    T
	context  string
	nodeID   string
	vclock   clock.VectorClock
}

// Entry is one (value, context) pair of an unfolded history.
type Entry[T any] struct {
	Value   T
	Context string
}

// Append builds a new Experience on top of previous with the clock for
// nodeID ticked. previous may be nil, which starts a new chain.
// It fails only if nodeID is empty or the reserved merge sentinel.
func Append[T any](previous *Experience[T], value T, context, nodeID string) (*Experience[T], error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id cannot be empty")
	}
	if nodeID == MergeNodeID {
		return nil, fmt.Errorf("cannot append as %q: %w", nodeID, ErrReservedNodeID)
	}

	base := clock.New()
	if previous != nil {
		base = previous.vclock
	}

	return &Experience[T]{
		previous: previous,
		value:    value,
		context:  context,
		nodeID:   nodeID,
		vclock:   base.Tick(nodeID),
	}, nil
}

// FromParts relinks an existing record on top of previous without
// ticking: the supplied clock is stored as-is (copied). It is the
// low-level constructor used by the merge engine, the codec, and Map,
// where the experience being placed already carries its causal
// timestamp. The clock for new local history must come from Append.
func FromParts[T any](previous *Experience[T], value T, context, nodeID string, vc clock.VectorClock) *Experience[T] {
	if vc == nil {
		vc = clock.New()
	}
	return &Experience[T]{
		previous: previous,
		value:    value,
		context:  context,
		nodeID:   nodeID,
		vclock:   vc.Copy(),
	}
}

// Previous returns the parent experience, or nil for a root.
func (e *Experience[T]) Previous() *Experience[T] {
	if e == nil {
		return nil
	}
	return e.previous
}

// Value returns the value recorded by this experience. The zero value
// of T is returned for an empty chain.
func (e *Experience[T]) Value() T {
	if e == nil {
		var zero T
		return zero
	}
	return e.value
}

// Context returns the free-form provenance label of this experience.
func (e *Experience[T]) Context() string {
	if e == nil {
		return ""
	}
	return e.context
}

// NodeID returns the origin node of this experience.
func (e *Experience[T]) NodeID() string {
	if e == nil {
		return ""
	}
	return e.nodeID
}

// Clock returns a copy of the vector clock recorded at creation.
func (e *Experience[T]) Clock() clock.VectorClock {
	if e == nil {
		return clock.New()
	}
	return e.vclock.Copy()
}

// Key returns a stable identity for the experience derived from its
// origin, clock, and context. Two experiences with the same key denote
// the same causal event even when they live in different chain objects,
// which is what ancestor discovery compares during merges.
func (e *Experience[T]) Key() string {
	if e == nil {
		return ""
	}
	return e.nodeID + "@" + e.vclock.String() + "#" + e.context
}

// UnfoldHistory returns the (value, context) pairs of the chain ending
// at e, oldest first. A nil chain unfolds to an empty history. The walk
// is bounded by the chain depth.
func (e *Experience[T]) UnfoldHistory() []Entry[T] {
	nodes := e.lineage()
	entries := make([]Entry[T], 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, Entry[T]{Value: n.value, Context: n.context})
	}
	return entries
}

// Depth returns the number of ancestors of e: 0 for a root (and for an
// empty chain).
func (e *Experience[T]) Depth() int {
	depth := 0
	for cur := e; cur != nil && cur.previous != nil; cur = cur.previous {
		depth++
	}
	return depth
}

// Rewind walks previous steps times. If steps exceeds the depth, the
// walk clamps to the root rather than failing.
func (e *Experience[T]) Rewind(steps int) *Experience[T] {
	cur := e
	for i := 0; i < steps && cur != nil && cur.previous != nil; i++ {
		cur = cur.previous
	}
	return cur
}

// Map rebuilds the whole chain applying f to every value while
// preserving every context, origin, and vector clock unchanged. The
// original chain is untouched and the depth is preserved exactly.
func (e *Experience[T]) Map(f func(value T, context string) T) *Experience[T] {
	var rebuilt *Experience[T]
	for _, n := range e.lineage() {
		rebuilt = FromParts(rebuilt, f(n.value, n.context), n.context, n.nodeID, n.vclock)
	}
	return rebuilt
}

// FindByContext returns the most recent experience whose context
// matches, or nil if no ancestor carries it.
func (e *Experience[T]) FindByContext(context string) *Experience[T] {
	for cur := e; cur != nil; cur = cur.previous {
		if cur.context == context {
			return cur
		}
	}
	return nil
}

// lineage returns the chain nodes from root to e.
func (e *Experience[T]) lineage() []*Experience[T] {
	var nodes []*Experience[T]
	for cur := e; cur != nil; cur = cur.previous {
		nodes = append(nodes, cur)
	}
	// Reverse into root-first order
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return nodes
}

// Lineage returns the chain nodes from root to e, oldest first. The
// returned slice is fresh but the experiences are shared; they are
// immutable so sharing is safe.
func (e *Experience[T]) Lineage() []*Experience[T] {
	return e.lineage()
}
