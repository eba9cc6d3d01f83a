package clock

import (
	"fmt"
	"sort"
	"strings"
)

// VectorClock represents a vector clock as a map from node ID to counter.
// Every operation that produces a clock returns a fresh map; callers must
// treat a clock as immutable once it has been attached to an experience.
type VectorClock map[string]uint64

// New creates a new empty vector clock.
func New() VectorClock {
	return make(VectorClock)
}

// Tick returns a new clock with the counter for nodeID incremented by 1
// and every other component carried forward unchanged. The receiver is
// not modified.
func (vc VectorClock) Tick(nodeID string) VectorClock {
	next := vc.Copy()
	next[nodeID]++
	return next
}

// Get returns the counter value for the given node ID, or 0 if not present.
func (vc VectorClock) Get(nodeID string) uint64 {
	return vc[nodeID]
}

// Set sets the counter for the given node ID. It is intended for
// constructing clocks in tests and during decoding; tracked clocks should
// only ever advance through Tick and Merge.
func (vc VectorClock) Set(nodeID string, value uint64) {
	vc[nodeID] = value
}

// Merge returns the component-wise maximum of a and b over the union of
// their keys. It is a pure function: commutative, associative, and
// idempotent. Neither input is modified.
func Merge(a, b VectorClock) VectorClock {
	merged := a.Copy()
	for nodeID, counter := range b {
		if merged[nodeID] < counter {
			merged[nodeID] = counter
		}
	}
	return merged
}

// Copy creates a deep copy of the vector clock.
func (vc VectorClock) Copy() VectorClock {
	dup := New()
	for k, v := range vc {
		dup[k] = v
	}
	return dup
}

// CompareResult represents the result of comparing two vector clocks.
type CompareResult int

const (
	// Before indicates this clock happened before the other.
	Before CompareResult = iota
	// After indicates this clock happened after the other.
	After
	// Concurrent indicates the clocks are concurrent (no causal relationship).
	Concurrent
	// Equal indicates the clocks are equal.
	Equal
)

// String returns the string representation of a CompareResult.
func (r CompareResult) String() string {
	switch r {
	case Before:
		return "BEFORE"
	case After:
		return "AFTER"
	case Concurrent:
		return "CONCURRENT"
	case Equal:
		return "EQUAL"
	default:
		return "UNKNOWN"
	}
}

// Compare compares two vector clocks across the union of their keys,
// treating an absent key as 0. Returns:
//   - Equal: if all counters are equal
//   - Before: if this clock happened before other (all counters <=, at least one <)
//   - After: if this clock happened after other (all counters >=, at least one >)
//   - Concurrent: if neither dominates (some counters are greater, some are less)
func (vc VectorClock) Compare(other VectorClock) CompareResult {
	allNodes := make(map[string]bool)
	for nodeID := range vc {
		allNodes[nodeID] = true
	}
	for nodeID := range other {
		allNodes[nodeID] = true
	}

	var thisLess, thisGreater bool
	for nodeID := range allNodes {
		thisVal := vc[nodeID]
		otherVal := other[nodeID]
		if thisVal < otherVal {
			thisLess = true
		} else if thisVal > otherVal {
			thisGreater = true
		}
	}

	switch {
	case thisLess && !thisGreater:
		return Before
	case thisGreater && !thisLess:
		return After
	case thisLess && thisGreater:
		return Concurrent
	default:
		return Equal
	}
}

// Equal checks if two vector clocks are equal, treating an absent key as 0.
func (vc VectorClock) Equal(other VectorClock) bool {
	return vc.Compare(other) == Equal
}

// Sum returns the sum of all counters. If a happened before b then
// a.Sum() < b.Sum(), which makes Sum a cheap linearization key for
// ordering experiences consistently with causality.
func (vc VectorClock) Sum() uint64 {
	var total uint64
	for _, counter := range vc {
		total += counter
	}
	return total
}

// String returns a string representation of the vector clock.
func (vc VectorClock) String() string {
	if len(vc) == 0 {
		return "{}"
	}

	// Sort for deterministic output
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, vc[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Dominates returns true if this clock dominates (happened after) the other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == After
}

// IsConcurrent returns true if this clock is concurrent with the other.
func (vc VectorClock) IsConcurrent(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}
