// Package merge combines divergent experience chains into a single
// causally-consistent chain: it discovers the most recent shared
// ancestor, isolates the divergent segments, detects concurrent
// experiences that touch the same logical entity, and resolves them
// deterministically through a caller-supplied strategy. The engine is
// value-agnostic; conflict semantics live entirely in the strategy.
package merge
