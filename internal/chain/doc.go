// Package chain implements the append-only experience chain: an
// immutable, backward-linked history of values per node. Each append
// ticks the origin node's vector clock component, so any two
// experiences anywhere in the system are either causally ordered or
// concurrent. Chains structurally share their tails; safety under
// concurrent readers follows from immutability, not from locks.
package chain
