// Package storage keeps the mutable state of a node: the local
// experience chain head, the latest known heads of its peers, and the
// chains recorded for snapshot waves.
//
// The chains themselves are immutable, so the store only guards the
// head pointers. All methods are safe for concurrent use.
package storage
