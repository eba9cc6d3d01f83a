// Package snapshot implements a coordinator-free distributed snapshot
// over experience chains using marker propagation. Any node may start a
// wave; every node records its local chain the first time it sees the
// wave's marker and forwards the marker to its remaining neighbors.
// Because chains are immutable, recording is a pointer capture and the
// node never stops appending.
package snapshot
