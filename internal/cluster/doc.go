// Package cluster runs a set of nodes in a single process for tests
// and simulations. A seeded queue delivers chain heads and snapshot
// markers between nodes in random order, so runs exercise message
// reordering while staying reproducible.
package cluster
