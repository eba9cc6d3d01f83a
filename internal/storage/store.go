package storage

import (
	"fmt"
	"sync"

	"expchain/internal/chain"
	"expchain/internal/clock"
	"expchain/internal/merge"
)

// ChainStore tracks the local experience chain together with the latest
// known head for every peer. It is thread-safe; all chain values it hands
// out are immutable, so callers never need to copy them.
type ChainStore[T any] struct {
	mu     sync.RWMutex
	nodeID string
	local  *chain.Experience[T]
	peers  map[string]*chain.Experience[T]
	waves  map[string]*chain.Experience[T]
}

// NewChainStore creates an empty store for the given node.
func NewChainStore[T any](nodeID string) *ChainStore[T] {
	return &ChainStore[T]{
		nodeID: nodeID,
		peers:  make(map[string]*chain.Experience[T]),
		waves:  make(map[string]*chain.Experience[T]),
	}
}

// NodeID returns the identity this store appends under.
func (s *ChainStore[T]) NodeID() string {
	return s.nodeID
}

// Head returns the local chain head, or nil if nothing has been appended.
func (s *ChainStore[T]) Head() *chain.Experience[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// Append extends the local chain with a new experience and returns the
// new head.
func (s *ChainStore[T]) Append(value T, context string) (*chain.Experience[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := chain.Append(s.local, value, context, s.nodeID)
	if err != nil {
		return nil, fmt.Errorf("append to local chain: %w", err)
	}
	s.local = head
	return head, nil
}

// Merge reconciles a remote head into the local chain using the given
// strategy and returns the new head. The local head advances even when
// the merge reports unresolved conflicts; the warning is passed through
// to the caller.
func (s *ChainStore[T]) Merge(remote *chain.Experience[T], strat merge.Strategy[T]) (*chain.Experience[T], merge.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, report, err := merge.Merge(s.local, remote, s.nodeID, strat)
	if head != nil {
		s.local = head
	}
	return head, report, err
}

// Observe records a peer's head. The stored head is only replaced when
// the incoming clock is not dominated by what we already have, mirroring
// the dominance check used for repair writes: stale gossip never rolls a
// peer entry backwards.
func (s *ChainStore[T]) Observe(peerID string, head *chain.Experience[T]) {
	if head == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.peers[peerID]
	if exists {
		comp := head.Clock().Compare(existing.Clock())
		if comp == clock.Before || comp == clock.Equal {
			return
		}
	}
	s.peers[peerID] = head
}

// PeerHead returns the latest known head for a peer, or nil if none has
// been observed.
func (s *ChainStore[T]) PeerHead(peerID string) *chain.Experience[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[peerID]
}

// Peers returns the IDs of all peers with an observed head.
func (s *ChainStore[T]) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// RecordSnapshot stores the head captured for a snapshot wave.
func (s *ChainStore[T]) RecordSnapshot(wave string, head *chain.Experience[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waves[wave] = head
}

// Snapshot returns the head recorded for a wave. The second return is
// false if the wave is unknown.
func (s *ChainStore[T]) Snapshot(wave string) (*chain.Experience[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.waves[wave]
	return head, ok
}

// DropSnapshot forgets a recorded wave.
func (s *ChainStore[T]) DropSnapshot(wave string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waves, wave)
}
