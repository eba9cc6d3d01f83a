package travel

import (
	"errors"
	"fmt"

	"expchain/internal/chain"
	"expchain/internal/clock"
	"expchain/internal/merge"
)

// TimeTravel walks the chain backward to the experience matching the
// target clock, or the closest reachable point: the walk descends while
// the current experience is still causally after the target and stops
// at the first experience that is Equal or Concurrent to it. It returns
// nil when the target is causally ahead of the chain entirely.
func TimeTravel[T any](head *chain.Experience[T], target clock.VectorClock) *chain.Experience[T] {
	cur := head
	for cur != nil && cur.Clock().Compare(target) == clock.After {
		cur = cur.Previous()
	}
	if cur == nil {
		return nil
	}

	switch cur.Clock().Compare(target) {
	case clock.Equal, clock.Concurrent:
		return cur
	default:
		// Still Before the target: the chain never reached that point.
		return nil
	}
}

// Event is one step of a replay: either a local append or a merge with
// a remote chain.
type Event[T any] interface {
	apply(cur *chain.Experience[T]) (*chain.Experience[T], error)
}

// AppendEvent replays a local append.
type AppendEvent[T any] struct {
	Value   T
	Context string
	NodeID  string
}

func (e AppendEvent[T]) apply(cur *chain.Experience[T]) (*chain.Experience[T], error) {
	return chain.Append(cur, e.Value, e.Context, e.NodeID)
}

// MergeEvent replays the arrival of a remote chain.
type MergeEvent[T any] struct {
	Remote   *chain.Experience[T]
	NodeID   string
	Strategy merge.Strategy[T]
}

func (e MergeEvent[T]) apply(cur *chain.Experience[T]) (*chain.Experience[T], error) {
	head, _, err := merge.Merge(cur, e.Remote, e.NodeID, e.Strategy)
	if err != nil && !errors.Is(err, merge.ErrConflictUnresolved) {
		return nil, err
	}
	// Unresolved conflicts are a warning; the retained siblings replay
	// deterministically like everything else.
	return head, nil
}

// ReplayFrom rebuilds a later chain state by folding events onto a
// snapshot, oldest event first. Appends and merges are deterministic,
// so replaying the same events over the same snapshot always reproduces
// the same chain.
func ReplayFrom[T any](snapshot *chain.Experience[T], events []Event[T]) (*chain.Experience[T], error) {
	cur := snapshot
	for i, event := range events {
		next, err := event.apply(cur)
		if err != nil {
			return nil, fmt.Errorf("replay event %d: %w", i, err)
		}
		cur = next
	}
	return cur, nil
}
