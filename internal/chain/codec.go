package chain

import (
	"encoding/json"
	"fmt"

	"expchain/internal/clock"
)

// record is the wire form of one experience: an arena entry whose
// previous is the index of an earlier record, or -1 for the root.
// Storing links as indices keeps the serialized form acyclic by
// construction: a record may only reference a record that was written
// strictly before it.
type record[T any] struct {
	Value    T                 `json:"value"`
	Context  string            `json:"context"`
	NodeID   string            `json:"node_id"`
	Clock    map[string]uint64 `json:"vector_clock"`
	Previous int               `json:"previous"`
}

// Marshal serializes the chain ending at e as an ordered record list,
// oldest first. An empty chain serializes to an empty list.
func Marshal[T any](e *Experience[T]) ([]byte, error) {
	nodes := e.lineage()
	records := make([]record[T], 0, len(nodes))
	for i, n := range nodes {
		records = append(records, record[T]{
			Value:    n.value,
			Context:  n.context,
			NodeID:   n.nodeID,
			Clock:    n.vclock,
			Previous: i - 1,
		})
	}

	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("marshal chain: %w", err)
	}
	return data, nil
}

// Unmarshal reassembles a chain from its serialized record list and
// returns the head (the last record). Every record's previous index
// must point at an earlier record or be -1; anything else means the
// transport or serializer corrupted the chain and yields
// ErrMalformedChain.
func Unmarshal[T any](data []byte) (*Experience[T], error) {
	var records []record[T]
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal chain: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	arena := make([]*Experience[T], len(records))
	for i, rec := range records {
		if rec.Previous < -1 || rec.Previous >= i {
			return nil, fmt.Errorf("%w: record %d references previous %d", ErrMalformedChain, i, rec.Previous)
		}
		if rec.NodeID == "" {
			return nil, fmt.Errorf("%w: record %d has no origin node", ErrMalformedChain, i)
		}

		var prev *Experience[T]
		if rec.Previous >= 0 {
			prev = arena[rec.Previous]
		}
		arena[i] = FromParts(prev, rec.Value, rec.Context, rec.NodeID, clock.VectorClock(rec.Clock))
	}

	return arena[len(arena)-1], nil
}
