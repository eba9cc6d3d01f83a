package snapshot

import (
	"testing"

	"expchain/internal/chain"
)

func appendChain(t *testing.T, nodeID string, values ...int) *chain.Experience[int] {
	t.Helper()
	var head *chain.Experience[int]
	var err error
	for _, v := range values {
		head, err = chain.Append(head, v, "work", nodeID)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	return head
}

func TestInitiateSnapshot_RecordsAndEmitsMarkers(t *testing.T) {
	coord := NewCoordinator[int]("n1", []string{"n2", "n3"}, nil)
	head := appendChain(t, "n1", 1, 2, 3)

	snap, markers, err := coord.InitiateSnapshot(head)
	if err != nil {
		t.Fatalf("InitiateSnapshot failed: %v", err)
	}

	if snap == nil {
		t.Fatal("Expected a snapshot experience")
	}
	if snap.Value() != 3 {
		t.Errorf("Snapshot should capture the head value, got %d", snap.Value())
	}
	if !snap.Clock().Equal(head.Clock()) {
		t.Errorf("Snapshot must not tick the clock: %s vs %s", snap.Clock(), head.Clock())
	}
	if snap.NodeID() != "n1" {
		t.Errorf("Snapshot should carry the recording node, got %q", snap.NodeID())
	}

	if len(markers) != 2 {
		t.Fatalf("Expected markers for both neighbors, got %d", len(markers))
	}
	wave := markers[0].Marker.Wave
	if wave == "" {
		t.Error("Wave id must not be empty")
	}
	for _, m := range markers {
		if m.Marker.Wave != wave || m.Marker.Initiator != "n1" {
			t.Errorf("Unexpected marker %+v", m)
		}
	}

	if coord.WaveState(wave) != AwaitingMarker {
		t.Errorf("Initiator should await neighbor markers, got %v", coord.WaveState(wave))
	}
	if coord.RecordedSnapshot(wave) == nil {
		t.Error("Initiator should have recorded its snapshot")
	}
}

func TestInitiateSnapshot_FreshWavePerCall(t *testing.T) {
	coord := NewCoordinator[int]("n1", nil, nil)
	head := appendChain(t, "n1", 1)

	_, first, err := coord.InitiateSnapshot(head)
	if err != nil {
		t.Fatalf("InitiateSnapshot failed: %v", err)
	}
	_, second, err := coord.InitiateSnapshot(head)
	if err != nil {
		t.Fatalf("InitiateSnapshot failed: %v", err)
	}
	_ = first
	_ = second

	// Two concurrent coordinators can also never collide: waves are
	// random identifiers, not counters.
	other := NewCoordinator[int]("n2", nil, nil)
	_, _, err = other.InitiateSnapshot(appendChain(t, "n2", 9))
	if err != nil {
		t.Fatalf("InitiateSnapshot failed: %v", err)
	}
}

func TestHandleMarker_RecordsOnFirstSight(t *testing.T) {
	coord := NewCoordinator[int]("n2", []string{"n1", "n3"}, nil)
	head := appendChain(t, "n2", 5)

	m := Marker{Wave: "wave-1", Initiator: "n1"}
	snap, forwards := coord.HandleMarker(m, head, "n1")

	if snap == nil {
		t.Fatal("First marker should record a snapshot")
	}
	if snap.Value() != 5 {
		t.Errorf("Snapshot should capture the head value, got %d", snap.Value())
	}

	// Forwarded to all neighbors except the sender.
	if len(forwards) != 1 || forwards[0].To != "n3" {
		t.Errorf("Expected forward to n3 only, got %+v", forwards)
	}
	if forwards[0].Marker != m {
		t.Errorf("Marker should be forwarded unchanged, got %+v", forwards[0].Marker)
	}
}

func TestHandleMarker_Idempotent(t *testing.T) {
	coord := NewCoordinator[int]("n2", []string{"n1", "n3"}, nil)
	head := appendChain(t, "n2", 5)

	m := Marker{Wave: "wave-1", Initiator: "n1"}
	first, _ := coord.HandleMarker(m, head, "n1")

	// The chain moved on; a duplicate marker must not re-record.
	later, err := chain.Append(head, 6, "work", "n2")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	snap, forwards := coord.HandleMarker(m, later, "n1")
	if snap != nil {
		t.Error("Duplicate marker must not record again")
	}
	if len(forwards) != 0 {
		t.Errorf("Duplicate marker must not forward, got %+v", forwards)
	}

	if coord.RecordedSnapshot("wave-1").Value() != first.Value() {
		t.Error("Recorded snapshot must be the state at first sight")
	}
}

func TestHandleMarker_WaveCompletesAfterAllNeighbors(t *testing.T) {
	coord := NewCoordinator[int]("n2", []string{"n1", "n3"}, nil)
	head := appendChain(t, "n2", 5)

	m := Marker{Wave: "wave-1", Initiator: "n1"}
	coord.HandleMarker(m, head, "n1")
	if coord.WaveState("wave-1") != AwaitingMarker {
		t.Errorf("Expected AwaitingMarker after first neighbor, got %v", coord.WaveState("wave-1"))
	}

	coord.HandleMarker(m, head, "n3")
	if coord.WaveState("wave-1") != Recorded {
		t.Errorf("Expected Recorded after all neighbors, got %v", coord.WaveState("wave-1"))
	}

	coord.Complete("wave-1")
	if coord.WaveState("wave-1") != Idle {
		t.Errorf("Expected Idle after completion, got %v", coord.WaveState("wave-1"))
	}
}

func TestHandleMarker_EmptyChainSnapshot(t *testing.T) {
	coord := NewCoordinator[int]("n2", []string{"n1"}, nil)

	snap, _ := coord.HandleMarker(Marker{Wave: "w", Initiator: "n1"}, nil, "n1")
	if snap == nil {
		t.Fatal("Even an empty chain records a snapshot")
	}
	if snap.Value() != 0 {
		t.Errorf("Empty chain snapshot should carry the zero value, got %d", snap.Value())
	}
	if len(snap.Clock()) != 0 {
		t.Errorf("Empty chain snapshot should carry an empty clock, got %s", snap.Clock())
	}
}

func TestOverlappingWaves_DoNotInterfere(t *testing.T) {
	coord := NewCoordinator[int]("n2", []string{"n1", "n3"}, nil)

	headA := appendChain(t, "n2", 1)
	coord.HandleMarker(Marker{Wave: "wave-a", Initiator: "n1"}, headA, "n1")

	headB, err := chain.Append(headA, 2, "work", "n2")
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	coord.HandleMarker(Marker{Wave: "wave-b", Initiator: "n3"}, headB, "n3")

	if coord.RecordedSnapshot("wave-a").Value() != 1 {
		t.Error("Wave A should have captured the earlier head")
	}
	if coord.RecordedSnapshot("wave-b").Value() != 2 {
		t.Error("Wave B should have captured the later head")
	}
}
