package cluster

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expchain/internal/chain"
	"expchain/internal/config"
	"expchain/internal/merge"
)

func fullMesh(t *testing.T) *config.Topology {
	t.Helper()
	topo, err := config.ParseTopology("n1=n2;n3,n2=n1;n3,n3=n1;n2")
	require.NoError(t, err)
	return topo
}

func valueSet(head *chain.Experience[int]) map[int]int {
	set := make(map[int]int)
	for _, e := range head.UnfoldHistory() {
		set[e.Value]++
	}
	return set
}

func TestCluster_GossipConverges(t *testing.T) {
	topo := fullMesh(t)
	never := func(a, b int) bool { return false }
	c := New(topo, merge.RetainBoth(never), 1, nil)

	require.NoError(t, c.Append("n1", 1, "obs/a"))
	require.NoError(t, c.Append("n2", 2, "obs/b"))
	require.NoError(t, c.Append("n3", 3, "obs/c"))

	for round := 0; round < 3; round++ {
		for _, id := range topo.IDs() {
			require.NoError(t, c.ShareHead(id))
		}
		_, err := c.Drain()
		require.NoError(t, err)
	}

	want := map[int]int{1: 1, 2: 1, 3: 1}
	for _, id := range topo.IDs() {
		head := c.Node(id).Head()
		require.NotNil(t, head, "node %s should have a head", id)
		assert.Equal(t, want, valueSet(head), "node %s should hold every experience", id)
		assert.Len(t, head.UnfoldHistory(), 3, "node %s should not duplicate experiences", id)
	}
}

func TestCluster_RepeatedGossipDoesNotDuplicate(t *testing.T) {
	topo := fullMesh(t)
	never := func(a, b int) bool { return false }
	c := New(topo, merge.RetainBoth(never), 7, nil)

	require.NoError(t, c.Append("n1", 1, "obs/a"))
	require.NoError(t, c.Append("n2", 2, "obs/b"))

	for round := 0; round < 5; round++ {
		require.NoError(t, c.ShareHead("n1"))
		require.NoError(t, c.ShareHead("n2"))
		_, err := c.Drain()
		require.NoError(t, err)
	}

	assert.Len(t, c.Node("n1").Head().UnfoldHistory(), 2)
	assert.Len(t, c.Node("n2").Head().UnfoldHistory(), 2)
}

func TestCluster_ConflictingCountersResolveBySum(t *testing.T) {
	topo, err := config.ParseTopology("n1=n2,n2=n1")
	require.NoError(t, err)

	always := func(a, b int) bool { return true }
	c := New(topo, merge.Sum[int](always), 3, nil)

	require.NoError(t, c.Append("n1", 1, "counter"))
	require.NoError(t, c.Append("n2", 2, "counter"))

	require.NoError(t, c.ShareHead("n1"))
	require.NoError(t, c.ShareHead("n2"))
	_, err = c.Drain()
	require.NoError(t, err)

	for _, id := range []string{"n1", "n2"} {
		head := c.Node(id).Head()
		require.NotNil(t, head)
		assert.Equal(t, 3, head.Value(), "node %s should hold the summed counter", id)
		assert.Equal(t, chain.MergeNodeID, head.NodeID())
	}
}

func TestCluster_ResolvedCounterStaysStableAcrossRounds(t *testing.T) {
	topo, err := config.ParseTopology("n1=n2,n2=n1")
	require.NoError(t, err)

	always := func(a, b int) bool { return true }
	c := New(topo, merge.Sum[int](always), 17, nil)

	require.NoError(t, c.Append("n1", 1, "counter"))
	require.NoError(t, c.Append("n2", 2, "counter"))

	// With no new appends the resolved counter must survive any number
	// of further head exchanges unchanged.
	for round := 1; round <= 3; round++ {
		require.NoError(t, c.ShareHead("n1"))
		require.NoError(t, c.ShareHead("n2"))
		_, err := c.Drain()
		require.NoError(t, err)

		for _, id := range []string{"n1", "n2"} {
			head := c.Node(id).Head()
			require.NotNil(t, head)
			assert.Equal(t, 3, head.Value(),
				"round %d: node %s counter should stay at the resolved sum", round, id)
		}
	}

	// Both nodes settle on the same single resolution record.
	n1 := c.Node("n1").Head().Lineage()
	n2 := c.Node("n2").Head().Lineage()
	require.Len(t, n1, 1)
	require.Len(t, n2, 1)
	assert.Equal(t, n1[0].Key(), n2[0].Key())
}

func TestCluster_UnresolvedConflictsRetainBothAndKeepRunning(t *testing.T) {
	topo, err := config.ParseTopology("n1=n2,n2=n1")
	require.NoError(t, err)

	always := func(a, b int) bool { return true }
	c := New(topo, merge.RetainBoth(always), 5, nil)

	require.NoError(t, c.Append("n1", 1, "counter"))
	require.NoError(t, c.Append("n2", 2, "counter"))

	require.NoError(t, c.ShareHead("n1"))
	require.NoError(t, c.ShareHead("n2"))

	// Unresolved conflicts are a warning, not a delivery failure.
	_, err = c.Drain()
	require.NoError(t, err)

	for _, id := range []string{"n1", "n2"} {
		head := c.Node(id).Head()
		require.NotNil(t, head)
		got := valueSet(head)
		assert.Equal(t, 1, got[1], "node %s should retain the first sibling", id)
		assert.Equal(t, 1, got[2], "node %s should retain the second sibling", id)
	}
}

func TestCluster_SnapshotWaveRecordedEverywhere(t *testing.T) {
	topo := fullMesh(t)
	never := func(a, b int) bool { return false }
	c := New(topo, merge.RetainBoth(never), 11, nil)

	require.NoError(t, c.Append("n1", 1, "obs/a"))
	require.NoError(t, c.Append("n2", 2, "obs/b"))
	require.NoError(t, c.Append("n3", 3, "obs/c"))
	for _, id := range topo.IDs() {
		require.NoError(t, c.ShareHead(id))
	}
	_, err := c.Drain()
	require.NoError(t, err)

	wave, err := c.InitiateSnapshot("n1")
	require.NoError(t, err)
	require.NotEmpty(t, wave)

	_, err = c.Drain()
	require.NoError(t, err)

	for _, id := range topo.IDs() {
		snap, ok := c.Node(id).Snapshot(wave)
		require.True(t, ok, "node %s should have recorded the wave", id)
		require.NotNil(t, snap)
		assert.Equal(t, "snapshot/"+wave, snap.Context())
		assert.Equal(t, id, snap.NodeID())
	}
}

func TestCluster_OverlappingWavesStayIndependent(t *testing.T) {
	topo := fullMesh(t)
	never := func(a, b int) bool { return false }
	c := New(topo, merge.RetainBoth(never), 13, nil)

	require.NoError(t, c.Append("n1", 1, "obs/a"))

	w1, err := c.InitiateSnapshot("n1")
	require.NoError(t, err)
	w2, err := c.InitiateSnapshot("n2")
	require.NoError(t, err)
	require.NotEqual(t, w1, w2)

	_, err = c.Drain()
	require.NoError(t, err)

	for _, id := range topo.IDs() {
		for _, wave := range []string{w1, w2} {
			_, ok := c.Node(id).Snapshot(wave)
			assert.True(t, ok, "node %s should record wave %s", id, wave)
		}
	}
}

func TestCluster_DeterministicForSeed(t *testing.T) {
	run := func(seed int64) []string {
		topo := fullMesh(t)
		never := func(a, b int) bool { return false }
		c := New(topo, merge.RetainBoth(never), seed, nil)

		require.NoError(t, c.Append("n1", 1, "obs/a"))
		require.NoError(t, c.Append("n2", 2, "obs/b"))
		require.NoError(t, c.Append("n3", 3, "obs/c"))
		for round := 0; round < 2; round++ {
			for _, id := range topo.IDs() {
				require.NoError(t, c.ShareHead(id))
			}
			_, err := c.Drain()
			require.NoError(t, err)
		}

		var keys []string
		for _, id := range topo.IDs() {
			for _, e := range c.Node(id).Head().Lineage() {
				keys = append(keys, id+"/"+e.Key())
			}
		}
		sort.Strings(keys)
		return keys
	}

	first := run(42)
	second := run(42)
	assert.Equal(t, first, second, "same seed should produce identical cluster state")
}

func TestCluster_UnknownNode(t *testing.T) {
	topo := fullMesh(t)
	never := func(a, b int) bool { return false }
	c := New(topo, merge.RetainBoth(never), 1, nil)

	assert.Error(t, c.Append("n9", 1, "obs/a"))
	assert.Error(t, c.ShareHead("n9"))
	_, err := c.InitiateSnapshot("n9")
	assert.Error(t, err)
	assert.Nil(t, c.Node("n9"))
}
