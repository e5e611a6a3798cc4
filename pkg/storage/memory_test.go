// Unit tests for MemoryEngine against the base storage contract: the
// create/get/update/delete table, cascade-delete on node removal, the
// find_node_needing_embedding discovery predicate, and streaming early-stop.
package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEngine_CreateAndGetNode(t *testing.T) {
	m := NewMemoryEngine()
	defer m.Close()

	n := &Node{
		ID:         "n1",
		Labels:     []string{"Person"},
		Properties: map[string]any{"name": "Alice"},
		CreatedAt:  time.Now(),
	}
	require.NoError(t, m.CreateNode(n))

	got, err := m.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Person"}, got.Labels)
	assert.Equal(t, "Alice", got.Properties["name"])
}

func TestMemoryEngine_CreateNodeDuplicateIDFails(t *testing.T) {
	m := NewMemoryEngine()
	defer m.Close()

	n := &Node{ID: "dup", Labels: []string{"X"}}
	require.NoError(t, m.CreateNode(n))
	err := m.CreateNode(&Node{ID: "dup", Labels: []string{"Y"}})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestMemoryEngine_GetNodeNotFound(t *testing.T) {
	m := NewMemoryEngine()
	defer m.Close()

	_, err := m.GetNode("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryEngine_UpdateNodeNotFound(t *testing.T) {
	m := NewMemoryEngine()
	defer m.Close()

	err := m.UpdateNode(&Node{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryEngine_CreateEdgeRequiresBothEndpoints(t *testing.T) {
	m := NewMemoryEngine()
	defer m.Close()

	require.NoError(t, m.CreateNode(&Node{ID: "a"}))

	err := m.CreateEdge(&Edge{ID: "e1", StartNode: "a", EndNode: "missing", Type: "KNOWS"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.CreateNode(&Node{ID: "b"}))
	require.NoError(t, m.CreateEdge(&Edge{ID: "e1", StartNode: "a", EndNode: "b", Type: "KNOWS"}))

	dupErr := m.CreateEdge(&Edge{ID: "e1", StartNode: "a", EndNode: "b", Type: "KNOWS"})
	assert.ErrorIs(t, dupErr, ErrAlreadyExists)
}

func TestMemoryEngine_DeleteNodeCascadesEdges(t *testing.T) {
	m := NewMemoryEngine()
	defer m.Close()

	require.NoError(t, m.CreateNode(&Node{ID: "a"}))
	require.NoError(t, m.CreateNode(&Node{ID: "b"}))
	require.NoError(t, m.CreateNode(&Node{ID: "c"}))
	require.NoError(t, m.CreateEdge(&Edge{ID: "e1", StartNode: "a", EndNode: "b", Type: "KNOWS"}))
	require.NoError(t, m.CreateEdge(&Edge{ID: "e2", StartNode: "c", EndNode: "a", Type: "KNOWS"}))

	require.NoError(t, m.DeleteNode("a"))

	_, err := m.GetNode("a")
	assert.ErrorIs(t, err, ErrNotFound)

	allEdges, err := m.AllEdges()
	require.NoError(t, err)
	for _, e := range allEdges {
		assert.NotEqual(t, NodeID("a"), e.StartNode)
		assert.NotEqual(t, NodeID("a"), e.EndNode)
	}
	assert.Empty(t, allEdges)
}

func TestMemoryEngine_AllNodesAndAllEdgesSnapshot(t *testing.T) {
	m := NewMemoryEngine()
	defer m.Close()

	require.NoError(t, m.CreateNode(&Node{ID: "a"}))
	require.NoError(t, m.CreateNode(&Node{ID: "b"}))
	require.NoError(t, m.CreateEdge(&Edge{ID: "e1", StartNode: "a", EndNode: "b", Type: "KNOWS"}))

	nodes, err := m.AllNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	edges, err := m.AllEdges()
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestFindNodeNeedingEmbedding_SkipsInternalAndEmbedded(t *testing.T) {
	m := NewMemoryEngine()
	defer m.Close()

	require.NoError(t, m.CreateNode(&Node{ID: "internal", Labels: []string{"_System"}}))
	require.NoError(t, m.CreateNode(&Node{ID: "embedded", Embedding: []float32{1, 0}}))
	require.NoError(t, m.CreateNode(&Node{ID: "skipped", Properties: map[string]any{"embedding_skipped": "no content"}}))
	require.NoError(t, m.CreateNode(&Node{ID: "marked-done", Properties: map[string]any{"has_embedding": true}}))
	require.NoError(t, m.CreateNode(&Node{ID: "marked-pending", Properties: map[string]any{"has_embedding": false}}))

	found := map[string]bool{}
	for {
		n := m.FindNodeNeedingEmbedding()
		if n == nil {
			break
		}
		found[string(n.ID)] = true
		// Simulate the worker marking it done so the loop terminates.
		n.Properties = map[string]any{"has_embedding": true}
		require.NoError(t, m.UpdateNode(n))
	}

	assert.True(t, found["marked-pending"], "has_embedding=false still needs embedding")
	assert.False(t, found["internal"])
	assert.False(t, found["embedded"])
	assert.False(t, found["skipped"])
	assert.False(t, found["marked-done"])
}

func TestNodeNeedsEmbedding_HasEmbeddingTrueSkips(t *testing.T) {
	assert.False(t, NodeNeedsEmbedding(&Node{ID: "a", Properties: map[string]any{"has_embedding": true}}))
	assert.True(t, NodeNeedsEmbedding(&Node{ID: "b", Properties: map[string]any{"has_embedding": false}}))
	assert.True(t, NodeNeedsEmbedding(&Node{ID: "c"}))
}

func TestStreamNodes_EarlyStopSentinel(t *testing.T) {
	m := NewMemoryEngine()
	defer m.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, m.CreateNode(&Node{ID: NodeID(string(rune('a' + i)))}))
	}

	visited := 0
	err := m.StreamNodes(context.Background(), func(n *Node) error {
		visited++
		if visited == 3 {
			return ErrIterationStopped
		}
		return nil
	})
	assert.ErrorIs(t, err, ErrIterationStopped)
	assert.Equal(t, 3, visited)
}

func TestMemoryEngine_NodeAndEdgeCount(t *testing.T) {
	m := NewMemoryEngine()
	defer m.Close()

	require.NoError(t, m.CreateNode(&Node{ID: "a"}))
	require.NoError(t, m.CreateNode(&Node{ID: "b"}))
	require.NoError(t, m.CreateEdge(&Edge{ID: "e1", StartNode: "a", EndNode: "b", Type: "KNOWS"}))

	nc, err := m.NodeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), nc)

	ec, err := m.EdgeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), ec)
}

func TestMemoryEngine_CloseIsIdempotent(t *testing.T) {
	m := NewMemoryEngine()
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}
