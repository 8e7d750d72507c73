package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflow-gateway/internal/models"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestNormalizeDefaultsEmptyNode(t *testing.T) {
	g, err := Normalize(decode(t, `{"nodes":[{}], "edges":[]}`))
	require.NoError(t, err)

	require.Len(t, g.Nodes, 1)
	n := g.Nodes[0]
	assert.Equal(t, "node_1", n.ID)
	assert.Equal(t, "noop", n.Type)
	assert.Equal(t, models.Position{X: 250, Y: 100}, n.Position)
	assert.NotNil(t, n.Config)
	assert.Empty(t, n.Config)

	assert.Equal(t, DefaultName, g.Name)
	assert.Equal(t, DefaultSummary, g.Summary)
	assert.Empty(t, g.Edges)
}

func TestNormalizeEdgeMissingEndpointsIsFatal(t *testing.T) {
	_, err := Normalize(decode(t, `{"nodes":[{"id":"a"},{"id":"b"}],"edges":[{"id":"ok","source":"a","target":"b"},{"id":"e1"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid edge at index 1")
	assert.Contains(t, err.Error(), "missing source or target")
}

func TestNormalizeEdgeToUnknownNodeIsFatal(t *testing.T) {
	_, err := Normalize(decode(t, `{"nodes":[{"id":"a"}],"edges":[{"source":"a","target":"ghost"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid edge at index 0")
}

func TestNormalizeStaggersAndAssignsIDs(t *testing.T) {
	g, err := Normalize(decode(t, `{
		"name": "Lead routing",
		"summary": "Routes inbound leads",
		"nodes": [
			{"id": "trigger", "type": "webhook", "position": {"x": 10, "y": 20}, "config": {"path": "/leads"}},
			{"type": "filter"},
			{"id": 7}
		],
		"edges": [
			{"source": "trigger", "target": "node_2"},
			{"id": "custom", "source": "node_2", "target": "7"}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "Lead routing", g.Name)
	assert.Equal(t, "Routes inbound leads", g.Summary)
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, models.Position{X: 10, Y: 20}, g.Nodes[0].Position)
	assert.Equal(t, "/leads", g.Nodes[0].Config["path"])
	assert.Equal(t, "node_2", g.Nodes[1].ID)
	assert.Equal(t, "filter", g.Nodes[1].Type)
	assert.Equal(t, models.Position{X: 550, Y: 100}, g.Nodes[1].Position)
	assert.Equal(t, "7", g.Nodes[2].ID)
	assert.Equal(t, models.Position{X: 850, Y: 100}, g.Nodes[2].Position)

	require.Len(t, g.Edges, 2)
	assert.Equal(t, "edge_1", g.Edges[0].ID)
	assert.Equal(t, "custom", g.Edges[1].ID)
}

func TestNormalizeMissingTopLevelFields(t *testing.T) {
	g, err := Normalize(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, DefaultName, g.Name)
	assert.NotNil(t, g.Nodes)
	assert.NotNil(t, g.Edges)

	data, err := json.Marshal(g)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Generated Workflow","summary":"AI-generated workflow","nodes":[],"edges":[]}`, string(data))
}

func TestNormalizeDefaultedIDSkipsTakenID(t *testing.T) {
	g, err := Normalize(decode(t, `{"nodes":[{"id":"node_2","type":"webhook"},{"type":"filter"}],"edges":[{"source":"node_2","target":"node_3"}]}`))
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, "node_2", g.Nodes[0].ID)
	assert.Equal(t, "node_3", g.Nodes[1].ID)
	assert.Equal(t, "filter", g.Nodes[1].Type)
	require.Len(t, g.Edges, 1)
}

func TestNormalizeRenamesDuplicateNodeIDs(t *testing.T) {
	g, err := Normalize(decode(t, `{"nodes":[{"id":"a"},{"id":"a"},{}]}`))
	require.NoError(t, err)
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, "a", g.Nodes[0].ID)
	assert.Equal(t, "node_2", g.Nodes[1].ID)
	assert.Equal(t, "node_3", g.Nodes[2].ID)
}

func TestNormalizeBadPositionIsDefaulted(t *testing.T) {
	g, err := Normalize(decode(t, `{"nodes":[{"id":"a","position":"top-left"},{"id":"b","position":{"x":"1"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultPosition(0), g.Nodes[0].Position)
	assert.Equal(t, DefaultPosition(1), g.Nodes[1].Position)
}
