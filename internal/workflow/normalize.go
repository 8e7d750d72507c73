// Package workflow turns loosely-structured model output into a well-formed workflow graph.
package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"workflow-gateway/internal/models"
)

const (
	DefaultName    = "Generated Workflow"
	DefaultSummary = "AI-generated workflow"
	DefaultType    = "noop"

	originX = 250.0
	originY = 100.0
	stepX   = 300.0
)

// DefaultPosition is the staggered layout slot for the node at index i.
func DefaultPosition(i int) models.Position {
	return models.Position{X: originX + float64(i)*stepX, Y: originY}
}

// Normalize fills missing fields positionally and checks edges. Nodes are
// never rejected: a taken id is replaced with the next free node_{k}.
// An edge without a source or target, or one that references an unknown
// node, is an error naming the edge index.
func Normalize(raw map[string]any) (models.WorkflowGraph, error) {
	g := models.WorkflowGraph{
		Name:    stringField(raw, "name", DefaultName),
		Summary: stringField(raw, "summary", DefaultSummary),
		Nodes:   []models.Node{},
		Edges:   []models.Edge{},
	}
	if g.Summary == DefaultSummary {
		g.Summary = stringField(raw, "description", DefaultSummary)
	}

	ids := make(map[string]bool)
	for i, item := range listField(raw, "nodes") {
		obj, _ := item.(map[string]any)
		n := models.Node{
			ID:       stringField(obj, "id", fmt.Sprintf("node_%d", i+1)),
			Type:     stringField(obj, "type", DefaultType),
			Position: positionField(obj, i),
			Config:   mapField(obj, "config"),
		}
		if ids[n.ID] {
			n.ID = freeID(ids, i+1)
		}
		ids[n.ID] = true
		g.Nodes = append(g.Nodes, n)
	}

	for i, item := range listField(raw, "edges") {
		obj, _ := item.(map[string]any)
		source := stringField(obj, "source", "")
		target := stringField(obj, "target", "")
		if source == "" || target == "" {
			return models.WorkflowGraph{}, fmt.Errorf("invalid edge at index %d: missing source or target", i)
		}
		if !ids[source] || !ids[target] {
			return models.WorkflowGraph{}, fmt.Errorf("invalid edge at index %d: %s -> %s references an unknown node", i, source, target)
		}
		g.Edges = append(g.Edges, models.Edge{
			ID:     stringField(obj, "id", fmt.Sprintf("edge_%d", i+1)),
			Source: source,
			Target: target,
		})
	}

	if err := roundTrip(g); err != nil {
		return models.WorkflowGraph{}, err
	}
	return g, nil
}

func freeID(ids map[string]bool, k int) string {
	for ; ; k++ {
		if id := fmt.Sprintf("node_%d", k); !ids[id] {
			return id
		}
	}
}

// roundTrip confirms the graph serializes and decodes back unchanged in shape.
func roundTrip(g models.WorkflowGraph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("serialize workflow: %w", err)
	}
	var back models.WorkflowGraph
	if err := json.Unmarshal(data, &back); err != nil {
		return fmt.Errorf("deserialize workflow: %w", err)
	}
	if len(back.Nodes) != len(g.Nodes) || len(back.Edges) != len(g.Edges) || back.Name != g.Name {
		return fmt.Errorf("workflow changed across serialization round-trip")
	}
	return nil
}

func stringField(obj map[string]any, key, def string) string {
	switch v := obj[key].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return def
}

func listField(obj map[string]any, key string) []any {
	if v, ok := obj[key].([]any); ok {
		return v
	}
	return nil
}

func mapField(obj map[string]any, key string) map[string]any {
	if v, ok := obj[key].(map[string]any); ok && v != nil {
		return v
	}
	return map[string]any{}
}

func positionField(obj map[string]any, i int) models.Position {
	pos, ok := obj["position"].(map[string]any)
	if !ok {
		return DefaultPosition(i)
	}
	x, okX := pos["x"].(float64)
	y, okY := pos["y"].(float64)
	if !okX || !okY {
		return DefaultPosition(i)
	}
	return models.Position{X: x, Y: y}
}
