package models

// WorkflowGraph is the artifact produced by a completed job.
type WorkflowGraph struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// Node is a single step of a workflow graph.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position Position       `json:"position"`
	Config   map[string]any `json:"config"`
}

// Position places a node on the editor canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge connects two nodes by id.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}
