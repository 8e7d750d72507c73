package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"workflow-gateway/internal/inference"
	"workflow-gateway/internal/models"
)

const (
	analysisSystem   = "You are a workflow analysis assistant. Return only valid JSON."
	generationSystem = "You are a workflow generation expert. Return ONLY valid JSON, no markdown."
)

func analysisMessages(job models.Job) []inference.Message {
	prompt := fmt.Sprintf(`Analyze this workflow request and provide a JSON summary:

User Prompt: %s
Mode: %s

Return JSON with: summary, requirements (array), triggerType, requiredNodes (array), dataFlow, outputAction.`,
		job.Prompt, job.Mode)
	return []inference.Message{
		{Role: "system", Content: analysisSystem},
		{Role: "user", Content: prompt},
	}
}

func generationMessages(job models.Job, analysis map[string]any) []inference.Message {
	analysisJSON, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		analysisJSON = []byte("{}")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Generate a complete workflow JSON based on this analysis:\n\nAnalysis: %s\n\n", analysisJSON)
	fmt.Fprintf(&b, "User Request: %s\nMode: %s\n\n", job.Prompt, job.Mode)
	if job.Mode == models.ModeModify && job.CurrentWorkflow != nil {
		current, err := json.MarshalIndent(job.CurrentWorkflow, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "Current Workflow:\n%s\n\nApply the requested changes to the current workflow and return the full updated workflow.\n\n", current)
		}
	}
	b.WriteString(`Return ONLY valid JSON with this structure:
{
  "name": "Workflow name",
  "summary": "Brief description",
  "nodes": [{"id": "...", "type": "...", "position": {"x": 0, "y": 0}, "config": {}}],
  "edges": [{"id": "...", "source": "...", "target": "..."}]
}

Return ONLY JSON, no markdown, no explanations.`)

	return []inference.Message{
		{Role: "system", Content: generationSystem},
		{Role: "user", Content: b.String()},
	}
}

// fallbackAnalysis stands in when the analysis model returns unparseable output.
func fallbackAnalysis() map[string]any {
	return map[string]any{"summary": "Analysis completed", "requirements": []any{}}
}

// wordCount is the rough token estimate recorded in observability.
func wordCount(msgs ...string) int {
	n := 0
	for _, m := range msgs {
		n += len(strings.Fields(m))
	}
	return n
}

func messageText(msgs []inference.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}
