// Package salvage recovers JSON documents from free-form model output.
package salvage

import (
	"encoding/json"
	"strings"

	"workflow-gateway/internal/inference"
)

const fence = "```"

// StripFences returns the body of the first markdown code fence in s, or s
// trimmed of surrounding whitespace when there is no fence. The language tag
// on the opening fence line is dropped.
func StripFences(s string) string {
	start := strings.Index(s, fence)
	if start < 0 {
		return strings.TrimSpace(s)
	}
	body := s[start+len(fence):]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && isLangTag(body[:nl]) {
		body = body[nl+1:]
	}
	if end := strings.Index(body, fence); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func isLangTag(s string) bool {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if r == '{' || r == '[' || r == ' ' {
			return false
		}
	}
	return true
}

// Extract returns the JSON text found in s. It tries the fence-stripped text as
// is, then the span from the first '{' to the last '}', first within the fence
// body and then within the raw output.
func Extract(s string) (string, error) {
	stripped := StripFences(s)
	if stripped != "" && json.Valid([]byte(stripped)) {
		return stripped, nil
	}
	for _, candidate := range []string{stripped, s} {
		if span, ok := braceSpan(candidate); ok {
			return span, nil
		}
	}
	return "", inference.Malformed("no JSON object found in model output (%d bytes): %q", len(s), preview(s))
}

func braceSpan(s string) (string, bool) {
	i := strings.IndexByte(s, '{')
	j := strings.LastIndexByte(s, '}')
	if i < 0 || j <= i {
		return "", false
	}
	span := s[i : j+1]
	return span, json.Valid([]byte(span))
}

// Object extracts s and decodes it as a JSON object.
func Object(s string) (map[string]any, error) {
	text, err := Extract(s)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil || out == nil {
		// a top-level array or scalar: fall back to the brace span if there is one
		span, ok := braceSpan(text)
		if !ok {
			return nil, inference.Malformed("model output is JSON but not an object: %q", preview(text))
		}
		out = nil
		if err := json.Unmarshal([]byte(span), &out); err != nil || out == nil {
			return nil, inference.Malformed("model output is JSON but not an object: %q", preview(text))
		}
	}
	return out, nil
}

func preview(s string) string {
	const max = 120
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
