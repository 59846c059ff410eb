// Package parser turns a raw model reply into an ordered sequence of records.
// The input may be one well-formed JSON object, several concatenated objects,
// or objects interleaved with stray prose; the scanner resynchronizes after
// any malformed segment instead of aborting.
package parser

import (
	"encoding/json"
	"strings"

	"albert/internal/domain"
)

// Parse scans text left to right and returns every decodable JSON object as a
// record, in input order. It never fails; the worst case is zero records.
func Parse(text string) []domain.Record {
	text = stripFence(text)

	var records []domain.Record
	for i := 0; i < len(text); {
		// Only an object can become a record, so resync to the next brace.
		next := strings.IndexByte(text[i:], '{')
		if next < 0 {
			break
		}
		i += next

		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var obj map[string]json.RawMessage
		if err := dec.Decode(&obj); err != nil {
			i++
			continue
		}
		records = append(records, toRecord(obj))
		i += int(dec.InputOffset())
	}
	return records
}

// stripFence removes a markdown code fence only when it wraps the entire
// payload. Interior fences are left for the resynchronizing scan.
func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") {
		return text
	}
	t = strings.TrimSuffix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	} else {
		t = strings.TrimPrefix(t, "```")
	}
	return strings.TrimSpace(t)
}

// toRecord decodes one JSON object permissively: unknown fields are ignored,
// malformed known fields are dropped rather than failing the record.
func toRecord(obj map[string]json.RawMessage) domain.Record {
	var r domain.Record
	decodeString(obj, "thought_process", &r.Thought)
	if r.Thought == "" {
		decodeString(obj, "thought", &r.Thought)
	}
	decodeString(obj, "message", &r.Message)

	if raw, ok := obj["tool"]; ok {
		var tool domain.ToolMention
		if err := json.Unmarshal(raw, &tool); err == nil && tool.Name != "" {
			r.Tool = &tool
		}
	}
	if raw, ok := obj["artifacts"]; ok {
		var specs []domain.ArtifactSpec
		if err := json.Unmarshal(raw, &specs); err == nil {
			r.Artifacts = specs
		}
	}
	if raw, ok := obj["next_action"]; ok {
		var next domain.NextAction
		if err := json.Unmarshal(raw, &next); err == nil && next.Type != "" {
			r.Next = &next
		}
	}
	return r
}

func decodeString(obj map[string]json.RawMessage, key string, dst *string) {
	raw, ok := obj[key]
	if !ok {
		return
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		*dst = s
	}
}
