package parser_test

import (
	"fmt"
	"testing"

	"albert/internal/parser"
)

func TestSingleObject(t *testing.T) {
	records := parser.Parse(`{"thought_process": "thinking", "artifacts": [{"path": "a.txt", "content": "hi"}]}`)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.Thought != "thinking" {
		t.Fatalf("unexpected thought: %q", r.Thought)
	}
	if len(r.Artifacts) != 1 || r.Artifacts[0].Path != "a.txt" || r.Artifacts[0].Content != "hi" {
		t.Fatalf("unexpected artifacts: %+v", r.Artifacts)
	}
}

func TestConcatenatedObjects(t *testing.T) {
	in := `{"message":"one"}{"message":"two"}{"message":"three"}`
	records := parser.Parse(in)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []string{"one", "two", "three"} {
		if records[i].Message != want {
			t.Fatalf("record %d: got %q want %q", i, records[i].Message, want)
		}
	}
}

func TestResynchronizationWithFiller(t *testing.T) {
	fillers := []string{
		"some stray prose",
		"```json",
		"{broken json",
		"}{}{",
		"unicode çöntent ✨",
	}
	for _, filler := range fillers {
		in := fmt.Sprintf("%s{\"message\":\"a\"}%s{\"message\":\"b\"}%s", filler, filler, filler)
		records := parser.Parse(in)
		var got []string
		for _, r := range records {
			if r.Message != "" {
				got = append(got, r.Message)
			}
		}
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Fatalf("filler %q: got messages %v", filler, got)
		}
	}
}

func TestFillerNeverConsumesValidObject(t *testing.T) {
	// A dangling brace right before a valid object must not swallow it.
	records := parser.Parse(`{{"message":"kept"}`)
	if len(records) != 1 || records[0].Message != "kept" {
		t.Fatalf("expected the inner object to survive, got %+v", records)
	}
}

func TestFenceStripping(t *testing.T) {
	in := "```json\n{\"message\":\"fenced\"}\n```"
	records := parser.Parse(in)
	if len(records) != 1 || records[0].Message != "fenced" {
		t.Fatalf("expected fenced object, got %+v", records)
	}
}

func TestEmptyAndGarbageInputs(t *testing.T) {
	for _, in := range []string{"", "   ", "no json here", "[1,2,3]", "42"} {
		if records := parser.Parse(in); len(records) != 0 {
			t.Fatalf("input %q: expected no records, got %d", in, len(records))
		}
	}
}

func TestNextActionDecoding(t *testing.T) {
	in := `{"next_action":{"type":"exec_and_chain","target":"audits/scan.py","continuation":"now finish"}}`
	records := parser.Parse(in)
	if len(records) != 1 || records[0].Next == nil {
		t.Fatalf("expected next action, got %+v", records)
	}
	next := records[0].Next
	if next.Type != "exec_and_chain" || next.Target != "audits/scan.py" || next.Continuation != "now finish" {
		t.Fatalf("unexpected next action: %+v", next)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	in := `{"message":"hello","confidence":0.9,"extra":{"nested":true}}`
	records := parser.Parse(in)
	if len(records) != 1 || records[0].Message != "hello" {
		t.Fatalf("expected permissive decode, got %+v", records)
	}
}
