package respparse

import (
	"reflect"
	"testing"
)

func parseAll(chunks []string) []Event {
	p := New()
	var events []Event
	for _, c := range chunks {
		events = append(events, p.Feed(c)...)
	}
	events = append(events, p.Finalize()...)
	return events
}

func TestPlainTextEmittedAsResponse(t *testing.T) {
	events := parseAll([]string{"hello there"})
	if len(events) != 1 || events[0].Kind != EventText || events[0].Role != RoleResponse || events[0].Chunk != "hello there" {
		t.Fatalf("events = %+v", events)
	}
}

func TestThinkingAndResponseTags(t *testing.T) {
	input := "[THINKING]weighing options[/THINKING][RESPONSE]here is my answer"
	events := parseAll([]string{input})

	want := []Event{
		{Kind: EventText, Role: RoleThinking, Chunk: "weighing options"},
		{Kind: EventText, Role: RoleResponse, Chunk: "here is my answer"},
	}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("events = %+v, want %+v", events, want)
	}
}

func TestSummaryAndPlanTags(t *testing.T) {
	input := "[SUMMARY] did the thing [/SUMMARY][PLAN] step one [/PLAN]"
	events := parseAll([]string{input})

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Kind != EventSummary || events[0].Summary != "did the thing" {
		t.Errorf("summary event = %+v", events[0])
	}
	if events[1].Kind != EventPlan || events[1].Plan != "step one" {
		t.Errorf("plan event = %+v", events[1])
	}
}

func TestFileReadTag(t *testing.T) {
	input := "[FILE_READ] path: /tmp/x.txt [/FILE_READ]"
	events := parseAll([]string{input})
	if len(events) != 1 || events[0].Kind != EventFileOp {
		t.Fatalf("events = %+v", events)
	}
	op := events[0].FileOp
	if op.Kind != FileOpRead || op.Path != "/tmp/x.txt" {
		t.Errorf("FileOp = %+v", op)
	}
}

func TestFileWriteTag(t *testing.T) {
	input := "[FILE_WRITE] path: /tmp/x.go content: ```go\npackage main\n``` [/FILE_WRITE]"
	events := parseAll([]string{input})
	if len(events) != 1 || events[0].Kind != EventFileOp {
		t.Fatalf("events = %+v", events)
	}
	op := events[0].FileOp
	if op.Kind != FileOpWrite || op.Path != "/tmp/x.go" {
		t.Errorf("FileOp = %+v", op)
	}
	if op.Content != "package main\n" {
		t.Errorf("Content = %q", op.Content)
	}
}

func TestFileEditTag(t *testing.T) {
	input := "[FILE_EDIT] path: /tmp/x.go find: |\nfoo\n replace: |\nbar\n [/FILE_EDIT]"
	events := parseAll([]string{input})
	if len(events) != 1 || events[0].Kind != EventFileOp {
		t.Fatalf("events = %+v", events)
	}
	op := events[0].FileOp
	if op.Kind != FileOpEdit || op.Path != "/tmp/x.go" || op.Find != "foo" || op.Replace != "bar" {
		t.Errorf("FileOp = %+v", op)
	}
}

// Determinism/restartability: feeding the whole buffer at once, or broken
// into arbitrary small pieces (including mid-tag splits), yields the same
// logical event sequence. Streaming is free to split a single Text run
// into more, smaller chunks than a single-shot parse would, so the
// comparison normalizes by merging consecutive same-role Text events
// before comparing.
func TestIncrementalFeedMatchesSingleShot(t *testing.T) {
	input := "plain text [THINKING]pondering[/THINKING] more [SUMMARY]done[/SUMMARY]tail"

	whole := normalize(parseAll([]string{input}))

	var pieces []string
	for i := 0; i < len(input); i++ {
		pieces = append(pieces, string(input[i]))
	}
	incremental := normalize(parseAll(pieces))

	if !reflect.DeepEqual(whole, incremental) {
		t.Fatalf("single-shot = %+v\nincremental = %+v", whole, incremental)
	}
}

func normalize(events []Event) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == EventText && len(out) > 0 {
			last := &out[len(out)-1]
			if last.Kind == EventText && last.Role == e.Role {
				last.Chunk += e.Chunk
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

func TestUnterminatedTagFlushedAtFinalize(t *testing.T) {
	events := parseAll([]string{"[SUMMARY] partial, never closed"})
	if len(events) != 1 || events[0].Kind != EventSummary {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Summary != "partial, never closed" {
		t.Errorf("Summary = %q", events[0].Summary)
	}
}
