package streaming

import (
	"strings"
	"testing"

	"github.com/oculair/letta-matrix-bridge/internal/bridge/letta"
)

func TestParserMapsMessageTypes(t *testing.T) {
	cases := []struct {
		name  string
		chunk letta.StepMessage
		want  Kind
		ok    bool
	}{
		{"ping", letta.StepMessage{MessageType: "ping"}, KindPing, true},
		{"assistant", letta.StepMessage{MessageType: "assistant_message", Content: "hi"}, KindAssistant, true},
		{"stop", letta.StepMessage{MessageType: "stop_reason", Reason: "end_turn"}, KindStop, true},
		{"usage", letta.StepMessage{MessageType: "usage_statistics", TotalTokens: 42}, KindUsage, true},
		{"error", letta.StepMessage{MessageType: "error_message", Content: "boom", ErrorType: "internal"}, KindError, true},
		{"unknown", letta.StepMessage{MessageType: "something_else"}, "", false},
	}
	p := NewParser(true)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			evt, ok := p.Parse(c.chunk)
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if ok && evt.Kind != c.want {
				t.Fatalf("kind = %v, want %v", evt.Kind, c.want)
			}
		})
	}
}

func TestParserDropsReasoningWhenDisabled(t *testing.T) {
	p := NewParser(false)
	_, ok := p.Parse(letta.StepMessage{MessageType: "reasoning_message", Content: "thinking..."})
	if ok {
		t.Fatal("expected reasoning chunk to be dropped")
	}
}

func TestParserTracksToolNameAcrossCallAndReturn(t *testing.T) {
	p := NewParser(true)
	call := letta.StepMessage{
		MessageType: "tool_call_message",
		ToolCall: &struct {
			Name       string `json:"name"`
			ToolCallID string `json:"tool_call_id"`
			Arguments  string `json:"arguments"`
		}{Name: "search_web", ToolCallID: "tc-1", Arguments: `{"q":"go"}`},
	}
	evt, ok := p.Parse(call)
	if !ok || evt.ToolName != "search_web" {
		t.Fatalf("unexpected tool_call event: %+v", evt)
	}

	ret := letta.StepMessage{MessageType: "tool_return_message", ToolReturn: "results", Status: "success"}
	evt, ok = p.Parse(ret)
	if !ok || evt.ToolName != "search_web" || evt.Content != "results" {
		t.Fatalf("tool_return_message didn't inherit tracked tool name: %+v", evt)
	}
}

func TestParserTracksToolNameAcrossConcurrentStreams(t *testing.T) {
	// Each stream needs its own Parser -- a shared one would leak tool
	// names between unrelated conversations.
	a := NewParser(true)
	b := NewParser(true)

	a.Parse(letta.StepMessage{
		MessageType: "tool_call_message",
		ToolCall: &struct {
			Name       string `json:"name"`
			ToolCallID string `json:"tool_call_id"`
			Arguments  string `json:"arguments"`
		}{Name: "tool_a"},
	})
	evt, _ := b.Parse(letta.StepMessage{MessageType: "tool_return_message", ToolReturn: "x"})
	if evt.ToolName != "" {
		t.Fatalf("parser b should not see parser a's tool name, got %q", evt.ToolName)
	}
}

func TestFormatProgressToolReturnFailure(t *testing.T) {
	got := FormatProgress(Event{Kind: KindToolReturn, ToolName: "search_web", Status: "error"})
	want := "❌ search_web (failed)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFormatApprovalBlockTruncatesLongArguments(t *testing.T) {
	long := make([]byte, approvalArgPreviewLen+50)
	for i := range long {
		long[i] = 'x'
	}
	evt := Event{Kind: KindApprovalRequest, Approval: []ToolCallRef{
		{Name: "delete_everything", ToolCallID: "tc-123456789012345", Arguments: string(long)},
	}}
	got := FormatApprovalBlock(evt)
	if len(got) == 0 {
		t.Fatal("expected non-empty block")
	}
	if got == FormatProgress(evt) {
		t.Fatal("expected block to include per-tool detail beyond the headline")
	}
	if !strings.Contains(got, strings.Repeat("x", approvalArgPreviewLen)+"...") || strings.Contains(got, strings.Repeat("x", approvalArgPreviewLen+1)) {
		t.Fatalf("expected arguments truncated to %d chars, got %q", approvalArgPreviewLen, got)
	}
}
