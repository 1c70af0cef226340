package streaming

import (
	"fmt"
	"strings"

	"github.com/oculair/letta-matrix-bridge/internal/bridge/letta"
)

// Parser turns raw Letta stream chunks into Events, tracking the last
// seen tool name across a tool_call/tool_return pair the way the Letta
// wire protocol expects (tool_return_message doesn't repeat the name).
type Parser struct {
	includeReasoning bool
	lastToolName     string
}

// NewParser builds a chunk parser. includeReasoning controls whether
// reasoning_message chunks are surfaced or dropped.
func NewParser(includeReasoning bool) *Parser {
	return &Parser{includeReasoning: includeReasoning}
}

// Parse maps one raw chunk to zero or one Events ("other" chunk types,
// and reasoning when disabled, produce no event).
func (p *Parser) Parse(chunk letta.StepMessage) (Event, bool) {
	switch chunk.MessageType {
	case "ping":
		return Event{Kind: KindPing}, true

	case "reasoning_message":
		if !p.includeReasoning {
			return Event{}, false
		}
		return Event{Kind: KindReasoning, Content: chunk.Content}, true

	case "tool_call_message":
		name := ""
		args := ""
		if chunk.ToolCall != nil {
			name = chunk.ToolCall.Name
			args = chunk.ToolCall.Arguments
		}
		p.lastToolName = name
		return Event{Kind: KindToolCall, ToolName: name, Content: args}, true

	case "tool_return_message":
		return Event{Kind: KindToolReturn, ToolName: p.lastToolName, Content: chunk.ToolReturn, Status: chunk.Status}, true

	case "assistant_message":
		return Event{Kind: KindAssistant, Content: chunk.Content}, true

	case "stop_reason":
		return Event{Kind: KindStop, Content: chunk.Reason}, true

	case "usage_statistics":
		return Event{Kind: KindUsage, Usage: UsageStats{
			PromptTokens:     chunk.PromptTokens,
			CompletionTokens: chunk.CompletionTokens,
			TotalTokens:      chunk.TotalTokens,
			StepCount:        chunk.StepCount,
		}}, true

	case "error_message":
		return Event{Kind: KindError, Content: chunk.Content, ErrType: chunk.ErrorType, ErrDetail: chunk.Detail}, true

	case "approval_request_message":
		refs := make([]ToolCallRef, len(chunk.ApprovalRequests))
		for i, r := range chunk.ApprovalRequests {
			refs[i] = ToolCallRef{Name: r.Name, ToolCallID: r.ToolCallID, Arguments: r.Arguments}
		}
		return Event{Kind: KindApprovalRequest, Approval: refs}, true

	default:
		return Event{}, false
	}
}

const progressPreviewLen = 50

// FormatProgress renders a short single-line Matrix message for a
// progress-kind event, per §4.8's table.
func FormatProgress(e Event) string {
	switch e.Kind {
	case KindToolCall:
		return fmt.Sprintf("🔧 %s...", e.ToolName)
	case KindToolReturn:
		if e.Status == "success" || e.Status == "" {
			return fmt.Sprintf("✅ %s", e.ToolName)
		}
		return fmt.Sprintf("❌ %s (failed)", e.ToolName)
	case KindReasoning:
		text := e.Content
		if len(text) > progressPreviewLen {
			return "💭 " + text[:progressPreviewLen] + "..."
		}
		return "💭 " + text
	case KindApprovalRequest:
		names := make([]string, len(e.Approval))
		for i, t := range e.Approval {
			names[i] = t.Name
		}
		return fmt.Sprintf("⏳ **Approval Required**: %s", strings.Join(names, ", "))
	default:
		return ""
	}
}

const (
	approvalIDPreviewLen  = 12
	approvalArgPreviewLen = 120
)

// FormatApprovalBlock renders the indented per-tool detail block that
// follows the approval_request headline.
func FormatApprovalBlock(e Event) string {
	var b strings.Builder
	b.WriteString(FormatProgress(e))
	for _, t := range e.Approval {
		id := t.ToolCallID
		if len(id) > approvalIDPreviewLen {
			id = id[:approvalIDPreviewLen] + "..."
		}
		args := t.Arguments
		if len(args) > approvalArgPreviewLen {
			args = args[:approvalArgPreviewLen] + "..."
		}
		fmt.Fprintf(&b, "\n  - %s (%s): %s", t.Name, id, args)
	}
	return b.String()
}
