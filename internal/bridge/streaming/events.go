// Package streaming adapts Letta's step-streaming chunks into
// Matrix-facing progress and final messages.
package streaming

// Kind discriminates a StreamEvent the way mautrix discriminates
// event.Content variants: a string tag plus fields that only apply to
// some tags.
type Kind string

const (
	KindToolCall        Kind = "tool_call"
	KindToolReturn      Kind = "tool_return"
	KindReasoning       Kind = "reasoning"
	KindAssistant       Kind = "assistant"
	KindError           Kind = "error"
	KindApprovalRequest Kind = "approval_request"
	KindStop            Kind = "stop"
	KindUsage           Kind = "usage"
	KindPing            Kind = "ping"
)

// ToolCallRef names one tool invocation, used both for a single tool_call
// event and for the list inside an approval_request.
type ToolCallRef struct {
	Name       string
	ToolCallID string
	Arguments  string
}

// Event is a single parsed stream chunk.
type Event struct {
	Kind      Kind
	Content   string
	ToolName  string
	Status    string // tool_return: "success" or anything else
	ErrType   string
	ErrDetail string
	Usage     UsageStats
	Approval  []ToolCallRef
}

// UsageStats carries usage_statistics chunk fields.
type UsageStats struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	StepCount        int
}

// IsProgress reports whether this event represents in-flight tool
// activity worth a progress message.
func (e Event) IsProgress() bool {
	return e.Kind == KindToolCall || e.Kind == KindToolReturn
}

// IsFinal reports whether this event carries the agent's final reply.
func (e Event) IsFinal() bool {
	return e.Kind == KindAssistant
}

// IsError reports whether this event is a terminal error.
func (e Event) IsError() bool {
	return e.Kind == KindError
}

// IsApprovalRequest reports whether this event requires human approval
// before the agent can proceed.
func (e Event) IsApprovalRequest() bool {
	return e.Kind == KindApprovalRequest
}
