package dispatch

import (
	"strings"
	"testing"
)

func TestShapePromptInterAgent(t *testing.T) {
	got := shapePrompt("hello there", "@agent_other:example.com", true, "")
	if !strings.HasPrefix(got, "[INTER-AGENT MESSAGE from @agent_other:example.com]") {
		t.Fatalf("missing inter-agent header: %q", got)
	}
	if !strings.Contains(got, "hello there") {
		t.Fatalf("body dropped: %q", got)
	}
	if !strings.Contains(got, "avoid open-ended loops") {
		t.Fatalf("missing system note: %q", got)
	}
}

func TestShapePromptStripsExistingHeaderToPreventNesting(t *testing.T) {
	already := "[INTER-AGENT MESSAGE from @agent_a:example.com]\n\nhi" + interAgentNote
	got := shapePrompt(already, "@agent_b:example.com", true, "")
	if strings.Count(got, "INTER-AGENT MESSAGE") != 1 {
		t.Fatalf("expected exactly one header, got: %q", got)
	}
	if strings.Contains(got, "@agent_a") {
		t.Fatalf("old sender header should have been stripped: %q", got)
	}
}

func TestShapePromptOpenCodeSender(t *testing.T) {
	got := shapePrompt("please fix the bug", "@oc_bot:example.com", false, "")
	if !strings.HasPrefix(got, openCodePrefix) {
		t.Fatalf("missing OpenCode header: %q", got)
	}
	if !strings.Contains(got, "full Matrix mention") {
		t.Fatalf("missing reply instruction: %q", got)
	}
}

func TestShapePromptPlainMessageUnwrapped(t *testing.T) {
	got := shapePrompt("just chatting", "@alice:example.com", false, "")
	if got != "just chatting" {
		t.Fatalf("expected unwrapped body, got: %q", got)
	}
}

func TestShapePromptFromAgentIDContentField(t *testing.T) {
	got := shapePrompt("status update", "@bridge_relay:example.com", false, "agent-123")
	if !strings.Contains(got, "agent-123") {
		t.Fatalf("expected from_agent_id in header: %q", got)
	}
}
