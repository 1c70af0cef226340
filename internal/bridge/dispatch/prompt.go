package dispatch

import "strings"

const (
	interAgentPrefix = "[INTER-AGENT MESSAGE from "
	interAgentNote   = "\n\n(System note: treat this as your main task this turn; avoid open-ended loops.)"
	openCodePrefix   = "[MESSAGE FROM OPENCODE USER]"
	openCodeNote     = "\n\n(You must include the sender's full Matrix mention in any reply.)"
)

// shapePrompt wraps body per §4.10's prompt-shaping rules: an inter-agent
// header takes priority over the OpenCode header, and any pre-existing
// inter-agent header is stripped first to prevent nested wrapping.
func shapePrompt(body, senderMXID string, senderIsAgent bool, fromAgentID string) string {
	body = stripExistingInterAgentHeader(body)

	if senderIsAgent || fromAgentID != "" {
		senderName := senderMXID
		if fromAgentID != "" {
			senderName = fromAgentID
		}
		return interAgentPrefix + senderName + "]\n\n" + body + interAgentNote
	}

	if strings.HasPrefix(senderMXID, "@oc_") {
		return openCodePrefix + "\n\n" + body + openCodeNote
	}

	return body
}

// stripExistingInterAgentHeader removes a leading inter-agent wrapper
// (case-insensitive "from") so repeated relays don't nest headers.
func stripExistingInterAgentHeader(body string) string {
	lower := strings.ToLower(body)
	const marker = "[inter-agent message from "
	if !strings.HasPrefix(lower, marker) {
		return body
	}
	end := strings.Index(body, "]")
	if end == -1 {
		return body
	}
	rest := strings.TrimPrefix(body[end+1:], "\n")
	rest = strings.TrimSuffix(rest, interAgentNote)
	return strings.TrimSpace(rest)
}
