package letta

import "fmt"

// APIError wraps a non-2xx Letta response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("letta: status %d: %s", e.Status, e.Body)
}

// ConversationBusyError is returned when SendMessage exhausts its retries
// against a 409 CONVERSATION_BUSY response.
type ConversationBusyError struct {
	AgentID  string
	Attempts int
}

func (e *ConversationBusyError) Error() string {
	return fmt.Sprintf("letta: agent %s conversation busy after %d attempts", e.AgentID, e.Attempts)
}
