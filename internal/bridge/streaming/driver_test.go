package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oculair/letta-matrix-bridge/internal/bridge/letta"
)

type recordingHandler struct {
	events []Event
	cleaned bool
}

func (h *recordingHandler) Handle(e Event) error {
	h.events = append(h.events, e)
	return nil
}

func (h *recordingHandler) Cleanup() { h.cleaned = true }

func TestDriverDeliversParsedEventsAndCleansUp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"message_type":"tool_call_message","tool_call":{"name":"search_web"}}` + "\n"))
		w.Write([]byte(`data: {"message_type":"tool_return_message","tool_return":"ok","status":"success"}` + "\n"))
		w.Write([]byte(`data: {"message_type":"assistant_message","content":"done"}` + "\n"))
	}))
	defer server.Close()

	client := letta.New(letta.Config{BaseURL: server.URL})
	driver := NewDriver(client, DriverConfig{Total: 5 * time.Second, IdleData: 5 * time.Second})

	h := &recordingHandler{}
	err := driver.Run(context.Background(), "agent-1", []letta.Message{{Role: letta.RoleUser, Content: "go"}}, h)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !h.cleaned {
		t.Fatal("expected Cleanup to be called")
	}
	if len(h.events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(h.events), h.events)
	}
	if h.events[2].Kind != KindAssistant || h.events[2].Content != "done" {
		t.Fatalf("unexpected final event: %+v", h.events[2])
	}
}

func TestDriverTotalTimeoutYieldsSyntheticErrorEvent(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-block // never respond, forcing the total deadline to fire
	}))
	defer server.Close()
	defer close(block)

	client := letta.New(letta.Config{BaseURL: server.URL})
	driver := NewDriver(client, DriverConfig{Total: 50 * time.Millisecond, IdleData: 5 * time.Second})

	h := &recordingHandler{}
	err := driver.Run(context.Background(), "agent-1", []letta.Message{{Role: letta.RoleUser, Content: "go"}}, h)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if len(h.events) != 1 || h.events[0].Kind != KindError || h.events[0].ErrType != "timeout" {
		t.Fatalf("expected one synthetic timeout error event, got %+v", h.events)
	}
	if !h.cleaned {
		t.Fatal("expected Cleanup to be called even on timeout")
	}
}
