package streaming

import (
	"context"
	"sync"
	"time"
)

// Handler receives parsed stream events as they arrive. Run stops
// feeding a handler once Handle returns a non-nil error.
type Handler interface {
	Handle(Event) error
	Cleanup()
}

// RoomSender is the Matrix-facing surface a handler needs: enough to
// post progress or retract messages in one room.
type RoomSender interface {
	SendMessage(ctx context.Context, roomID, body string) (string, error)
	DeleteMessage(ctx context.Context, roomID, eventID string) error
}

// ProgressHandler posts one Matrix message per progress event (tool
// call/return, reasoning preview, approval request) and a final message
// for the assistant's reply, per §4.8's StreamingMessageHandler contract.
type ProgressHandler struct {
	ctx            context.Context
	room           RoomSender
	roomID         string
	deleteProgress bool

	mu           sync.Mutex
	progressIDs  []string
	finalSent    bool
}

// NewProgressHandler builds a handler that posts progress messages to
// roomID, optionally deleting them once the final reply lands.
func NewProgressHandler(ctx context.Context, room RoomSender, roomID string, deleteProgress bool) *ProgressHandler {
	return &ProgressHandler{ctx: ctx, room: room, roomID: roomID, deleteProgress: deleteProgress}
}

// Handle dispatches one event per §4.8's per-kind behavior table.
func (h *ProgressHandler) Handle(e Event) error {
	switch {
	case e.Kind == KindPing, e.Kind == KindStop, e.Kind == KindUsage:
		return nil

	case e.IsProgress():
		return h.postProgress(FormatProgress(e))

	case e.IsApprovalRequest():
		return h.postProgress(FormatApprovalBlock(e))

	case e.Kind == KindReasoning:
		if text := FormatProgress(e); text != "" {
			return h.postProgress(text)
		}
		return nil

	case e.IsError():
		body := "⚠️ " + e.Content
		if e.ErrDetail != "" {
			body += "\n" + e.ErrDetail
		}
		_, err := h.room.SendMessage(h.ctx, h.roomID, body)
		return err

	case e.IsFinal():
		h.mu.Lock()
		h.finalSent = true
		h.mu.Unlock()
		_, err := h.room.SendMessage(h.ctx, h.roomID, e.Content)
		return err
	}
	return nil
}

func (h *ProgressHandler) postProgress(body string) error {
	if body == "" {
		return nil
	}
	id, err := h.room.SendMessage(h.ctx, h.roomID, body)
	if err != nil {
		return err
	}
	if h.deleteProgress {
		h.mu.Lock()
		h.progressIDs = append(h.progressIDs, id)
		h.mu.Unlock()
	}
	return nil
}

// Cleanup deletes any retained progress messages once the stream ends,
// when delete_progress is enabled.
func (h *ProgressHandler) Cleanup() {
	if !h.deleteProgress {
		return
	}
	h.mu.Lock()
	ids := h.progressIDs
	h.progressIDs = nil
	h.mu.Unlock()
	for _, id := range ids {
		h.room.DeleteMessage(h.ctx, h.roomID, id)
	}
}

// RoomEditor is the Matrix surface a LiveEditStreamingHandler needs: a
// single message it edits in place as the stream progresses.
type RoomEditor interface {
	SendMessage(ctx context.Context, roomID, body string) (string, error)
	EditMessage(ctx context.Context, roomID, eventID, body string) error
}

const liveEditDebounce = 500 * time.Millisecond

// LiveEditStreamingHandler accumulates progress lines into a single
// Matrix message, editing it in place with a debounce instead of
// sending a new message per event.
type LiveEditStreamingHandler struct {
	ctx    context.Context
	room   RoomEditor
	roomID string

	mu        sync.Mutex
	eventID   string
	lines     []string
	lastEdit  time.Time
	pending   bool
}

// NewLiveEditStreamingHandler builds a single-message live-editing handler.
func NewLiveEditStreamingHandler(ctx context.Context, room RoomEditor, roomID string) *LiveEditStreamingHandler {
	return &LiveEditStreamingHandler{ctx: ctx, room: room, roomID: roomID}
}

// Handle appends or replaces the handler's accumulated text and flushes
// it to Matrix, debounced to at most once per liveEditDebounce window
// except for terminal events (final/error), which always flush.
func (h *LiveEditStreamingHandler) Handle(e Event) error {
	switch {
	case e.Kind == KindPing, e.Kind == KindStop, e.Kind == KindUsage:
		return nil
	case e.IsProgress() || e.IsApprovalRequest() || e.Kind == KindReasoning:
		text := FormatProgress(e)
		if e.IsApprovalRequest() {
			text = FormatApprovalBlock(e)
		}
		if text == "" {
			return nil
		}
		h.appendLine(text)
		return h.flush(false)
	case e.IsError():
		body := "⚠️ " + e.Content
		if e.ErrDetail != "" {
			body += "\n" + e.ErrDetail
		}
		h.appendLine(body)
		return h.flush(true)
	case e.IsFinal():
		h.replaceWithFinal(e.Content)
		return h.flush(true)
	}
	return nil
}

func (h *LiveEditStreamingHandler) appendLine(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = append(h.lines, line)
}

// replaceWithFinal discards the accumulated progress lines and replaces
// the message body with the assistant's final content, per §4.8: the
// finished reply stands alone rather than trailing the tool-call log.
func (h *LiveEditStreamingHandler) replaceWithFinal(content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = []string{content}
}

func (h *LiveEditStreamingHandler) flush(force bool) error {
	h.mu.Lock()
	if !force && time.Since(h.lastEdit) < liveEditDebounce {
		h.mu.Unlock()
		return nil
	}
	body := joinLines(h.lines)
	eventID := h.eventID
	h.mu.Unlock()

	if eventID == "" {
		id, err := h.room.SendMessage(h.ctx, h.roomID, body)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.eventID = id
		h.lastEdit = time.Now()
		h.mu.Unlock()
		return nil
	}

	if err := h.room.EditMessage(h.ctx, h.roomID, eventID, body); err != nil {
		return err
	}
	h.mu.Lock()
	h.lastEdit = time.Now()
	h.mu.Unlock()
	return nil
}

func joinLines(lines []string) string {
	body := ""
	for i, l := range lines {
		if i > 0 {
			body += "\n"
		}
		body += l
	}
	return body
}

// Cleanup is a no-op for live-edit handlers: the final message stays in
// place rather than being retracted.
func (h *LiveEditStreamingHandler) Cleanup() {}
