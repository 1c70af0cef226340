package media

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculair/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	key := make([]byte, 32)
	db, err := store.New(filepath.Join(t.TempDir(), "media_test.db"), key)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (f fakeDownloader) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, error) {
	return f.data, f.err
}

// recordingDeliverer is safe for concurrent use: Handle now runs download,
// extraction and delivery on a background worker, so tests observe
// deliveries asynchronously via waitForDelivery rather than reading
// r.delivered right after Handle returns.
type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []Artifact
}

func (r *recordingDeliverer) Deliver(ctx context.Context, agentID, roomID string, artifact Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, artifact)
	return nil
}

func (r *recordingDeliverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delivered)
}

func (r *recordingDeliverer) first() Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delivered[0]
}

// waitForDelivery blocks until n deliveries have landed or the timeout
// expires, polling since Handle's worker goroutine runs independently.
func waitForDelivery(t *testing.T, r *recordingDeliverer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func fileMessageEvent(roomID, msgType event.MessageType, filename, mimeType string, size int) *event.Event {
	return &event.Event{
		RoomID: id.RoomID(roomID),
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType:  msgType,
				Body:     filename,
				FileName: filename,
				URL:      id.ContentURIString("mxc://example.com/abc123"),
				Info:     &event.FileInfo{MimeType: mimeType, Size: size},
			},
		},
	}
}

func TestHandlerSkipsRoomWithNoMapping(t *testing.T) {
	db := newTestStore(t)
	deliverer := &recordingDeliverer{}
	h := New(Config{}, db, store.NewDedupe(), fakeDownloader{}, letta.New(letta.Config{BaseURL: "http://unused"}), nil, nil, deliverer)

	evt := fileMessageEvent("!unmapped:example.com", event.MsgFile, "notes.txt", "text/plain", 10)
	h.Handle(context.Background(), "!unmapped:example.com", "@alice:example.com", evt)

	time.Sleep(10 * time.Millisecond)
	if n := deliverer.count(); n != 0 {
		t.Fatalf("expected no delivery for a room with no agent mapping, got %d", n)
	}
}

func TestHandlerRejectsOversizedAttachment(t *testing.T) {
	db := newTestStore(t)
	if err := db.UpsertMapping(store.AgentUserMapping{AgentID: "agent-1", MatrixUserID: "@agent_1:example.com", RoomID: "!room:example.com"}); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	deliverer := &recordingDeliverer{}
	h := New(Config{}, db, store.NewDedupe(), fakeDownloader{}, letta.New(letta.Config{BaseURL: "http://unused"}), nil, nil, deliverer)

	oversized := int(Config{}.withDefaults().MaxSizeBytes) + 1
	evt := fileMessageEvent("!room:example.com", event.MsgFile, "huge.txt", "text/plain", oversized)
	h.Handle(context.Background(), "!room:example.com", "@alice:example.com", evt)

	time.Sleep(10 * time.Millisecond)
	if n := deliverer.count(); n != 0 {
		t.Fatalf("expected oversized attachment to be rejected before delivery")
	}
}

func TestHandlerExtractsPlainTextDocument(t *testing.T) {
	db := newTestStore(t)
	if err := db.UpsertMapping(store.AgentUserMapping{AgentID: "agent-1", MatrixUserID: "@agent_1:example.com", RoomID: "!room:example.com"}); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	deliverer := &recordingDeliverer{}
	downloader := fakeDownloader{data: []byte("this is a perfectly ordinary document body with plenty of real words in it")}
	h := New(Config{}, db, store.NewDedupe(), downloader, letta.New(letta.Config{BaseURL: "http://unused"}), nil, nil, deliverer)

	evt := fileMessageEvent("!room:example.com", event.MsgFile, "notes.txt", "text/plain", len(downloader.data))
	h.Handle(context.Background(), "!room:example.com", "@alice:example.com", evt)

	waitForDelivery(t, deliverer, 1)
	if n := deliverer.count(); n != 1 {
		t.Fatalf("expected exactly one delivery, got %d", n)
	}
	if deliverer.first().Kind != KindExtractedText {
		t.Fatalf("expected KindExtractedText, got %v", deliverer.first().Kind)
	}
}

func TestHandlerBuildsMultimodalImagePayload(t *testing.T) {
	db := newTestStore(t)
	if err := db.UpsertMapping(store.AgentUserMapping{AgentID: "agent-1", MatrixUserID: "@agent_1:example.com", RoomID: "!room:example.com"}); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}
	deliverer := &recordingDeliverer{}
	downloader := fakeDownloader{data: []byte("fakejpeg")}
	h := New(Config{}, db, store.NewDedupe(), downloader, letta.New(letta.Config{BaseURL: "http://unused"}), nil, nil, deliverer)

	evt := fileMessageEvent("!room:example.com", event.MsgImage, "photo.jpg", "image/jpeg", len(downloader.data))
	h.Handle(context.Background(), "!room:example.com", "@alice:example.com", evt)

	waitForDelivery(t, deliverer, 1)
	if n := deliverer.count(); n != 1 {
		t.Fatalf("expected exactly one delivery, got %d", n)
	}
	if deliverer.first().Kind != KindMultimodal {
		t.Fatalf("expected KindMultimodal, got %v", deliverer.first().Kind)
	}
}

func TestExtensionOf(t *testing.T) {
	cases := map[string]string{
		"report.pdf":    "pdf",
		"archive.tar.gz": "gz",
		"noext":         "",
		"trailing.":     "",
	}
	for name, want := range cases {
		if got := extensionOf(name); got != want {
			t.Errorf("extensionOf(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestSanitizeRoomID(t *testing.T) {
	got := sanitizeRoomID("!abcXYZ:example.com")
	if got != "abcXYZ-example-com" {
		t.Fatalf("sanitizeRoomID produced %q", got)
	}
}
