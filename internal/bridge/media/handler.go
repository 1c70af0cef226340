package media

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/event"

	"github.com/oculair/letta-matrix-bridge/common/retry"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/letta"
	"github.com/oculair/letta-matrix-bridge/internal/bridge/store"
)

// allowedExtensions backs the application/octet-stream MIME-normalization
// rule: an octet-stream upload is accepted only if its extension is known.
var allowedExtensions = map[string]string{
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"txt":  "text/plain",
	"md":   "text/markdown",
	"csv":  "text/csv",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"ogg":  "audio/ogg",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"m4a":  "audio/mp4",
}

// Downloader fetches the bytes behind a Matrix mxc:// URI, authenticated
// as the bridge bot.
type Downloader interface {
	DownloadMedia(ctx context.Context, mxcURI string) ([]byte, error)
}

// Deliverer hands a processed Artifact off to the agent mapped to the
// originating room. Kept as a narrow interface so media stays decoupled
// from dispatch/streaming's concrete send paths.
type Deliverer interface {
	Deliver(ctx context.Context, agentID, roomID string, artifact Artifact) error
}

// Config tunes MediaHandler behavior, sourced from the bridge's
// DOCUMENT_PARSING_* environment variables.
type Config struct {
	OCREnabled       bool
	MaxTextLength    int   // 0 defaults to 50000 characters
	MaxSizeBytes     int64 // 0 defaults to 50 MiB; backs DOCUMENT_PARSING_MAX_SIZE_MB
	ExtractTimeout   time.Duration
	FolderPollPeriod time.Duration
	FolderPollLimit  time.Duration
	// StartupMs is the bridge's own server_timestamp floor: attachments
	// from before this instant are boot replay and are skipped, the same
	// guard dispatch applies to text messages.
	StartupMs int64
	// MaxConcurrentExtractions bounds how many attachments (document
	// extraction, OCR, transcription, folder upload) are processed at
	// once; extras queue on the semaphore rather than piling up goroutines.
	MaxConcurrentExtractions int64
}

func (c Config) withDefaults() Config {
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = 120 * time.Second
	}
	if c.FolderPollPeriod <= 0 {
		c.FolderPollPeriod = 2 * time.Second
	}
	if c.FolderPollLimit <= 0 {
		c.FolderPollLimit = 300 * time.Second
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = 50000
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = 50 * 1024 * 1024
	}
	if c.MaxConcurrentExtractions <= 0 {
		c.MaxConcurrentExtractions = 4
	}
	return c
}

// Handler implements the §4.9 MediaHandler pipeline.
type Handler struct {
	cfg         Config
	db          *store.Store
	dedupe      *store.Dedupe
	downloader  Downloader
	letta       *letta.Client
	ocr         OCREngine
	transcriber Transcriber
	deliverer   Deliverer
	sem         *semaphore.Weighted
}

// New builds a MediaHandler. ocr/transcriber may be nil, defaulting to
// the null implementations. dedupe is shared with the MessageDispatcher
// so a given event_id is only ever acted on once.
func New(cfg Config, db *store.Store, dedupe *store.Dedupe, downloader Downloader, lettaClient *letta.Client, ocr OCREngine, transcriber Transcriber, deliverer Deliverer) *Handler {
	if ocr == nil {
		ocr = NewNullOCREngine()
	}
	if transcriber == nil {
		transcriber = NewNullTranscriber()
	}
	cfg = cfg.withDefaults()
	return &Handler{
		cfg:         cfg,
		db:          db,
		dedupe:      dedupe,
		downloader:  downloader,
		letta:       lettaClient,
		ocr:         ocr,
		transcriber: transcriber,
		deliverer:   deliverer,
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentExtractions),
	}
}

// attachmentMeta is the result of step 1, "extract metadata".
type attachmentMeta struct {
	MXCURI   string
	Filename string
	MimeType string
	Size     int
	Caption  string
}

// Handle processes one m.file/m.image/m.audio event. roomID's agent
// mapping gates whether anything is ingested at all. The cheap checks
// (dedupe, replay floor, room mapping, metadata validation) run inline so
// malformed or irrelevant events are rejected without entering the pool;
// download, extraction and delivery run on a bounded background worker so
// a slow document doesn't stall the Matrix sync loop that called us.
func (h *Handler) Handle(ctx context.Context, roomID, senderMXID string, evt *event.Event) {
	msg := evt.Content.AsMessage()
	if msg == nil {
		return
	}
	if msg.MsgType != event.MsgFile && msg.MsgType != event.MsgImage && msg.MsgType != event.MsgAudio {
		return
	}
	if h.dedupe.SeenOrMark(evt.ID.String()) {
		return
	}
	if int64(evt.Timestamp) < h.cfg.StartupMs {
		return
	}

	mapping, err := h.db.GetMappingByRoomID(roomID)
	if err != nil {
		return // relay room: never auto-ingest
	}

	meta := extractMeta(msg)
	if err := validateMeta(&meta, h.cfg.MaxSizeBytes); err != nil {
		slog.Warn("media: rejecting attachment", "room", roomID, "err", err)
		return
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return // caller's context was canceled while queued; drop silently
	}
	go func() {
		defer h.sem.Release(1)
		h.ingest(ctx, mapping, roomID, senderMXID, meta)
	}()
}

// ingest runs the heavy part of the pipeline: download, extraction and
// delivery to the agent. Called on a worker goroutine gated by h.sem.
func (h *Handler) ingest(ctx context.Context, mapping store.AgentUserMapping, roomID, senderMXID string, meta attachmentMeta) {
	data, err := h.downloader.DownloadMedia(ctx, meta.MXCURI)
	if err != nil {
		slog.Error("media: download failed", "room", roomID, "mxc", meta.MXCURI, "err", err)
		return
	}

	artifact, err := h.process(ctx, mapping, roomID, senderMXID, meta, data)
	if err != nil {
		slog.Error("media: processing failed", "room", roomID, "filename", meta.Filename, "err", err)
		return
	}
	if artifact == nil {
		return
	}
	if err := h.deliverer.Deliver(ctx, mapping.AgentID, roomID, *artifact); err != nil {
		slog.Error("media: delivery failed", "room", roomID, "agent", mapping.AgentID, "err", err)
	}
}

func extractMeta(msg *event.MessageEventContent) attachmentMeta {
	filename := msg.FileName
	if filename == "" {
		filename = msg.Body
	}
	if hasAllowedExtension(msg.Body) {
		filename = msg.Body
	}

	mimeType := ""
	size := 0
	if msg.Info != nil {
		mimeType = msg.Info.MimeType
		size = msg.Info.Size
	}

	caption := ""
	if filename != msg.Body {
		caption = msg.Body
	}

	return attachmentMeta{
		MXCURI:   string(msg.URL),
		Filename: filename,
		MimeType: mimeType,
		Size:     size,
		Caption:  caption,
	}
}

func hasAllowedExtension(name string) bool {
	_, ok := allowedExtensions[extensionOf(name)]
	return ok
}

func extensionOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx == -1 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

func validateMeta(meta *attachmentMeta, maxSizeBytes int64) error {
	if int64(meta.Size) > maxSizeBytes {
		return fmt.Errorf("attachment %s is %d bytes, exceeds the %d byte limit", meta.Filename, meta.Size, maxSizeBytes)
	}
	if meta.MimeType == "application/octet-stream" || meta.MimeType == "" {
		normalized, ok := allowedExtensions[extensionOf(meta.Filename)]
		if !ok {
			return fmt.Errorf("attachment %s has no recognized extension for octet-stream normalization", meta.Filename)
		}
		meta.MimeType = normalized
	}
	return nil
}

func (h *Handler) process(ctx context.Context, mapping store.AgentUserMapping, roomID, senderMXID string, meta attachmentMeta, data []byte) (*Artifact, error) {
	senderIsOpenCode := strings.HasPrefix(senderMXID, "@oc_")

	switch {
	case strings.HasPrefix(meta.MimeType, "audio/"):
		return h.processAudio(ctx, meta, data)
	case strings.HasPrefix(meta.MimeType, "image/"):
		return &Artifact{Kind: KindMultimodal, Multimodal: buildImagePayload(meta.Filename, meta.Caption, meta.MimeType, data, senderIsOpenCode)}, nil
	case isDocumentMime(meta.MimeType):
		return h.processDocument(ctx, meta, data, senderIsOpenCode)
	default:
		return h.processGenericUpload(ctx, mapping, roomID, meta, data)
	}
}

var documentMimeTypes = map[string]bool{
	"application/pdf": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"text/plain":    true,
	"text/markdown": true,
	"text/csv":      true,
}

func isDocumentMime(mimeType string) bool {
	return documentMimeTypes[mimeType]
}

func (h *Handler) processAudio(ctx context.Context, meta attachmentMeta, data []byte) (*Artifact, error) {
	text, err := h.transcriber.Transcribe(ctx, data, meta.MimeType)
	if err != nil {
		return &Artifact{Kind: KindTranscript, Text: fmt.Sprintf("[Voice message]: transcription unavailable (%s)", err)}, nil
	}
	return &Artifact{Kind: KindTranscript, Text: "[Voice message]: " + text}, nil
}

// documentExtractRetryConfig backs the per-file extraction budget: 3
// attempts, exponential backoff, all within the overall ExtractTimeout.
var documentExtractRetryConfig = retry.Config{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
}

func (h *Handler) processDocument(ctx context.Context, meta attachmentMeta, data []byte, senderIsOpenCode bool) (*Artifact, error) {
	extractCtx, cancel := context.WithTimeout(ctx, h.cfg.ExtractTimeout)
	defer cancel()

	var text string
	err := retry.Do(extractCtx, documentExtractRetryConfig, func() error {
		extracted, err := extractDocumentText(extractCtx, meta.MimeType, data)
		text = extracted
		return err
	})
	if err != nil {
		text = ""
	}

	if (text == "" || isLowQualityText(text)) && meta.MimeType == "application/pdf" && h.cfg.OCREnabled {
		if ocrText, ocrErr := h.ocr.ExtractText(ctx, data); ocrErr == nil {
			text = ocrText
		}
	}

	if text == "" {
		text = "[No extractable text found in this document]"
	}
	text = truncateText(text, h.cfg.MaxTextLength)

	message := formatDocumentMessage(meta.Filename, text)
	if senderIsOpenCode {
		message += openCodeInstructionNote
	}
	return &Artifact{Kind: KindExtractedText, Text: message}, nil
}

func (h *Handler) processGenericUpload(ctx context.Context, mapping store.AgentUserMapping, roomID string, meta attachmentMeta, data []byte) (*Artifact, error) {
	folderName := "matrix-" + sanitizeRoomID(roomID)

	folders, err := h.letta.ListFolders(ctx, folderName)
	if err != nil {
		return nil, fmt.Errorf("list folders %s: %w", folderName, err)
	}

	var folderID string
	if len(folders) > 0 {
		folderID = folders[0].ID
	} else {
		embedding := h.letta.EmbeddingConfigFor(ctx, mapping.AgentID)
		folder, err := h.letta.CreateFolder(ctx, folderName, "Matrix room attachments", embedding)
		if err != nil {
			return nil, fmt.Errorf("create folder %s: %w", folderName, err)
		}
		folderID = folder.ID
	}

	jobID, err := h.letta.UploadFileToFolder(ctx, folderID, meta.Filename, data, meta.MimeType)
	if err != nil {
		return nil, fmt.Errorf("upload %s to folder %s: %w", meta.Filename, folderID, err)
	}

	if err := h.letta.AttachFolderToAgent(ctx, mapping.AgentID, folderID); err != nil {
		slog.Warn("media: attach folder to agent failed", "agent", mapping.AgentID, "folder", folderID, "err", err)
	}

	fileID, status := h.pollFileStatus(ctx, folderID, meta.Filename)
	if fileID == "" {
		fileID = jobID
	}
	return &Artifact{Kind: KindIndexedFile, IndexedFile: IndexedFileResult{FolderID: folderID, FileID: fileID, ProcessingStatus: status}}, nil
}

// pollFileStatus matches by filename: UploadFileToFolder's return value is
// a background job id, not the resulting file's id, so the file has to be
// found in ListFilesInFolder by name instead.
func (h *Handler) pollFileStatus(ctx context.Context, folderID, filename string) (fileID, status string) {
	deadline := time.Now().Add(h.cfg.FolderPollLimit)
	consecutiveErrors := 0

	for time.Now().Before(deadline) {
		files, err := h.letta.ListFilesInFolder(ctx, folderID)
		if err != nil {
			consecutiveErrors++
			if consecutiveErrors >= 3 {
				return "", "error"
			}
			time.Sleep(h.cfg.FolderPollPeriod)
			continue
		}
		consecutiveErrors = 0

		for _, f := range files {
			if f.Name != filename {
				continue
			}
			if f.ProcessingStatus == "completed" || f.ProcessingStatus == "error" {
				return f.ID, f.ProcessingStatus
			}
		}
		time.Sleep(h.cfg.FolderPollPeriod)
	}
	return "", "timeout"
}

func sanitizeRoomID(roomID string) string {
	replacer := strings.NewReplacer("!", "", ":", "-", ".", "-")
	return replacer.Replace(roomID)
}
