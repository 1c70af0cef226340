// Package media implements the §4.9 MediaHandler pipeline: extracting,
// validating, and routing m.file/m.image/m.audio Matrix attachments into
// a form the Letta agent can consume.
package media

// Kind discriminates the shape of a processed attachment.
type Kind string

const (
	KindMultimodal    Kind = "multimodal"
	KindTranscript    Kind = "transcript"
	KindExtractedText Kind = "extracted_text"
	KindIndexedFile   Kind = "indexed_file"
)

// ContentBlock is one entry of a multimodal message payload, matching the
// `{type, text|source}` shape Letta's vision-capable models expect.
type ContentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is the base64 image payload embedded in a ContentBlock.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Artifact is the result of processing one attachment: exactly one of
// its fields is populated, selected by Kind.
type Artifact struct {
	Kind Kind

	// Multimodal carries a ready-to-send content block list (Kind ==
	// KindMultimodal).
	Multimodal []ContentBlock

	// Text carries a plain string payload (Kind == KindTranscript or
	// KindExtractedText) already formatted as an agent-facing message.
	Text string

	// IndexedFile carries the folder/file identifiers of a generic
	// corpus upload (Kind == KindIndexedFile).
	IndexedFile IndexedFileResult
}

// IndexedFileResult identifies where a generic attachment landed after
// being uploaded to a Letta data-source folder.
type IndexedFileResult struct {
	FolderID         string
	FileID           string
	ProcessingStatus string
}
