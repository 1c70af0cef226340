package media

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestBuildImagePayloadWithCaption(t *testing.T) {
	blocks := buildImagePayload("photo.jpg", "What is this?", "image/jpeg", []byte("fakejpegbytes"), false)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 content blocks, got %d", len(blocks))
	}
	if blocks[0].Type != "text" {
		t.Fatalf("expected first block to be text, got %s", blocks[0].Type)
	}
	if !strings.Contains(blocks[0].Text, "[Image Upload: photo.jpg]") {
		t.Fatalf("missing header: %q", blocks[0].Text)
	}
	if !strings.Contains(blocks[0].Text, `"What is this?"`) {
		t.Fatalf("missing caption: %q", blocks[0].Text)
	}
	if blocks[1].Type != "image" {
		t.Fatalf("expected second block to be image, got %s", blocks[1].Type)
	}
	if blocks[1].Source.MediaType != "image/jpeg" {
		t.Fatalf("expected media_type image/jpeg, got %s", blocks[1].Source.MediaType)
	}
	want := base64.StdEncoding.EncodeToString([]byte("fakejpegbytes"))
	if blocks[1].Source.Data != want {
		t.Fatalf("expected base64-encoded data, got %q", blocks[1].Source.Data)
	}
}

func TestBuildImagePayloadWithoutCaption(t *testing.T) {
	blocks := buildImagePayload("photo.png", "", "image/png", []byte("x"), false)
	if strings.Contains(blocks[0].Text, "asked:") {
		t.Fatalf("should not reference a question when there's no caption: %q", blocks[0].Text)
	}
}

func TestBuildImagePayloadAppendsOpenCodeNote(t *testing.T) {
	blocks := buildImagePayload("photo.png", "", "image/png", []byte("x"), true)
	if !strings.Contains(blocks[0].Text, "full Matrix mention") {
		t.Fatalf("expected OpenCode instruction note appended: %q", blocks[0].Text)
	}
}
