package media

import (
	"context"
	"strings"
	"testing"
)

func TestExtractDocumentTextPlainText(t *testing.T) {
	text, err := extractDocumentText(context.Background(), "text/plain", []byte("hello world"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("expected passthrough text, got %q", text)
	}
}

func TestExtractDocumentTextMarkdownAndCSV(t *testing.T) {
	for _, mime := range []string{"text/markdown", "text/csv"} {
		text, err := extractDocumentText(context.Background(), mime, []byte("a,b,c"))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", mime, err)
		}
		if text != "a,b,c" {
			t.Fatalf("%s: expected passthrough text, got %q", mime, text)
		}
	}
}

func TestExtractDocumentTextUnknownMime(t *testing.T) {
	_, err := extractDocumentText(context.Background(), "application/zip", []byte("PK\x03\x04"))
	if err == nil {
		t.Fatal("expected an error for an unrecognized mime type")
	}
}

func TestTruncateTextNoTruncationUnderLimit(t *testing.T) {
	text := "short"
	if got := truncateText(text, 100); got != text {
		t.Fatalf("text under the limit should be unchanged, got %q", got)
	}
}

func TestTruncateTextAnnotatesWhenCut(t *testing.T) {
	text := strings.Repeat("a", 200)
	got := truncateText(text, 50)
	if !strings.HasPrefix(got, strings.Repeat("a", 50)) {
		t.Fatalf("expected truncated prefix preserved, got %q", got[:60])
	}
	if !strings.Contains(got, "truncated at 50 characters") {
		t.Fatalf("expected truncation annotation, got %q", got)
	}
}

func TestFormatDocumentMessageIncludesFilenameAndBody(t *testing.T) {
	msg := formatDocumentMessage("report.pdf", "the extracted body")
	if !strings.Contains(msg, "report.pdf") {
		t.Fatalf("expected filename in message: %q", msg)
	}
	if !strings.Contains(msg, "the extracted body") {
		t.Fatalf("expected extracted text in message: %q", msg)
	}
}
