package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

// extractDocumentText dispatches on mimeType and returns the document's
// plain-text content. Extraction is bounded by ctx; callers should apply
// a deadline for the "time-boxed extraction" requirement.
func extractDocumentText(ctx context.Context, mimeType string, data []byte) (string, error) {
	switch mimeType {
	case "application/pdf":
		return extractPDFText(data)
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return extractDocxText(data)
	case "text/plain", "text/markdown", "text/csv":
		return string(data), nil
	default:
		return "", fmt.Errorf("media: no text extractor for mime type %s", mimeType)
	}
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// extractDocxText shells out through a temp file: nguyenthenguyen/docx
// only accepts a filesystem path, not an in-memory reader.
func extractDocxText(data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "bridge-docx-*.docx")
	if err != nil {
		return "", fmt.Errorf("create temp file for docx extraction: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("write temp docx file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp docx file: %w", err)
	}

	doc, err := docx.ReadDocxFile(tmp.Name())
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer doc.Close()

	return doc.Editable().GetContent(), nil
}

// truncateText enforces maxLen, appending the spec's truncation
// annotation when it cuts content.
func truncateText(text string, maxLen int) string {
	if maxLen <= 0 || len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + fmt.Sprintf("\n\n[... truncated at %d characters]", maxLen)
}

const documentUploadTemplate = "[Document Upload: %s]\n\n%s\n\nPlease review this document and respond accordingly."

func formatDocumentMessage(filename, text string) string {
	return fmt.Sprintf(documentUploadTemplate, filename, text)
}
