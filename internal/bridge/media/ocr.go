package media

import (
	"context"
	"errors"
)

// ErrOCRUnavailable is returned by nullOCREngine: no OCR implementation is
// wired into this build.
var ErrOCRUnavailable = errors.New("media: OCR is enabled but no OCR engine is configured")

// OCREngine extracts text from a document. Handler.processDocument passes
// the PDF file's own bytes; nothing rasterizes pages first. The only shipped
// implementation is nullOCREngine; a deployer that needs real OCR
// supplies their own implementation, the same injected-dependency shape
// the teacher uses for its container runtime interface.
type OCREngine interface {
	ExtractText(ctx context.Context, imageBytes []byte) (string, error)
}

type nullOCREngine struct{}

func (nullOCREngine) ExtractText(ctx context.Context, imageBytes []byte) (string, error) {
	return "", ErrOCRUnavailable
}

// NewNullOCREngine returns the default no-op OCR engine.
func NewNullOCREngine() OCREngine { return nullOCREngine{} }

// isLowQualityText implements the spec's low-quality heuristic: empty
// after trim, too short, too few alphanumeric/whitespace characters, or
// too few whitespace-separated tokens for its length.
func isLowQualityText(text string) bool {
	trimmed := trimSpace(text)
	if trimmed == "" {
		return true
	}
	if len(trimmed) < 50 {
		return true
	}
	if alnumWhitespaceRatio(trimmed) < 0.5 {
		return true
	}
	if len(trimmed) > 100 && countWhitespaceTokens(trimmed) < 5 {
		return true
	}
	return false
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpaceByte(s[start]) {
		start++
	}
	for end > start && isSpaceByte(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func alnumWhitespaceRatio(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var count int
	for _, r := range s {
		if isSpaceByte(byte(r)) || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			count++
		}
	}
	return float64(count) / float64(len([]rune(s)))
}

func countWhitespaceTokens(s string) int {
	count := 0
	inToken := false
	for _, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if !isSpace && !inToken {
			count++
			inToken = true
		}
		if isSpace {
			inToken = false
		}
	}
	return count
}
