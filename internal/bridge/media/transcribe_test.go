package media

import (
	"context"
	"testing"
)

func TestNullTranscriberReturnsSentinel(t *testing.T) {
	tr := NewNullTranscriber()
	_, err := tr.Transcribe(context.Background(), []byte("fake-audio"), "audio/ogg")
	if err != ErrTranscriptionUnavailable {
		t.Fatalf("expected ErrTranscriptionUnavailable, got %v", err)
	}
}
