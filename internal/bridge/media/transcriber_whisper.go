//go:build whisper

package media

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// whisperTranscriber wraps a loaded whisper.cpp model. Construct with
// NewWhisperTranscriber at startup and pass it as app.Config.Transcriber;
// the model handle is reused across calls.
type whisperTranscriber struct {
	mu    sync.Mutex
	model whisper.Model
}

// NewWhisperTranscriber loads modelPath (a ggml whisper model file) and
// returns a Transcriber backed by it. Only compiled with -tags whisper.
func NewWhisperTranscriber(modelPath string) (Transcriber, error) {
	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", modelPath, err)
	}
	return &whisperTranscriber{model: model}, nil
}

// Transcribe decodes audioBytes with decodePCM16kMono and runs whisper.cpp
// inference over the samples. Only mimeType "audio/x-raw" (16kHz mono
// little-endian float32 PCM) is accepted; any other type, including the
// ogg/opus payloads of Matrix voice messages, returns an error.
func (t *whisperTranscriber) Transcribe(ctx context.Context, audioBytes []byte, mimeType string) (string, error) {
	samples, err := decodePCM16kMono(audioBytes, mimeType)
	if err != nil {
		return "", fmt.Errorf("decode audio for transcription: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	wctx, err := t.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("new whisper context: %w", err)
	}
	if err := wctx.Process(samples, nil, nil); err != nil {
		return "", fmt.Errorf("whisper process: %w", err)
	}

	var sb strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		sb.WriteString(segment.Text)
	}
	return strings.TrimSpace(sb.String()), nil
}

// decodePCM16kMono converts a Matrix voice-message payload into the
// 16kHz mono float32 PCM whisper.cpp expects.
// TODO: wire an ogg/opus decoder for m.audio ogg payloads; until then
// this build only accepts audio already encoded as raw 16kHz mono PCM.
func decodePCM16kMono(audioBytes []byte, mimeType string) ([]float32, error) {
	if mimeType != "audio/x-raw" {
		return nil, fmt.Errorf("unsupported audio mime type for whisper build: %s", mimeType)
	}
	samples := make([]float32, len(audioBytes)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(audioBytes[i*4 : i*4+4])
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}
