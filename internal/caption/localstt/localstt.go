// Package localstt provides a best-effort, single-shot local transcription
// fallback for the caption processor's audio-fallback path:
// when the 0.9s audio-fallback timer fires with no caption text at all, the
// buffered PCM for that window is handed here instead of surfacing an empty
// caption.
//
// Trimmed to a single-shot Infer call rather than a streaming provider —
// the caller already owns a bounded fallback window of audio and has no use
// for whisper.cpp's streaming session/VAD machinery.
package localstt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Transcriber performs one-shot best-effort transcription of a short PCM
// window. Implementations must be safe for concurrent use.
type Transcriber interface {
	Infer(ctx context.Context, pcm16le []byte, sampleRate int) (string, error)
}

// Model wraps a whisper.cpp model loaded once and shared across all
// sessions; each Infer call opens its own context so concurrent fallback
// windows don't interfere with each other.
type Model struct {
	model    whisperlib.Model
	language string

	mu sync.Mutex
}

// New loads the whisper.cpp model at modelPath. Callers must call Close
// when the model is no longer needed.
func New(modelPath, language string) (*Model, error) {
	if modelPath == "" {
		return nil, errors.New("localstt: modelPath must not be empty")
	}
	m, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("localstt: load model %q: %w", modelPath, err)
	}
	if language == "" {
		language = "en"
	}
	return &Model{model: m, language: language}, nil
}

// Close releases the underlying whisper.cpp model.
func (m *Model) Close() error {
	if m.model != nil {
		return m.model.Close()
	}
	return nil
}

// Infer runs a single forward pass over pcm16le (mono, sampleRate) and
// returns the best-effort transcript text. Errors are never fatal to the
// caller's fallback path — a caption-fallback failure should degrade to an
// empty caption, not break the session — so callers typically log and
// ignore a non-nil error.
func (m *Model) Infer(ctx context.Context, pcm16le []byte, sampleRate int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	samples := pcm16ToFloat32(pcm16le)
	if sampleRate != 16000 {
		samples = resampleLinear(samples, sampleRate, 16000)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("localstt: new context: %w", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("localstt: process: %w", err)
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

func pcm16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		out[i] = float32(s) / 32768.0
	}
	return out
}

func resampleLinear(in []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || len(in) == 0 {
		return in
	}
	ratio := float64(toRate) / float64(fromRate)
	outLen := int(float64(len(in)) * ratio)
	out := make([]float32, outLen)
	for i := range out {
		srcPos := float64(i) / ratio
		i0 := int(srcPos)
		if i0 >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(srcPos - float64(i0))
		out[i] = in[i0]*(1-frac) + in[i0+1]*frac
	}
	return out
}
