// Package payload implements the audio extractor (C7): walking an arbitrary
// upstream JSON payload to harvest base64-encoded audio chunks, producing a
// sanitized copy with the audio data replaced by size markers, and detecting
// a goAway signal.
package payload

import (
	"encoding/base64"
	"strings"
)

const maxWalkDepth = 12

// audioDataKeys are the object keys recognized as holding base64 audio data,
// in either camelCase or snake_case.
var audioDataKeys = map[string]bool{
	"data":            true,
	"inline_data":     true,
	"inlineData":      true,
	"audio":           true,
	"realtimeOutput":  true,
	"realtime_output": true,
}

// Extraction is the result of walking a single upstream payload.
type Extraction struct {
	// AudioChunks holds the decoded PCM bytes for every audio chunk found,
	// in walk order.
	AudioChunks [][]byte

	// Sanitized is a copy of the payload with audio data fields replaced by
	// a {"sizeBytes": N} marker, safe to forward to the client verbatim.
	Sanitized any

	// GoAway is true if any string in the payload equals "goaway"
	// case-insensitively, or any "goAway" key is truthy.
	GoAway bool

	// ResumptionHandle is the opaque session resumption handle, if a
	// "session" snapshot with a "handle" field was found.
	ResumptionHandle string
}

// Extract walks payload once, harvesting audio chunks, building the
// sanitized copy, and detecting goAway / resumption-handle signals.
func Extract(payload any) Extraction {
	ex := &Extraction{}
	ex.Sanitized = walk(payload, 0, ex)
	return *ex
}

func walk(v any, depth int, ex *Extraction) any {
	if depth > maxWalkDepth {
		return v
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if strings.EqualFold(k, "goaway") && truthy(child) {
				ex.GoAway = true
			}
			if audioDataKeys[k] {
				if s, ok := child.(string); ok {
					if decoded, ok := tryDecodeAudio(s); ok {
						ex.AudioChunks = append(ex.AudioChunks, decoded)
						out[k] = map[string]any{"sizeBytes": len(decoded)}
						continue
					}
				}
			}
			if k == "session" {
				if snap, ok := child.(map[string]any); ok {
					if h, ok := snap["handle"].(string); ok && h != "" {
						ex.ResumptionHandle = h
					}
				}
			}
			if s, ok := child.(string); ok && strings.EqualFold(s, "goaway") {
				ex.GoAway = true
			}
			out[k] = walk(child, depth+1, ex)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = walk(child, depth+1, ex)
		}
		return out
	case string:
		if strings.EqualFold(val, "goaway") {
			ex.GoAway = true
		}
		return v
	default:
		return v
	}
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// tryDecodeAudio decodes s as standard base64. Empty or invalid strings are
// rejected so non-audio string fields at a shared key name (e.g. "data":
// "some text") are left untouched.
func tryDecodeAudio(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil || len(decoded) == 0 {
		return nil, false
	}
	return decoded, true
}
