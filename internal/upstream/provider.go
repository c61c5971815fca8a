// Package upstream implements the upstream proxy session (C8): the state
// machine that owns a single connection to a vendor "Live" backend,
// forwards audio/text between a client and that backend, and feeds the
// segmentation engine and transcript extractor with every inbound payload.
//
// The vendor-specific wire protocol (setup payload shape, audio envelope,
// response parsing) lives behind the [Provider]/[Backend] interfaces, each
// implemented by a sibling package (internal/upstream/gemini,
// internal/upstream/openairt). Session itself is protocol-agnostic: it
// only ever sees raw frames and decoded JSON trees.
package upstream

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// VoiceProfile names a synthesis voice offered by a backend.
type VoiceProfile struct {
	ID   string
	Name string
}

// ToolDefinition describes a callable tool surfaced to the backend.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// SessionConfig carries the parameters used to build a backend's setup
// message.
type SessionConfig struct {
	Model                    string
	Instructions             string
	Voice                    VoiceProfile
	Tools                    []ToolDefinition
	OutputAudioTranscription bool

	// ResumptionHandle, if non-empty, is offered to the backend as
	// sessionResumption.handle so it may resume a prior dialog.
	ResumptionHandle string
}

// Capabilities describes static backend metadata.
type Capabilities struct {
	SupportsResumption bool
	Voices             []VoiceProfile
}

// Provider opens new [Backend] connections to one vendor's Live endpoint.
type Provider interface {
	// Name identifies the provider for logging ("gemini", "openairt").
	Name() string
	Capabilities() Capabilities
	// Dial opens the transport connection and sends the setup message in
	// one step; the returned Backend is ready to carry audio.
	Dial(ctx context.Context, cfg SessionConfig) (Backend, error)
}

// Backend is a single live connection to a vendor backend, already past
// setup. All methods are safe to call from the owning session task only;
// Backend implementations are not expected to be safe for concurrent use
// from multiple goroutines — Session is their single owner.
type Backend interface {
	// SendAudio forwards one raw client PCM chunk (16-bit LE mono) in the
	// backend's own envelope.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendClientText forwards an already-classified client text payload:
	// either raw JSON (if isJSON) normalized into the backend's request
	// shape, or plain text wrapped as a text turn.
	SendClientText(ctx context.Context, raw []byte, isJSON bool) error

	// Read returns the next raw frame from the backend connection. The
	// Session classifies and parses the bytes; Backend implementations do
	// no JSON walking themselves.
	Read(ctx context.Context) (messageType websocket.MessageType, data []byte, err error)

	// Ping sends a heartbeat.
	Ping(ctx context.Context) error

	// Close tears down the connection with the given close code/reason.
	Close(code websocket.StatusCode, reason string) error
}

// RetryableCloseCode reports whether a WebSocket close code observed on an
// upstream connection warrants a reconnect-with-backoff rather than a
// terminal failure.
func RetryableCloseCode(code websocket.StatusCode) bool {
	switch code {
	case 1006, 1011, 1012, 1013:
		return true
	default:
		return false
	}
}

// PlannedReconnectWindow bounds the random delay before a healthy
// connection is proactively recycled.
const (
	PlannedReconnectMinMs = 9 * 60 * 1000
	PlannedReconnectMaxMs = 14 * 60 * 1000
)

// HeartbeatInterval is the cadence of WebSocket pings sent while Open, if
// enabled.
const HeartbeatInterval = 20 * time.Second
