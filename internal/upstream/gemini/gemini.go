// Package gemini implements the upstream.Provider interface for Google's
// Gemini Live API, speaking the BidiGenerateContent JSON protocol over
// coder/websocket. The setup/audio/text envelope shapes are handled here;
// the receive-side JSON walking and segmentation belong to
// internal/upstream.Session, which is protocol-agnostic.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/liveproxy/duplexion/internal/transport/wsconn"
	"github.com/liveproxy/duplexion/internal/upstream"
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL, primarily for tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider dials new Gemini Live connections.
type Provider struct {
	apiKey  string
	baseURL string
	voices  []upstream.VoiceProfile
}

// New constructs a Gemini Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		voices: []upstream.VoiceProfile{
			{ID: "Aoede", Name: "Aoede"},
			{ID: "Charon", Name: "Charon"},
			{ID: "Fenrir", Name: "Fenrir"},
			{ID: "Kore", Name: "Kore"},
			{ID: "Puck", Name: "Puck"},
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Capabilities() upstream.Capabilities {
	return upstream.Capabilities{SupportsResumption: true, Voices: p.voices}
}

// Dial opens the WebSocket, sends the setup message, and returns a ready
// Backend.
func (p *Provider) Dial(ctx context.Context, cfg upstream.SessionConfig) (upstream.Backend, error) {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := wsconn.Dial(ctx, wsURL, http.Header{"Content-Type": []string{"application/json"}})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	b := &backend{conn: conn}
	if err := b.sendSetup(ctx, model, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	return b, nil
}

// ── wire protocol (outgoing) ───────────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model              string              `json:"model"`
	GenerationConfig   generationConfig    `json:"generationConfig"`
	SystemInstruction  *systemInstruction  `json:"systemInstruction,omitempty"`
	Tools              []geminiTool        `json:"tools,omitempty"`
	SessionResumption  *sessionResumption  `json:"sessionResumption,omitempty"`
	OutputAudioTranscr *outputAudioTranscr `json:"outputAudioTranscription,omitempty"`
}

type sessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

type outputAudioTranscr struct{}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks,omitempty"`
	Text        string       `json:"text,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── backend ──────────────────────────────────────────────────────────────

type backend struct {
	conn *wsconn.Conn
}

func (b *backend) sendSetup(ctx context.Context, model string, cfg upstream.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice.ID != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice.ID}},
		}
	}
	if cfg.OutputAudioTranscription {
		msg.Setup.OutputAudioTranscr = &outputAudioTranscr{}
	}
	if cfg.ResumptionHandle != "" {
		msg.Setup.SessionResumption = &sessionResumption{Handle: cfg.ResumptionHandle}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return b.conn.WriteJSON(ctx, msg)
}

// SendAudio wraps pcm as a single realtimeInput media chunk.
func (b *backend) SendAudio(ctx context.Context, pcm []byte) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(pcm)}},
		},
	}
	return b.conn.WriteJSON(ctx, msg)
}

// SendClientText forwards client-originated text: an audio-envelope JSON
// object becomes a media chunk, an object carrying realtimeInput or
// realtime_input is re-keyed to realtimeInput and forwarded, any other JSON
// object is forwarded unchanged, and non-JSON or unparsable text becomes a
// realtimeInput.text turn.
func (b *backend) SendClientText(ctx context.Context, raw []byte, isJSON bool) error {
	if !isJSON {
		return b.conn.WriteJSON(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{Text: string(raw)}})
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return b.conn.WriteJSON(ctx, realtimeInputMessage{RealtimeInput: realtimeInput{Text: string(raw)}})
	}

	if data, mime, ok := audioEnvelope(obj); ok {
		return b.conn.WriteJSON(ctx, realtimeInputMessage{
			RealtimeInput: realtimeInput{MediaChunks: []mediaChunk{{MIMEType: mime, Data: data}}},
		})
	}

	if normalized, ok := normalizeRealtimeInput(obj); ok {
		return b.conn.WriteText(ctx, mustMarshal(normalized))
	}

	return b.conn.WriteText(ctx, raw)
}

// audioEnvelope recognizes a {"data": "<base64>", "mime"/"mimeType": "..."}
// shaped object.
func audioEnvelope(obj map[string]any) (data, mime string, ok bool) {
	d, hasData := obj["data"].(string)
	if !hasData || d == "" {
		return "", "", false
	}
	m, hasMime := obj["mimeType"].(string)
	if !hasMime {
		m, hasMime = obj["mime"].(string)
	}
	if !hasMime || !strings.HasPrefix(m, "audio/") {
		return "", "", false
	}
	return d, m, true
}

// normalizeRealtimeInput accepts either camelCase "realtimeInput" or
// snake_case "realtime_input" at the top level and re-keys it to
// "realtimeInput" for forwarding.
func normalizeRealtimeInput(obj map[string]any) (map[string]any, bool) {
	if v, ok := obj["realtimeInput"]; ok {
		return map[string]any{"realtimeInput": v}, true
	}
	if v, ok := obj["realtime_input"]; ok {
		return map[string]any{"realtimeInput": v}, true
	}
	return nil, false
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func (b *backend) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return b.conn.Read(ctx)
}

func (b *backend) Ping(ctx context.Context) error {
	return b.conn.Ping(ctx)
}

func (b *backend) Close(code websocket.StatusCode, reason string) error {
	return b.conn.Close(code, reason)
}

var _ upstream.Provider = (*Provider)(nil)
var _ upstream.Backend = (*backend)(nil)
