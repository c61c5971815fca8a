// Package openairt implements the upstream.Provider interface for OpenAI's
// Realtime API, demonstrating that internal/upstream.Session's forwarding
// and segmentation machinery is protocol-agnostic: only the setup, audio and
// text envelopes below are OpenAI-specific; received frames are returned raw.
//
// The Realtime API itself is a raw JSON-over-WebSocket protocol with no
// dedicated transport in github.com/openai/openai-go as of this writing,
// so this package talks the wire protocol directly; the REST client from
// that module is used here only for the one thing it does support well:
// validating the API key and reachability before paying for a WebSocket
// upgrade.
package openairt

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/liveproxy/duplexion/internal/transport/wsconn"
	"github.com/liveproxy/duplexion/internal/upstream"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithBaseURL overrides the realtime WebSocket base URL, primarily for
// tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithModel overrides the default realtime model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// Provider dials new OpenAI Realtime connections.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	rest    oai.Client
}

// New constructs an OpenAI Realtime Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		rest:    oai.NewClient(option.WithAPIKey(apiKey)),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return "openairt" }

func (p *Provider) Capabilities() upstream.Capabilities {
	return upstream.Capabilities{
		SupportsResumption: false,
		Voices: []upstream.VoiceProfile{
			{ID: "alloy", Name: "Alloy"},
			{ID: "ash", Name: "Ash"},
			{ID: "ballad", Name: "Ballad"},
			{ID: "coral", Name: "Coral"},
			{ID: "echo", Name: "Echo"},
			{ID: "sage", Name: "Sage"},
			{ID: "shimmer", Name: "Shimmer"},
			{ID: "verse", Name: "Verse"},
		},
	}
}

// Dial opens the Realtime WebSocket, sends session.update, and returns a
// ready Backend. Before dialing it performs a best-effort key/reachability
// check against the REST API; a failure there is logged but does not block
// the WebSocket attempt, since the two surfaces can fail independently.
func (p *Provider) Dial(ctx context.Context, cfg upstream.SessionConfig) (upstream.Backend, error) {
	if _, err := p.rest.Models.List(ctx); err != nil {
		slog.Warn("openairt: REST reachability check failed, continuing to realtime dial", "error", err)
	}

	model := cfg.Model
	if model == "" {
		model = p.model
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)

	conn, _, err := wsconn.Dial(ctx, wsURL, http.Header{
		"Authorization": []string{"Bearer " + p.apiKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("openairt: dial: %w", err)
	}

	b := &backend{conn: conn}
	if err := b.sendSessionUpdate(ctx, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openairt: session update: %w", err)
	}
	return b, nil
}

// ── wire protocol (outgoing) ───────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── backend ──────────────────────────────────────────────────────────────

type backend struct {
	conn *wsconn.Conn
}

func (b *backend) sendSessionUpdate(ctx context.Context, cfg upstream.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.Voice.ID != "" {
		params.Voice = cfg.Voice.ID
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	if len(cfg.Tools) > 0 {
		decls := make([]oaiTool, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = oaiTool{Type: "function", Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		params.Tools = decls
	}
	return b.conn.WriteJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// SendAudio wraps pcm in an input_audio_buffer.append event.
func (b *backend) SendAudio(ctx context.Context, pcm []byte) error {
	return b.conn.WriteJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendClientText forwards client text as a conversation.item.create user
// message; the Realtime protocol has no audio-envelope-over-text shape, so
// JSON/non-JSON client text is treated uniformly.
func (b *backend) SendClientText(ctx context.Context, raw []byte, _ bool) error {
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: string(raw)}},
		},
	}
	return b.conn.WriteJSON(ctx, msg)
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
