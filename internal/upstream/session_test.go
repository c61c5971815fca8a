package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeBackend is an in-memory Backend used to drive Session without any
// real network I/O.
type fakeBackend struct {
	mu      sync.Mutex
	frames  [][]byte
	mtypes  []websocket.MessageType
	idx     int
	sent    [][]byte
	closed  bool
	closeCh chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{closeCh: make(chan struct{})}
}

func (b *fakeBackend) pushText(v any) {
	data, _ := json.Marshal(v)
	b.mu.Lock()
	b.frames = append(b.frames, data)
	b.mtypes = append(b.mtypes, websocket.MessageText)
	b.mu.Unlock()
}

func (b *fakeBackend) SendAudio(ctx context.Context, pcm []byte) error {
	b.mu.Lock()
	b.sent = append(b.sent, pcm)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) SendClientText(ctx context.Context, raw []byte, isJSON bool) error {
	b.mu.Lock()
	b.sent = append(b.sent, raw)
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	b.mu.Lock()
	if b.idx < len(b.frames) {
		mt, data := b.mtypes[b.idx], b.frames[b.idx]
		b.idx++
		b.mu.Unlock()
		return mt, data, nil
	}
	b.mu.Unlock()

	select {
	case <-b.closeCh:
		return 0, nil, context.Canceled
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (b *fakeBackend) Ping(ctx context.Context) error { return nil }

func (b *fakeBackend) Close(code websocket.StatusCode, reason string) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.closeCh)
	}
	b.mu.Unlock()
	return nil
}

type fakeProvider struct {
	backend *fakeBackend
}

func (p *fakeProvider) Name() string               { return "fake" }
func (p *fakeProvider) Capabilities() Capabilities  { return Capabilities{} }
func (p *fakeProvider) Dial(ctx context.Context, cfg SessionConfig) (Backend, error) {
	return p.backend, nil
}

func TestSession_ForwardsAudioFromUpstream(t *testing.T) {
	fb := newFakeBackend()
	encoded := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})
	fb.pushText(map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []any{map[string]any{"inlineData": map[string]any{"data": encoded}}},
			},
			"outputTranscription": map[string]any{"text": "こんにちは。"},
		},
	})

	sess := New(Config{
		SessionID:  "s1",
		Provider:   &fakeProvider{backend: fb},
		SessionCfg: SessionConfig{Model: "test-model"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	var sawAudio, sawSegment, closedOnce bool
	timeout := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-sess.Outbound():
			if !ok {
				break loop
			}
			switch ev.Kind {
			case OutboundAudio:
				sawAudio = true
				if !closedOnce {
					closedOnce = true
					sess.Close()
				}
			case OutboundSegment:
				sawSegment = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for outbound events")
		}
	}

	<-done
	if !sawAudio {
		t.Error("expected an OutboundAudio event")
	}
	if !sawSegment {
		t.Error("expected an OutboundSegment event")
	}
}

func TestSession_QueuesClientFramesBeforeOpen(t *testing.T) {
	s := New(Config{
		SessionID:  "s1",
		Provider:   &fakeProvider{backend: newFakeBackend()},
		SessionCfg: SessionConfig{Model: "test-model"},
	})
	s.SendClientAudio([]byte{1, 2, 3})
	if len(s.sendCh) != 1 {
		t.Fatalf("expected 1 queued frame, got %d", len(s.sendCh))
	}
}

func TestSession_MisconfiguredClosesImmediately(t *testing.T) {
	s := New(Config{SessionID: "s1", Provider: nil})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var gotClosed bool
	go s.Run(ctx)
	for ev := range s.Outbound() {
		if ev.Kind == OutboundClosed {
			gotClosed = true
		}
	}
	if !gotClosed {
		t.Fatal("expected an OutboundClosed event for misconfigured session")
	}
}
