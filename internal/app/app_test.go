package app_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/liveproxy/duplexion/internal/app"
	"github.com/liveproxy/duplexion/internal/config"
	"github.com/liveproxy/duplexion/internal/transport/wsconn"
	"github.com/liveproxy/duplexion/internal/upstream"
)

// fakeBackend is a minimal [upstream.Backend] that records the frames it is
// asked to send and echoes nothing back until told to close.
type fakeBackend struct {
	mu        sync.Mutex
	sentAudio [][]byte
	sentText  [][]byte
	closed    chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{closed: make(chan struct{})}
}

func (b *fakeBackend) SendAudio(_ context.Context, pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sentAudio = append(b.sentAudio, append([]byte(nil), pcm...))
	return nil
}

func (b *fakeBackend) SendClientText(_ context.Context, raw []byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sentText = append(b.sentText, append([]byte(nil), raw...))
	return nil
}

func (b *fakeBackend) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-b.closed:
		return 0, nil, errors.New("backend closed")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (b *fakeBackend) Ping(_ context.Context) error { return nil }

func (b *fakeBackend) Close(_ websocket.StatusCode, _ string) error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func (b *fakeBackend) audioCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sentAudio)
}

// fakeProvider hands out a single shared [fakeBackend] for every Dial call.
type fakeProvider struct {
	backend *fakeBackend
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Capabilities() upstream.Capabilities {
	return upstream.Capabilities{SupportsResumption: true}
}

func (p *fakeProvider) Dial(context.Context, upstream.SessionConfig) (upstream.Backend, error) {
	return p.backend, nil
}

func testConfig(addr string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr:          addr,
			LogLevel:            config.LogInfo,
			HeartbeatIntervalMs: 0,
		},
		Providers: config.ProvidersConfig{
			Upstream: config.ProviderEntry{
				Name:  "fake",
				Model: "fake-model-1",
			},
		},
		Caption: config.CaptionConfig{
			DebounceMs:      50,
			TimeoutMs:       200,
			AudioFallbackMs: 200,
			MsPerChar:       80,
			MinVoiceMs:      400,
			MaxVoiceMs:      6000,
		},
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestNew_NoUpstreamConfigured(t *testing.T) {
	t.Parallel()

	cfg := testConfig(freeAddr(t))
	cfg.Providers.Upstream = config.ProviderEntry{}

	reg := config.NewRegistry()
	application, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestNew_WithRegisteredProvider(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	cfg := testConfig(addr)

	reg := config.NewRegistry()
	reg.RegisterUpstream("fake", func(config.ProviderEntry) (upstream.Provider, error) {
		return &fakeProvider{backend: newFakeBackend()}, nil
	})

	application, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestNew_UnregisteredProviderName(t *testing.T) {
	t.Parallel()

	cfg := testConfig(freeAddr(t))
	reg := config.NewRegistry() // nothing registered

	_, err := app.New(context.Background(), cfg, reg)
	if err == nil {
		t.Fatal("expected error for unregistered provider name")
	}
}

func TestApp_Shutdown_NoSessions(t *testing.T) {
	t.Parallel()

	cfg := testConfig(freeAddr(t))
	reg := config.NewRegistry()

	application, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	// Shutdown must be idempotent.
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

// TestApp_RunBridgesClientAudio drives the full HTTP listener: a real
// WebSocket client connects, sends one binary audio frame, and the fake
// upstream backend must observe it forwarded.
func TestApp_RunBridgesClientAudio(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	cfg := testConfig(addr)

	backend := newFakeBackend()
	reg := config.NewRegistry()
	reg.RegisterUpstream("fake", func(config.ProviderEntry) (upstream.Provider, error) {
		return &fakeProvider{backend: backend}, nil
	})

	application, err := app.New(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- application.Run(ctx) }()

	waitForListener(t, addr)

	conn, _, err := wsconn.Dial(context.Background(), "ws://"+addr+"/ws?session_id=test-1", nil)
	if err != nil {
		t.Fatalf("wsconn.Dial: %v", err)
	}

	if err := conn.WriteBinary(context.Background(), []byte{0x01, 0x02, 0x03, 0x04}); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for backend.audioCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("backend never observed forwarded audio")
		case <-time.After(10 * time.Millisecond):
		}
	}

	conn.CloseNow()
	cancel()

	select {
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			c.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("server never started listening on %s", addr)
}
