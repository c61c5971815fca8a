// Package app wires the Duplexion subsystems into a running proxy server.
//
// The App struct owns the full lifecycle: New resolves the upstream
// provider from config via the registry, Run starts the HTTP/WebSocket
// listener and blocks until ctx is cancelled, and Shutdown tears everything
// down in order. Each inbound browser WebSocket connection gets its own
// [upstream.Session] (C8) bridging it to the vendor Live backend, with a
// [caption.Processor] (C11) layered on top of the session's segment text.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/liveproxy/duplexion/internal/caption"
	"github.com/liveproxy/duplexion/internal/config"
	"github.com/liveproxy/duplexion/internal/health"
	"github.com/liveproxy/duplexion/internal/observe"
	"github.com/liveproxy/duplexion/internal/segment"
	"github.com/liveproxy/duplexion/internal/store/postgres"
	"github.com/liveproxy/duplexion/internal/transport/wsconn"
	"github.com/liveproxy/duplexion/internal/upstream"
)

// App owns the listener and every subsystem a running proxy needs: the
// upstream provider, observability, health checks, and (optionally) the
// resumption store. The Discord bridge is not owned here.
type App struct {
	cfg      *config.Config
	registry *config.Registry
	provider upstream.Provider
	metrics  *observe.Metrics
	health   *health.Handler
	store    *postgres.Store

	server *http.Server

	mu       sync.Mutex
	sessions map[string]*upstream.Session

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithMetrics injects a [observe.Metrics] instance instead of using
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithStore injects a resumption/diagnostics [postgres.Store] instead of
// opening one from cfg.Store.PostgresDSN.
func WithStore(s *postgres.Store) Option {
	return func(a *App) { a.store = s }
}

// New resolves the upstream provider from reg using cfg.Providers.Upstream
// and wires up health checks and observability. The resumption store is
// opened here, from cfg.Store.PostgresDSN, unless injected via
// [WithStore].
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: reg,
		sessions: make(map[string]*upstream.Session),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if cfg.Providers.Upstream.Name != "" {
		provider, err := reg.CreateUpstream(cfg.Providers.Upstream)
		if err != nil {
			return nil, fmt.Errorf("app: create upstream provider: %w", err)
		}
		a.provider = provider
	} else {
		slog.Warn("no upstream provider configured; sessions will close immediately with upstream_not_configured")
	}

	if a.store == nil && cfg.Store.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: open resumption store: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
	}

	a.health = health.New(a.healthCheckers()...)

	return a, nil
}

// healthCheckers builds the readiness checks for this App's configuration.
func (a *App) healthCheckers() []health.Checker {
	var checks []health.Checker
	checks = append(checks, health.Checker{
		Name: "upstream_provider",
		Check: func(ctx context.Context) error {
			if a.provider == nil {
				return fmt.Errorf("no upstream provider configured")
			}
			return nil
		},
	})
	if a.store != nil {
		checks = append(checks, health.Checker{
			Name:  "resumption_store",
			Check: a.store.Ping,
		})
	}
	return checks
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP/WebSocket listener on cfg.Server.ListenAddr and blocks
// until ctx is cancelled, then gracefully shuts the listener down.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /ws", observe.Middleware(a.metrics)(http.HandlerFunc(a.handleWS)))

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("duplexion listening", "addr", addr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ─── WebSocket bridge ────────────────────────────────────────────────────────

// handleWS accepts one browser client connection, opens a matching
// [upstream.Session], and bridges frames between the two legs until either
// side closes.
func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = randomSessionID()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := a.StartSession(ctx, sessionID)

	cp := caption.New(
		caption.NewGuard(a.cfg.Caption.AllowPatterns, a.cfg.Caption.BlockPatterns),
		nil,
		newDedup(a.cfg.Caption.DuplicateThreshold),
		captionConfigFrom(a.cfg.Caption),
	)

	var g errgroup.Group
	g.Go(func() error {
		a.pumpOutbound(ctx, cancel, sess, cp, conn, sessionID)
		return nil
	})
	g.Go(func() error {
		a.pumpInbound(ctx, cancel, sess, cp, conn, sessionID)
		return nil
	})
	g.Wait()
}

// StartSession builds an [upstream.Session] for sessionID, loads its
// resumption handle from the store (if configured), tracks it for
// [App.Shutdown], and starts its run loop in the background. Callers drive
// the client leg themselves via sess.Outbound()/SendClientAudio/
// SendClientText — this is the shared construction path for both the
// browser WebSocket handler and the Discord voice bridge.
func (a *App) StartSession(ctx context.Context, sessionID string) *upstream.Session {
	var resumptionHandle string
	if a.store != nil {
		if h, err := a.store.LoadResumptionHandle(ctx, sessionID); err == nil {
			resumptionHandle = h
		}
	}

	sess := upstream.New(upstream.Config{
		SessionID: sessionID,
		Provider:  a.provider,
		SessionCfg: upstream.SessionConfig{
			Model:                    a.cfg.Providers.Upstream.Model,
			Instructions:             a.cfg.Providers.Upstream.Instructions,
			Voice:                    upstream.VoiceProfile{ID: a.cfg.Providers.Upstream.VoiceID},
			OutputAudioTranscription: true,
			ResumptionHandle:         resumptionHandle,
		},
		SegmentCfg:       segmentConfigFrom(a.cfg.Segment),
		HeartbeatEnabled: a.cfg.Server.HeartbeatIntervalMs > 0,
	})

	a.mu.Lock()
	a.sessions[sessionID] = sess
	a.mu.Unlock()
	a.metrics.ActiveSessions.Add(ctx, 1)

	go func() {
		sess.Run(ctx)

		a.mu.Lock()
		delete(a.sessions, sessionID)
		a.mu.Unlock()
		a.metrics.ActiveSessions.Add(context.Background(), -1)

		if a.store != nil {
			if h := sess.ResumptionHandle(); h != "" {
				if err := a.store.SaveResumptionHandle(context.Background(), sessionID, h); err != nil {
					slog.Warn("failed to persist resumption handle", "session_id", sessionID, "err", err)
				}
			}
		}
	}()

	return sess
}

// pumpInbound reads client frames from conn and forwards them into sess
// until ctx is cancelled or the client disconnects.
func (a *App) pumpInbound(ctx context.Context, cancel context.CancelFunc, sess *upstream.Session, cp *caption.Processor, conn *wsconn.Conn, sessionID string) {
	defer cancel()
	defer sess.Close()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch msgType {
		case websocket.MessageBinary:
			sess.SendClientAudio(data)
		case websocket.MessageText:
			sess.SendClientText(data)
		}
	}
}

// pumpOutbound drains sess's outbound events and caption commits, writing
// each to the client connection, until sess closes or ctx is cancelled.
func (a *App) pumpOutbound(ctx context.Context, cancel context.CancelFunc, sess *upstream.Session, cp *caption.Processor, conn *wsconn.Conn, sessionID string) {
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp.CheckFallbacks()
		case commit, ok := <-cp.Commits():
			if !ok {
				continue
			}
			_ = conn.WriteJSON(ctx, map[string]any{
				"type":   "caption_commit",
				"key":    commit.Key,
				"text":   commit.Text,
				"reason": commit.Reason.String(),
			})
		case ev, ok := <-sess.Outbound():
			if !ok {
				return
			}
			a.handleOutbound(ctx, ev, cp, conn, sessionID)
		}
	}
}

// handleOutbound dispatches a single [upstream.Outbound] event to the client
// connection and feeds segment text into the caption processor.
func (a *App) handleOutbound(ctx context.Context, ev upstream.Outbound, cp *caption.Processor, conn *wsconn.Conn, sessionID string) {
	switch ev.Kind {
	case upstream.OutboundAudio:
		_ = conn.WriteBinary(ctx, ev.Audio)
	case upstream.OutboundJSON:
		_ = conn.WriteText(ctx, ev.JSON)
	case upstream.OutboundClosed:
		_ = conn.WriteJSON(ctx, map[string]any{
			"type":   "closed",
			"code":   ev.CloseCode,
			"reason": ev.CloseReason,
		})
	case upstream.OutboundSegment:
		a.handleSegmentEvent(ctx, ev.Segment, cp, conn, sessionID)
	}
}

// handleSegmentEvent relays a segment engine event to the client and feeds
// its text, when present, into the caption processor.
func (a *App) handleSegmentEvent(ctx context.Context, ev segment.Event, cp *caption.Processor, conn *wsconn.Conn, sessionID string) {
	switch ev.Kind {
	case segment.EventSegmentCommit:
		a.metrics.RecordSegmentCommit(ctx, sessionID, ev.DurationMs)
		cp.Update(ctx, caption.Key(ev.TurnID, ev.Index), ev.Text, len(ev.AudioBytes) > 0)
		_ = conn.WriteJSON(ctx, map[string]any{
			"type":        "segment_commit",
			"segment_id":  ev.SegmentID,
			"turn_id":     ev.TurnID,
			"index":       ev.Index,
			"text":        ev.Text,
			"duration_ms": ev.DurationMs,
		})
	case segment.EventTurnCommit:
		a.metrics.RecordTurnCommit(ctx, sessionID)
		cp.GenerationComplete(caption.Key(ev.TurnID, ev.SegmentCount-1))
		_ = conn.WriteJSON(ctx, map[string]any{
			"type":          "turn_commit",
			"turn_id":       ev.TurnID,
			"final_text":    ev.FinalText,
			"segment_count": ev.SegmentCount,
		})
	case segment.EventSegmentDiagnostics:
		_ = conn.WriteJSON(ctx, map[string]any{
			"type":        "segment_diagnostics",
			"turn_id":     ev.TurnID,
			"diagnostics": ev.Diagnostics,
		})
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every active session and tears down subsystems in
// reverse-init order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		for _, sess := range a.sessions {
			sess.Close()
		}
		a.mu.Unlock()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// segmentConfigFrom converts the config schema to segment.Config.
func segmentConfigFrom(c config.SegmentConfig) segment.Config {
	return segment.Config{
		SampleRate:              c.SampleRate,
		SilenceThreshold:        c.SilenceThreshold,
		SilenceDurationMs:       c.SilenceDurationMs,
		MaxPendingSegments:      c.MaxPendingSegments,
		PartialIdleCommit:       c.PartialIdleCommit,
		PartialIdleMs:           c.PartialIdleMs,
		PartialIdleMinChars:     c.PartialIdleMinChars,
		DurationFloorMs:         c.DurationFloorMs,
		FinalizationMs:          c.FinalizationMs,
		FinalizationExtensionMs: c.FinalizationExtensionMs,
	}
}

// captionConfigFrom converts the config schema to caption.Config.
func captionConfigFrom(c config.CaptionConfig) caption.Config {
	return caption.Config{
		DebounceMs:      c.DebounceMs,
		TimeoutMs:       c.TimeoutMs,
		AudioFallbackMs: c.AudioFallbackMs,
		MsPerChar:       c.MsPerChar,
		MinVoiceMs:      c.MinVoiceMs,
		MaxVoiceMs:      c.MaxVoiceMs,
	}
}

// newDedup constructs a duplicate suppressor when threshold is set, else
// returns nil (near-duplicate suppression disabled).
func newDedup(threshold float64) *caption.DuplicateSuppressor {
	if threshold <= 0 {
		return nil
	}
	return caption.NewDuplicateSuppressor(threshold)
}

// randomSessionID generates a short, opaque session identifier for
// connections that did not supply their own.
func randomSessionID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("sess-%d", time.Now().UnixNano())
	}
	return "sess-" + hex.EncodeToString(buf)
}
