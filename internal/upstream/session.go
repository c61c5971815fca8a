package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"

	"github.com/liveproxy/duplexion/internal/backoff"
	"github.com/liveproxy/duplexion/internal/payload"
	"github.com/liveproxy/duplexion/internal/ratelimit"
	"github.com/liveproxy/duplexion/internal/segment"
)

// State is one of the upstream session's lifecycle states.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const maxPendingClientFrames = 256

type clientFrame struct {
	binary bool
	isJSON bool
	data   []byte
}

// OutboundKind distinguishes the payload carried by an [Outbound] event.
type OutboundKind int

const (
	OutboundAudio OutboundKind = iota
	OutboundJSON
	OutboundClosed
	OutboundSegment
)

// Outbound is everything the session hands back to whatever is driving the
// client leg (a browser WebSocket handler, the Discord bridge, ...).
type Outbound struct {
	Kind        OutboundKind
	Audio       []byte
	JSON        []byte
	CloseCode   int
	CloseReason string
	Segment     segment.Event
}

// Session owns one upstream connection's entire lifecycle: connect, setup,
// heartbeat, reconnect with backoff, message forwarding, and segmenter
// feeding. All socket I/O is serialized through its single run goroutine;
// callers only ever touch the channel-based API below.
type Session struct {
	id       string
	provider Provider
	cfg      SessionConfig
	engine   *segment.Engine
	limiter  *ratelimit.Limiter
	reconn   *backoff.Backoff

	heartbeatEnabled bool

	sendCh chan clientFrame
	out    chan Outbound
	done   chan struct{}

	mu               sync.Mutex
	state            State
	resumptionHandle string
	closeErr         error
}

// Config bundles the construction-time knobs for a [Session].
type Config struct {
	SessionID        string
	Provider         Provider
	SessionCfg       SessionConfig
	SegmentCfg       segment.Config
	HeartbeatEnabled bool
}

// New constructs a Session in [StateIdle]. Call Run to start it.
func New(cfg Config) *Session {
	return &Session{
		id:               cfg.SessionID,
		provider:         cfg.Provider,
		cfg:              cfg.SessionCfg,
		engine:           segment.New(cfg.SessionID, cfg.SegmentCfg),
		limiter:          ratelimit.New(),
		reconn:           backoff.New(),
		heartbeatEnabled: cfg.HeartbeatEnabled,
		sendCh:           make(chan clientFrame, maxPendingClientFrames),
		out:              make(chan Outbound, 256),
		done:             make(chan struct{}),
		state:            StateIdle,
	}
}

// Outbound returns the channel of events destined for the client leg.
// Closed when the session reaches [StateClosed].
func (s *Session) Outbound() <-chan Outbound { return s.out }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SendClientAudio enqueues one raw client PCM chunk for forwarding.
func (s *Session) SendClientAudio(pcm []byte) {
	s.enqueue(clientFrame{binary: true, data: pcm})
}

// SendClientText enqueues one raw client text frame for forwarding. Whether
// raw is a JSON object is decided when the frame is forwarded, from a brace
// check on the trimmed text.
func (s *Session) SendClientText(raw []byte) {
	s.enqueue(clientFrame{binary: false, data: raw})
}

func (s *Session) enqueue(f clientFrame) {
	select {
	case s.sendCh <- f:
	default:
		// Queue full: drop the oldest pending frame to make room, matching
		// the FIFO-capped-with-oldest-drop policy.
		select {
		case <-s.sendCh:
		default:
		}
		select {
		case s.sendCh <- f:
		default:
		}
	}
}

// Close requests an immediate, client-initiated shutdown.
func (s *Session) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Run drives the session's state machine until ctx is cancelled, the
// client calls Close, or a terminal upstream failure occurs. It blocks
// until the session reaches [StateClosed]; callers typically invoke it in
// its own goroutine.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		s.setState(StateClosed)
		close(s.out)
	}()

	if s.provider == nil || s.cfg.Model == "" {
		slog.Error("upstream session misconfigured", "session_id", s.id)
		s.emitClosed(0, "upstream_not_configured")
		return
	}

	s.setState(StateConnecting)

	for {
		backend, err := s.connect(ctx)
		if err != nil {
			slog.Error("upstream connect failed", "session_id", s.id, "error", err)
			s.emitClosed(0, err.Error())
			return
		}
		s.setState(StateOpen)
		s.flushPending(ctx, backend)

		outcome := s.serve(ctx, backend)
		_ = backend.Close(websocket.StatusNormalClosure, "session transition")

		switch outcome.kind {
		case outcomeClientClosed:
			s.emitTurnForceComplete()
			return
		case outcomeTerminal:
			s.emitTurnForceComplete()
			s.emitClosed(outcome.code, outcome.reason)
			return
		case outcomeRetryable, outcomePlannedReconnect:
			if outcome.kind == outcomeRetryable {
				delay := s.reconn.Next()
				slog.Warn("upstream closed, reconnecting", "session_id", s.id, "code", outcome.code, "delay", delay)
				select {
				case <-ctx.Done():
					return
				case <-s.done:
					return
				case <-time.After(delay):
				}
			} else {
				s.reconn.Reset()
				slog.Info("planned reconnect", "session_id", s.id)
			}
			s.setState(StateConnecting)
			continue
		}
	}
}

type outcomeKind int

const (
	outcomeClientClosed outcomeKind = iota
	outcomeTerminal
	outcomeRetryable
	outcomePlannedReconnect
)

type serveOutcome struct {
	kind   outcomeKind
	code   int
	reason string
}

func (s *Session) connect(ctx context.Context) (Backend, error) {
	s.mu.Lock()
	cfg := s.cfg
	cfg.ResumptionHandle = s.resumptionHandle
	s.mu.Unlock()
	return s.provider.Dial(ctx, cfg)
}

func (s *Session) flushPending(ctx context.Context, backend Backend) {
	for {
		select {
		case f := <-s.sendCh:
			s.forwardClientFrame(ctx, backend, f)
		default:
			return
		}
	}
}

type backendFrame struct {
	mtype websocket.MessageType
	data  []byte
	err   error
}

// serve runs one connection's read/forward loop until it ends, returning
// why.
func (s *Session) serve(ctx context.Context, backend Backend) serveOutcome {
	frames := make(chan backendFrame, 64)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			mt, data, err := backend.Read(ctx)
			select {
			case frames <- backendFrame{mt, data, err}:
			case <-readerDone:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var heartbeat *time.Ticker
	var heartbeatC <-chan time.Time
	if s.heartbeatEnabled {
		heartbeat = time.NewTicker(HeartbeatInterval)
		heartbeatC = heartbeat.C
		defer heartbeat.Stop()
	}

	plannedDelay := time.Duration(PlannedReconnectMinMs+rand.Intn(PlannedReconnectMaxMs-PlannedReconnectMinMs)) * time.Millisecond
	plannedTimer := time.NewTimer(plannedDelay)
	defer plannedTimer.Stop()

	finalizeTimer := time.NewTimer(time.Hour)
	finalizeTimer.Stop()
	defer finalizeTimer.Stop()
	s.rearmFinalizeTimer(finalizeTimer)

	for {
		select {
		case <-ctx.Done():
			return serveOutcome{kind: outcomeClientClosed}
		case <-s.done:
			return serveOutcome{kind: outcomeClientClosed}

		case f := <-s.sendCh:
			s.forwardClientFrame(ctx, backend, f)

		case bf := <-frames:
			if bf.err != nil {
				return s.classifyCloseErr(bf.err)
			}
			if s.handleBackendFrame(ctx, backend, bf) {
				s.setState(StateDraining)
				_ = backend.Close(1012, "planned_reconnect")
				<-readerDone
				return serveOutcome{kind: outcomePlannedReconnect}
			}
			s.rearmFinalizeTimer(finalizeTimer)

		case <-heartbeatC:
			if err := backend.Ping(ctx); err != nil {
				slog.Warn("upstream heartbeat failed", "session_id", s.id, "error", err)
			}

		case <-plannedTimer.C:
			_ = backend.Close(1012, "planned_reconnect")
			<-readerDone
			return serveOutcome{kind: outcomePlannedReconnect}

		case <-finalizeTimer.C:
			s.emitSegmentEvents(s.engine.FireFinalization())
			s.rearmFinalizeTimer(finalizeTimer)
		}
	}
}

func (s *Session) rearmFinalizeTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if dl, ok := s.engine.Deadline(); ok {
		d := time.Until(dl)
		if d < 0 {
			d = 0
		}
		t.Reset(d)
	} else {
		t.Reset(time.Hour)
	}
}

func (s *Session) classifyCloseErr(err error) serveOutcome {
	code, reason := websocketCloseCode(err)
	if code != 0 && RetryableCloseCode(websocket.StatusCode(code)) {
		return serveOutcome{kind: outcomeRetryable, code: code, reason: reason}
	}
	if strings.Contains(reason, "429") || strings.HasPrefix(strings.TrimSpace(reason), "5") {
		return serveOutcome{kind: outcomeRetryable, code: code, reason: reason}
	}
	return serveOutcome{kind: outcomeTerminal, code: code, reason: reason}
}

// websocketCloseCode extracts a close code/reason pair from a coder/websocket
// read error. A raw network failure (not a clean close handshake) is
// reported as 1006, one of the codes classifyCloseErr treats as retryable.
func websocketCloseCode(err error) (int, string) {
	status := websocket.CloseStatus(err)
	if status == -1 {
		return 1006, err.Error()
	}
	return int(status), err.Error()
}

// forwardClientFrame applies the client -> upstream forwarding rules.
func (s *Session) forwardClientFrame(ctx context.Context, backend Backend, f clientFrame) {
	if f.binary {
		if !s.limiter.AllowSend() {
			return
		}
		if err := backend.SendAudio(ctx, f.data); err != nil {
			if isRateLimitErr(err) {
				s.limiter.MarkRateLimited()
			}
			slog.Warn("upstream send audio failed", "session_id", s.id, "error", err)
			return
		}
		s.limiter.MarkSuccess()
		return
	}

	isJSON := looksLikeJSONObject(f.data)
	if err := backend.SendClientText(ctx, f.data, isJSON); err != nil {
		slog.Warn("upstream send text failed", "session_id", s.id, "error", err)
	}
}

func isRateLimitErr(err error) bool {
	return strings.Contains(err.Error(), "429")
}

func looksLikeJSONObject(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	return strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
}

// handleBackendFrame applies the upstream -> client/segmenter forwarding
// rules. It reports whether the frame carried a goAway signal, meaning the
// caller must drain and reconnect rather than keep serving this frame's
// session.
func (s *Session) handleBackendFrame(ctx context.Context, backend Backend, bf backendFrame) bool {
	data := bf.data
	if bf.mtype == websocket.MessageBinary {
		if utf8.Valid(data) {
			return s.processUpstreamJSON(ctx, data)
		}
		// Genuine binary audio: forward unchanged and feed the segmenter a
		// synthetic chunk descriptor.
		s.out <- Outbound{Kind: OutboundAudio, Audio: data}
		s.emitSegmentEvents(s.engine.Ingest(
			map[string]any{"mime": "audio/pcm;rate=" + strconv.Itoa(24000)},
			[]segment.AudioChunk{{Data: data, SampleRate: 24000}},
		))
		return false
	}
	return s.processUpstreamJSON(ctx, data)
}

// processUpstreamJSON forwards the extracted audio/JSON payload and reports
// whether the upstream signaled goAway, meaning this serve loop must close
// with code 1012 and let Run dial a fresh connection. A resumption handle
// update alone is not treated as a migration signal: the wire protocol gives
// no way to distinguish a routine handle refresh from one that precedes a
// forced migration, so only the explicit goAway flag drives the reconnect.
func (s *Session) processUpstreamJSON(ctx context.Context, data []byte) bool {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return false
	}

	ex := payload.Extract(tree)

	payloadMap, _ := tree.(map[string]any)

	chunks := make([]segment.AudioChunk, len(ex.AudioChunks))
	for i, c := range ex.AudioChunks {
		chunks[i] = segment.AudioChunk{Data: c, SampleRate: 24000}
		s.out <- Outbound{Kind: OutboundAudio, Audio: c}
	}

	s.emitSegmentEvents(s.engine.Ingest(payloadMap, chunks))

	if ex.ResumptionHandle != "" {
		s.mu.Lock()
		s.resumptionHandle = ex.ResumptionHandle
		s.mu.Unlock()
	}

	if sanitized, err := json.Marshal(ex.Sanitized); err == nil {
		s.out <- Outbound{Kind: OutboundJSON, JSON: sanitized}
	}

	if ex.GoAway {
		slog.Info("upstream requested goAway, draining for planned reconnect", "session_id", s.id)
		return true
	}
	return false
}

func (s *Session) emitSegmentEvents(events []segment.Event) {
	for _, ev := range events {
		s.out <- Outbound{Kind: OutboundSegment, Segment: ev}
	}
}

func (s *Session) emitTurnForceComplete() {
	s.emitSegmentEvents(s.engine.ForceComplete())
}

func (s *Session) emitClosed(code int, reason string) {
	payload := map[string]any{"event": "upstream_closed", "code": code, "reason": reason}
	if data, err := json.Marshal(payload); err == nil {
		s.out <- Outbound{Kind: OutboundJSON, JSON: data}
	}
	s.out <- Outbound{Kind: OutboundClosed, CloseCode: code, CloseReason: reason}
}

// ResumptionHandle returns the most recently observed upstream session
// resumption handle, if any.
func (s *Session) ResumptionHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumptionHandle
}

var _ fmt.Stringer = State(0)
