package player

import (
	"time"

	"github.com/liveproxy/duplexion/pkg/dsp"
	"github.com/liveproxy/duplexion/pkg/ring"
)

type cmdKind int

const (
	cmdPush cmdKind = iota
	cmdFlush
	cmdSoftFlush
	cmdEpoch
	cmdConfigure
)

type command struct {
	kind        cmdKind
	pcm         []byte
	epoch       int
	contextTime time.Time
	cfg         Config
}

const cmdQueueCap = 64

// Player is a pull-driven mono float renderer. All state is mutated only
// from within Render (and the command-applying helpers it calls), so a
// single goroutine — the audio-callback task — owns it completely; Push,
// Flush, SoftFlush, and Epoch are producer-side calls that merely enqueue
// a command onto a single-producer/single-consumer port.
type Player struct {
	cfg Config

	cmds   chan command
	events chan Event

	buf *ring.Buffer

	currentEpoch int
	contextTime  time.Time

	hasPlayed       bool
	armed           bool
	rearming        bool
	lastSupersedeAt time.Time
	firstPlaybackAt time.Time
	armBlocked      bool

	pendingTail []float32
	joinCount   int

	fadeInRemaining int
	underrunLatched bool

	totalDropped      int
	trimGraceAccepted int

	samplesSinceDiagnostic int
	samplesSinceQueueLow   bool
}

// New constructs a Player with the given configuration.
func New(cfg Config) *Player {
	cfg = cfg.withDefaults()
	p := &Player{
		cfg:    cfg,
		cmds:   make(chan command, cmdQueueCap),
		events: make(chan Event, 256),
		buf:    ring.New(cfg.msToSamples(cfg.MaxBufferMs) * 2),
	}
	return p
}

// Events returns the channel of side-channel diagnostics.
func (p *Player) Events() <-chan Event { return p.events }

func (p *Player) enqueue(c command) {
	select {
	case p.cmds <- c:
	default:
		// Command port full: drop the oldest to make room, same
		// overflow policy used elsewhere in this codebase's bounded queues.
		select {
		case <-p.cmds:
		default:
		}
		select {
		case p.cmds <- c:
		default:
		}
	}
}

// Push enqueues one PCM16LE chunk tagged with the epoch it was produced
// under.
func (p *Player) Push(pcm []byte, epoch int) {
	p.enqueue(command{kind: cmdPush, pcm: pcm, epoch: epoch})
}

// Flush performs a full reset: buffered audio, join state, and arming are
// all cleared.
func (p *Player) Flush() {
	p.enqueue(command{kind: cmdFlush})
}

// SoftFlush drops queued samples without touching arming counters.
func (p *Player) SoftFlush() {
	p.enqueue(command{kind: cmdSoftFlush})
}

// Epoch advances the current epoch, cancelling any buffered audio pushed
// under an older one.
func (p *Player) Epoch(n int, contextTime time.Time) {
	p.enqueue(command{kind: cmdEpoch, epoch: n, contextTime: contextTime})
}

// Configure applies new tuning knobs, effective from the next Render call.
func (p *Player) Configure(cfg Config) {
	p.enqueue(command{kind: cmdConfigure, cfg: cfg})
}

// Render pulls n samples for the current audio-callback tick. It drains
// pending commands first, then produces either silence (not yet armed, or
// underrun) or buffered audio.
func (p *Player) Render(n int) []float32 {
	p.drainCommands()

	if !p.armed {
		p.tryArm()
	}

	out := make([]float32, n)
	if !p.armed {
		return out
	}

	samples := p.buf.Pop(n)
	copy(out, samples)
	if len(samples) < n {
		p.onUnderrun()
	} else {
		p.underrunLatched = false
	}

	if p.fadeInRemaining > 0 {
		applied := len(out)
		if applied > p.fadeInRemaining {
			applied = p.fadeInRemaining
		}
		dsp.FadeIn(out[:applied], p.fadeInRemaining)
		p.fadeInRemaining -= applied
	}

	p.maybeTrim()
	p.maybeEmitDiagnostic(n)
	p.maybeEmitQueueLow()

	return out
}

func (p *Player) drainCommands() {
	for {
		select {
		case c := <-p.cmds:
			p.apply(c)
		default:
			return
		}
	}
}

func (p *Player) apply(c command) {
	switch c.kind {
	case cmdPush:
		p.applyPush(c.pcm, c.epoch)
	case cmdFlush:
		p.applyFlush()
	case cmdSoftFlush:
		p.buf.Reset()
	case cmdEpoch:
		p.applyEpoch(c.epoch, c.contextTime)
	case cmdConfigure:
		p.cfg = c.cfg.withDefaults()
	}
}

func (p *Player) applyFlush() {
	p.buf.Reset()
	p.pendingTail = nil
	p.joinCount = 0
	p.armed = false
	p.rearming = false
	p.fadeInRemaining = 0
	p.hasPlayed = false
}

func (p *Player) applyEpoch(n int, contextTime time.Time) {
	p.currentEpoch = n
	p.contextTime = contextTime
	p.buf.Reset()
	p.pendingTail = nil
	p.joinCount = 0
	p.armed = false
	p.fadeInRemaining = 0
	p.hasPlayed = false
	p.lastSupersedeAt = time.Now()
	p.emit(Event{Kind: EventContextInfo, Epoch: n, ContextTime: contextTime})
}

// applyPush runs the full C9 acceptance/processing pipeline for one chunk.
func (p *Player) applyPush(pcm []byte, epoch int) {
	switch {
	case epoch < p.currentEpoch-1:
		p.totalDropped++
		return
	case epoch == p.currentEpoch-1:
		if p.hasPlayed {
			p.totalDropped++
			return
		}
		p.trimGraceAccepted++
	case epoch > p.currentEpoch:
		// Implicit supersede: an older epoch's audio is still buffered here
		// and must never be rendered out after the bump, so this mirrors
		// applyEpoch's full reset rather than just the join-state fields.
		p.currentEpoch = epoch
		p.buf.Reset()
		p.pendingTail = nil
		p.joinCount = 0
		p.armed = false
		p.fadeInRemaining = 0
		p.hasPlayed = false
	}

	samples := dsp.PCM16ToFloat32(pcm)

	searchN := p.cfg.msToSamples(p.cfg.ZeroCrossSearchMs)
	if idx := dsp.ZeroCrossing(samples, searchN); idx > 0 {
		samples = samples[idx:]
	}

	fadeN := p.cfg.msToSamples(p.cfg.HeadTailFadeMs)
	if fadeN > 0 && len(samples) > 0 {
		dsp.RaisedCosineFadeIn(samples, fadeN)
		dsp.RaisedCosineFadeOut(samples, fadeN)
	}

	result := joinChunks(p.cfg, p.pendingTail, samples, p.joinCount)
	p.joinCount++
	p.pendingTail = result.tail

	dropped := p.buf.Push(result.committed)

	p.emit(Event{Kind: EventChunkMetrics, ChunkSamples: len(samples), DroppedSamples: dropped})
	p.emit(Event{Kind: EventJoinMetrics, CrossfadeMs: result.crossfadeMs, Appended: result.appended})
}

// tryArm evaluates the arming policy described in §4.3. It is called once
// per Render before rendering, so arming latency is bounded by one tick.
func (p *Player) tryArm() {
	required := p.cfg.InitialQueueMs
	if p.rearming {
		if v := 80; v < required {
			required = v
		}
	}

	queuedMs := p.queuedMs()
	if queuedMs < float64(required) {
		return
	}

	if time.Since(p.lastSupersedeAt) < time.Duration(p.cfg.ArmSupersedeQuietMs)*time.Millisecond {
		if !p.armBlocked {
			p.armBlocked = true
			p.emit(Event{Kind: EventArmBlocked})
		}
		return
	}
	p.armBlocked = false

	leadSamples := p.cfg.msToSamples(p.cfg.StartLeadMs)
	p.buf.Push(make([]float32, leadSamples))

	wasRearming := p.rearming
	if wasRearming {
		pauseSamples := p.cfg.msToSamples(p.cfg.SentencePauseMs)
		p.buf.Push(make([]float32, pauseSamples))
		p.emit(Event{Kind: EventPauseInserted})
	}

	p.armed = true
	p.rearming = false
	p.fadeInRemaining = p.cfg.msToSamples(p.cfg.FadeInMs)
	if p.firstPlaybackAt.IsZero() {
		p.firstPlaybackAt = time.Now()
	}
	p.hasPlayed = true
	p.emit(Event{Kind: EventPlaybackArmed})
}

func (p *Player) onUnderrun() {
	p.armed = false
	p.rearming = true
	if !p.underrunLatched {
		p.underrunLatched = true
		p.emit(Event{Kind: EventUnderrun})
	}
}

func (p *Player) maybeTrim() {
	maxSamples := p.cfg.msToSamples(p.cfg.MaxBufferMs)
	over := p.buf.Len() - maxSamples
	if over <= 0 {
		return
	}
	if time.Since(p.firstPlaybackAt) < time.Duration(p.cfg.TrimGraceMs)*time.Millisecond {
		p.trimGraceAccepted++
		return
	}
	dropped := p.buf.Trim(maxSamples)
	if dropped > 0 {
		p.emit(Event{Kind: EventBufferTrimmed, DroppedSamples: dropped, MaxBufferMs: float64(p.cfg.MaxBufferMs)})
	}
}

func (p *Player) maybeEmitDiagnostic(rendered int) {
	p.samplesSinceDiagnostic += rendered
	threshold := p.cfg.msToSamples(p.cfg.DiagnosticIntervalMs)
	if p.samplesSinceDiagnostic >= threshold {
		p.samplesSinceDiagnostic = 0
		p.emit(Event{Kind: EventDiagnostic, QueuedMs: p.queuedMs(), TotalDropped: p.totalDropped})
	}
}

func (p *Player) maybeEmitQueueLow() {
	low := p.queuedMs() < float64(p.cfg.InitialQueueMs)/2
	if low && !p.samplesSinceQueueLow {
		p.samplesSinceQueueLow = true
		p.emit(Event{Kind: EventQueueLow, QueuedMs: p.queuedMs()})
	} else if !low {
		p.samplesSinceQueueLow = false
	}
}

func (p *Player) queuedMs() float64 {
	return float64(p.buf.Len()) * 1000 / float64(p.cfg.SampleRate)
}

func (p *Player) emit(ev Event) {
	ev.At = time.Now()
	select {
	case p.events <- ev:
	default:
		// Diagnostics are best-effort; a full events channel means nobody
		// is draining it and dropping is preferable to blocking the
		// audio-callback task.
	}
}

// TotalDropped returns the number of pushes dropped for being too far
// behind the current epoch.
func (p *Player) TotalDropped() int {
	return p.totalDropped
}
