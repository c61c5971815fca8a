// Package caption implements the caption processor (C11): guard filtering,
// debounced voice scheduling, and fallback commit timers for the incremental
// caption text a turn produces alongside its segment audio.
//
// A caption key identifies one evolving caption within a turn
// ("turn-<turnId>#<seq>"). The processor tracks, per key, a pending text
// buffer, scheduled/committed character counters, a debounce timer, and the
// set of active synthesized-voice ids for scheduled suffixes. Guarding,
// debouncing, and fallback-commit are independent of the segmentation
// engine (C6) — this processor only ever sees caption strings, never raw
// audio — so the two can disagree on timing without corrupting each other's
// state.
package caption

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"
)

// GuardResult is the outcome of running a candidate string through the
// guard's allow/block rules.
type GuardResult struct {
	Text      string
	Allowed   bool
	Reason    string // non-empty only when !Allowed
}

// Guard filters caption strings by trim/empty/allow-list/block-list rules,
// matching the configured allow/block patterns.
type Guard struct {
	allow []*regexp.Regexp
	block []*regexp.Regexp
}

// NewGuard compiles the allow-list and block-list patterns. Invalid
// patterns are skipped silently; nothing logs them (Guard has no logger
// dependency so it stays trivially testable).
func NewGuard(allow, block []string) *Guard {
	g := &Guard{}
	for _, p := range allow {
		if re, err := regexp.Compile(p); err == nil {
			g.allow = append(g.allow, re)
		}
	}
	for _, p := range block {
		if re, err := regexp.Compile(p); err == nil {
			g.block = append(g.block, re)
		}
	}
	return g
}

// Check applies the guard rules to raw and returns the trimmed text plus
// the allow/block verdict.
func (g *Guard) Check(raw string) GuardResult {
	text := strings.TrimSpace(raw)
	if text == "" {
		return GuardResult{Text: text, Reason: "empty"}
	}
	if text == "?" || text == "？" {
		return GuardResult{Text: text, Reason: "placeholder"}
	}
	for _, re := range g.allow {
		if re.MatchString(text) {
			return GuardResult{Text: text, Allowed: true}
		}
	}
	for _, re := range g.block {
		if re.MatchString(text) {
			return GuardResult{Text: text, Reason: "blocked"}
		}
	}
	return GuardResult{Text: text, Allowed: true}
}

// Config tunes debounce and fallback timing. Zero values fall back to the
// package defaults.
type Config struct {
	DebounceMs       int // default 600
	TimeoutMs        int // default 1300, idle-since-last-update fallback
	AudioFallbackMs  int // default 900, idle-since-last-audio-burst fallback
	MsPerChar        int // default 80, voice duration estimate
	MinVoiceMs       int // default 400
	MaxVoiceMs       int // default 6000
	AlertAfterCommits int // default 200
}

func (c Config) withDefaults() Config {
	if c.DebounceMs <= 0 {
		c.DebounceMs = 600
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 1300
	}
	if c.AudioFallbackMs <= 0 {
		c.AudioFallbackMs = 900
	}
	if c.MsPerChar <= 0 {
		c.MsPerChar = 80
	}
	if c.MinVoiceMs <= 0 {
		c.MinVoiceMs = 400
	}
	if c.MaxVoiceMs <= 0 {
		c.MaxVoiceMs = 6000
	}
	if c.AlertAfterCommits <= 0 {
		c.AlertAfterCommits = 200
	}
	return c
}

// CommitReason identifies why a caption's fallback commit fired.
type CommitReason int

const (
	CommitTimeout CommitReason = iota
	CommitAudioFallback
	CommitGenerationComplete
	CommitExplicit
)

func (r CommitReason) String() string {
	switch r {
	case CommitTimeout:
		return "timeout"
	case CommitAudioFallback:
		return "audio_fallback"
	case CommitGenerationComplete:
		return "generation_complete"
	default:
		return "explicit"
	}
}

// VoiceScheduler is given the uncommitted suffix of a caption whenever the
// debounce timer fires. It returns a voice id identifying the scheduled
// synthesis job (used only for bookkeeping/cancellation here — actual
// synthesis is an external collaborator).
type VoiceScheduler interface {
	Schedule(ctx context.Context, key, suffix string) (voiceID string)
}

// Commit is the final, guarded caption text selected for a key.
type Commit struct {
	Key    string
	Text   string
	Reason CommitReason
}

// Metrics accumulates operational counters for alerting.
type Metrics struct {
	mu sync.Mutex

	commits          int
	shortFallbacks   int
	audioFallbacks   int
	timeouts         int
	textMissing      int
}

func (m *Metrics) record(reason CommitReason, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	switch reason {
	case CommitAudioFallback:
		m.audioFallbacks++
	case CommitTimeout:
		m.timeouts++
	}
	if strings.TrimSpace(text) == "" {
		m.textMissing++
	} else if len([]rune(strings.TrimSpace(text))) <= 3 {
		m.shortFallbacks++
	}
}

// Snapshot returns the current counters and whether any rate exceeds
// threshold after AlertAfterCommits commits (alert when any
// exceeds threshold after >= 200 commits").
func (m *Metrics) Snapshot(alertAfter int) (commits, shortFallbacks, audioFallbacks, timeouts, textMissing int, alert bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	commits, shortFallbacks, audioFallbacks, timeouts, textMissing = m.commits, m.shortFallbacks, m.audioFallbacks, m.timeouts, m.textMissing
	if commits < alertAfter {
		return
	}
	rate := func(n int) float64 { return float64(n) / float64(commits) }
	const threshold = 0.15
	alert = rate(shortFallbacks) > threshold || rate(audioFallbacks) > threshold ||
		rate(timeouts) > threshold || rate(textMissing) > threshold
	return
}

type captionState struct {
	pending         string
	scheduledChars  int
	committedChars  int
	activeVoices    map[string]struct{}
	lastUpdate      time.Time
	lastAudio       time.Time
	debounceTimer   *time.Timer
	lastSuffix      string
}

// Processor implements C11 end to end: guarding, debounced voice
// scheduling, fallback commit timers, and metrics.
type Processor struct {
	guard     *Guard
	scheduler VoiceScheduler
	dedup     *DuplicateSuppressor
	cfg       Config
	metrics   *Metrics
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*captionState

	commitCh chan Commit
}

// New constructs a Processor. scheduler may be nil (voice scheduling is
// then a no-op; guarding/fallback/metrics still run) and dedup may be nil
// (near-duplicate suppression disabled).
func New(guard *Guard, scheduler VoiceScheduler, dedup *DuplicateSuppressor, cfg Config) *Processor {
	return &Processor{
		guard:     guard,
		scheduler: scheduler,
		dedup:     dedup,
		cfg:       cfg.withDefaults(),
		metrics:   &Metrics{},
		now:       time.Now,
		states:    make(map[string]*captionState),
		commitCh:  make(chan Commit, 32),
	}
}

// Metrics returns the processor's metrics accumulator.
func (p *Processor) Metrics() *Metrics { return p.metrics }

// Commits returns the channel of finalized captions. The caller drains it
// alongside the owning session's other event sources.
func (p *Processor) Commits() <-chan Commit { return p.commitCh }

// Key formats the per-caption-key identifier.
func Key(turnID, seq int) string {
	return "turn-" + itoa(turnID) + "#" + itoa(seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Update ingests one incremental caption string for key. It guards the
// text, updates the pending buffer, marks the audio-burst clock if audio
// accompanied this update, and (re)arms the debounce timer.
func (p *Processor) Update(ctx context.Context, key, raw string, audioAccompanied bool) GuardResult {
	res := p.guard.Check(raw)

	p.mu.Lock()
	st, ok := p.states[key]
	if !ok {
		st = &captionState{activeVoices: make(map[string]struct{})}
		p.states[key] = st
	}
	now := p.now()
	if audioAccompanied {
		st.lastAudio = now
	}
	if !res.Allowed {
		p.mu.Unlock()
		return res
	}
	st.pending = res.Text
	st.lastUpdate = now
	if st.debounceTimer != nil {
		st.debounceTimer.Stop()
	}
	st.debounceTimer = time.AfterFunc(time.Duration(p.cfg.DebounceMs)*time.Millisecond, func() {
		p.onDebounce(ctx, key)
	})
	p.mu.Unlock()
	return res
}

func (p *Processor) onDebounce(ctx context.Context, key string) {
	p.mu.Lock()
	st, ok := p.states[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	suffix := suffixRunes(st.pending, st.scheduledChars)
	p.mu.Unlock()

	if suffix == "" {
		return
	}
	if p.dedup != nil && p.dedup.IsNearDuplicate(key, suffix) {
		return
	}

	var voiceID string
	if p.scheduler != nil {
		voiceID = p.scheduler.Schedule(ctx, key, suffix)
	}

	p.mu.Lock()
	if st, ok := p.states[key]; ok {
		st.scheduledChars = len([]rune(st.pending))
		st.lastSuffix = suffix
		if voiceID != "" {
			st.activeVoices[voiceID] = struct{}{}
		}
	}
	p.mu.Unlock()

	if p.dedup != nil {
		p.dedup.Record(key, suffix)
	}
}

func suffixRunes(s string, from int) string {
	r := []rune(s)
	if from >= len(r) {
		return ""
	}
	return string(r[from:])
}

// VoiceDurationMs estimates a scheduled voice's duration from its character
// count (80ms/char, clamped [400,6000]).
func (p *Processor) VoiceDurationMs(text string) int {
	ms := len([]rune(text)) * p.cfg.MsPerChar
	if ms < p.cfg.MinVoiceMs {
		ms = p.cfg.MinVoiceMs
	}
	if ms > p.cfg.MaxVoiceMs {
		ms = p.cfg.MaxVoiceMs
	}
	return ms
}

// CheckFallbacks scans every tracked key for an idle/audio-fallback
// deadline and commits any that have fired. Intended to be called
// periodically (e.g. alongside the owning session's other timer checks).
func (p *Processor) CheckFallbacks() {
	now := p.now()
	type firing struct {
		key    string
		reason CommitReason
	}
	var fire []firing

	p.mu.Lock()
	for key, st := range p.states {
		switch {
		case st.pending != "" && !st.lastUpdate.IsZero() && now.Sub(st.lastUpdate) >= time.Duration(p.cfg.TimeoutMs)*time.Millisecond:
			fire = append(fire, firing{key, CommitTimeout})
		case st.pending == "" && !st.lastAudio.IsZero() && now.Sub(st.lastAudio) >= time.Duration(p.cfg.AudioFallbackMs)*time.Millisecond:
			fire = append(fire, firing{key, CommitAudioFallback})
		}
	}
	p.mu.Unlock()

	for _, f := range fire {
		p.Commit(f.key, f.reason)
	}
}

// GenerationComplete force-commits key's best candidate when the upstream
// signals generation is complete for the owning turn.
func (p *Processor) GenerationComplete(key string) {
	p.Commit(key, CommitGenerationComplete)
}

// AudioFallback force-commits key when the 0.9s audio-fallback timer fires
// with no caption text at all; fallbackText (e.g. from localstt) becomes
// the candidate instead of an empty string.
func (p *Processor) AudioFallback(key, fallbackText string) {
	p.mu.Lock()
	st, ok := p.states[key]
	if ok && st.pending == "" && fallbackText != "" {
		st.pending = fallbackText
	}
	p.mu.Unlock()
	p.Commit(key, CommitAudioFallback)
}

// Commit finalizes key's best candidate text (selected by trimmed length,
// and emits it on the Commits channel.
func (p *Processor) Commit(key string, reason CommitReason) {
	p.mu.Lock()
	st, ok := p.states[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	text := selectBestCandidate(st.pending, st.lastSuffix)
	if st.debounceTimer != nil {
		st.debounceTimer.Stop()
	}
	delete(p.states, key)
	p.mu.Unlock()

	p.metrics.record(reason, text)
	select {
	case p.commitCh <- Commit{Key: key, Text: text, Reason: reason}:
	default:
	}
}

// selectBestCandidate returns the longer of the trimmed pending text and the
// trimmed last scheduled suffix, preferring pending on a tie. No whitelist or
// minimum-length rule is applied: a result under 2 runes is returned as is,
// since the other candidate is then no longer.
func selectBestCandidate(pending, lastSuffix string) string {
	a := strings.TrimSpace(pending)
	b := strings.TrimSpace(lastSuffix)
	best := a
	if len([]rune(b)) > len([]rune(a)) {
		best = b
	}
	if len([]rune(best)) < 2 {
		if len([]rune(a)) >= 2 {
			return a
		}
		if len([]rune(b)) >= 2 {
			return b
		}
	}
	return best
}
