// Package segment implements the segmentation engine (C6): it pairs
// transcript sentences to silence-delimited PCM segments and emits
// SegmentCommit and TurnCommit events.
package segment

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/liveproxy/duplexion/internal/transcript/extract"
)

// Engine is the segmentation state machine for a single session. It is not
// safe for concurrent use — the owning session task calls into it
// synchronously between its own suspension points, matching the
// single-threaded cooperative scheduling model the rest of the session
// machinery follows.
type Engine struct {
	cfg       Config
	sessionID string
	now       func() time.Time

	turnID          int
	committedCount  int
	segmentSequence int

	pendingAudio        []byte
	segmentedAudioQueue [][]byte
	pendingTexts        []string

	currentTranscript string
	currentPartial    string

	enqueuedCompleteCount  int
	partialCommittedLength int
	partialLastUpdatedAt   time.Time

	silenceRunSamples int

	// turnAudioBytes counts the raw audio bytes ingested in the current turn.
	turnAudioBytes int

	finalizePending    bool
	finalizeStart       time.Time
	finalizeDeadline    time.Time
	finalizeExtendedUse bool

	seenDiagnostics map[string]bool

	// DroppedSegments counts segmentedAudioQueue entries dropped due to
	// maxPendingSegments overflow, for metrics.
	DroppedSegments int
	// LengthMismatches counts turns where the sum of emitted segment text
	// lengths exceeded len(finalText) — tolerated and flagged, never fatal.
	LengthMismatches int
}

// New creates an [Engine] for sessionID with the given configuration.
func New(sessionID string, cfg Config) *Engine {
	return &Engine{
		cfg:             cfg.withDefaults(),
		sessionID:       sessionID,
		now:             time.Now,
		turnID:          1,
		seenDiagnostics: make(map[string]bool),
	}
}

// Ingest processes one payload (possibly nil) plus zero or more raw PCM
// audio chunks, returning the ordered events produced. It never panics;
// malformed input is ignored rather than returned as an error.
func (e *Engine) Ingest(payload map[string]any, audioChunks []AudioChunk) []Event {
	var events []Event

	prevTranscriptLen := len(e.currentTranscript)

	if payload != nil {
		e.ingestTranscript(payload)
	}

	for _, chunk := range audioChunks {
		rate := chunk.SampleRate
		if rate <= 0 {
			rate = e.cfg.SampleRate
		}
		e.turnAudioBytes += len(chunk.Data)
		e.processAudioChunk(chunk.Data, rate)
	}

	if e.cfg.PartialIdleCommit {
		e.maybeCommitIdlePartial()
	}

	events = append(events, e.drain(false)...)

	if payload != nil && extract.GenerationComplete(payload) {
		e.armFinalize()
	} else if e.finalizePending && !e.finalizeExtendedUse {
		if len(events) > 0 || len(e.currentTranscript) > prevTranscriptLen {
			e.extendFinalize()
		}
	}

	if diag := e.checkDiagnostics(events); diag != nil {
		events = append(events, *diag)
	}

	return events
}

// Deadline returns the currently armed finalization deadline, if any.
func (e *Engine) Deadline() (time.Time, bool) {
	if !e.finalizePending {
		return time.Time{}, false
	}
	return e.finalizeDeadline, true
}

// FireFinalization is called by the owning session task when the
// finalization deadline (from [Engine.Deadline]) elapses.
func (e *Engine) FireFinalization() []Event {
	return e.finalize()
}

// ForceComplete performs forced turn completion, identical to
// [Engine.FireFinalization] but driven by connection close rather than a
// timer.
func (e *Engine) ForceComplete() []Event {
	return e.finalize()
}

func (e *Engine) armFinalize() {
	if e.finalizePending {
		return
	}
	e.finalizePending = true
	e.finalizeStart = e.now()
	e.finalizeDeadline = e.finalizeStart.Add(time.Duration(e.cfg.FinalizationMs) * time.Millisecond)
	e.finalizeExtendedUse = false
}

func (e *Engine) extendFinalize() {
	e.finalizeDeadline = e.finalizeStart.Add(time.Duration(e.cfg.FinalizationMs+e.cfg.FinalizationExtensionMs) * time.Millisecond)
	e.finalizeExtendedUse = true
}

// ingestTranscript extracts the best transcript candidate and updates
// currentTranscript/currentPartial/pendingTexts per the precedence and
// revision-shrink rules.
func (e *Engine) ingestTranscript(payload map[string]any) {
	text, ok := extract.Direct(payload)
	if !ok {
		text, ok = extract.Walk(payload)
	}
	if !ok {
		return
	}

	e.currentTranscript = text
	complete, partial := extract.SplitSentences(text)

	if len(complete) < e.enqueuedCompleteCount {
		// Drop every enqueued-but-not-yet-committed sentence; anything at or
		// before committedCount was already emitted as a SegmentCommit and
		// must never be re-queued.
		e.pendingTexts = nil
		e.enqueuedCompleteCount = e.committedCount
		e.partialCommittedLength = 0
	}

	if len(complete) > e.enqueuedCompleteCount {
		e.pendingTexts = append(e.pendingTexts, complete[e.enqueuedCompleteCount:]...)
		e.enqueuedCompleteCount = len(complete)
	}

	if len(partial) > len(e.currentPartial) {
		e.partialLastUpdatedAt = e.now()
	}
	e.currentPartial = partial
}

// maybeCommitIdlePartial enqueues the trailing partial as a pending text
// once it has been idle for PartialIdleMs and has at least
// PartialIdleMinChars characters.
func (e *Engine) maybeCommitIdlePartial() {
	if e.currentPartial == "" {
		return
	}
	if e.partialCommittedLength >= len(e.currentPartial) {
		return
	}
	if len([]rune(e.currentPartial)) < e.cfg.PartialIdleMinChars {
		return
	}
	if e.now().Sub(e.partialLastUpdatedAt) < time.Duration(e.cfg.PartialIdleMs)*time.Millisecond {
		return
	}
	e.enqueuePartial()
}

// enqueuePartial freezes any in-flight pendingAudio and enqueues the
// uncommitted suffix of currentPartial as a pending text.
func (e *Engine) enqueuePartial() {
	remainder := e.currentPartial[e.partialCommittedLength:]
	if strings.TrimSpace(remainder) == "" {
		e.partialCommittedLength = len(e.currentPartial)
		return
	}
	e.commitAudioSegment()
	e.pendingTexts = append(e.pendingTexts, remainder)
	e.partialCommittedLength = len(e.currentPartial)
}

// processAudioChunk runs the silence-cut scan over one raw PCM buffer,
// committing completed segments into segmentedAudioQueue as silence runs
// are found, and carrying the remainder forward in pendingAudio.
func (e *Engine) processAudioChunk(data []byte, rate int) {
	if len(data) < 2 {
		e.pendingAudio = append(e.pendingAudio, data...)
		return
	}

	minSilenceSamples := e.cfg.SilenceDurationMs * rate / 1000
	threshold := e.cfg.SilenceThreshold

	samples := len(data) / 2
	start := 0 // sample index where the current uncommitted run begins

	for i := 0; i < samples; i++ {
		s := int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
		abs := int(s)
		if abs < 0 {
			abs = -abs
		}
		if abs <= threshold {
			e.silenceRunSamples++
			if e.silenceRunSamples >= minSilenceSamples && minSilenceSamples > 0 {
				cut := i + 1
				e.pendingAudio = append(e.pendingAudio, data[start*2:cut*2]...)
				e.commitAudioSegment()
				start = cut
				e.silenceRunSamples = 0
			}
		} else {
			e.silenceRunSamples = 0
		}
	}

	if start < samples {
		e.pendingAudio = append(e.pendingAudio, data[start*2:]...)
	}
}

// commitAudioSegment appends the accumulated pendingAudio tail to
// segmentedAudioQueue, dropping the oldest entry if the queue exceeds
// maxPendingSegments.
func (e *Engine) commitAudioSegment() {
	if len(e.pendingAudio) == 0 {
		return
	}
	e.segmentedAudioQueue = append(e.segmentedAudioQueue, e.pendingAudio)
	e.pendingAudio = nil

	if len(e.segmentedAudioQueue) > e.cfg.MaxPendingSegments {
		e.segmentedAudioQueue = e.segmentedAudioQueue[1:]
		e.DroppedSegments++
	}
}

// drain pairs queued texts with queued audio, emitting SegmentCommit events
// in FIFO order. When allowSilentAudio is true (forced finalization), texts
// are paired with an empty buffer if no audio remains.
func (e *Engine) drain(allowSilentAudio bool) []Event {
	var events []Event

	for len(e.pendingTexts) > 0 {
		text := strings.TrimSpace(e.pendingTexts[0])
		if text == "" {
			e.pendingTexts = e.pendingTexts[1:]
			continue
		}

		var audioBuf []byte
		if len(e.segmentedAudioQueue) > 0 {
			audioBuf = e.segmentedAudioQueue[0]
			e.segmentedAudioQueue = e.segmentedAudioQueue[1:]
		} else if !allowSilentAudio {
			break
		}

		durationMs := e.durationMs(len(audioBuf))
		floorMs := e.cfg.DurationFloorMs
		for durationMs < floorMs && len(e.segmentedAudioQueue) > 0 {
			audioBuf = append(audioBuf, e.segmentedAudioQueue[0]...)
			e.segmentedAudioQueue = e.segmentedAudioQueue[1:]
			durationMs = e.durationMs(len(audioBuf))
		}

		e.pendingTexts = e.pendingTexts[1:]

		events = append(events, Event{
			Kind:              EventSegmentCommit,
			SegmentID:         e.newSegmentID(),
			TurnID:            e.turnID,
			Index:             e.committedCount,
			Text:              text,
			AudioBytes:        audioBuf,
			DurationMs:        durationMs,
			NominalDurationMs: durationMs,
			AudioSamples:      len(audioBuf) / 2,
		})

		e.committedCount++
		e.segmentSequence++
	}

	return events
}

func (e *Engine) durationMs(bytes int) int {
	if e.cfg.SampleRate <= 0 {
		return 0
	}
	samples := bytes / 2
	return int((float64(samples)/float64(e.cfg.SampleRate))*1000 + 0.5)
}

// finalize runs turn finalization: enqueue the trailing partial (forced),
// drain with silent audio allowed, emit TurnCommit if warranted, then reset
// all per-turn state.
func (e *Engine) finalize() []Event {
	var events []Event

	if e.currentPartial != "" && e.partialCommittedLength < len(e.currentPartial) {
		e.enqueuePartial()
	}

	drained := e.drain(true)
	events = append(events, drained...)

	finalText := strings.TrimSpace(e.currentTranscript)
	if finalText != "" || e.committedCount > 0 || len(drained) > 0 {
		var textLen int
		for _, ev := range events {
			if ev.Kind == EventSegmentCommit {
				textLen += len([]rune(ev.Text))
			}
		}
		if textLen > len([]rune(finalText)) {
			e.LengthMismatches++
		}

		events = append(events, Event{
			Kind:         EventTurnCommit,
			TurnID:       e.turnID,
			FinalText:    finalText,
			SegmentCount: e.committedCount,
		})
	}

	e.turnID++
	e.committedCount = 0
	e.segmentSequence = 0
	e.pendingAudio = nil
	e.segmentedAudioQueue = nil
	e.pendingTexts = nil
	e.currentTranscript = ""
	e.currentPartial = ""
	e.enqueuedCompleteCount = 0
	e.partialCommittedLength = 0
	e.turnAudioBytes = 0
	e.finalizePending = false
	e.finalizeExtendedUse = false

	return events
}

// checkDiagnostics returns a SegmentDiagnostics event if this ingest cycle
// looks suspicious (a zero-audio segment commit, a very short committed
// text, or transcript text with zero total audio bytes so far), deduplicated
// by a signature of the current turn's counters.
func (e *Engine) checkDiagnostics(events []Event) *Event {
	var zeroAudio int
	var shortText bool
	for _, ev := range events {
		if ev.Kind != EventSegmentCommit {
			continue
		}
		if len(ev.AudioBytes) == 0 {
			zeroAudio++
		}
		if len([]rune(ev.Text)) <= 4 {
			shortText = true
		}
	}

	transcriptZeroAudio := len(e.currentTranscript) > 0 && e.turnAudioBytes == 0

	if zeroAudio == 0 && !shortText && !transcriptZeroAudio {
		return nil
	}

	sig := fmt.Sprintf("%d:%d:%d:%d", e.turnID, e.committedCount, zeroAudio, len(e.currentTranscript))
	if e.seenDiagnostics[sig] {
		return nil
	}
	e.seenDiagnostics[sig] = true

	d := &Diagnostics{
		SessionID:         e.sessionID,
		TurnID:            e.turnID,
		TranscriptLength:  len(e.currentTranscript),
		PartialLength:     len(e.currentPartial),
		PendingTextCount:  len(e.pendingTexts),
		PendingAudioBytes: len(e.pendingAudio),
		AudioChunkCount:   len(e.segmentedAudioQueue),
		AudioChunkBytes:   e.totalAudioBytes(),
		ZeroAudioSegments: zeroAudio,
	}
	for _, s := range e.segmentedAudioQueue {
		if d.AudioChunkMin == 0 || len(s) < d.AudioChunkMin {
			d.AudioChunkMin = len(s)
		}
		if len(s) > d.AudioChunkMax {
			d.AudioChunkMax = len(s)
		}
	}
	for _, t := range e.pendingTexts {
		d.PendingTextLength += len(t)
	}

	return &Event{Kind: EventSegmentDiagnostics, Diagnostics: d}
}

func (e *Engine) totalAudioBytes() int {
	total := len(e.pendingAudio)
	for _, s := range e.segmentedAudioQueue {
		total += len(s)
	}
	return total
}

func (e *Engine) newSegmentID() string {
	var suffix [6]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("%d-%d-%s", e.turnID, e.segmentSequence, hex.EncodeToString(suffix[:]))
}
