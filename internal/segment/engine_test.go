package segment

import (
	"testing"
	"time"
)

func pcm(nonSilent, silent int) []byte {
	buf := make([]byte, (nonSilent+silent)*2)
	for i := 0; i < nonSilent; i++ {
		// A value safely above the 600 threshold these tests configure.
		v := int16(5000)
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}
	// Silent samples are already zero from make().
	return buf
}

func testEngine() *Engine {
	return New("sess1", Config{
		SampleRate:        24000,
		SilenceThreshold:  600,
		SilenceDurationMs: 300,
	})
}

// S1 — Single aligned sentence, then generation complete.
func TestEngine_S1_SingleAlignedSentence(t *testing.T) {
	e := testEngine()

	events := e.Ingest(
		map[string]any{"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "こんにちは。"}}},
		[]AudioChunk{{Data: pcm(2400, 7200), SampleRate: 24000}},
	)

	if len(events) != 1 || events[0].Kind != EventSegmentCommit {
		t.Fatalf("expected 1 SegmentCommit, got %+v", events)
	}
	sc := events[0]
	if sc.TurnID != 1 || sc.Index != 0 || sc.Text != "こんにちは。" {
		t.Fatalf("unexpected segment commit: %+v", sc)
	}
	if len(sc.AudioBytes) != 19200 {
		t.Fatalf("expected audioBytes=19200, got %d", len(sc.AudioBytes))
	}
	if sc.DurationMs != 400 {
		t.Fatalf("expected durationMs=400, got %d", sc.DurationMs)
	}
	if sc.AudioSamples != 9600 {
		t.Fatalf("expected audioSamples=9600, got %d", sc.AudioSamples)
	}

	finalEvents := e.Ingest(
		map[string]any{"generationComplete": true, "serverContent": map[string]any{"outputTranscription": map[string]any{"text": "こんにちは。"}}},
		nil,
	)
	_ = finalEvents
	turnEvents := e.ForceComplete()

	var turnCommit *Event
	for i := range turnEvents {
		if turnEvents[i].Kind == EventTurnCommit {
			turnCommit = &turnEvents[i]
		}
	}
	if turnCommit == nil {
		t.Fatal("expected a TurnCommit event")
	}
	if turnCommit.TurnID != 1 || turnCommit.FinalText != "こんにちは。" || turnCommit.SegmentCount != 1 {
		t.Fatalf("unexpected turn commit: %+v", turnCommit)
	}
}

// S2 — Empty turn suppression.
func TestEngine_S2_EmptyTurnSuppression(t *testing.T) {
	e := testEngine()
	e.Ingest(map[string]any{"generationComplete": true}, nil)
	events := e.ForceComplete()
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

// S3 — Partial text forced to commit on close.
func TestEngine_S3_PartialForcedOnClose(t *testing.T) {
	e := testEngine()
	e.Ingest(
		map[string]any{"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "テ"}}},
		[]AudioChunk{{Data: pcm(2400, 0), SampleRate: 24000}},
	)

	events := e.ForceComplete()

	var segCommit, turnCommit *Event
	for i := range events {
		switch events[i].Kind {
		case EventSegmentCommit:
			segCommit = &events[i]
		case EventTurnCommit:
			turnCommit = &events[i]
		}
	}
	if segCommit == nil {
		t.Fatal("expected a SegmentCommit")
	}
	if segCommit.TurnID != 1 || segCommit.Index != 0 || segCommit.Text != "テ" {
		t.Fatalf("unexpected segment commit: %+v", segCommit)
	}
	if len(segCommit.AudioBytes) != 4800 {
		t.Fatalf("expected audioBytes=4800, got %d", len(segCommit.AudioBytes))
	}
	if turnCommit == nil || turnCommit.TurnID != 1 || turnCommit.SegmentCount != 1 {
		t.Fatalf("unexpected turn commit: %+v", turnCommit)
	}
}

// S4 — Transcript revision shrink.
func TestEngine_S4_TranscriptRevisionShrink(t *testing.T) {
	e := testEngine()

	e.Ingest(map[string]any{"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "ABC。DEF。"}}}, nil)
	if len(e.pendingTexts) != 2 {
		t.Fatalf("expected 2 pending texts before shrink, got %d", len(e.pendingTexts))
	}

	midEvents := e.Ingest(map[string]any{"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "ABC。"}}},
		[]AudioChunk{{Data: pcm(100, 7200), SampleRate: 24000}})

	events := append(midEvents, e.ForceComplete()...)
	var segCount int
	for _, ev := range events {
		if ev.Kind == EventSegmentCommit {
			segCount++
			if ev.Text != "ABC。" {
				t.Errorf("expected only ABC。 to be committed, got %q", ev.Text)
			}
		}
	}
	if segCount != 1 {
		t.Fatalf("expected exactly 1 segment, got %d", segCount)
	}
}

// S6 is exercised by internal/backoff's own tests (the segmenter itself has
// no reconnect ladder).

func TestEngine_TurnIDMonotonic(t *testing.T) {
	e := testEngine()
	e.Ingest(map[string]any{"generationComplete": true, "serverContent": map[string]any{"outputTranscription": map[string]any{"text": "A。"}}}, nil)
	first := e.ForceComplete()
	var firstTurn int
	for _, ev := range first {
		if ev.Kind == EventTurnCommit {
			firstTurn = ev.TurnID
		}
	}

	e.Ingest(map[string]any{"generationComplete": true, "serverContent": map[string]any{"outputTranscription": map[string]any{"text": "B。"}}}, nil)
	second := e.ForceComplete()
	var secondTurn int
	for _, ev := range second {
		if ev.Kind == EventTurnCommit {
			secondTurn = ev.TurnID
		}
	}

	if secondTurn <= firstTurn {
		t.Fatalf("expected turnId to increase: first=%d second=%d", firstTurn, secondTurn)
	}
}

func TestEngine_IdempotentOnUnchangedTranscript(t *testing.T) {
	e := testEngine()
	payload := map[string]any{"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "A。B"}}}

	first := e.Ingest(payload, []AudioChunk{{Data: pcm(100, 7200), SampleRate: 24000}})
	if len(first) == 0 {
		t.Fatal("expected at least one SegmentCommit on first ingest")
	}

	second := e.Ingest(payload, nil)
	for _, ev := range second {
		if ev.Kind == EventSegmentCommit {
			t.Fatalf("expected no new SegmentCommit on repeated transcript, got %+v", ev)
		}
	}
}

func TestEngine_PartialIdleCommit(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	e := New("sess1", Config{
		SampleRate:          24000,
		SilenceThreshold:    600,
		SilenceDurationMs:   300,
		PartialIdleCommit:   true,
		PartialIdleMs:       1200,
		PartialIdleMinChars: 8,
	})
	e.now = func() time.Time { return clock }

	e.Ingest(map[string]any{"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "abcdefghij"}}}, nil)

	clock = base.Add(1300 * time.Millisecond)
	e.Ingest(nil, nil)
	events := e.ForceComplete()

	var found bool
	for _, ev := range events {
		if ev.Kind == EventSegmentCommit && ev.Text == "abcdefghij" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected idle-committed partial as a segment, got %+v", events)
	}
}
