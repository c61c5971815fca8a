package segment

// Event is the common envelope for everything the segmentation engine
// emits: SegmentCommit, TurnCommit, and (on suspicious turns only)
// SegmentDiagnostics.
type Event struct {
	Kind EventKind

	// SegmentCommit fields.
	SegmentID         string
	TurnID            int
	Index             int
	Text              string
	AudioBytes        []byte
	DurationMs        int
	NominalDurationMs int
	AudioSamples      int

	// TurnCommit fields.
	FinalText    string
	SegmentCount int

	// SegmentDiagnostics fields.
	Diagnostics *Diagnostics
}

// EventKind distinguishes the kind of [Event].
type EventKind int

const (
	// EventSegmentCommit pairs one sentence of text with its audio slice.
	EventSegmentCommit EventKind = iota
	// EventTurnCommit summarizes a completed turn.
	EventTurnCommit
	// EventSegmentDiagnostics is emitted only for a suspicious turn.
	EventSegmentDiagnostics
)

// Diagnostics mirrors the SEGMENT_DIAGNOSTICS external interface, emitted
// only when a turn looks suspicious (a zero-audio segment, a very short best
// candidate, or transcript text paired with zero audio bytes).
type Diagnostics struct {
	SessionID         string
	TurnID            int
	TranscriptLength  int
	PartialLength     int
	PendingTextCount  int
	PendingTextLength int
	PendingAudioBytes int
	AudioChunkCount   int
	AudioChunkBytes   int
	AudioChunkMin     int
	AudioChunkMax     int
	ZeroAudioSegments int
}

// AudioChunk is one raw PCM buffer ingested alongside a payload, with its
// MIME-declared sample rate.
type AudioChunk struct {
	Data       []byte
	SampleRate int
}

// Config tunes the segmentation engine. Zero values are replaced with the
// package defaults by [New].
type Config struct {
	// SampleRate is used to convert bytes <-> milliseconds when no
	// per-chunk rate is supplied. Default 24000.
	SampleRate int

	// SilenceThreshold is the amplitude bound (0-32767) at or below which a
	// sample counts as silence. Default 750.
	SilenceThreshold int

	// SilenceDurationMs is the minimum silence run required to cut a
	// segment. Default 320.
	SilenceDurationMs int

	// MaxPendingSegments caps segmentedAudioQueue; the oldest entry is
	// dropped on overflow. Default 8.
	MaxPendingSegments int

	// PartialIdleCommit enables committing a trailing partial sentence
	// after PartialIdleMs of inactivity, provided it has at least
	// PartialIdleMinChars characters. Off by default: the zero value (false)
	// is kept as is, and a trailing partial is then committed only by forced
	// turn completion.
	PartialIdleCommit bool

	// PartialIdleMs is the idle duration before an eligible partial is
	// committed. Default 1200ms.
	PartialIdleMs int

	// PartialIdleMinChars is the minimum partial length (in runes) eligible
	// for idle commit. Default 8.
	PartialIdleMinChars int

	// DurationFloorMs is the minimum segment duration; shorter segments are
	// merged with subsequently queued audio until the floor is met or the
	// queue empties. Default 300.
	DurationFloorMs int

	// FinalizationMs is the base finalization grace window. Default 1800ms.
	FinalizationMs int

	// FinalizationExtensionMs is added once if new activity arrives before
	// the base window elapses. Default 300ms (total cap 2100ms).
	FinalizationExtensionMs int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 750
	}
	if c.SilenceDurationMs <= 0 {
		c.SilenceDurationMs = 320
	}
	if c.MaxPendingSegments <= 0 {
		c.MaxPendingSegments = 8
	}
	if c.PartialIdleMs <= 0 {
		c.PartialIdleMs = 1200
	}
	if c.PartialIdleMinChars <= 0 {
		c.PartialIdleMinChars = 8
	}
	if c.DurationFloorMs <= 0 {
		c.DurationFloorMs = 300
	}
	if c.FinalizationMs <= 0 {
		c.FinalizationMs = 1800
	}
	if c.FinalizationExtensionMs <= 0 {
		c.FinalizationExtensionMs = 300
	}
	return c
}
