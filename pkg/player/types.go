// Package player implements the client-side playback ring (C9, the player
// core) and join scheduler (C10): a pull-driven mono float renderer that
// accepts pushed PCM16 chunks tagged with an epoch, joins them with
// equal-power crossfades, and is consumed one render tick at a time by a
// single audio-callback task.
package player

import "time"

// EventKind identifies the kind of side-channel diagnostic [Event] the
// player emits. Events are push-only: the player never expects a response.
type EventKind int

const (
	EventContextInfo EventKind = iota
	EventChunkMetrics
	EventQueueLow
	EventUnderrun
	EventDiagnostic
	EventJoinMetrics
	EventPauseInserted
	EventArmBlocked
	EventBufferTrimmed
	EventPlaybackArmed
)

// Event is the common envelope for every player diagnostic.
type Event struct {
	Kind EventKind
	At   time.Time

	Epoch          int
	ContextTime    time.Time
	ChunkSamples   int
	TrimmedSamples int
	CrossfadeMs    float64
	Appended       bool
	QueuedMs       float64
	TotalDropped   int
	DroppedSamples int
	MaxBufferMs    float64
}

// Config tunes the player. Zero values are replaced by [Config.withDefaults].
type Config struct {
	SampleRate int // device render rate, default 48000

	InitialQueueMs      int // default 1300 (within the 1100-1600 band)
	ArmSupersedeQuietMs int // default 400
	StartLeadMs         int // default 40
	SentencePauseMs     int // default 150
	MaxBufferMs         int // default 4000
	TrimGraceMs         int // default 1500

	FadeInMs          int // first-audible-sample ramp, default 80
	HeadTailFadeMs    int // per-chunk raised-cosine fade, default 8
	ZeroCrossSearchMs int // leading zero-crossing search window, default 6

	JoinTailMs             int     // reserved tail length, default 20
	JoinMinCrossfadeMs     float64 // default 12
	JoinMaxCrossfadeMs     float64 // default 20
	JoinRMSDeltaThreshold  float64 // default 0.02
	JoinRMSDeltaSaturation float64 // default 0.12

	DiagnosticIntervalMs int // default 250
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.InitialQueueMs <= 0 {
		c.InitialQueueMs = 1300
	}
	if c.ArmSupersedeQuietMs <= 0 {
		c.ArmSupersedeQuietMs = 400
	}
	if c.StartLeadMs <= 0 {
		c.StartLeadMs = 40
	}
	if c.SentencePauseMs <= 0 {
		c.SentencePauseMs = 150
	}
	if c.MaxBufferMs <= 0 {
		c.MaxBufferMs = 4000
	}
	if c.TrimGraceMs <= 0 {
		c.TrimGraceMs = 1500
	}
	if c.FadeInMs <= 0 {
		c.FadeInMs = 80
	}
	if c.HeadTailFadeMs <= 0 {
		c.HeadTailFadeMs = 8
	}
	if c.ZeroCrossSearchMs <= 0 {
		c.ZeroCrossSearchMs = 6
	}
	if c.JoinTailMs <= 0 {
		c.JoinTailMs = 20
	}
	if c.JoinMinCrossfadeMs <= 0 {
		c.JoinMinCrossfadeMs = 12
	}
	if c.JoinMaxCrossfadeMs <= 0 {
		c.JoinMaxCrossfadeMs = 20
	}
	if c.JoinRMSDeltaThreshold <= 0 {
		c.JoinRMSDeltaThreshold = 0.02
	}
	if c.JoinRMSDeltaSaturation <= 0 {
		c.JoinRMSDeltaSaturation = 0.12
	}
	if c.DiagnosticIntervalMs <= 0 {
		c.DiagnosticIntervalMs = 250
	}
	return c
}

func (c Config) msToSamples(ms int) int {
	return ms * c.SampleRate / 1000
}

func (c Config) msToSamplesF(ms float64) int {
	return int(ms * float64(c.SampleRate) / 1000)
}
