// Package config provides the configuration schema, loader, and provider
// registry for Duplexion, the Live audio dialog proxy.
package config

// Config is the root configuration structure for Duplexion.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Segment   SegmentConfig   `yaml:"segment"`
	Player    PlayerConfig    `yaml:"player"`
	Caption   CaptionConfig   `yaml:"caption"`
	Store     StoreConfig     `yaml:"store"`
	Discord   DiscordConfig   `yaml:"discord"`
}

// ServerConfig holds network and logging settings for the Duplexion server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// HeartbeatIntervalMs switches upstream WebSocket pings while open: any
	// positive value enables them, and they then run at the fixed
	// upstream.HeartbeatInterval, not at this value. 0 (also the value when
	// unset, as no default is applied) disables heartbeats.
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
}

// ProvidersConfig selects the upstream Live backend and its setup
// parameters. Upstream.Name selects "gemini" or "openairt"; an empty name
// surfaces upstream_not_configured.
type ProvidersConfig struct {
	Upstream ProviderEntry `yaml:"upstream"`
}

// ProviderEntry is the configuration block for the upstream provider. The
// Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation ("gemini" or
	// "openairt").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the upstream model id (e.g. "gemini-2.0-flash-live-001").
	Model string `yaml:"model"`

	// VoiceID selects the synthesis voice offered to the backend.
	VoiceID string `yaml:"voice_id"`

	// Instructions is the system instruction sent in the setup payload.
	Instructions string `yaml:"instructions"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// SegmentConfig mirrors internal/segment.Config (C6 tuning knobs), see
// configuration. Zero values fall back to the segmenter's own
// package defaults.
type SegmentConfig struct {
	SampleRate              int  `yaml:"sample_rate"`
	SilenceThreshold        int  `yaml:"silence_threshold"`
	SilenceDurationMs       int  `yaml:"silence_duration_ms"`
	MaxPendingSegments      int  `yaml:"max_pending_segments"`
	PartialIdleCommit       bool `yaml:"partial_idle_commit"`
	PartialIdleMs           int  `yaml:"partial_idle_ms"`
	PartialIdleMinChars     int  `yaml:"partial_idle_min_chars"`
	DurationFloorMs         int  `yaml:"duration_floor_ms"`
	FinalizationMs          int  `yaml:"finalization_ms"`
	FinalizationExtensionMs int  `yaml:"finalization_extension_ms"`
}

// PlayerConfig mirrors pkg/player.Config (C9/C10 tuning knobs). These are
// forwarded to any in-process reference player (e.g. the Discord bridge's
// egress renderer); a browser client applies its own copy of these same
// named knobs.
type PlayerConfig struct {
	SampleRate          int `yaml:"sample_rate"`
	InitialQueueMs      int `yaml:"initial_queue_ms"`
	StartLeadMs         int `yaml:"start_lead_ms"`
	TrimGraceMs         int `yaml:"trim_grace_ms"`
	SentencePauseMs     int `yaml:"sentence_pause_ms"`
	ArmSupersedeQuietMs int `yaml:"arm_supersede_quiet_ms"`
	MaxBufferMs         int `yaml:"max_buffer_ms"`
}

// CaptionConfig tunes the caption processor (C11).
type CaptionConfig struct {
	AllowPatterns      []string `yaml:"allow_patterns"`
	BlockPatterns      []string `yaml:"block_patterns"`
	DebounceMs         int      `yaml:"debounce_ms"`
	TimeoutMs          int      `yaml:"timeout_ms"`
	AudioFallbackMs    int      `yaml:"audio_fallback_ms"`
	MsPerChar          int      `yaml:"ms_per_char"`
	MinVoiceMs         int      `yaml:"min_voice_ms"`
	MaxVoiceMs         int      `yaml:"max_voice_ms"`
	DuplicateThreshold float64  `yaml:"duplicate_threshold"`
	LocalSTTModelPath  string   `yaml:"local_stt_model_path"`
	LocalSTTLanguage   string   `yaml:"local_stt_language"`
}

// StoreConfig configures the resumption/turn-diagnostics persistence layer.
// Empty PostgresDSN disables persistence (resumption still works
// in-memory for the life of the process; only cross-restart resumption is
// lost).
type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DiscordConfig configures the optional Discord voice bridge ingress/egress.
// Empty Token disables the bridge entirely.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// LogLevel is a validated logging verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case "", LogDebug, LogInfo, LogWarn, LogError:
		return true
	default:
		return false
	}
}
