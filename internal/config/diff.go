package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; changes to
// Segment/Player defaults require a new session to take effect and are
// reported here purely for operator visibility.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	UpstreamChanged bool
	UpstreamDiff    ProviderDiff

	CaptionChanged bool
	SegmentChanged bool
	PlayerChanged  bool
}

// ProviderDiff describes what changed in the upstream provider entry.
type ProviderDiff struct {
	NameChanged         bool
	ModelChanged        bool
	VoiceChanged        bool
	InstructionsChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	pd := diffProvider(old.Providers.Upstream, new.Providers.Upstream)
	if pd.NameChanged || pd.ModelChanged || pd.VoiceChanged || pd.InstructionsChanged {
		d.UpstreamChanged = true
		d.UpstreamDiff = pd
	}

	if captionChanged(old.Caption, new.Caption) {
		d.CaptionChanged = true
	}
	if old.Segment != new.Segment {
		d.SegmentChanged = true
	}
	if old.Player != new.Player {
		d.PlayerChanged = true
	}

	return d
}

// captionChanged reports whether two CaptionConfig values differ. CaptionConfig
// holds slice fields (allow/block patterns) so it cannot use == directly.
func captionChanged(old, new CaptionConfig) bool {
	if old.DebounceMs != new.DebounceMs ||
		old.TimeoutMs != new.TimeoutMs ||
		old.AudioFallbackMs != new.AudioFallbackMs ||
		old.MsPerChar != new.MsPerChar ||
		old.MinVoiceMs != new.MinVoiceMs ||
		old.MaxVoiceMs != new.MaxVoiceMs ||
		old.DuplicateThreshold != new.DuplicateThreshold ||
		old.LocalSTTModelPath != new.LocalSTTModelPath ||
		old.LocalSTTLanguage != new.LocalSTTLanguage {
		return true
	}
	return !stringsEqual(old.AllowPatterns, new.AllowPatterns) || !stringsEqual(old.BlockPatterns, new.BlockPatterns)
}

// stringsEqual compares two string slices for element-wise equality.
func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diffProvider compares two upstream provider entries.
func diffProvider(old, new ProviderEntry) ProviderDiff {
	return ProviderDiff{
		NameChanged:         old.Name != new.Name,
		ModelChanged:        old.Model != new.Model,
		VoiceChanged:        old.VoiceID != new.VoiceID,
		InstructionsChanged: old.Instructions != new.Instructions,
	}
}
