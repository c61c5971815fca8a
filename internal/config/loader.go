package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known upstream provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini", "openairt"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Upstream provider
	validateProviderName(cfg.Providers.Upstream.Name)
	if cfg.Providers.Upstream.Name == "" {
		slog.Warn("providers.upstream is not configured; sessions will close immediately with upstream_not_configured")
	}

	// Player knobs, when set, must fall within known-sane ranges.
	if p := cfg.Player.InitialQueueMs; p != 0 && (p < 50 || p > 1500) {
		errs = append(errs, fmt.Errorf("player.initial_queue_ms %d is out of range [50, 1500]", p))
	}
	if p := cfg.Player.StartLeadMs; p != 0 && (p < 0 || p > 600) {
		errs = append(errs, fmt.Errorf("player.start_lead_ms %d is out of range [0, 600]", p))
	}
	if p := cfg.Player.TrimGraceMs; p != 0 && (p < 0 || p > 1000) {
		errs = append(errs, fmt.Errorf("player.trim_grace_ms %d is out of range [0, 1000]", p))
	}
	if p := cfg.Player.SentencePauseMs; p != 0 && (p < 0 || p > 200) {
		errs = append(errs, fmt.Errorf("player.sentence_pause_ms %d is out of range [0, 200]", p))
	}
	if p := cfg.Player.ArmSupersedeQuietMs; p != 0 && (p < 0 || p > 1200) {
		errs = append(errs, fmt.Errorf("player.arm_supersede_quiet_ms %d is out of range [0, 1200]", p))
	}

	if cfg.Caption.DuplicateThreshold != 0 && (cfg.Caption.DuplicateThreshold < 0 || cfg.Caption.DuplicateThreshold > 1) {
		errs = append(errs, fmt.Errorf("caption.duplicate_threshold %.2f is out of range [0, 1]", cfg.Caption.DuplicateThreshold))
	}

	if cfg.Discord.Token != "" && cfg.Discord.ChannelID == "" {
		errs = append(errs, errors.New("discord.channel_id is required when discord.token is set"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown upstream provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
