// Command duplexion is the main entry point for the Duplexion Live audio
// dialog proxy.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/liveproxy/duplexion/internal/app"
	"github.com/liveproxy/duplexion/internal/bridge/discord"
	"github.com/liveproxy/duplexion/internal/config"
	"github.com/liveproxy/duplexion/internal/upstream"
	"github.com/liveproxy/duplexion/internal/upstream/gemini"
	"github.com/liveproxy/duplexion/internal/upstream/openairt"
	audiodiscord "github.com/liveproxy/duplexion/pkg/audio/discord"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "duplexion: config file %q not found — pass -config with the path to a YAML config file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "duplexion: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("duplexion starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	printStartupSummary(cfg)

	// ── Application wiring ────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	var discordClose func()
	if cfg.Discord.Token != "" {
		closeFn, err := startDiscordBridge(ctx, cfg, application)
		if err != nil {
			slog.Error("failed to start discord bridge", "err", err)
			return 1
		}
		discordClose = closeFn
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if discordClose != nil {
		discordClose()
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Discord voice bridge ──────────────────────────────────────────────────────

// startDiscordBridge logs into Discord, joins cfg.Discord.ChannelID, and
// bridges that channel's voice audio to a dedicated upstream session. The
// returned func tears both down; it is safe to call exactly once.
func startDiscordBridge(ctx context.Context, cfg *config.Config, application *app.App) (func(), error) {
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}

	sess := application.StartSession(ctx, "discord:"+cfg.Discord.ChannelID)
	platform := audiodiscord.New(session, cfg.Discord.GuildID)

	bridge, err := discord.Join(ctx, platform, cfg.Discord.ChannelID, sess, cfg.Player)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("discord: join voice channel: %w", err)
	}

	slog.Info("discord bridge joined voice channel", "guild_id", cfg.Discord.GuildID, "channel_id", cfg.Discord.ChannelID)

	return func() {
		if err := bridge.Close(); err != nil {
			slog.Warn("discord bridge close error", "err", err)
		}
		if err := session.Close(); err != nil {
			slog.Warn("discord session close error", "err", err)
		}
	}, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders registers the factory for every upstream provider
// Duplexion ships with. Additional vendors can be wired in by registering
// more factories before app.New runs.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterUpstream("gemini", func(e config.ProviderEntry) (upstream.Provider, error) {
		if e.APIKey == "" {
			return nil, fmt.Errorf("gemini: api_key is required")
		}
		var opts []gemini.Option
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(e.APIKey, opts...), nil
	})

	reg.RegisterUpstream("openairt", func(e config.ProviderEntry) (upstream.Provider, error) {
		if e.APIKey == "" {
			return nil, fmt.Errorf("openairt: api_key is required")
		}
		var opts []openairt.Option
		if e.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, openairt.WithModel(e.Model))
		}
		return openairt.New(e.APIKey, opts...), nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Duplexion — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Upstream", providerSummary(cfg))
	printField("Listen addr", cfg.Server.ListenAddr)
	if cfg.Store.PostgresDSN != "" {
		printField("Resumption store", "postgres")
	} else {
		printField("Resumption store", "in-memory only")
	}
	if cfg.Discord.Token != "" {
		printField("Discord bridge", "enabled (channel "+cfg.Discord.ChannelID+")")
	} else {
		printField("Discord bridge", "disabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerSummary(cfg *config.Config) string {
	name := cfg.Providers.Upstream.Name
	if name == "" {
		return "(not configured)"
	}
	if model := cfg.Providers.Upstream.Model; model != "" {
		return name + " / " + model
	}
	return name
}

func printField(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-16s: %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
