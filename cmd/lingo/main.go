// Command lingo is a terminal voice tutor: it streams the microphone to a
// speech-to-speech service, plays the spoken replies, and prints the
// transcript of both sides.
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

	"github.com/MrWong99/lingo/internal/app"
	"github.com/MrWong99/lingo/internal/config"
	"github.com/MrWong99/lingo/internal/observe"
	"github.com/MrWong99/lingo/internal/resilience"
	"github.com/MrWong99/lingo/pkg/provider/s2s"
	geminilive "github.com/MrWong99/lingo/pkg/provider/s2s/gemini"
	"github.com/MrWong99/lingo/pkg/provider/s2s/geminisdk"
	oais2s "github.com/MrWong99/lingo/pkg/provider/s2s/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "lingo.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "lingo: config file %q not found, using defaults (copy configs/example.yaml to customise)\n", *configPath)
		cfg, err = &config.Config{Provider: config.ProviderEntry{Name: "gemini-live"}}, nil
		*watch = false
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "lingo: %v\n", err)
		return 1
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "gemini-live"
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("lingo starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Init(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := buildProvider(cfg, reg)
	if err != nil {
		slog.Error("failed to build provider", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, provider,
		app.WithLevelVar(&level),
		app.WithMetrics(tel.Metrics),
		app.WithGatherer(tel.Gatherer),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx)
		}
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in speech-to-speech factories into
// reg. API keys fall back to the provider's environment variables.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if d, ok, err := optDuration(entry.Options, "keepalive"); err != nil {
			return nil, err
		} else if ok {
			opts = append(opts, geminilive.WithKeepalive(d))
		}
		return geminilive.New(entry.ResolveAPIKey(os.Getenv), opts...), nil
	})

	reg.RegisterS2S("gemini-sdk", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminisdk.Option
		if entry.Model != "" {
			opts = append(opts, geminisdk.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminisdk.WithBaseURL(entry.BaseURL))
		}
		return geminisdk.New(entry.ResolveAPIKey(os.Getenv), opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.ResolveAPIKey(os.Getenv), opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// buildProvider instantiates the configured provider. When fallbacks are
// configured the result is a [resilience.Failover] over all of them.
func buildProvider(cfg *config.Config, reg *config.Registry) (s2s.Provider, error) {
	primary, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("create provider %q: %w", cfg.Provider.Name, err)
	}
	if cfg.Provider.ResolveAPIKey(os.Getenv) == "" {
		slog.Warn("no API key configured; connections will be refused", "provider", cfg.Provider.Name)
	}
	slog.Info("provider created", "name", cfg.Provider.Name, "model", cfg.Provider.Model)
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	f := resilience.NewFailover(primary, resilience.BreakerConfig{})
	for _, entry := range cfg.Fallbacks {
		p, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback provider %q: %w", entry.Name, err)
		}
		if err := f.Add(p); err != nil {
			return nil, fmt.Errorf("add fallback provider %q: %w", entry.Name, err)
		}
		slog.Info("fallback provider added", "name", entry.Name)
	}
	return f, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration extracts a duration such as "20s" from a provider Options map.
// ok is false when the key is absent.
func optDuration(opts map[string]any, key string) (d time.Duration, ok bool, err error) {
	v, present := opts[key]
	if !present {
		return 0, false, nil
	}
	s, isString := v.(string)
	if !isString {
		return 0, false, fmt.Errorf("option %q: want a duration string, got %T", key, v)
	}
	d, err = time.ParseDuration(s)
	if err != nil {
		return 0, false, fmt.Errorf("option %q: %w", key, err)
	}
	return d, true, nil
}
