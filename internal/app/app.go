// Package app wires the lingo subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the session controller
// from the config and the chosen provider, Run serves the console and the
// diagnostics endpoints, and Shutdown tears everything down in order.
//
// For testing, inject mock devices and I/O via functional options
// (WithMicrophone, WithSpeakers, WithConsole, etc.). When an option is not
// provided, New uses the ffmpeg and ffplay backends and the process's
// standard streams.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lingo/internal/config"
	"github.com/MrWong99/lingo/internal/health"
	"github.com/MrWong99/lingo/internal/observe"
	"github.com/MrWong99/lingo/internal/session"
	"github.com/MrWong99/lingo/pkg/audio/capture"
	"github.com/MrWong99/lingo/pkg/audio/playback"
	"github.com/MrWong99/lingo/pkg/provider/s2s"
)

// readHeaderTimeout bounds header reads on the diagnostics server.
const readHeaderTimeout = 5 * time.Second

// App owns all subsystem lifetimes for one lingo process.
type App struct {
	cfg      *config.Config
	provider s2s.Provider

	// Subsystems: initialised in New, torn down in Shutdown.
	mic      capture.Device
	speakers playback.Opener
	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	in       io.Reader
	out      io.Writer
	getenv   func(string) string
	level    *slog.LevelVar

	ctrl    *session.Controller
	console *Console
	server  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMicrophone injects a capture device instead of the ffmpeg backend.
func WithMicrophone(d capture.Device) Option {
	return func(a *App) { a.mic = d }
}

// WithSpeakers injects a playback opener instead of the ffplay backend.
func WithSpeakers(o playback.Opener) Option {
	return func(a *App) { a.speakers = o }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer serves g on /metrics instead of the default Prometheus
// registry that the OTel exporter writes to.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithConsole replaces stdin and stdout for the interactive console.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// WithGetenv replaces [os.Getenv] for API key resolution.
func WithGetenv(fn func(string) string) Option {
	return func(a *App) { a.getenv = fn }
}

// WithLevelVar lets config reloads adjust the log level of the handler that
// owns v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App for cfg using provider for the remote session. Devices
// default to ffmpeg capture and ffplay playback configured from cfg.Audio.
func New(cfg *config.Config, provider s2s.Provider, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if provider == nil {
		return nil, errors.New("app: nil provider")
	}
	a := &App{
		cfg:      cfg,
		provider: provider,
		in:       os.Stdin,
		out:      os.Stdout,
		getenv:   os.Getenv,
	}
	for _, o := range opts {
		o(a)
	}
	if a.mic == nil {
		a.mic = &capture.FFmpeg{Binary: cfg.Audio.FFmpegPath}
	}
	if a.speakers == nil {
		a.speakers = &playback.FFplay{
			Binary:     cfg.Audio.FFplayPath,
			LowLatency: config.Enabled(cfg.Audio.LowLatency),
		}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	a.console = NewConsole(a.out)
	a.ctrl = session.New(a.provider, a.mic, a.speakers, sessionConfig(cfg), a.console.Callbacks(),
		session.WithMetrics(a.metrics))

	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}
	a.closers = append(a.closers, func() error {
		return a.ctrl.Disconnect(context.Background())
	})
	return a, nil
}

// sessionConfig maps the YAML config onto the controller's settings.
func sessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.Voice = cfg.Session.Voice
	sc.Instructions = cfg.Session.Instructions
	sc.BlockSize = cfg.Audio.BlockSize
	sc.SendQueue = cfg.Audio.SendQueue
	sc.Constraints.Device = cfg.Audio.InputDevice
	sc.Constraints.EchoCancellation = config.Enabled(cfg.Audio.EchoCancellation)
	sc.Constraints.NoiseSuppression = config.Enabled(cfg.Audio.NoiseSuppression)
	sc.Constraints.AutoGainControl = config.Enabled(cfg.Audio.AutoGainControl)
	return sc
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Handler returns the diagnostics handler serving /healthz, /readyz, and
// /metrics behind the tracing middleware.
func (a *App) Handler() http.Handler {
	checks := []health.Checker{
		health.Credentials(a.cfg.Provider.Name, func() string {
			return a.cfg.Provider.ResolveAPIKey(a.getenv)
		}),
		health.Session(a.ctrl.Session),
	}
	if _, ok := a.mic.(*capture.FFmpeg); ok {
		checks = append(checks, health.Binary("ffmpeg", a.cfg.Audio.FFmpegPath))
	}
	if _, ok := a.speakers.(*playback.FFplay); ok {
		checks = append(checks, health.Binary("ffplay", a.cfg.Audio.FFplayPath))
	}

	mux := http.NewServeMux()
	health.New(checks, health.WithSession(a.ctrl.Session)).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return observe.Middleware(a.metrics, observe.WithSessionSource(a.ctrl.Session))(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the console and, when configured, the diagnostics server. It
// blocks until ctx is cancelled or the user quits; a quit returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			slog.Info("diagnostics server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), readHeaderTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	// ErrQuit cancels gctx, which stops the diagnostics server.
	g.Go(func() error { return a.console.Serve(gctx, a.in, a.ctrl) })

	slog.Info("app running", "provider", a.provider.Capabilities().Name)
	err := g.Wait()
	if errors.Is(err, ErrQuit) {
		return nil
	}
	if err == nil {
		return ctx.Err()
	}
	return err
}

// ApplyConfig applies the hot-reloadable parts of a config change. It is
// the change callback of [config.Watcher].
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.ctrl.Reconfigure(d.NewSession.Voice, d.NewSession.Instructions)
		slog.Info("session settings changed; applies to the next connection", "voice", d.NewSession.Voice)
	}
	if d.NeedsRestart() {
		slog.Warn("config change needs a restart of lingo to apply", "changed", d.Sections())
	}
}

// SlogLevel converts a config log level to a slog level. Unknown values map
// to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
