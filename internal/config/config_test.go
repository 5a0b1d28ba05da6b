package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/lingo/internal/config"
	"github.com/MrWong99/lingo/pkg/provider/s2s"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: info

provider:
  name: gemini-live
  api_key: gm-test
  model: gemini-2.5-flash-native-audio-preview-09-2025
  options:
    ping_interval: 20s

session:
  voice: Kore
  instructions: You are a patient language tutor.

audio:
  input_device: default
  block_size: 4096
  send_queue: 8
  echo_cancellation: false
`

// ── Loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Provider.Name != "gemini-live" {
		t.Errorf("provider.name: got %q, want %q", cfg.Provider.Name, "gemini-live")
	}
	if cfg.Provider.Options["ping_interval"] != "20s" {
		t.Errorf("provider.options.ping_interval: got %v", cfg.Provider.Options["ping_interval"])
	}
	if cfg.Session.Voice != "Kore" {
		t.Errorf("session.voice: got %q, want %q", cfg.Session.Voice, "Kore")
	}
	if cfg.Audio.BlockSize != 4096 {
		t.Errorf("audio.block_size: got %d, want 4096", cfg.Audio.BlockSize)
	}
	if cfg.Audio.SendQueue != 8 {
		t.Errorf("audio.send_queue: got %d, want 8", cfg.Audio.SendQueue)
	}
	if config.Enabled(cfg.Audio.EchoCancellation) {
		t.Error("audio.echo_cancellation: want disabled")
	}
	if !config.Enabled(cfg.Audio.NoiseSuppression) {
		t.Error("audio.noise_suppression: unset should mean enabled")
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "{}"} {
		if _, err := config.LoadFromReader(strings.NewReader(doc)); err != nil {
			t.Fatalf("unexpected error for empty config %q: %v", doc, err)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
session:
  voise: Kore
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for misspelled field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/lingo.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: open") {
		t.Errorf("error should be wrapped with config: open, got: %v", err)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

type stubS2S struct{}

func (s *stubS2S) Connect(_ context.Context, _ s2s.SessionConfig) (s2s.SessionHandle, error) {
	return nil, nil
}
func (s *stubS2S) Capabilities() s2s.Capabilities { return s2s.Capabilities{Name: "stub"} }

func TestRegistry_UnknownS2S(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	_, err := r.CreateS2S(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("want ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredS2S(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	var got config.ProviderEntry
	r.RegisterS2S("stub", func(e config.ProviderEntry) (s2s.Provider, error) {
		got = e
		return &stubS2S{}, nil
	})

	p, err := r.CreateS2S(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Capabilities().Name != "stub" {
		t.Errorf("unexpected provider: %+v", p.Capabilities())
	}
	if got.Model != "m1" {
		t.Errorf("factory received model %q, want m1", got.Model)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	wantErr := errors.New("boom")
	r.RegisterS2S("broken", func(config.ProviderEntry) (s2s.Provider, error) {
		return nil, wantErr
	})
	if _, err := r.CreateS2S(config.ProviderEntry{Name: "broken"}); !errors.Is(err, wantErr) {
		t.Errorf("want factory error, got %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	factory := func(config.ProviderEntry) (s2s.Provider, error) { return &stubS2S{}, nil }
	r.RegisterS2S("openai-realtime", factory)
	r.RegisterS2S("gemini-live", factory)

	names := r.Names()
	if len(names) != 2 || names[0] != "gemini-live" || names[1] != "openai-realtime" {
		t.Errorf("Names() = %v", names)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("example config should load: %v", err)
	}
	if cfg.Provider.Name != "gemini-live" || len(cfg.Fallbacks) != 1 {
		t.Errorf("unexpected provider setup: %+v / %+v", cfg.Provider, cfg.Fallbacks)
	}
}
