package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the known speech-to-speech provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "gemini-sdk", "openai-realtime"}

// maxBlockSize caps audio.block_size at one second of 16 kHz audio.
const maxBlockSize = 16000

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
// An empty document yields the zero config. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
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

	// Provider
	errs = append(errs, validateProvider("provider", cfg.Provider)...)
	for i, fb := range cfg.Fallbacks {
		field := fmt.Sprintf("fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", field))
		}
		errs = append(errs, validateProvider(field, fb)...)
	}
	if len(cfg.Fallbacks) > 0 && cfg.Provider.Name == "" {
		errs = append(errs, errors.New("fallbacks require provider.name"))
	}

	// Audio
	if cfg.Audio.BlockSize < 0 || cfg.Audio.BlockSize > maxBlockSize {
		errs = append(errs, fmt.Errorf("audio.block_size %d is out of range [0, %d]", cfg.Audio.BlockSize, maxBlockSize))
	}
	if cfg.Audio.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("audio.send_queue %d must not be negative", cfg.Audio.SendQueue))
	}

	return errors.Join(errs...)
}

func validateProvider(field string, e ProviderEntry) []error {
	validateProviderName(e.Name)
	if e.BaseURL != "" && !hasScheme(e.BaseURL, "ws://", "wss://", "http://", "https://") {
		return []error{fmt.Errorf("%s.base_url %q must start with ws://, wss://, http://, or https://", field, e.BaseURL)}
	}
	return nil
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
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}

func hasScheme(u string, schemes ...string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(u, s) {
			return true
		}
	}
	return false
}

// apiKeyEnv lists the environment variables consulted per provider, in
// order.
var apiKeyEnv = map[string][]string{
	"gemini-live":     {"GEMINI_API_KEY", "API_KEY"},
	"gemini-sdk":      {"GEMINI_API_KEY", "API_KEY"},
	"openai-realtime": {"OPENAI_API_KEY"},
}

// ResolveAPIKey returns e.APIKey, or the first non-empty environment
// variable for the provider when the YAML leaves it empty. getenv is usually
// [os.Getenv].
func (e ProviderEntry) ResolveAPIKey(getenv func(string) string) string {
	if e.APIKey != "" {
		return e.APIKey
	}
	for _, key := range apiKeyEnv[e.Name] {
		if v := getenv(key); v != "" {
			return v
		}
	}
	return ""
}
