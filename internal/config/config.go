// Package config provides the configuration schema, loader, and provider registry
// for the lingo voice tutor.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for lingo.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`

	// Fallbacks are tried in order when the provider cannot be reached.
	// They must use the same audio formats as Provider.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
}

// ServerConfig holds the diagnostics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the diagnostics server serving
	// /healthz, /readyz, and /metrics (e.g., ":9090"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the remote speech-to-speech service.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key. When empty it is read from the
	// environment; see [ProviderEntry.ResolveAPIKey].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds the conversation persona. Changes apply to the next
// connection without a restart.
type SessionConfig struct {
	// Voice is the prebuilt voice name (e.g., "Kore"). Empty uses the default.
	Voice string `yaml:"voice"`

	// Instructions replaces the default tutor system instruction.
	Instructions string `yaml:"instructions"`
}

// AudioConfig configures the local capture and playback devices.
type AudioConfig struct {
	// InputDevice names the capture device. Empty uses the system default.
	InputDevice string `yaml:"input_device"`

	// FFmpegPath and FFplayPath locate the device helper binaries. Empty
	// values are resolved through PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
	FFplayPath string `yaml:"ffplay_path"`

	// BlockSize is the number of samples per outbound frame.
	BlockSize int `yaml:"block_size"`

	// SendQueue bounds the outbound frames waiting for the network.
	SendQueue int `yaml:"send_queue"`

	// EchoCancellation, NoiseSuppression, and AutoGainControl toggle the
	// capture filters. Nil means enabled.
	EchoCancellation *bool `yaml:"echo_cancellation"`
	NoiseSuppression *bool `yaml:"noise_suppression"`
	AutoGainControl  *bool `yaml:"auto_gain_control"`

	// LowLatency disables output buffering in the player. Nil means enabled.
	LowLatency *bool `yaml:"low_latency"`
}

// Enabled returns *b, or true when b is nil.
func Enabled(b *bool) bool {
	return b == nil || *b
}
