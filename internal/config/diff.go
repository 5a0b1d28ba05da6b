package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when the voice or instructions differ. The new
	// values apply to the next connection.
	SessionChanged bool
	NewSession     SessionConfig

	// ProviderChanged is true when any provider field differs. Provider
	// changes require a restart and are only reported.
	ProviderChanged bool

	// AudioChanged is true when any audio field differs. Audio changes
	// require a restart and are only reported.
	AudioChanged bool

	// ListenAddrChanged is true when the diagnostics server address
	// differs. The server keeps its listener until restart.
	ListenAddrChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionChanged = true
		d.NewSession = new.Session
	}

	d.ProviderChanged = !sameProvider(old.Provider, new.Provider) || !sameFallbacks(old.Fallbacks, new.Fallbacks)
	d.AudioChanged = !sameAudio(old.Audio, new.Audio)
	d.ListenAddrChanged = old.Server.ListenAddr != new.Server.ListenAddr

	return d
}

// NeedsRestart reports whether d contains changes that cannot be applied live.
func (d ConfigDiff) NeedsRestart() bool {
	return d.ProviderChanged || d.AudioChanged || d.ListenAddrChanged
}

// Empty reports whether nothing lingo reads changed, e.g. after an edit
// that only touched comments or formatting.
func (d ConfigDiff) Empty() bool {
	return len(d.Sections()) == 0
}

// Sections names the changed parts of the config in file order, for logs.
func (d ConfigDiff) Sections() []string {
	var s []string
	if d.ListenAddrChanged {
		s = append(s, "server.listen_addr")
	}
	if d.LogLevelChanged {
		s = append(s, "server.log_level")
	}
	if d.ProviderChanged {
		s = append(s, "provider")
	}
	if d.SessionChanged {
		s = append(s, "session")
	}
	if d.AudioChanged {
		s = append(s, "audio")
	}
	return s
}

func sameProvider(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || !sameValue(v, w) {
			return false
		}
	}
	return true
}

func sameFallbacks(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameProvider(a[i], b[i]) {
			return false
		}
	}
	return true
}

// sameValue compares option values, which may be maps or slices and
// therefore not comparable with ==.
func sameValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !sameValue(x, y) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !sameValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}

func sameAudio(a, b AudioConfig) bool {
	return a.InputDevice == b.InputDevice &&
		a.FFmpegPath == b.FFmpegPath &&
		a.FFplayPath == b.FFplayPath &&
		a.BlockSize == b.BlockSize &&
		a.SendQueue == b.SendQueue &&
		Enabled(a.EchoCancellation) == Enabled(b.EchoCancellation) &&
		Enabled(a.NoiseSuppression) == Enabled(b.NoiseSuppression) &&
		Enabled(a.AutoGainControl) == Enabled(b.AutoGainControl) &&
		Enabled(a.LowLatency) == Enabled(b.LowLatency)
}
