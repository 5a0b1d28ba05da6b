package config_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/lingo/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
provider:
  name: gemini-live
session:
  voice: Kore
`

const watcherUpdatedYAML = `
server:
  log_level: debug
provider:
  name: gemini-live
session:
  voice: Puck
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// startWatcher writes content to a fresh config file and runs a Watcher on
// it until the test ends. Reported diffs arrive on the returned channel.
func startWatcher(t *testing.T, content string) (string, *config.Watcher, <-chan config.ConfigDiff) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)

	diffs := make(chan config.ConfigDiff, 8)
	w, err := config.NewWatcher(path, func(d config.ConfigDiff) { diffs <- d },
		config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// File mtimes are coarse; keep edits apart from the initial write.
	time.Sleep(50 * time.Millisecond)
	return path, w, diffs
}

func waitDiff(t *testing.T, diffs <-chan config.ConfigDiff) config.ConfigDiff {
	t.Helper()
	select {
	case d := <-diffs:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported within timeout")
		return config.ConfigDiff{}
	}
}

func expectNoDiff(t *testing.T, diffs <-chan config.ConfigDiff) {
	t.Helper()
	select {
	case d := <-diffs:
		t.Fatalf("unexpected change reported: %v", d.Sections())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, w, _ := startWatcher(t, watcherValidYAML)

	cfg := w.Current()
	if cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v, want the file's info log level", cfg)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherInvalidYAML)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid file, got nil")
	}
}

func TestWatcher_ReportsLiveChanges(t *testing.T) {
	t.Parallel()
	path, w, diffs := startWatcher(t, watcherValidYAML)

	writeFile(t, path, watcherUpdatedYAML)
	d := waitDiff(t, diffs)

	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v/%q, want debug", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.SessionChanged || d.NewSession.Voice != "Puck" {
		t.Errorf("session diff = %v/%+v, want voice Puck", d.SessionChanged, d.NewSession)
	}
	if d.NeedsRestart() {
		t.Error("log level and voice changes should apply live")
	}
	if got, want := d.Sections(), []string{"server.log_level", "session"}; !slices.Equal(got, want) {
		t.Errorf("Sections() = %v, want %v", got, want)
	}
	if cur := w.Current(); cur.Session.Voice != "Puck" {
		t.Errorf("Current() voice = %q, want Puck", cur.Session.Voice)
	}
}

func TestWatcher_ReportsRestartChanges(t *testing.T) {
	t.Parallel()
	path, _, diffs := startWatcher(t, watcherValidYAML)

	writeFile(t, path, watcherValidYAML+`audio:
  block_size: 2048
`)
	d := waitDiff(t, diffs)
	if !d.AudioChanged || !d.NeedsRestart() {
		t.Errorf("audio edit: AudioChanged=%v NeedsRestart=%v, want both", d.AudioChanged, d.NeedsRestart())
	}

	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, `
server:
  log_level: info
  listen_addr: ":9090"
provider:
  name: gemini-live
session:
  voice: Kore
audio:
  block_size: 2048
`)
	d = waitDiff(t, diffs)
	if !d.ListenAddrChanged || !d.NeedsRestart() {
		t.Errorf("listen_addr edit: ListenAddrChanged=%v NeedsRestart=%v, want both", d.ListenAddrChanged, d.NeedsRestart())
	}
	if got := d.Sections(); !slices.Equal(got, []string{"server.listen_addr"}) {
		t.Errorf("Sections() = %v, want [server.listen_addr]", got)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path, w, diffs := startWatcher(t, watcherValidYAML)

	writeFile(t, path, watcherInvalidYAML)
	expectNoDiff(t, diffs)
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() log_level = %q, want the old info", cur.Server.LogLevel)
	}

	// A later valid edit is still picked up and diffed against the old config.
	writeFile(t, path, watcherUpdatedYAML)
	if d := waitDiff(t, diffs); !d.LogLevelChanged {
		t.Errorf("diff after recovery = %v, want log level change", d.Sections())
	}
}

func TestWatcher_IneffectiveEditsAreSilent(t *testing.T) {
	t.Parallel()
	path, _, diffs := startWatcher(t, watcherValidYAML)

	now := time.Now().Add(time.Second)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	expectNoDiff(t, diffs)

	writeFile(t, path, "# tutor settings\n"+watcherValidYAML)
	expectNoDiff(t, diffs)
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML)
	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
