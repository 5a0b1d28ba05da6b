package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/lingo/internal/observe"
	"github.com/MrWong99/lingo/internal/transcript"
	"github.com/MrWong99/lingo/pkg/audio"
	audiomock "github.com/MrWong99/lingo/pkg/audio/mock"
	"github.com/MrWong99/lingo/pkg/provider/s2s"
	s2smock "github.com/MrWong99/lingo/pkg/provider/s2s/mock"
)

const waitTimeout = 2 * time.Second

// recorder collects callback invocations. Discrete events go to a channel so
// tests can wait on them; volume only keeps the latest value.
type recorder struct {
	events chan string

	mu         sync.Mutex
	opens      int
	closes     int
	errors     []string
	lines      []transcript.Line
	lastVolume float64
	volumes    int
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 256)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOpen: func() {
			r.mu.Lock()
			r.opens++
			r.mu.Unlock()
			r.events <- "open"
		},
		OnClose: func() {
			r.mu.Lock()
			r.closes++
			r.mu.Unlock()
			r.events <- "close"
		},
		OnError: func(msg string) {
			r.mu.Lock()
			r.errors = append(r.errors, msg)
			r.mu.Unlock()
			r.events <- "error"
		},
		OnTranscript: func(speaker transcript.Speaker, text string) {
			r.mu.Lock()
			r.lines = append(r.lines, transcript.Line{Speaker: speaker, Text: text})
			r.mu.Unlock()
			r.events <- "transcript:" + string(speaker) + ":" + text
		},
		OnVolumeChange: func(level float64) {
			r.mu.Lock()
			r.lastVolume = level
			r.volumes++
			r.mu.Unlock()
		},
	}
}

// waitFor blocks until the event want arrives and returns the events seen
// before it.
func (r *recorder) waitFor(t *testing.T, want string) []string {
	t.Helper()
	var seen []string
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.events:
			if ev == want {
				return seen
			}
			seen = append(seen, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %q; saw %v", want, seen)
			return nil
		}
	}
}

func (r *recorder) snapshot() (opens, closes int, errs []string, lines []transcript.Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens, r.closes, append([]string(nil), r.errors...), append([]transcript.Line(nil), r.lines...)
}

// eventually polls cond until it holds or the timeout expires.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fixture struct {
	mic      *audiomock.Microphone
	speakers *audiomock.Speakers
	provider *s2smock.Provider
	sess     *s2smock.Session
	rec      *recorder
	ctrl     *Controller
	reader   *sdkmetric.ManualReader
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		mic:      &audiomock.Microphone{},
		speakers: &audiomock.Speakers{},
		sess:     s2smock.NewSession(),
		rec:      newRecorder(),
		reader:   reader,
	}
	f.provider = &s2smock.Provider{Session: f.sess}
	f.ctrl = New(f.provider, f.mic, f.speakers, cfg, f.rec.callbacks(), WithMetrics(m))
	t.Cleanup(func() { _ = f.ctrl.Disconnect(context.Background()) })
	return f
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	if err := f.ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.rec.waitFor(t, "open")
}

// counter returns the sum of all data points of the named counter.
func (f *fixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// chunk returns base64 PCM of d at 24 kHz mono.
func chunk(d time.Duration) string {
	n := int(d.Seconds() * audio.PlaybackSampleRate)
	return audio.EncodeBase64(audiomock.Tone(n, 0.25))
}

func TestConnect_OpensInOrderAndConfiguresSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.connect(t)

	if got := f.ctrl.State(); got != StateOpen {
		t.Errorf("State() = %v; want open", got)
	}
	if f.mic.OpenCount() != 1 || f.speakers.OpenCount() != 1 || f.provider.ConnectCount() != 1 {
		t.Fatalf("opens: mic=%d speakers=%d provider=%d; want 1 each",
			f.mic.OpenCount(), f.speakers.OpenCount(), f.provider.ConnectCount())
	}

	cons := f.mic.OpenCalls[0]
	if cons.SampleRate != audio.CaptureSampleRate || cons.Channels != 1 {
		t.Errorf("mic constraints = %+v; want 16 kHz mono", cons)
	}
	if !cons.EchoCancellation || !cons.NoiseSuppression || !cons.AutoGainControl {
		t.Errorf("mic constraints = %+v; want processing enabled", cons)
	}
	if got := f.speakers.Output().Format(); got.SampleRate != audio.PlaybackSampleRate || got.Channels != 1 {
		t.Errorf("output format = %v; want 24 kHz mono", got)
	}

	cfg := f.provider.ConnectCalls[0].Cfg
	want := s2s.SessionConfig{
		Voice:               DefaultVoice,
		Instructions:        DefaultInstructions,
		ResponseModality:    s2s.ModalityAudio,
		InputTranscription:  true,
		OutputTranscription: true,
	}
	if cfg != want {
		t.Errorf("session config = %+v; want %+v", cfg, want)
	}

	opens, _, errs, _ := f.rec.snapshot()
	if opens != 1 || len(errs) != 0 {
		t.Errorf("opens=%d errors=%v; want 1 open and no errors", opens, errs)
	}
}

func TestConnect_ResumesSuspendedOutput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.speakers.StartSuspended = true
	f.connect(t)

	out := f.speakers.Output()
	if out.ResumeCount != 1 || out.Suspended() {
		t.Errorf("ResumeCount=%d Suspended=%v; want resumed once", out.ResumeCount, out.Suspended())
	}
}

func TestConnect_AlreadyActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.connect(t)

	if err := f.ctrl.Connect(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Connect = %v; want ErrAlreadyActive", err)
	}
	if f.provider.ConnectCount() != 1 {
		t.Errorf("provider connects = %d; want 1", f.provider.ConnectCount())
	}
}

func TestConnect_PermissionDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.mic.OpenErr = fmt.Errorf("ffmpeg: %w: Permission denied", audio.ErrPermissionDenied)

	err := f.ctrl.Connect(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Connect = %v; want ErrPermissionDenied", err)
	}

	if n := f.provider.ConnectCount(); n != 0 {
		t.Errorf("provider connects = %d; want 0", n)
	}
	if n := f.speakers.OpenCount(); n != 0 {
		t.Errorf("outputs opened = %d; want 0", n)
	}
	opens, closes, errs, _ := f.rec.snapshot()
	if len(errs) != 1 {
		t.Fatalf("OnError calls = %d; want 1", len(errs))
	}
	if !strings.HasPrefix(errs[0], "microphone permission denied") {
		t.Errorf("OnError message = %q; want microphone permission prefix", errs[0])
	}
	if opens != 0 || closes != 1 {
		t.Errorf("opens=%d closes=%d; want 0 and 1", opens, closes)
	}
	if got := f.ctrl.State(); got != StateFailed {
		t.Errorf("State() = %v; want failed", got)
	}
	if got := f.counter(t, "lingo.session.errors"); got != 1 {
		t.Errorf("session errors = %d; want 1", got)
	}
}

func TestConnect_PartialAcquisitionUnwound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(*fixture)
		wantOutput bool
		wantPrefix string
	}{
		{
			name: "output unavailable",
			setup: func(f *fixture) {
				f.speakers.OpenErr = fmt.Errorf("ffplay: %w", audio.ErrDeviceUnavailable)
			},
			wantPrefix: "connection failed: audio device unavailable",
		},
		{
			name: "remote refuses",
			setup: func(f *fixture) {
				f.provider.ConnectErr = fmt.Errorf("mock: %w: 403", s2s.ErrTransport)
			},
			wantOutput: true,
			wantPrefix: "connection failed: could not reach the voice service",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, DefaultConfig())
			tt.setup(f)

			if err := f.ctrl.Connect(context.Background()); err == nil {
				t.Fatal("Connect succeeded; want error")
			}
			if !f.mic.Stream.Closed() {
				t.Error("microphone stream left open")
			}
			if tt.wantOutput {
				if out := f.speakers.Output(); out == nil || !out.Closed() {
					t.Error("output left open")
				}
			}
			_, closes, errs, _ := f.rec.snapshot()
			if len(errs) != 1 || !strings.HasPrefix(errs[0], tt.wantPrefix) {
				t.Errorf("OnError = %v; want one message starting %q", errs, tt.wantPrefix)
			}
			if closes != 1 {
				t.Errorf("OnClose calls = %d; want 1", closes)
			}
			seen := f.rec.waitFor(t, "error")
			if len(seen) == 0 || seen[len(seen)-1] != "close" {
				t.Errorf("events before error = %v; want close last", seen)
			}
		})
	}
}

func TestConnect_DisconnectDuringConnect(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.Block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Connect(context.Background()) }()

	eventually(t, "provider Connect call", func() bool { return f.provider.ConnectCount() == 1 })
	if err := f.ctrl.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Connect = %v; want ErrDisconnected", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Connect did not return after Disconnect")
	}

	if !f.mic.Stream.Closed() || !f.speakers.Output().Closed() {
		t.Error("devices not released")
	}
	_, _, errs, _ := f.rec.snapshot()
	if len(errs) != 0 {
		t.Errorf("OnError = %v; want none", errs)
	}
	if got := f.ctrl.State(); got != StateClosed {
		t.Errorf("State() = %v; want closed", got)
	}
}

func TestConnect_DisconnectBeforeOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.ctrl.beforeOpen = func() {
		if err := f.ctrl.Disconnect(context.Background()); err != nil {
			t.Errorf("Disconnect: %v", err)
		}
	}

	err := f.ctrl.Connect(context.Background())
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Connect = %v; want ErrDisconnected", err)
	}

	opens, closes, errs, _ := f.rec.snapshot()
	if opens != 0 || closes != 1 || len(errs) != 0 {
		t.Errorf("opens=%d closes=%d errors=%v; want 0, 1, none", opens, closes, errs)
	}
	if got := f.ctrl.State(); got != StateClosed {
		t.Errorf("State() = %v; want closed", got)
	}
	if got := f.counter(t, "lingo.session.active"); got != 0 {
		t.Errorf("lingo.session.active = %d; want 0", got)
	}
	if f.sess.Closes() != 1 || !f.speakers.Output().Closed() || !f.mic.Stream.Closed() {
		t.Error("resources not released")
	}
}

func TestTranscript_ModelFragmentsFlushOnTurnComplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.connect(t)

	f.sess.Push(s2s.ServerMessage{OutputTranscript: "Hel"})
	f.sess.Push(s2s.ServerMessage{OutputTranscript: "lo there"})
	f.sess.Push(s2s.ServerMessage{TurnComplete: true})
	if seen := f.rec.waitFor(t, "transcript:model:Hello there"); len(seen) != 0 {
		t.Errorf("unexpected events before transcript: %v", seen)
	}

	// A second turn with only user text proves the model buffer was emptied.
	f.sess.Push(s2s.ServerMessage{TurnComplete: true})
	f.sess.Push(s2s.ServerMessage{InputTranscript: "Thanks", TurnComplete: true})
	if seen := f.rec.waitFor(t, "transcript:user:Thanks"); len(seen) != 0 {
		t.Errorf("unexpected events before user line: %v", seen)
	}

	_, _, _, lines := f.rec.snapshot()
	want := []transcript.Line{
		{Speaker: transcript.SpeakerModel, Text: "Hello there"},
		{Speaker: transcript.SpeakerUser, Text: "Thanks"},
	}
	if len(lines) != len(want) || lines[0] != want[0] || lines[1] != want[1] {
		t.Errorf("lines = %+v; want %+v", lines, want)
	}
}

func TestTranscript_UserOnlyTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.connect(t)

	f.sess.Push(s2s.ServerMessage{InputTranscript: "  I goed "})
	f.sess.Push(s2s.ServerMessage{InputTranscript: "home  "})
	f.sess.Push(s2s.ServerMessage{TurnComplete: true})
	f.rec.waitFor(t, "transcript:user:I goed home")

	// Flush the loop with a model line and check nothing else was emitted.
	f.sess.Push(s2s.ServerMessage{OutputTranscript: "You went home.", TurnComplete: true})
	if seen := f.rec.waitFor(t, "transcript:model:You went home."); len(seen) != 0 {
		t.Errorf("extra events: %v", seen)
	}
}

func TestTranscript_OutputWinsOverInputInOneMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.connect(t)

	f.sess.Push(s2s.ServerMessage{OutputTranscript: "Hi", InputTranscript: "ignored", TurnComplete: true})
	if seen := f.rec.waitFor(t, "transcript:model:Hi"); len(seen) != 0 {
		t.Errorf("unexpected events: %v", seen)
	}
}

func TestPlayback_GaplessWithinTurn(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.connect(t)
	out := f.speakers.Output()

	f.sess.Push(s2s.ServerMessage{Audio: []string{chunk(500 * time.Millisecond), chunk(250 * time.Millisecond)}})
	f.sess.Push(s2s.ServerMessage{Audio: []string{chunk(100 * time.Millisecond)}})
	eventually(t, "three chunks scheduled", func() bool { return len(out.Scheduled()) == 3 })

	calls := out.Scheduled()
	wantStarts := []time.Duration{0, 500 * time.Millisecond, 750 * time.Millisecond}
	for i, c := range calls {
		if c.At != wantStarts[i] {
			t.Errorf("chunk %d start = %v; want %v", i, c.At, wantStarts[i])
		}
	}
	if got := f.counter(t, "lingo.playback.chunks_scheduled"); got != 3 {
		t.Errorf("chunks scheduled = %d; want 3", got)
	}
}

func TestPlayback_InterruptMidPlayback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.connect(t)
	out := f.speakers.Output()

	f.sess.Push(s2s.ServerMessage{OutputTranscript: "Let me tell you", Audio: []string{chunk(500 * time.Millisecond)}})
	eventually(t, "chunk A scheduled", func() bool { return len(out.Scheduled()) == 1 })
	a := out.Scheduled()[0]
	if a.At != 0 {
		t.Fatalf("chunk A start = %v; want 0", a.At)
	}

	out.Advance(200 * time.Millisecond)
	f.sess.Push(s2s.ServerMessage{Interrupted: true})
	// Syncs with the loop and shows the pending model text was discarded.
	f.sess.Push(s2s.ServerMessage{InputTranscript: "Wait", TurnComplete: true})
	if seen := f.rec.waitFor(t, "transcript:user:Wait"); len(seen) != 0 {
		t.Errorf("unexpected events: %v", seen)
	}

	if !a.Source.Stopped() || a.Source.StopCount() != 1 {
		t.Errorf("chunk A stopped=%v stops=%d; want stopped once", a.Source.Stopped(), a.Source.StopCount())
	}
	r := f.ctrl.current()
	if n := r.sched.Active(); n != 0 {
		t.Errorf("active sources = %d; want 0", n)
	}

	f.sess.Push(s2s.ServerMessage{Audio: []string{chunk(100 * time.Millisecond)}})
	eventually(t, "chunk B scheduled", func() bool { return len(out.Scheduled()) == 2 })
	if b := out.Scheduled()[1]; b.At != 200*time.Millisecond {
		t.Errorf("chunk B start = %v; want 200ms", b.At)
	}
	if got := f.counter(t, "lingo.session.interruptions"); got != 1 {
		t.Errorf("interruptions = %d; want 1", got)
	}
}

func TestPlayback_NaturalCompletionLeavesActiveSet(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.connect(t)
	out := f.speakers.Output()

	f.sess.Push(s2s.ServerMessage{Audio: []string{chunk(100 * time.Millisecond)}})
	eventually(t, "chunk scheduled", func() bool { return len(out.Scheduled()) == 1 })

	out.Advance(150 * time.Millisecond)
	r := f.ctrl.current()
	eventually(t, "active set empty", func() bool { return r.sched.Active() == 0 })
	if out.Scheduled()[0].Source.Stopped() {
		t.Error("source reported as stopped; want natural completion")
	}
}

func TestPlayback_MalformedAudioFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.connect(t)

	// Three bytes cannot hold whole 16-bit samples.
	f.sess.Push(s2s.ServerMessage{Audio: []string{audio.EncodeBase64([]byte{1, 2, 3})}})
	f.rec.waitFor(t, "error")

	_, closes, errs, _ := f.rec.snapshot()
	if closes != 1 || len(errs) != 1 {
		t.Fatalf("closes=%d errors=%v; want 1 and 1", closes, errs)
	}
	if !strings.Contains(errs[0], "malformed audio") {
		t.Errorf("OnError = %q; want malformed audio message", errs[0])
	}
	if got := f.ctrl.State(); got != StateFailed {
		t.Errorf("State() = %v; want failed", got)
	}
	if f.sess.Closes() != 1 || !f.speakers.Output().Closed() || !f.mic.Stream.Closed() {
		t.Error("resources not released after failure")
	}
}

func TestOutbound_FramesSentInCaptureOrder(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BlockSize = 160
	f := newFixture(t, cfg)
	f.connect(t)

	f.mic.Stream.Push(audiomock.Tone(160, 0.5))
	f.mic.Stream.Push(audiomock.Tone(160, -0.5))
	eventually(t, "two frames sent", func() bool { return len(f.sess.Sent()) == 2 })

	sent := f.sess.Sent()
	for i, want := range []float32{0.5, -0.5} {
		if len(sent[i]) != 320 {
			t.Fatalf("frame %d = %d bytes; want 320", i, len(sent[i]))
		}
		if got := audio.PCM16ToFloat(sent[i])[0]; got != want {
			t.Errorf("frame %d first sample = %v; want %v", i, got, want)
		}
	}
	eventually(t, "volume reported", func() bool {
		f.rec.mu.Lock()
		defer f.rec.mu.Unlock()
		return f.rec.volumes > 0 && f.rec.lastVolume > 0 && f.rec.lastVolume <= 100
	})
}

func TestOutbound_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BlockSize = 160
	cfg.SendQueue = 1
	f := newFixture(t, cfg)

	release := make(chan struct{})
	f.sess.SendAudioHook = func(ctx context.Context) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	f.connect(t)

	for range 6 {
		f.mic.Stream.Push(audiomock.Tone(160, 0.1))
	}
	eventually(t, "frames dropped", func() bool { return f.counter(t, "lingo.audio.frames_dropped") > 0 })
	close(release)
}

func TestOutbound_SendErrorsDropFrames(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.BlockSize = 160
	f := newFixture(t, cfg)
	f.sess.SendAudioErr = fmt.Errorf("mock: %w: write failed", s2s.ErrTransport)
	f.connect(t)

	f.mic.Stream.Push(audiomock.Tone(160, 0.1))
	eventually(t, "send error counted", func() bool { return f.counter(t, "lingo.audio.frames_dropped") == 1 })
	if got := f.ctrl.State(); got != StateOpen {
		t.Errorf("State() = %v; want open after a dropped frame", got)
	}
}

func TestRemote_CleanCloseAndError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantState State
		wantError bool
	}{
		{name: "clean close", err: nil, wantState: StateClosed},
		{name: "transport error", err: fmt.Errorf("mock: %w: reset", s2s.ErrTransport), wantState: StateFailed, wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, DefaultConfig())
			f.connect(t)

			f.sess.End(tt.err)
			f.rec.waitFor(t, "close")
			if tt.wantError {
				f.rec.waitFor(t, "error")
			}
			eventually(t, "final state", func() bool { return f.ctrl.State() == tt.wantState })

			_, _, errs, _ := f.rec.snapshot()
			if tt.wantError != (len(errs) == 1) {
				t.Errorf("OnError = %v; want error=%v", errs, tt.wantError)
			}
			if !f.speakers.Output().Closed() || !f.mic.Stream.Closed() {
				t.Error("devices not released")
			}
		})
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.connect(t)
	out := f.speakers.Output()

	f.sess.Push(s2s.ServerMessage{Audio: []string{chunk(500 * time.Millisecond)}})
	eventually(t, "chunk scheduled", func() bool { return len(out.Scheduled()) == 1 })

	for i := range 2 {
		if err := f.ctrl.Disconnect(context.Background()); err != nil {
			t.Fatalf("Disconnect #%d: %v", i+1, err)
		}
	}

	_, closes, errs, _ := f.rec.snapshot()
	if closes < 1 || len(errs) != 0 {
		t.Errorf("closes=%d errors=%v; want >=1 close and no errors", closes, errs)
	}
	if got := f.ctrl.State(); got != StateClosed {
		t.Errorf("State() = %v; want closed", got)
	}
	if !out.Scheduled()[0].Source.Stopped() {
		t.Error("playing source not stopped by Disconnect")
	}
	if f.ctrl.current().sched.Active() != 0 {
		t.Error("active set not empty after Disconnect")
	}
	if f.sess.Closes() != 1 || out.CloseCount != 1 || f.mic.Stream.CloseCount() != 1 {
		t.Errorf("close counts: session=%d output=%d mic=%d; want 1 each",
			f.sess.Closes(), out.CloseCount, f.mic.Stream.CloseCount())
	}
}

func TestTeardown_Order(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		trigger func(f *fixture)
		want    State
	}{
		{
			name:    "disconnect",
			trigger: func(f *fixture) { _ = f.ctrl.Disconnect(context.Background()) },
			want:    StateClosed,
		},
		{
			name:    "transport error",
			trigger: func(f *fixture) { f.sess.End(fmt.Errorf("mock: %w", s2s.ErrTransport)) },
			want:    StateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, DefaultConfig())
			f.connect(t)
			out := f.speakers.Output()

			var (
				mu          sync.Mutex
				micClosed   bool
				remoteClose int
			)
			out.OnClose(func() {
				mu.Lock()
				defer mu.Unlock()
				micClosed = f.mic.Stream.Closed()
				remoteClose = f.sess.Closes()
			})

			f.sess.Push(s2s.ServerMessage{Audio: []string{chunk(500 * time.Millisecond), chunk(500 * time.Millisecond)}})
			eventually(t, "chunks scheduled", func() bool { return len(out.Scheduled()) == 2 })

			tt.trigger(f)
			f.rec.waitFor(t, "close")

			if got := out.LiveAtClose(); got != 0 {
				t.Errorf("%d sources still playing when the output closed", got)
			}
			mu.Lock()
			defer mu.Unlock()
			if !micClosed {
				t.Error("microphone released after the output closed")
			}
			if remoteClose != 0 {
				t.Error("remote session closed before the output")
			}
			if f.sess.Closes() != 1 {
				t.Errorf("remote Close calls = %d; want 1", f.sess.Closes())
			}
			if got := f.ctrl.State(); got != tt.want {
				t.Errorf("State() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestDisconnect_NeverConnected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	if err := f.ctrl.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	_, closes, _, _ := f.rec.snapshot()
	if closes != 1 {
		t.Errorf("OnClose calls = %d; want 1", closes)
	}
	if got := f.ctrl.State(); got != StateIdle {
		t.Errorf("State() = %v; want idle", got)
	}
}

func TestSession_TracksLatestRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	if s, ok := f.ctrl.Session(); ok {
		t.Fatalf("Session() before Connect = %+v; want none", s)
	}

	f.connect(t)
	first, ok := f.ctrl.Session()
	if !ok || first.ID == "" || first.Provider != "mock" || first.State != "open" {
		t.Fatalf("Session() while open = %+v, %v; want mock session in state open", first, ok)
	}

	_ = f.ctrl.Disconnect(context.Background())
	if s, _ := f.ctrl.Session(); s.ID != first.ID || s.State != "closed" {
		t.Errorf("Session() after Disconnect = %+v; want %s in state closed", s, first.ID)
	}
}

func TestReconnectAfterFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.provider.ConnectErr = fmt.Errorf("mock: %w", s2s.ErrTransport)
	if err := f.ctrl.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded; want error")
	}

	f.provider.ConnectErr = nil
	f.ctrl.Reconfigure("Puck", "")
	f.mic.Stream = nil
	f.connect(t)

	cfg := f.provider.ConnectCalls[1].Cfg
	if cfg.Voice != "Puck" || cfg.Instructions != DefaultInstructions {
		t.Errorf("second connect config = %+v; want voice Puck and default instructions", cfg)
	}
}

func TestCallbacks_NilFieldsSkipped(t *testing.T) {
	t.Parallel()

	sess := s2smock.NewSession()
	ctrl := New(&s2smock.Provider{Session: sess}, &audiomock.Microphone{}, &audiomock.Speakers{}, Config{}, Callbacks{})
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess.Push(s2s.ServerMessage{OutputTranscript: "Hi", TurnComplete: true})
	if err := ctrl.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}
