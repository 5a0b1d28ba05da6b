package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lingo/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Device = (*FFmpeg)(nil)
	_ Stream = (*ffmpegStream)(nil)
)

// stderrTail bounds how much ffmpeg diagnostic output is retained for error
// classification.
const stderrTail = 4096

// permissionMarkers are lower-cased ffmpeg/OS diagnostics that indicate the
// microphone was refused rather than missing.
var permissionMarkers = []string{
	"permission denied",
	"not authorized",
	"not permitted",
	"access denied",
	"operation not permitted",
}

// FFmpeg captures the system microphone by running an ffmpeg subprocess that
// writes raw s16le PCM to stdout. Supported platforms are linux (PulseAudio)
// and darwin (AVFoundation).
type FFmpeg struct {
	// Binary is the ffmpeg executable. Defaults to "ffmpeg" on PATH.
	Binary string

	// GOOS overrides runtime.GOOS for argument selection. Used in tests.
	GOOS string
}

// Open starts ffmpeg and waits until the first audio bytes arrive, so that a
// refused or missing device is reported here rather than on the first Read.
func (f *FFmpeg) Open(ctx context.Context, c Constraints) (Stream, error) {
	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s not found in PATH", audio.ErrDeviceUnavailable, bin)
	}
	goos := f.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	args, err := FFmpegArgs(goos, c)
	if err != nil {
		return nil, err
	}
	if c.EchoCancellation {
		slog.Debug("ffmpeg capture: echo cancellation is left to the OS input device")
	}

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: start: %v", audio.ErrDeviceUnavailable, err)
	}

	s := &ffmpegStream{
		cmd:    cmd,
		format: audio.Format{SampleRate: rateOrDefault(c.SampleRate), Channels: channelsOrDefault(c.Channels)},
	}
	s.g.Go(func() error { return s.collectStderr(stderr) })

	// Block until the device produces data, exits, or ctx ends. An
	// early exit is classified from stderr, so only unexpected read errors
	// are returned to the group.
	first := make([]byte, 2*s.format.Channels)
	firstRead := make(chan error, 1)
	s.g.Go(func() error {
		_, err := io.ReadFull(stdout, first)
		firstRead <- err
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("ffmpeg: read stdout: %w", err)
		}
		return nil
	})

	select {
	case err := <-firstRead:
		if err != nil {
			_ = s.Close()
			return nil, s.classify(err)
		}
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("ffmpeg: open: %w", ctx.Err())
	}

	s.r = io.MultiReader(bytes.NewReader(first), stdout)
	return s, nil
}

// FFmpegArgs returns the ffmpeg arguments that capture the microphone on goos
// as mono or stereo s16le PCM at the constrained rate.
func FFmpegArgs(goos string, c Constraints) ([]string, error) {
	var input []string
	switch goos {
	case "linux":
		dev := c.Device
		if dev == "" {
			dev = "default"
		}
		input = []string{"-f", "pulse", "-i", dev}
	case "darwin":
		dev := c.Device
		if dev == "" {
			dev = "0"
		}
		input = []string{"-f", "avfoundation", "-i", ":" + strings.TrimPrefix(dev, ":")}
	default:
		return nil, fmt.Errorf("ffmpeg: %w: microphone capture is not implemented for %s; supported platforms: darwin, linux",
			audio.ErrDeviceUnavailable, goos)
	}

	args := append([]string{"-hide_banner", "-loglevel", "error", "-fflags", "nobuffer"}, input...)

	var filters []string
	if c.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if c.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}

	args = append(args,
		"-ac", strconv.Itoa(channelsOrDefault(c.Channels)),
		"-ar", strconv.Itoa(rateOrDefault(c.SampleRate)),
		"-f", "s16le", "-",
	)
	return args, nil
}

func rateOrDefault(rate int) int {
	if rate <= 0 {
		return audio.CaptureSampleRate
	}
	return rate
}

func channelsOrDefault(ch int) int {
	if ch <= 0 {
		return 1
	}
	return ch
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	r      io.Reader
	format audio.Format
	g      errgroup.Group

	mu        sync.Mutex
	tail      []byte
	closeOnce sync.Once
}

func (s *ffmpegStream) Format() audio.Format { return s.format }

func (s *ffmpegStream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, io.EOF
	}
	return s.r.Read(p)
}

// Close kills ffmpeg, waits for it and its pipe readers to exit, and returns
// the first reader error.
func (s *ffmpegStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		err = s.g.Wait()
		_ = s.cmd.Wait()
	})
	return err
}

// collectStderr logs ffmpeg diagnostics and keeps the most recent output for
// error classification.
func (s *ffmpegStream) collectStderr(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		slog.Debug("ffmpeg capture", "stderr", line)
		s.mu.Lock()
		s.tail = append(s.tail, line...)
		s.tail = append(s.tail, '\n')
		if over := len(s.tail) - stderrTail; over > 0 {
			s.tail = s.tail[over:]
		}
		s.mu.Unlock()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ffmpeg: read stderr: %w", err)
	}
	return nil
}

// classify maps an early ffmpeg exit to a permission or availability error.
// Call it after Close so the stderr tail is complete.
func (s *ffmpegStream) classify(readErr error) error {
	s.mu.Lock()
	diag := strings.TrimSpace(string(s.tail))
	s.mu.Unlock()
	if diag == "" {
		diag = readErr.Error()
	}
	return ClassifyDiagnostics(diag)
}

// ClassifyDiagnostics wraps a device backend's diagnostic text in
// [audio.ErrPermissionDenied] when it indicates refused access, and in
// [audio.ErrDeviceUnavailable] otherwise.
func ClassifyDiagnostics(diag string) error {
	lower := strings.ToLower(diag)
	for _, m := range permissionMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("ffmpeg: %w: %s", audio.ErrPermissionDenied, diag)
		}
	}
	return fmt.Errorf("ffmpeg: %w: %s", audio.ErrDeviceUnavailable, diag)
}
