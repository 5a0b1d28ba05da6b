package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/lingo/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ Opener = (*FFplay)(nil)
	_ Output = (*ffplayOutput)(nil)
	_ Source = (*ffplaySource)(nil)
)

// FFplay opens playback outputs backed by an ffplay subprocess reading raw
// s16le PCM on stdin.
//
// ffplay has no notion of scheduled start times, so the output keeps a wall
// clock that starts at open and writes each buffer into the pipe when its
// start instant arrives. Stopping a source that has already been written
// restarts ffplay to flush its internal buffer.
type FFplay struct {
	// Binary is the ffplay executable. Defaults to "ffplay" on PATH.
	Binary string

	// LowLatency disables ffplay input buffering. It mirrors an interactive
	// latency hint on a browser audio context.
	LowLatency bool
}

// OpenOutput starts ffplay for PCM in format f.
func (f *FFplay) OpenOutput(_ context.Context, format audio.Format) (Output, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("ffplay: %w: invalid format %s", audio.ErrDeviceUnavailable, format)
	}
	bin := f.Binary
	if bin == "" {
		bin = "ffplay"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("ffplay: %w: %s not found in PATH", audio.ErrDeviceUnavailable, bin)
	}

	o := &ffplayOutput{
		bin:     path,
		args:    FFplayArgs(format, f.LowLatency),
		format:  format,
		origin:  time.Now(),
		sources: make(map[uint64]*ffplaySource),
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.startLocked(); err != nil {
		return nil, err
	}
	return o, nil
}

// FFplayArgs returns the ffplay arguments that play headless s16le PCM from
// stdin in format f.
func FFplayArgs(f audio.Format, lowLatency bool) []string {
	args := []string{"-nodisp", "-autoexit", "-loglevel", "error"}
	if lowLatency {
		args = append(args, "-fflags", "nobuffer")
	}
	return append(args,
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"-i", "pipe:0",
	)
}

type ffplayOutput struct {
	bin    string
	args   []string
	format audio.Format
	origin time.Time

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	gen     uint64
	nextID  uint64
	sources map[uint64]*ffplaySource
	closed  bool
}

func (o *ffplayOutput) startLocked() error {
	cmd := exec.Command(o.bin, o.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffplay: open stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffplay: %w: start: %v", audio.ErrDeviceUnavailable, err)
	}
	o.cmd = cmd
	o.stdin = stdin
	o.gen++
	return nil
}

func (o *ffplayOutput) killLocked() {
	if o.stdin != nil {
		_ = o.stdin.Close()
		o.stdin = nil
	}
	if o.cmd != nil && o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
		_ = o.cmd.Wait()
	}
	o.cmd = nil
}

func (o *ffplayOutput) Format() audio.Format { return o.format }

func (o *ffplayOutput) Now() time.Duration { return time.Since(o.origin) }

// Suspended is always false: the wall clock runs from open.
func (o *ffplayOutput) Suspended() bool { return false }

func (o *ffplayOutput) Resume(context.Context) error { return nil }

func (o *ffplayOutput) Schedule(buf *audio.Buffer, at time.Duration) (Source, error) {
	if buf.SampleRate != o.format.SampleRate || buf.Channels != o.format.Channels {
		return nil, fmt.Errorf("ffplay: buffer format %s does not match output %s",
			audio.Format{SampleRate: buf.SampleRate, Channels: buf.Channels}, o.format)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, errors.New("ffplay: output closed")
	}
	o.nextID++
	src := &ffplaySource{
		id:   o.nextID,
		out:  o,
		pcm:  audio.EncodePCM16(buf.Samples),
		done: make(chan struct{}),
	}
	o.sources[src.id] = src

	delay := max(at-o.Now(), 0)
	src.mu.Lock()
	src.startTimer = time.AfterFunc(delay, src.play)
	src.endTimer = time.AfterFunc(delay+buf.Duration(), src.finish)
	src.mu.Unlock()
	return src, nil
}

// write pipes pcm into the current ffplay process and returns the process
// generation it was written to.
func (o *ffplayOutput) write(pcm []byte) (uint64, error) {
	o.mu.Lock()
	w, gen := o.stdin, o.gen
	o.mu.Unlock()
	if w == nil {
		return 0, errors.New("ffplay: output closed")
	}
	if _, err := w.Write(pcm); err != nil {
		return 0, fmt.Errorf("ffplay: write: %w", err)
	}
	return gen, nil
}

// flush restarts ffplay if gen is still the running process, discarding any
// audio already piped to it.
func (o *ffplayOutput) flush(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || gen != o.gen {
		return
	}
	o.killLocked()
	if err := o.startLocked(); err != nil {
		slog.Warn("ffplay: restart after interruption failed", "err", err)
	}
}

func (o *ffplayOutput) forget(id uint64) {
	o.mu.Lock()
	delete(o.sources, id)
	o.mu.Unlock()
}

func (o *ffplayOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	srcs := make([]*ffplaySource, 0, len(o.sources))
	for _, s := range o.sources {
		srcs = append(srcs, s)
	}
	o.killLocked()
	o.mu.Unlock()

	for _, s := range srcs {
		s.cancel()
	}
	return nil
}

type ffplaySource struct {
	id   uint64
	out  *ffplayOutput
	pcm  []byte
	done chan struct{}
	once sync.Once

	mu         sync.Mutex
	startTimer *time.Timer
	endTimer   *time.Timer
	written    bool
	gen        uint64
}

func (s *ffplaySource) ID() uint64 { return s.id }

func (s *ffplaySource) Done() <-chan struct{} { return s.done }

func (s *ffplaySource) play() {
	select {
	case <-s.done:
		return
	default:
	}
	gen, err := s.out.write(s.pcm)
	if err != nil {
		slog.Debug("ffplay: dropping chunk", "source", s.id, "err", err)
		return
	}
	s.mu.Lock()
	s.written, s.gen = true, gen
	s.mu.Unlock()
}

func (s *ffplaySource) finish() {
	s.once.Do(func() {
		close(s.done)
		s.out.forget(s.id)
	})
}

// cancel stops the timers and marks the source done without touching ffplay.
func (s *ffplaySource) cancel() (written bool, gen uint64) {
	s.mu.Lock()
	s.startTimer.Stop()
	s.endTimer.Stop()
	written, gen = s.written, s.gen
	s.mu.Unlock()
	s.finish()
	return written, gen
}

func (s *ffplaySource) Stop() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	if written, gen := s.cancel(); written {
		s.out.flush(gen)
	}
	return nil
}
