// Package mock provides in-memory implementations of the capture and playback
// device interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{Stream: mock.NewStream(audio.Format{SampleRate: 16000, Channels: 1})}
//	speakers := &mock.Speakers{}
//	ctrl := session.New(provider, mic, speakers, cfg, cb)
//	mic.Stream.Push(mock.Tone(2048, 0.5))
//	speakers.Output().Advance(500 * time.Millisecond)
package mock

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/lingo/pkg/audio"
	"github.com/MrWong99/lingo/pkg/audio/capture"
	"github.com/MrWong99/lingo/pkg/audio/playback"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [capture.Device].
type Microphone struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open creates a 16 kHz mono Stream
	// and stores it here.
	Stream *Stream

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records the constraints passed to every Open call.
	OpenCalls []capture.Constraints
}

// Open records the call and returns Stream, OpenErr.
func (m *Microphone) Open(_ context.Context, c capture.Constraints) (capture.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, c)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	if m.Stream == nil {
		m.Stream = NewStream(audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1})
	}
	return m.Stream, nil
}

// OpenCount returns the number of Open calls. Thread-safe.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// Ensure Microphone implements capture.Device at compile time.
var _ capture.Device = (*Microphone)(nil)

// Stream is a mock [capture.Stream]. Tests feed it PCM with Push; Read blocks
// until data, Fail, or Close.
type Stream struct {
	format audio.Format

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	err     error
	closed  bool
	closeCt int
}

// NewStream returns an empty stream reporting format f.
func NewStream(f audio.Format) *Stream {
	s := &Stream{format: f}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Format returns the format passed to NewStream.
func (s *Stream) Format() audio.Format { return s.format }

// Push appends raw s16le PCM for Read to return.
func (s *Stream) Push(pcm []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, pcm...)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Fail makes Read return err once buffered data is drained.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && s.err == nil && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) > 0 && !s.closed {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return 0, s.err
}

// Close unblocks pending reads. It records every call.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.closeCt++
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns the number of Close calls.
func (s *Stream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCt
}

// Ensure Stream implements capture.Stream at compile time.
var _ capture.Stream = (*Stream)(nil)

// Tone returns n mono samples of constant amplitude v encoded as s16le PCM.
func Tone(n int, v float32) []byte {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return audio.EncodePCM16(samples)
}

// ─── Speakers ─────────────────────────────────────────────────────────────────

// Speakers is a mock [playback.Opener]. Each OpenOutput call returns a fresh
// [Output] unless OpenErr is set.
type Speakers struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by OpenOutput.
	OpenErr error

	// StartSuspended makes new outputs start with a paused clock.
	StartSuspended bool

	// Outputs records every output handed out, in order.
	Outputs []*Output
}

// OpenOutput records the call and returns a new Output in format f.
func (s *Speakers) OpenOutput(_ context.Context, f audio.Format) (playback.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	o := NewOutput(f)
	o.suspended = s.StartSuspended
	s.Outputs = append(s.Outputs, o)
	return o, nil
}

// Output returns the most recently opened output, or nil.
func (s *Speakers) Output() *Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Outputs) == 0 {
		return nil
	}
	return s.Outputs[len(s.Outputs)-1]
}

// OpenCount returns the number of outputs handed out.
func (s *Speakers) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Outputs)
}

// Ensure Speakers implements playback.Opener at compile time.
var _ playback.Opener = (*Speakers)(nil)

// ScheduleCall records a single invocation of Output.Schedule.
type ScheduleCall struct {
	// Buffer is the buffer passed to Schedule.
	Buffer *audio.Buffer
	// At is the requested start instant.
	At time.Duration
	// Source is the source returned to the caller.
	Source *Source
}

// Output is a mock [playback.Output] driven by a manual clock. Sources finish
// when [Output.Advance] moves the clock past their end.
type Output struct {
	format audio.Format

	mu        sync.Mutex
	now       time.Duration
	suspended bool
	closed    bool
	nextID    uint64
	onClose   func()
	live      int

	// ScheduleErr, if non-nil, is returned by Schedule.
	ScheduleErr error

	// ResumeErr, if non-nil, is returned by Resume.
	ResumeErr error

	// Calls records every successful Schedule call in order.
	Calls []ScheduleCall

	// ResumeCount and CloseCount record Resume and Close calls.
	ResumeCount int
	CloseCount  int
}

// NewOutput returns a running output at clock instant zero.
func NewOutput(f audio.Format) *Output {
	return &Output{format: f}
}

// Format returns the format the output was opened with.
func (o *Output) Format() audio.Format { return o.format }

// Now returns the manual clock.
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Suspended reports whether Resume is still pending.
func (o *Output) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

// Resume records the call and un-suspends the output.
func (o *Output) Resume(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ResumeCount++
	if o.ResumeErr != nil {
		return o.ResumeErr
	}
	o.suspended = false
	return nil
}

// Schedule records the call and returns a pending Source.
func (o *Output) Schedule(buf *audio.Buffer, at time.Duration) (playback.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	if o.closed {
		return nil, errors.New("mock: output closed")
	}
	o.nextID++
	src := &Source{
		id:    o.nextID,
		start: at,
		end:   at + buf.Duration(),
		done:  make(chan struct{}),
	}
	o.Calls = append(o.Calls, ScheduleCall{Buffer: buf, At: at, Source: src})
	return src, nil
}

// Advance moves the clock forward by d and completes every source whose end
// is at or before the new instant.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	now := o.now
	calls := append([]ScheduleCall(nil), o.Calls...)
	o.mu.Unlock()

	for _, c := range calls {
		if c.Source.end <= now {
			c.Source.complete(false)
		}
	}
}

// OnClose registers fn to run at the start of the first Close call, before
// any source is completed by the close.
func (o *Output) OnClose(fn func()) {
	o.mu.Lock()
	o.onClose = fn
	o.mu.Unlock()
}

// Close stops every source and records the call. Repeated calls return nil.
func (o *Output) Close() error {
	o.mu.Lock()
	first := !o.closed
	hook := o.onClose
	o.mu.Unlock()
	if first && hook != nil {
		hook()
	}

	o.mu.Lock()
	o.CloseCount++
	o.closed = true
	calls := append([]ScheduleCall(nil), o.Calls...)
	if first {
		for _, c := range calls {
			if !c.Source.finished() {
				o.live++
			}
		}
	}
	o.mu.Unlock()

	for _, c := range calls {
		c.Source.complete(true)
	}
	return nil
}

// LiveAtClose returns the number of sources that had neither finished nor
// been stopped when Close was first called.
func (o *Output) LiveAtClose() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Scheduled returns a snapshot of the Schedule calls.
func (o *Output) Scheduled() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ScheduleCall(nil), o.Calls...)
}

// Ensure Output implements playback.Output at compile time.
var _ playback.Output = (*Output)(nil)

// Source is a mock [playback.Source].
type Source struct {
	id    uint64
	start time.Duration
	end   time.Duration
	done  chan struct{}

	mu      sync.Mutex
	stopped bool
	stopCt  int
	once    sync.Once
}

// ID returns the source ID.
func (s *Source) ID() uint64 { return s.id }

// Done is closed when the source finishes or is stopped.
func (s *Source) Done() <-chan struct{} { return s.done }

// Start and End return the scheduled span on the output clock.
func (s *Source) Start() time.Duration { return s.start }
func (s *Source) End() time.Duration   { return s.end }

// Stop records the call and ends the source early.
func (s *Source) Stop() error {
	s.mu.Lock()
	s.stopCt++
	s.mu.Unlock()
	s.complete(true)
	return nil
}

// Stopped reports whether the source ended because of Stop or Close rather
// than reaching its end.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StopCount returns the number of Stop calls.
func (s *Source) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCt
}

func (s *Source) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Source) complete(stopped bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = stopped
		s.mu.Unlock()
		close(s.done)
	})
}

// Ensure Source implements playback.Source at compile time.
var _ playback.Source = (*Source)(nil)
