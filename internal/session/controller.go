// Package session drives one real-time voice conversation with a remote
// speech-to-speech service.
//
// A [Controller] moves through Idle → Connecting → Open → Closed, with Failed
// as the terminal state for errors. Connect acquires the microphone, opens the
// speaker output, and opens the remote session, in that order. Any failure
// unwinds whatever was acquired before the error callback fires.
//
// While the session is open a single event loop goroutine owns the playback
// scheduler and the transcript aggregator. It forwards capture frames to a
// sender goroutine, routes inbound server messages, and reports loudness.
// Callbacks run on that loop goroutine or on the goroutine calling Connect or
// Disconnect. They must not call Disconnect synchronously.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/lingo/internal/observe"
	"github.com/MrWong99/lingo/internal/transcript"
	"github.com/MrWong99/lingo/pkg/audio"
	"github.com/MrWong99/lingo/pkg/audio/capture"
	"github.com/MrWong99/lingo/pkg/audio/playback"
	"github.com/MrWong99/lingo/pkg/provider/s2s"
)

// DefaultInstructions is the system instruction of the English tutor persona.
const DefaultInstructions = "You are Lingo, a quick and friendly English language tutor. " +
	"Your goal is to help the user improve their English fluency through natural conversation. " +
	"Guidelines: 1. Engage the user in a casual conversation. " +
	"2. Listen carefully to their grammar and vocabulary. " +
	"3. If the user makes a mistake, gently correct them briefly. " +
	"4. Keep your responses VERY concise (under 20 words) to ensure a fast-paced conversation. " +
	"5. Be encouraging."

const (
	// DefaultVoice is the prebuilt voice used when Config.Voice is empty.
	DefaultVoice = "Kore"

	// DefaultSendQueue is the number of encoded frames that may wait for the
	// sender before new frames are dropped.
	DefaultSendQueue = 4
)

// ── State ──────────────────────────────────────────────────────────────────────

// State is the lifecycle state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// active reports whether s is Connecting or Open.
func (s State) active() bool { return s == StateConnecting || s == StateOpen }

// ── Callbacks & config ─────────────────────────────────────────────────────────

// Callbacks receive session events. Nil fields are skipped.
type Callbacks struct {
	// OnOpen fires once per successful Connect.
	OnOpen func()

	// OnClose fires after teardown: on Disconnect, on remote close, and
	// before OnError on failure.
	OnClose func()

	// OnError fires once per failed session with a message from [Describe].
	OnError func(message string)

	// OnTranscript receives each finalised line, user before model.
	OnTranscript func(speaker transcript.Speaker, text string)

	// OnVolumeChange receives the latest microphone loudness in [0, 100].
	OnVolumeChange func(level float64)
}

func (cb Callbacks) onOpen() {
	if cb.OnOpen != nil {
		cb.OnOpen()
	}
}

func (cb Callbacks) onClose() {
	if cb.OnClose != nil {
		cb.OnClose()
	}
}

func (cb Callbacks) onError(msg string) {
	if cb.OnError != nil {
		cb.OnError(msg)
	}
}

func (cb Callbacks) onTranscript(l transcript.Line) {
	if cb.OnTranscript != nil {
		cb.OnTranscript(l.Speaker, l.Text)
	}
}

func (cb Callbacks) onVolume(level float64) {
	if cb.OnVolumeChange != nil {
		cb.OnVolumeChange(level)
	}
}

// Config holds the per-connection settings.
type Config struct {
	// Voice is the prebuilt voice name. Default: [DefaultVoice].
	Voice string

	// Instructions is the system instruction. Default: [DefaultInstructions].
	Instructions string

	// Constraints are passed to the microphone. The sample rate and channel
	// count are always taken from the provider's input format.
	Constraints capture.Constraints

	// BlockSize is the number of samples per outbound frame. Default:
	// [capture.DefaultBlockSize].
	BlockSize int

	// SendQueue bounds the frames waiting for the network. Default:
	// [DefaultSendQueue].
	SendQueue int
}

// DefaultConfig returns the tutor persona with default device settings.
func DefaultConfig() Config {
	return Config{
		Voice:        DefaultVoice,
		Instructions: DefaultInstructions,
		Constraints:  capture.DefaultConstraints(),
		BlockSize:    capture.DefaultBlockSize,
		SendQueue:    DefaultSendQueue,
	}
}

func (cfg Config) withDefaults() Config {
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = capture.DefaultBlockSize
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	return cfg
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for New.
type Option func(*Controller)

// WithMetrics records session metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// ── Controller ─────────────────────────────────────────────────────────────────

// Controller owns at most one live session at a time. All exported methods
// are safe for concurrent use, but Connect assumes a single caller.
type Controller struct {
	provider s2s.Provider
	mic      capture.Device
	speakers playback.Opener
	cb       Callbacks
	metrics  *observe.Metrics

	mu    sync.Mutex
	cfg   Config
	state State
	cur   *run

	// beforeOpen, if set, runs after the loop has started and before the
	// session is marked open.
	beforeOpen func()
}

// New returns an idle Controller.
func New(provider s2s.Provider, mic capture.Device, speakers playback.Opener, cfg Config, cb Callbacks, opts ...Option) *Controller {
	c := &Controller{
		provider: provider,
		mic:      mic,
		speakers: speakers,
		cb:       cb,
		cfg:      cfg.withDefaults(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session identifies the latest session and its current state. It reports
// false until the first Connect.
func (c *Controller) Session() (observe.SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return observe.SessionInfo{}, false
	}
	s := c.cur.info()
	s.State = c.state.String()
	return s, true
}

// Reconfigure changes the voice and instructions used by the next Connect.
// Empty values restore the defaults. The live session is not affected.
func (c *Controller) Reconfigure(voice, instructions string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Voice = voice
	c.cfg.Instructions = instructions
	c.cfg = c.cfg.withDefaults()
}

// Connect opens a new session. It returns once the session is open and
// OnOpen has fired, or with the error that OnError has already reported.
// Disconnect interrupts a pending Connect, which then returns
// [ErrDisconnected].
func (c *Controller) Connect(ctx context.Context) error {
	if c.provider == nil {
		return fmt.Errorf("session: connect: %w: no provider configured", s2s.ErrTransport)
	}
	c.mu.Lock()
	if c.state.active() {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	cfg := c.cfg
	caps := c.provider.Capabilities()
	r := newRun(ctx, caps.Name, cfg.SendQueue)
	c.cur = r
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, span := observe.StartSpan(observe.WithSession(ctx, r.info()), "session.connect")
	defer span.End()
	log := observe.Logger(ctx)
	log.Info("session connecting", "voice", cfg.Voice)

	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	start := time.Now()
	err := c.acquire(connectCtx, r, cfg, caps, span)
	if err == nil {
		err = c.start(r)
	}
	if err == nil {
		err = c.open(ctx, r)
	}
	if err != nil {
		c.metrics.RecordConnect(ctx, caps.Name, "error", time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if r.isTorn() {
			log.Info("session connect interrupted by disconnect")
			return ErrDisconnected
		}
		c.fail(ctx, r, err)
		return err
	}

	c.metrics.RecordConnect(ctx, caps.Name, "ok", time.Since(start).Seconds())
	span.AddEvent("session open")
	log.Info("session open", "connect_time", time.Since(start))
	return nil
}

// acquire performs the three Connect steps. Every acquired resource is
// attached to r before the next step so that teardown can release it.
func (c *Controller) acquire(ctx context.Context, r *run, cfg Config, caps s2s.Capabilities, span trace.Span) error {
	cons := cfg.Constraints
	cons.SampleRate = caps.InputFormat.SampleRate
	cons.Channels = caps.InputFormat.Channels
	pipe, err := capture.Open(ctx, c.mic, cons,
		capture.WithTargetRate(caps.InputFormat.SampleRate),
		capture.WithBlockSize(cfg.BlockSize),
	)
	if err != nil {
		return fmt.Errorf("session: connect: microphone: %w", err)
	}
	if !r.attach(func() { r.pipe = pipe }) {
		_ = pipe.Stop()
		return ErrDisconnected
	}
	span.AddEvent("microphone acquired", trace.WithAttributes(attribute.String("format", pipe.Format().String())))

	if c.speakers == nil {
		return fmt.Errorf("session: connect: playback: %w: no output configured", audio.ErrDeviceUnavailable)
	}
	out, err := c.speakers.OpenOutput(ctx, caps.OutputFormat)
	if err != nil {
		return fmt.Errorf("session: connect: playback: %w", err)
	}
	if !r.attach(func() { r.out = out; r.sched = playback.NewScheduler(out) }) {
		_ = out.Close()
		return ErrDisconnected
	}
	if out.Suspended() {
		if err := out.Resume(ctx); err != nil {
			return fmt.Errorf("session: connect: playback: resume: %w: %w", audio.ErrDeviceUnavailable, err)
		}
		span.AddEvent("playback resumed")
	}
	span.AddEvent("playback opened", trace.WithAttributes(attribute.String("format", out.Format().String())))

	sess, err := c.provider.Connect(ctx, s2s.SessionConfig{
		Voice:               cfg.Voice,
		Instructions:        cfg.Instructions,
		ResponseModality:    s2s.ModalityAudio,
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		return fmt.Errorf("session: connect: remote: %w", err)
	}
	if !r.attach(func() { r.sess = sess }) {
		_ = sess.Close()
		return ErrDisconnected
	}
	span.AddEvent("remote session open")
	return nil
}

// start launches the event loop and the sender. The loop waits on r.ready,
// which Connect closes after OnOpen.
func (c *Controller) start(r *run) error {
	ok := r.attach(func() {
		r.running = true
		go c.runLoop(r)
		go c.sender(r)
	})
	if !ok {
		return ErrDisconnected
	}
	return nil
}

// open moves r to Open, fires OnOpen, and releases the event loop. It runs
// under the run lock, so a concurrent teardown either happens before it and
// wins, or waits until OnOpen has returned.
func (c *Controller) open(ctx context.Context, r *run) error {
	if c.beforeOpen != nil {
		c.beforeOpen()
	}
	ok := r.attach(func() {
		c.setState(r, StateOpen)
		r.open = true
		c.metrics.ActiveSessions.Add(ctx, 1)
		c.cb.onOpen()
		close(r.ready)
	})
	if !ok {
		return ErrDisconnected
	}
	return nil
}

// Disconnect tears down the current session, if any, and fires OnClose. It
// always returns nil and may be called at any point, any number of times.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()

	if r != nil && c.teardown(ctx, r) {
		c.setState(r, StateClosed)
		r.logger(ctx).Info("session closed", "reason", "disconnect")
	}
	c.cb.onClose()
	return nil
}

// fail tears r down and reports err. Only the caller that performs the
// teardown reports; a concurrent Disconnect wins silently.
func (c *Controller) fail(ctx context.Context, r *run, err error) {
	if !c.teardown(ctx, r) {
		return
	}
	c.setState(r, StateFailed)
	c.metrics.RecordSessionError(ctx, r.provider, errorKind(err))
	r.logger(ctx).Error("session failed", "err", err)
	c.cb.onClose()
	c.cb.onError(Describe(err))
}

// closeRemote handles a clean close initiated by the service.
func (c *Controller) closeRemote(ctx context.Context, r *run) {
	if !c.teardown(ctx, r) {
		return
	}
	c.setState(r, StateClosed)
	r.logger(ctx).Info("session closed", "reason", "remote")
	c.cb.onClose()
}

// setState moves r's controller out of Connecting or Open. Transitions for a
// stale run or out of a terminal state are ignored.
func (c *Controller) setState(r *run, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != r || !c.state.active() {
		return
	}
	c.state = s
}

// teardown releases everything r holds: active playback sources first, then
// the microphone, the output, and finally the remote session. It reports
// whether this call performed the teardown.
func (c *Controller) teardown(ctx context.Context, r *run) bool {
	r.mu.Lock()
	if r.torn {
		r.mu.Unlock()
		return false
	}
	r.torn = true
	running, open := r.running, r.open
	r.mu.Unlock()

	r.cancel()
	if running {
		r.quitOnce.Do(func() { close(r.quit) })
		<-r.loopDone
	}

	if r.sched != nil {
		r.sched.Close()
	}
	if err := r.pipe.Stop(); err != nil {
		r.logger(ctx).Debug("session: stop microphone", "err", err)
	}
	if r.out != nil {
		if err := r.out.Close(); err != nil {
			r.logger(ctx).Debug("session: close output", "err", err)
		}
	}
	if r.sess != nil {
		if err := r.sess.Close(); err != nil {
			r.logger(ctx).Debug("session: close remote", "err", err)
		}
		// The loop has stopped reading; let the receiver run to completion.
		go audio.Drain(r.sess.Messages())
	}
	if running {
		<-r.senderDone
	}
	if open {
		c.metrics.ActiveSessions.Add(ctx, -1)
	}
	return true
}

// current returns the run of the latest Connect.
func (c *Controller) current() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// ── run ────────────────────────────────────────────────────────────────────────

// run is the state of one Connect attempt and the session it produced.
type run struct {
	id       string
	provider string

	// ctx lives as long as the session and is cancelled by teardown.
	ctx    context.Context
	cancel context.CancelFunc

	ready      chan struct{}
	quit       chan struct{}
	quitOnce   sync.Once
	loopDone   chan struct{}
	senderDone chan struct{}
	sendq      chan []byte

	mu      sync.Mutex
	torn    bool
	running bool
	open    bool
	pipe    *capture.Pipeline
	out     playback.Output
	sched   *playback.Scheduler
	sess    s2s.SessionHandle

	// agg is owned by the event loop.
	agg transcript.Aggregator
}

func newRun(parent context.Context, provider string, queue int) *run {
	r := &run{id: uuid.NewString(), provider: provider}
	r.ctx, r.cancel = context.WithCancel(observe.WithSession(context.WithoutCancel(parent), r.info()))
	r.ready = make(chan struct{})
	r.quit = make(chan struct{})
	r.loopDone = make(chan struct{})
	r.senderDone = make(chan struct{})
	r.sendq = make(chan []byte, queue)
	return r
}

func (r *run) info() observe.SessionInfo {
	return observe.SessionInfo{ID: r.id, Provider: r.provider}
}

// logger tags the default logger with r's session and the span in ctx.
func (r *run) logger(ctx context.Context) *slog.Logger {
	return observe.Logger(observe.WithSession(ctx, r.info()))
}

// attach runs fn under the run lock unless teardown has already started.
func (r *run) attach(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.torn {
		return false
	}
	fn()
	return true
}

func (r *run) isTorn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.torn
}

// ── Event loop ─────────────────────────────────────────────────────────────────

// errQuit ends the loop on a local teardown.
var errQuit = errors.New("session: quit")

// runLoop runs the event loop and then finishes the session according to
// why the loop stopped.
func (c *Controller) runLoop(r *run) {
	err := c.loop(r)
	close(r.sendq)
	close(r.loopDone)

	switch {
	case errors.Is(err, errQuit):
	case err == nil:
		c.closeRemote(r.ctx, r)
	default:
		c.fail(r.ctx, r, err)
	}
}

// loop is the only goroutine that touches the scheduler and the aggregator.
// It returns nil when the service closes the session cleanly.
func (c *Controller) loop(r *run) error {
	select {
	case <-r.ready:
	case <-r.quit:
		return errQuit
	}
	r.pipe.Start()

	frames := r.pipe.Frames()
	levels := r.pipe.Levels()
	msgs := r.sess.Messages()
	for {
		select {
		case <-r.quit:
			return errQuit

		case f, ok := <-frames:
			if !ok {
				if err := r.pipe.Err(); err != nil {
					return fmt.Errorf("session: capture: %w", err)
				}
				frames = nil
				continue
			}
			c.enqueue(r, f)

		case level := <-levels:
			c.cb.onVolume(level)

		case msg, ok := <-msgs:
			if !ok {
				if err := r.sess.Err(); err != nil {
					return fmt.Errorf("session: remote: %w", err)
				}
				return nil
			}
			if err := c.route(r, msg); err != nil {
				return err
			}

		case id := <-r.sched.Ended():
			observe.Logger(r.ctx).Debug("session: chunk finished", "source", id)
		}
	}
}

// enqueue encodes f and hands it to the sender. When the queue is full the
// frame is dropped.
func (c *Controller) enqueue(r *run, f audio.Frame) {
	pcm := audio.EncodePCM16(f.Samples)
	select {
	case r.sendq <- pcm:
	default:
		c.metrics.RecordFrameDropped(r.ctx, "queue_full")
		observe.Logger(r.ctx).Debug("session: send queue full, dropping frame", "seq", f.Seq)
	}
}

// sender writes queued frames in capture order. A failed write drops the
// frame and moves on.
func (c *Controller) sender(r *run) {
	defer close(r.senderDone)
	for pcm := range r.sendq {
		if err := r.sess.SendAudio(r.ctx, pcm); err != nil {
			if r.ctx.Err() != nil {
				continue
			}
			c.metrics.RecordFrameDropped(r.ctx, "send_error")
			observe.Logger(r.ctx).Debug("session: send failed, dropping frame", "err", err)
			continue
		}
		c.metrics.FramesSent.Add(r.ctx, 1)
	}
}

// route applies one server message. Transcript, turn completion, audio, and
// interruption are checked independently because the service may bundle
// them.
func (c *Controller) route(r *run, msg s2s.ServerMessage) error {
	if msg.OutputTranscript != "" {
		r.agg.AppendModel(msg.OutputTranscript)
	} else if msg.InputTranscript != "" {
		r.agg.AppendUser(msg.InputTranscript)
	}

	if msg.TurnComplete {
		for _, line := range r.agg.Flush() {
			c.metrics.RecordTranscriptLine(r.ctx, string(line.Speaker))
			c.cb.onTranscript(line)
		}
	}

	if len(msg.Audio) > 0 {
		f := r.out.Format()
		for _, payload := range msg.Audio {
			raw, err := audio.DecodeBase64(payload)
			if err != nil {
				return fmt.Errorf("session: inbound audio: %w", err)
			}
			buf, err := audio.ToBuffer(raw, f.SampleRate, f.Channels)
			if err != nil {
				return fmt.Errorf("session: inbound audio: %w", err)
			}
			if _, err := r.sched.Schedule(buf); err != nil {
				return fmt.Errorf("session: playback: %w: %w", audio.ErrDeviceUnavailable, err)
			}
			c.metrics.ChunksScheduled.Add(r.ctx, 1)
		}
	}

	if msg.Interrupted {
		stopped := r.sched.StopAll()
		r.agg.DiscardModel()
		c.metrics.Interruptions.Add(r.ctx, 1, metric.WithAttributes(attribute.String("provider", r.provider)))
		observe.Logger(r.ctx).Debug("session: interrupted", "stopped_sources", stopped)
	}
	return nil
}
