package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/MrWong99/lingo/pkg/audio"
)

const (
	// frameQueue is the capacity of the Frames channel.
	frameQueue = 8

	// readChunk is the size of a single device read in bytes.
	readChunk = 4096
)

// Option configures a [Pipeline] during [Open].
type Option func(*Pipeline)

// WithBlockSize sets the number of samples per emitted frame. Values <= 0 are
// ignored.
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithTargetRate sets the sample rate of emitted frames. The default is
// [audio.CaptureSampleRate].
func WithTargetRate(rate int) Option {
	return func(p *Pipeline) {
		if rate > 0 {
			p.conv.Target.SampleRate = rate
		}
	}
}

// Pipeline turns a microphone [Stream] into fixed-size mono frames.
//
// Frames and Levels may be read from any goroutine. Start and Stop are safe
// for concurrent use; Stop is idempotent and safe on a nil Pipeline.
type Pipeline struct {
	stream    Stream
	conv      audio.FormatConverter
	blockSize int

	frames chan audio.Frame
	levels chan float64
	done   chan struct{}
	exited chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	err      error
	stopOnce sync.Once
}

// Open acquires the microphone from dev and returns a pipeline that is ready
// to [Pipeline.Start]. No frames are produced until Start is called.
func Open(ctx context.Context, dev Device, c Constraints, opts ...Option) (*Pipeline, error) {
	if dev == nil {
		return nil, fmt.Errorf("capture: open: %w: no capture device configured", audio.ErrDeviceUnavailable)
	}
	stream, err := dev.Open(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("capture: open: %w", err)
	}
	if f := stream.Format(); !f.Valid() || f.Channels > 2 {
		_ = stream.Close()
		return nil, fmt.Errorf("capture: open: %w: device reported format %s", audio.ErrDeviceUnavailable, stream.Format())
	}

	p := &Pipeline{
		stream:    stream,
		conv:      audio.FormatConverter{Target: audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1}},
		blockSize: DefaultBlockSize,
		frames:    make(chan audio.Frame, frameQueue),
		levels:    make(chan float64, 1),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Format returns the format of emitted frames (always mono).
func (p *Pipeline) Format() audio.Format { return p.conv.Target }

// Frames returns the channel of captured blocks. It is closed when the
// pipeline stops or the device fails; check [Pipeline.Err] afterwards.
func (p *Pipeline) Frames() <-chan audio.Frame { return p.frames }

// Levels returns a channel carrying the most recent block loudness in
// [0, 100]. Stale values are replaced rather than queued.
func (p *Pipeline) Levels() <-chan float64 { return p.levels }

// Err returns the device error that ended capture, or nil if the pipeline is
// running or was stopped by [Pipeline.Stop].
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Start begins reading the device on a background goroutine. Calling Start
// more than once, or after Stop, has no effect.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.run()
}

// Stop releases the device and waits for the reader goroutine to exit. It is
// safe to call on a nil, never-started, or already-stopped pipeline.
func (p *Pipeline) Stop() error {
	if p == nil {
		return nil
	}
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		started := p.started
		p.mu.Unlock()

		close(p.done)
		err = p.stream.Close()
		if started {
			<-p.exited
		} else {
			close(p.frames)
		}
	})
	return err
}

// run owns frames: it closes the channel when it exits.
func (p *Pipeline) run() {
	defer close(p.exited)
	defer close(p.frames)

	src := p.stream.Format()
	frameBytes := 2 * src.Channels
	buf := make([]byte, readChunk)
	var carry []byte
	pending := make([]float32, 0, p.blockSize*2)
	var seq uint64

	for {
		n, err := p.stream.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			whole := len(data) - len(data)%frameBytes
			carry = append([]byte(nil), data[whole:]...)

			if pcm := p.conv.Convert(data[:whole], src); len(pcm) > 0 {
				pending = append(pending, audio.PCM16ToFloat(pcm)...)
			}
			for len(pending) >= p.blockSize {
				block := make([]float32, p.blockSize)
				copy(block, pending)
				pending = append(pending[:0], pending[p.blockSize:]...)

				frame := audio.Frame{Samples: block, Level: audio.Loudness(block), Seq: seq}
				seq++
				p.publishLevel(frame.Level)
				select {
				case p.frames <- frame:
				case <-p.done:
					return
				}
			}
		}
		if err != nil {
			select {
			case <-p.done:
				// Stop closed the stream; not a device failure.
			default:
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				slog.Warn("capture: device read failed", "err", err)
				p.mu.Lock()
				p.err = fmt.Errorf("capture: read: %w: %w", audio.ErrDeviceUnavailable, err)
				p.mu.Unlock()
			}
			return
		}
	}
}

// publishLevel replaces any unread level with v without blocking.
func (p *Pipeline) publishLevel(v float64) {
	select {
	case p.levels <- v:
		return
	default:
	}
	select {
	case <-p.levels:
	default:
	}
	select {
	case p.levels <- v:
	default:
	}
}
