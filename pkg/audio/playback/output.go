// Package playback schedules decoded model audio on an output device so that
// the chunks of one turn play back to back without gaps or overlap, and can
// all be cut off at once when the user interrupts.
//
// An [Output] is the playback context: it owns a monotonic clock and plays
// buffers at requested instants on that clock. A [Scheduler] sits on top and
// keeps the playback timeline cursor plus the set of active sources.
package playback

import (
	"context"
	"time"

	"github.com/MrWong99/lingo/pkg/audio"
)

// Source is one buffer scheduled on an [Output].
type Source interface {
	// ID uniquely identifies the source within its Output.
	ID() uint64

	// Stop cuts the source off immediately. Stopping a source that already
	// finished or was already stopped returns nil.
	Stop() error

	// Done is closed when the source finished playing or was stopped.
	Done() <-chan struct{}
}

// Output is a playback context with its own clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Format is the sample rate and channel count the output was opened with.
	Format() audio.Format

	// Now returns the current position of the output clock, measured from the
	// moment the output was opened.
	Now() time.Duration

	// Schedule plays buf starting at the clock instant at. An instant in the
	// past starts playback immediately.
	Schedule(buf *audio.Buffer, at time.Duration) (Source, error)

	// Suspended reports whether the clock is paused. A freshly opened output
	// may start suspended; see Resume.
	Suspended() bool

	// Resume starts the clock of a suspended output.
	Resume(ctx context.Context) error

	// Close stops all sources and releases the device. Closing an already
	// closed output returns nil.
	Close() error
}

// Opener creates an [Output]. The session controller acquires a fresh output
// per connection.
type Opener interface {
	OpenOutput(ctx context.Context, f audio.Format) (Output, error)
}
