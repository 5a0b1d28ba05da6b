// Package capture owns the microphone side of a voice session: it opens a
// capture [Device], converts whatever the device delivers to mono PCM at the
// wire rate, and slices it into fixed-size [audio.Frame] blocks with a
// per-block RMS loudness value.
//
// A [Pipeline] is the exclusive owner of its [Stream]. Frames are pushed on a
// channel in capture order; loudness is published separately on a
// latest-value channel so that a slow meter never delays frame emission.
package capture

import (
	"context"

	"github.com/MrWong99/lingo/pkg/audio"
)

// DefaultBlockSize is the number of samples per outbound frame (2048 samples
// at 16 kHz ≈ 128 ms).
const DefaultBlockSize = 2048

// Constraints are the requested properties of the capture stream. Devices
// treat SampleRate and Channels as ideals: the returned [Stream] reports the
// format it actually delivers.
type Constraints struct {
	// SampleRate is the ideal device sample rate in Hz.
	SampleRate int

	// Channels is the ideal channel count.
	Channels int

	// Device selects a backend-specific input device. Empty selects the
	// system default.
	Device string

	// EchoCancellation, NoiseSuppression, and AutoGainControl request the
	// corresponding device-side processing where the backend supports it.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints returns the constraints lingo uses for speech capture:
// mono, ideally 16 kHz, with echo cancellation, noise suppression, and
// automatic gain control enabled.
func DefaultConstraints() Constraints {
	return Constraints{
		SampleRate:       audio.CaptureSampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Stream is an open microphone. Read returns little-endian int16 PCM in the
// stream's [Stream.Format]; reads may return any number of bytes, including
// partial sample frames. Close releases the device and unblocks a pending
// Read.
type Stream interface {
	Format() audio.Format
	Read(p []byte) (int, error)
	Close() error
}

// Device opens microphone streams.
//
// Open fails with an error wrapping [audio.ErrPermissionDenied] when access is
// refused, or [audio.ErrDeviceUnavailable] when no usable device exists.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}
