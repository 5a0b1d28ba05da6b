// Package audio defines the sample and buffer types that flow through the
// lingo voice pipeline, together with the PCM codec used on the wire.
//
// Two representations coexist:
//
//   - Wire PCM: little-endian signed 16-bit samples, as exchanged with the
//     remote speech service and the capture/playback device backends.
//   - Float samples: float32 values in [-1, 1], used for loudness metering and
//     for decoded playback buffers ([Buffer]).
//
// Capture lives in the capture subpackage, playback scheduling in the playback
// subpackage. This package has no goroutines and no I/O.
package audio

import (
	"errors"
	"time"
)

// Sentinel errors shared by the capture, playback, and session packages.
// Callers match them with [errors.Is]; concrete errors wrap them with context.
var (
	// ErrPermissionDenied is returned when access to the microphone was refused
	// by the operating system or the user.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when no capture or playback device
	// exists, or when a device backend could not be started.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrMalformedAudioData is returned when inbound PCM fails shape
	// validation (odd byte count, partial multi-channel frame, bad base64).
	ErrMalformedAudioData = errors.New("audio: malformed audio data")
)

// Wire rates used by the default Gemini Live configuration.
const (
	// CaptureSampleRate is the sample rate of outbound microphone PCM.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the sample rate of inbound model PCM.
	PlaybackSampleRate = 24000
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether f has a positive sample rate and channel count.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Frame is one fixed-size block of captured microphone samples. Frames are
// immutable once emitted: the capture pipeline allocates a fresh Samples
// slice for every frame.
type Frame struct {
	// Samples holds mono float samples in [-1, 1].
	Samples []float32

	// Level is the block's RMS loudness scaled to [0, 100].
	Level float64

	// Seq is the zero-based capture order of this frame within its pipeline.
	Seq uint64
}

// Buffer is a decoded, playable block of audio. Samples are interleaved when
// Channels > 1.
type Buffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer on its own clock.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(b.Frames()) * int64(time.Second) / int64(b.SampleRate))
}
