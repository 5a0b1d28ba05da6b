// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio input
// and returns synthesised audio output in a single, stateful session. Examples
// include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: a bidirectional session that accepts
// PCM frames and pushes [ServerMessage] values carrying transcript fragments,
// audio payloads, and turn control flags. A single inbound message may bundle
// any subset of those, exactly as the service sent them.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/MrWong99/lingo/pkg/audio"
)

// ErrTransport is wrapped by every network or protocol level failure surfaced
// by a provider: dial and handshake errors, write failures, unexpected socket
// closure, and error frames reported by the service.
var ErrTransport = errors.New("s2s: transport error")

// Modality is a response modality requested from the model.
type Modality string

// Supported response modalities.
const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider-specific name of the synthesised voice, e.g. "Kore".
	// Empty selects the provider default.
	Voice string

	// Instructions is the system instruction that defines the assistant's
	// behaviour for the whole session.
	Instructions string

	// ResponseModality is the modality the model answers in. Empty means
	// [ModalityAudio].
	ResponseModality Modality

	// InputTranscription enables transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription enables transcripts of the model's speech.
	OutputTranscription bool
}

// ServerMessage is one inbound message from the service. Fields are
// independent; any subset may be set.
type ServerMessage struct {
	// InputTranscript is a partial transcript fragment of the user's speech.
	InputTranscript string

	// OutputTranscript is a partial transcript fragment of the model's speech.
	OutputTranscript string

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool

	// Interrupted reports that the user started speaking over the model and
	// any queued model audio must be discarded.
	Interrupted bool

	// Audio holds base64-encoded little-endian int16 PCM payloads in
	// [Capabilities.OutputFormat], in arrival order.
	Audio []string
}

// Empty reports whether m carries nothing actionable.
func (m ServerMessage) Empty() bool {
	return m.InputTranscript == "" && m.OutputTranscript == "" &&
		!m.TurnComplete && !m.Interrupted && len(m.Audio) == 0
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// Name identifies the provider in logs and metrics.
	Name string

	// InputFormat is the PCM format SendAudio expects.
	InputFormat audio.Format

	// OutputFormat is the PCM format of ServerMessage.Audio payloads.
	OutputFormat audio.Format

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists known voice names for this provider.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// All methods must be safe for concurrent use. Callers must call Close when the
// session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one PCM frame in [Capabilities.InputFormat] as a
	// realtime input message. It returns an error wrapping [ErrTransport] when
	// the session is closed or the write fails. Frames are never queued for
	// retry.
	SendAudio(ctx context.Context, pcm []byte) error

	// Messages returns the inbound message stream in arrival order. The channel
	// is closed when the session ends for any reason; call Err afterwards.
	Messages() <-chan ServerMessage

	// Err returns the error that ended the session, or nil if it was closed
	// locally or by a clean remote close.
	Err() error

	// Close terminates the session and closes the Messages channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect opens a session and blocks until the service has acknowledged
	// the configuration, so the returned handle is open and ready for audio.
	// Failures wrap [ErrTransport].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
