// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to push server messages and inspect which audio frames the
// session controller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(s2s.ServerMessage{OutputTranscript: "Hel"})
//	sess.End(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lingo/pkg/audio"
	"github.com/MrWong99/lingo/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by Connect. If nil, Connect returns a new
	// default Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or ctx ends.
	// A cancelled ctx yields ctx.Err() wrapped in s2s.ErrTransport.
	Block chan struct{}

	// ProviderCapabilities is returned by Capabilities. Zero formats default
	// to 16 kHz mono input and 24 kHz mono output.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, transportErr(ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Capabilities returns ProviderCapabilities with default formats filled in.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.ProviderCapabilities
	if caps.Name == "" {
		caps.Name = "mock"
	}
	if !caps.InputFormat.Valid() {
		caps.InputFormat = audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1}
	}
	if !caps.OutputFormat.Valid() {
		caps.OutputFormat = audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1}
	}
	return caps
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. The test pushes
// server messages with Push and ends the session with End or Close.
type Session struct {
	mu sync.Mutex

	msgs   chan s2s.ServerMessage
	ended  bool
	errVal error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioHook, if non-nil, runs inside SendAudio before recording. It
	// can block to simulate a slow network.
	SendAudioHook func(ctx context.Context)

	// SentAudio records a copy of every frame accepted by SendAudio.
	SentAudio [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns an open session with a buffered message channel.
func NewSession() *Session {
	return &Session{msgs: make(chan s2s.ServerMessage, 64)}
}

// Push delivers msg to the Messages channel. It is a no-op after End.
func (s *Session) Push(msg s2s.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.msgs <- msg
}

// End closes the Messages channel with err as the session error. A nil err
// simulates a clean remote close.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

func (s *Session) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.errVal = err
	close(s.msgs)
}

// SendAudio records the frame and returns SendAudioErr.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	hook := s.SendAudioHook
	s.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	if s.ended {
		return transportErr(nil)
	}
	s.SentAudio = append(s.SentAudio, append([]byte(nil), pcm...))
	return nil
}

// Sent returns a snapshot of SentAudio. Thread-safe.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.SentAudio...)
}

// Messages returns the pushed message stream.
func (s *Session) Messages() <-chan s2s.ServerMessage { return s.msgs }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close records the call and ends the session cleanly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.endLocked(nil)
	return nil
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)

type mockTransportError struct{ cause error }

func (e mockTransportError) Error() string {
	if e.cause == nil {
		return "mock: " + s2s.ErrTransport.Error()
	}
	return "mock: " + s2s.ErrTransport.Error() + ": " + e.cause.Error()
}

func (e mockTransportError) Unwrap() []error {
	if e.cause == nil {
		return []error{s2s.ErrTransport}
	}
	return []error{s2s.ErrTransport, e.cause}
}

func transportErr(cause error) error { return mockTransportError{cause: cause} }
