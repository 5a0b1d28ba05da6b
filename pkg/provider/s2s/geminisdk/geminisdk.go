// Package geminisdk implements the s2s.Provider interface on top of the
// official Google Gen AI Go SDK (google.golang.org/genai).
//
// It speaks the same Live API as package gemini but delegates the wire
// protocol, authentication, and endpoint selection to the SDK. Use it when
// the SDK's backend handling is preferred over the raw WebSocket client.
package geminisdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/lingo/pkg/audio"
	"github.com/MrWong99/lingo/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel  = "gemini-2.5-flash-native-audio-preview-09-2025"
	messageBuffer = 64
)

// liveSession is the subset of *genai.Session the provider uses.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// dialFunc opens a Live API session.
type dialFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the SDK's API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider with the genai SDK's Live client.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	dial    dialFunc
}

// New creates a new Provider with the given API key and options. The SDK
// client is created lazily on the first Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		model:  defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	if p.dial == nil {
		p.dial = p.sdkDial
	}
	return p
}

// sdkDial creates a genai client and opens a Live session with it.
func (p *Provider) sdkDial(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}
	return client.Live.Connect(ctx, model, cfg)
}

// Capabilities returns static metadata about the provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Name:                 "gemini-sdk",
		InputFormat:          audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1},
		OutputFormat:         audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1},
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices:               []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

// Connect opens a Live session and waits for setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	live, err := p.dial(ctx, p.model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("geminisdk: connect: %w: %w", s2s.ErrTransport, err)
	}

	sess := &session{
		live:      live,
		inputMIME: fmt.Sprintf("audio/pcm;rate=%d", audio.CaptureSampleRate),
		msgs:      make(chan s2s.ServerMessage, messageBuffer),
		done:      make(chan struct{}),
	}
	if err := sess.awaitSetup(ctx); err != nil {
		_ = live.Close()
		return nil, err
	}
	go sess.receiveLoop()
	return sess, nil
}

// liveConfig translates cfg into the SDK's connect configuration.
func liveConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	modality := genai.ModalityAudio
	if cfg.ResponseModality == s2s.ModalityText {
		modality = genai.ModalityText
	}
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{modality},
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.Instructions}},
		}
	}
	if cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// toServerMessage flattens an SDK message into the provider-neutral form.
// Inline audio is re-encoded as base64 so all providers deliver the same
// payload shape.
func toServerMessage(m *genai.LiveServerMessage) s2s.ServerMessage {
	var msg s2s.ServerMessage
	sc := m.ServerContent
	if sc == nil {
		return msg
	}
	if sc.InputTranscription != nil {
		msg.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		msg.OutputTranscript = sc.OutputTranscription.Text
	}
	msg.TurnComplete = sc.TurnComplete
	msg.Interrupted = sc.Interrupted
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				msg.Audio = append(msg.Audio, audio.EncodeBase64(part.InlineData.Data))
			}
		}
	}
	return msg
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	live      liveSession
	inputMIME string
	msgs      chan s2s.ServerMessage

	// sendMu serialises writes; the SDK socket allows one writer at a time.
	sendMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool
	done   chan struct{}
}

// awaitSetup reads until setupComplete. Receive has no context, so it runs on
// a helper goroutine and ctx cancellation closes the session to unblock it.
func (s *session) awaitSetup(ctx context.Context) error {
	type result struct {
		msg *genai.LiveServerMessage
		err error
	}
	for {
		ch := make(chan result, 1)
		go func() {
			msg, err := s.live.Receive()
			ch <- result{msg, err}
		}()
		select {
		case r := <-ch:
			if r.err != nil {
				return fmt.Errorf("geminisdk: await setup: %w: %w", s2s.ErrTransport, r.err)
			}
			if r.msg != nil && r.msg.SetupComplete != nil {
				return nil
			}
		case <-ctx.Done():
			_ = s.live.Close()
			return fmt.Errorf("geminisdk: await setup: %w: %w", s2s.ErrTransport, ctx.Err())
		}
	}
}

// receiveLoop forwards server content in arrival order. It owns msgs: it
// closes the channel when it exits.
func (s *session) receiveLoop() {
	defer close(s.msgs)

	for {
		m, err := s.live.Receive()
		if err != nil {
			if s.isClosed() || isNormalClosure(err) {
				return
			}
			s.setErr(fmt.Errorf("geminisdk: receive: %w: %w", s2s.ErrTransport, err))
			return
		}
		if m == nil {
			continue
		}
		if m.GoAway != nil {
			slog.Warn("geminisdk: server is closing the session soon", "time_left", m.GoAway.TimeLeft)
		}
		out := toServerMessage(m)
		if out.Empty() {
			continue
		}
		select {
		case s.msgs <- out:
		case <-s.done:
			return
		}
	}
}

// isNormalClosure reports whether err is a clean WebSocket close from the
// server.
func isNormalClosure(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one 16 kHz mono s16le PCM frame as realtime input. The
// SDK write has no deadline; ctx is only checked before writing.
func (s *session) SendAudio(ctx context.Context, pcm []byte) error {
	if s.isClosed() {
		return fmt.Errorf("geminisdk: send audio: %w: session closed", s2s.ErrTransport)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("geminisdk: send audio: %w", err)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: s.inputMIME, Data: pcm},
	})
	if err != nil {
		return fmt.Errorf("geminisdk: send audio: %w: %w", s2s.ErrTransport, err)
	}
	return nil
}

// Messages returns the channel on which server content arrives.
func (s *session) Messages() <-chan s2s.ServerMessage { return s.msgs }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	_ = s.live.Close()
	return nil
}
