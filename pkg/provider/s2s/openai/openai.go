// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 chunks at 24 kHz. Server events
// are mapped onto [s2s.ServerMessage]: audio and transcript deltas pass
// through, server-side speech detection becomes an interruption, and
// response.done completes the turn.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingo/pkg/audio"
	"github.com/MrWong99/lingo/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// sampleRate is the fixed rate of the pcm16 audio format in both
	// directions.
	sampleRate = 24000

	transcriptionModel = "whisper-1"

	messageBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Name:                 "openai-realtime",
		InputFormat:          audio.Format{SampleRate: sampleRate, Channels: 1},
		OutputFormat:         audio.Format{SampleRate: sampleRate, Channels: 1},
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices:               []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect dials the Realtime endpoint, sends session.update, and waits for
// session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w: %w", s2s.ErrTransport, err)
	}
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		msgs:   make(chan s2s.ServerMessage, messageBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.handshake(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, err
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription  `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionParams `json:"turn_detection,omitempty"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (d *serverErrorDetail) err() error {
	msg := "unknown error"
	if d != nil && d.Message != "" {
		msg = d.Message
	}
	if d != nil && d.Code != "" {
		msg = d.Code + ": " + msg
	}
	return fmt.Errorf("openai: server error: %w: %s", s2s.ErrTransport, msg)
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// toServerMessage maps a Realtime event onto the provider-neutral form. The
// second result is false for events that carry nothing the caller needs.
func (evt *serverEvent) toServerMessage() (s2s.ServerMessage, bool) {
	var msg s2s.ServerMessage
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return msg, false
		}
		msg.Audio = []string{evt.Delta}
	case "response.audio_transcript.delta":
		msg.OutputTranscript = evt.Delta
	case "conversation.item.input_audio_transcription.completed":
		msg.InputTranscript = evt.Transcript
	case "input_audio_buffer.speech_started":
		msg.Interrupted = true
	case "response.done":
		msg.TurnComplete = true
	default:
		return msg, false
	}
	return msg, !msg.Empty()
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn *websocket.Conn
	msgs chan s2s.ServerMessage

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// handshake sends session.update and reads until session.updated.
func (s *session) handshake(ctx context.Context, cfg s2s.SessionConfig) error {
	if err := s.writeJSON(ctx, buildSessionUpdate(cfg)); err != nil {
		return fmt.Errorf("openai: session update: %w: %w", s2s.ErrTransport, err)
	}
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("openai: await session: %w: %w", s2s.ErrTransport, err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "error":
			return evt.Error.err()
		case "session.updated":
			return nil
		}
	}
}

// buildSessionUpdate returns the session.update event for cfg.
func buildSessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		// The Realtime API cannot answer in audio only; text rides along.
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetectionParams{Type: "server_vad"},
	}
	if cfg.ResponseModality == s2s.ModalityText {
		params.Modalities = []string{"text"}
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &inputTranscription{Model: transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and forwards them in arrival
// order. It owns msgs: it closes the channel when it exits.
func (s *session) receiveLoop() {
	defer close(s.msgs)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("openai: read: %w: %w", s2s.ErrTransport, err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if evt.Type == "error" {
			s.setErr(evt.Error.err())
			return
		}
		msg, ok := evt.toServerMessage()
		if !ok {
			continue
		}
		select {
		case s.msgs <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio appends a 24 kHz mono PCM16 frame to the input audio buffer.
func (s *session) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: send audio: %w: session closed", s2s.ErrTransport)
	}
	s.mu.Unlock()

	err := s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeBase64(pcm),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("openai: send audio: %w", err)
		}
		return fmt.Errorf("openai: send audio: %w: %w", s2s.ErrTransport, err)
	}
	return nil
}

// Messages returns the channel on which mapped server events arrive.
func (s *session) Messages() <-chan s2s.ServerMessage { return s.msgs }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
