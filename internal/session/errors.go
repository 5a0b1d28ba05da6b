package session

import (
	"errors"
	"strings"

	"github.com/MrWong99/lingo/pkg/audio"
	"github.com/MrWong99/lingo/pkg/provider/s2s"
)

var (
	// ErrAlreadyActive is returned by Connect while a session is connecting
	// or open.
	ErrAlreadyActive = errors.New("session: a session is already active")

	// ErrDisconnected is returned by Connect when Disconnect interrupts it.
	// No error callback fires in that case.
	ErrDisconnected = errors.New("session: disconnected during connect")
)

// permissionPrefix starts every message for a refused microphone so callers
// can show device-specific guidance.
const permissionPrefix = "microphone permission denied"

// Describe renders err as the human-readable message passed to OnError.
// Microphone permission failures start with "microphone permission denied";
// everything else starts with "connection failed".
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, audio.ErrPermissionDenied) {
		return permissionPrefix + ": allow microphone access for this application and try again"
	}

	var reason string
	switch {
	case errors.Is(err, audio.ErrDeviceUnavailable):
		reason = "audio device unavailable"
	case errors.Is(err, audio.ErrMalformedAudioData):
		reason = "received malformed audio from the voice service"
	case errors.Is(err, s2s.ErrTransport):
		reason = "could not reach the voice service"
	default:
		reason = "unexpected error"
	}
	return "connection failed: " + reason + " (" + strings.TrimSpace(err.Error()) + ")"
}

// errorKind classifies err for the session error metric.
func errorKind(err error) string {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, audio.ErrMalformedAudioData):
		return "malformed_audio"
	case errors.Is(err, s2s.ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
