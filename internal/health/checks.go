package health

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/MrWong99/lingo/internal/observe"
)

// Binary returns a [Checker] that passes when path (or name, if path is
// empty) resolves to an executable. Capture and playback shell out to
// ffmpeg and ffplay, so a missing binary means no session can open.
func Binary(name, path string) Checker {
	target := path
	if target == "" {
		target = name
	}
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if _, err := exec.LookPath(target); err != nil {
				return fmt.Errorf("%s not found: %w", target, err)
			}
			return nil
		},
	}
}

// Credentials returns a [Checker] named "provider" that passes when the
// provider has a name and key returns a non-empty API key.
func Credentials(provider string, key func() string) Checker {
	return Checker{
		Name: "provider",
		Check: func(context.Context) error {
			if provider == "" {
				return errors.New("no provider configured")
			}
			if key() == "" {
				return fmt.Errorf("%s: no API key configured", provider)
			}
			return nil
		},
	}
}

// Session returns a [Checker] named "session" that fails while the latest
// session reported by current ended in the failed state. A new Connect
// clears it.
func Session(current func() (observe.SessionInfo, bool)) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			s, ok := current()
			if ok && s.State == "failed" {
				return fmt.Errorf("session %s on %s failed", s.ID, s.Provider)
			}
			return nil
		},
	}
}
