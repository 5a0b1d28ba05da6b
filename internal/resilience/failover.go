package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/lingo/pkg/provider/s2s"
)

// ErrAllFailed is returned by [Failover.Connect] when every provider failed
// or had an open circuit.
var ErrAllFailed = errors.New("resilience: all providers failed")

// ErrFormatMismatch is returned by [Failover.Add] when a fallback's audio
// formats differ from the primary's. Devices are opened from the primary's
// capabilities before the remote is chosen, so every entry must agree.
var ErrFormatMismatch = errors.New("resilience: audio format mismatch")

type entry struct {
	name     string
	provider s2s.Provider
	breaker  *Breaker
}

// Failover implements [s2s.Provider] by connecting through the first
// provider whose breaker is closed. Only transport failures count against a
// breaker and move on to the next provider; any other error is returned as
// is.
type Failover struct {
	cfg     BreakerConfig
	entries []entry
}

var _ s2s.Provider = (*Failover)(nil)

// NewFailover creates a [Failover] with primary as the preferred provider.
// cfg.Name and cfg.Counts are set per entry.
func NewFailover(primary s2s.Provider, cfg BreakerConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.entries = append(f.entries, f.newEntry(primary))
	return f
}

func (f *Failover) newEntry(p s2s.Provider) entry {
	cfg := f.cfg
	cfg.Name = p.Capabilities().Name
	cfg.Counts = isTransport
	return entry{name: cfg.Name, provider: p, breaker: NewBreaker(cfg)}
}

// isTransport reports whether err is a network-level failure. Cancellation
// by the caller is not the remote's fault.
func isTransport(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, s2s.ErrTransport)
}

// Add registers a fallback provider, tried after the ones already added.
func (f *Failover) Add(p s2s.Provider) error {
	want, got := f.entries[0].provider.Capabilities(), p.Capabilities()
	if want.InputFormat != got.InputFormat || want.OutputFormat != got.OutputFormat {
		return fmt.Errorf("%w: %s uses %s/%s, %s uses %s/%s", ErrFormatMismatch,
			want.Name, want.InputFormat, want.OutputFormat,
			got.Name, got.InputFormat, got.OutputFormat)
	}
	f.entries = append(f.entries, f.newEntry(p))
	return nil
}

// Capabilities returns the primary's capabilities.
func (f *Failover) Capabilities() s2s.Capabilities {
	return f.entries[0].provider.Capabilities()
}

// Breaker returns the breaker guarding the provider called name, or nil.
func (f *Failover) Breaker(name string) *Breaker {
	for i := range f.entries {
		if f.entries[i].name == name {
			return f.entries[i].breaker
		}
	}
	return nil
}

// Connect opens a session on the first healthy provider.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var lastErr error
	for _, e := range f.entries {
		var sess s2s.SessionHandle
		err := e.breaker.Do(func() error {
			var err error
			sess, err = e.provider.Connect(ctx, cfg)
			return err
		})
		switch {
		case err == nil:
			return sess, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping provider (circuit open)", "provider", e.name)
		case !isTransport(err):
			return nil, err
		default:
			slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	// Wrap ErrTransport as well so callers classify this as a connection
	// failure.
	return nil, fmt.Errorf("%w: %w: %w", ErrAllFailed, s2s.ErrTransport, lastErr)
}
