package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/lingo/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Scheduler places decoded chunks on an [Output] timeline.
//
// Each chunk starts at max(cursor, clock now) and advances the cursor by its
// duration, so consecutive chunks of a turn are gapless and never overlap.
// [Scheduler.StopAll] is the hard interruption: it stops every active source
// and rewinds the cursor.
//
// The session controller drives a Scheduler from a single goroutine; the
// mutex only guards against the completion watchers it spawns.
type Scheduler struct {
	out Output

	mu     sync.Mutex
	next   time.Duration
	active map[uint64]Source
	closed bool

	ended chan uint64
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewScheduler returns a scheduler that plays on out.
func NewScheduler(out Output) *Scheduler {
	return &Scheduler{
		out:    out,
		active: make(map[uint64]Source),
		ended:  make(chan uint64, 16),
		done:   make(chan struct{}),
	}
}

// Schedule queues buf to start right after the previously scheduled chunk, or
// now if the timeline has fallen behind the clock. It returns the start
// instant on the output clock. Empty buffers are accepted and occupy no time.
func (s *Scheduler) Schedule(buf *audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	start := max(s.next, s.out.Now())
	if buf.Frames() == 0 {
		return start, nil
	}
	src, err := s.out.Schedule(buf, start)
	if err != nil {
		return 0, fmt.Errorf("playback: schedule: %w", err)
	}
	s.next = start + buf.Duration()
	s.active[src.ID()] = src

	s.wg.Add(1)
	go s.watch(src)
	return start, nil
}

// watch removes src from the active set when it finishes on its own and
// reports its ID on Ended.
func (s *Scheduler) watch(src Source) {
	defer s.wg.Done()
	select {
	case <-src.Done():
	case <-s.done:
		return
	}

	s.mu.Lock()
	_, natural := s.active[src.ID()]
	delete(s.active, src.ID())
	s.mu.Unlock()
	if !natural {
		// Removed by StopAll.
		return
	}
	select {
	case s.ended <- src.ID():
	default:
		// Nobody is listening closely; the set is already up to date.
	}
}

// Ended delivers the IDs of sources that completed naturally. Delivery is
// best effort: IDs are dropped when the channel is full.
func (s *Scheduler) Ended() <-chan uint64 { return s.ended }

// StopAll stops every active source, empties the set, and resets the
// timeline cursor to zero, so the next chunk starts at the clock's current
// instant. Errors from sources that already finished are ignored. It returns
// the number of sources that were active.
func (s *Scheduler) StopAll() int {
	s.mu.Lock()
	srcs := make([]Source, 0, len(s.active))
	for id, src := range s.active {
		srcs = append(srcs, src)
		delete(s.active, id)
	}
	s.next = 0
	s.mu.Unlock()

	for _, src := range srcs {
		_ = src.Stop()
	}
	return len(srcs)
}

// Active returns the number of sources that are scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the timeline cursor: the instant at which the next chunk
// would start if the clock has not overtaken it.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close stops every source and waits for the completion watchers to exit.
// The Output itself is not closed. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.StopAll()
	close(s.done)
	s.wg.Wait()
}
