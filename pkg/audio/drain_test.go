package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/lingo/pkg/audio"
)

func TestDrain_ReturnsWhenClosed(t *testing.T) {
	t.Parallel()
	ch := make(chan int)
	done := make(chan struct{})
	go func() {
		audio.Drain(ch)
		close(done)
	}()

	// Sends must not block while Drain is running.
	for i := range 10 {
		select {
		case ch <- i:
		case <-time.After(time.Second):
			t.Fatalf("send %d blocked", i)
		}
	}
	close(ch)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Drain did not return after close")
	}
}
