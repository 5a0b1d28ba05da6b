package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a producer may still be blocked on
// a channel nobody reads any more (e.g. a provider message stream after the
// session loop has exited).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
