package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a streaming channel (e.g. a
// capture source's frame channel) still has a producer attached.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
