package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when the data from a streaming channel
// is no longer needed (e.g., a participant's input stream after their session
// sink has shut down).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
