package audio

// Drain reads from ch until it is closed, discarding all values. Use it to
// release a provider goroutine whose output is no longer wanted, e.g. a TTS
// audio channel after the session was cancelled.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
