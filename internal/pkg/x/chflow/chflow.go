// Package chflow provides context-aware helpers for channel sends and
// receives, so blocking channel operations always honor cancellation.
package chflow

import "context"

// Receive waits for a value from ch or for ctx to be canceled. The boolean is
// false when the context ended first or the channel was closed.
func Receive[T any](ctx context.Context, ch <-chan T) (T, bool) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, false
	case v, ok := <-ch:
		return v, ok
	}
}

// Send delivers v to ch unless ctx is canceled first. It reports whether the
// send happened.
func Send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- v:
		return true
	}
}
