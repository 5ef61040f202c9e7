// Package testing holds helpers shared by ordersync's unit and integration
// tests.
package testing

import (
	"testing"
	"time"
)

const pollInterval = 5 * time.Millisecond

// poll calls condition until it returns true or window elapses
func poll(condition func() bool, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}

// AssertEventually fails t unless condition holds within timeout
func AssertEventually(t testing.TB, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	if !poll(condition, timeout) {
		t.Fatalf("condition not met within %s: %s", timeout, message)
	}
}

// AssertNever fails t if condition holds at any point during window
func AssertNever(t testing.TB, condition func() bool, window time.Duration, message string) {
	t.Helper()
	if poll(condition, window) {
		t.Fatalf("condition unexpectedly met: %s", message)
	}
}

// Recorder hands values from callbacks running on other goroutines to the
// test goroutine
type Recorder[T any] struct {
	ch chan T
}

func NewRecorder[T any](size int) *Recorder[T] {
	return &Recorder[T]{ch: make(chan T, size)}
}

// Record never blocks; values past the buffer size are dropped
func (r *Recorder[T]) Record(v T) {
	select {
	case r.ch <- v:
	default:
	}
}

// Next waits up to timeout for a value
func (r *Recorder[T]) Next(t testing.TB, timeout time.Duration) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-r.ch:
		return v
	case <-timer.C:
		t.Fatalf("no value recorded within %s", timeout)
	}
	var zero T
	return zero
}

// Drain returns what has been recorded so far
func (r *Recorder[T]) Drain() []T {
	var out []T
	for {
		select {
		case v := <-r.ch:
			out = append(out, v)
		default:
			return out
		}
	}
}
