// Package testutils holds fakes and helpers shared by package tests.
package testutils

import (
	"testing"
	"time"
)

const (
	waitTimeout  = 5 * time.Second
	waitInterval = 2 * time.Millisecond
)

// WaitFor polls cond until it holds or the timeout elapses.
func WaitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(waitInterval)
	}
}

// Never asserts cond stays false for d.
func Never(tb testing.TB, what string, d time.Duration, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			tb.Fatalf("unexpected: %s", what)
		}
		time.Sleep(waitInterval)
	}
}
