// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-key sliding-window rate limiting for
// the agent's two throttles: handshake and pairing attempts per client,
// and command executions per session.
//
// A sliding window is exact rather than approximate: the limiter keeps
// the timestamps of recent admissions per key and counts those inside
// the window, so a burst right before a window boundary cannot double
// the effective rate the way a fixed-window counter would.
package ratelimit

import (
	"sync"
	"time"

	"github.com/Bazza1982/lily-remote/lib/clock"
)

// Limiter is a thread-safe sliding-window rate limiter keyed by an
// arbitrary string (client ID, session ID).
type Limiter struct {
	limit  int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	history map[string][]time.Time
}

// New creates a limiter that admits at most limit events per key within
// any window-sized interval. A nil clk uses the real clock.
func New(limit int, window time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		clock:   clk,
		history: make(map[string][]time.Time),
	}
}

// Allow records an attempt for key and reports whether it is admitted.
// When the attempt is rejected, retryAfter is how long the caller must
// wait before the oldest in-window admission ages out and a retry can
// succeed.
//
// Rejected attempts are not recorded: hammering a closed limiter does
// not push the retry horizon further out.
func (l *Limiter) Allow(key string) (admitted bool, retryAfter time.Duration) {
	return l.AllowN(key, 1)
}

// AllowN is Allow for a batch of n events, admitted atomically: either
// the whole batch fits in the window or none of it is recorded. Used
// for command batches, where partial admission is disallowed.
func (l *Limiter) AllowN(key string, n int) (admitted bool, retryAfter time.Duration) {
	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.history[key]
	// Drop admissions that have aged out of the window. The slice is
	// append-ordered, so the live region is a suffix.
	live := 0
	for live < len(recent) && !recent[live].After(cutoff) {
		live++
	}
	recent = recent[live:]

	if len(recent)+n > l.limit {
		l.history[key] = recent
		if len(recent) == 0 {
			// The batch can never fit; nothing will age out to help.
			return false, l.window
		}
		oldest := recent[0]
		return false, oldest.Add(l.window).Sub(now)
	}

	for range n {
		recent = append(recent, now)
	}
	l.history[key] = recent
	return true, 0
}

// Reset forgets all recorded attempts for key. Used when a session ends
// so a new session for the same client starts with a clean window.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.history, key)
}

// Prune removes keys whose entire history has aged out of the window.
// Call periodically to keep memory bounded under key churn.
func (l *Limiter) Prune() int {
	cutoff := l.clock.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, recent := range l.history {
		if len(recent) == 0 || !recent[len(recent)-1].After(cutoff) {
			delete(l.history, key)
			removed++
		}
	}
	return removed
}
