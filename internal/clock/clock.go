// Package clock abstracts wall time so poll loops can be driven by tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock supplies the current time and a context-aware sleep.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Sleep blocks for d, returning early if the context is cancelled.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manual is a deterministic clock. Sleep advances the clock instantly and
// runs the optional hook, letting tests change shared state between polls.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	hook   func(n int)
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep records d, advances the clock, and calls the hook with the number of
// sleeps so far.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.sleeps = append(m.sleeps, d)
	n := len(m.sleeps)
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

// Advance moves the clock forward without recording a sleep.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// OnSleep registers a callback invoked after every Sleep.
func (m *Manual) OnSleep(fn func(n int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// Sleeps returns the durations passed to Sleep so far.
func (m *Manual) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.sleeps...)
}
