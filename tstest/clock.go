// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"sync"
	"time"
)

// ClockOpts is used to configure the initial settings for a Clock. Once the
// settings are configured as desired, call NewClock to get the resulting Clock.
type ClockOpts struct {
	// Start is the starting time for the Clock. It is also the value that
	// will be returned by the first call to Clock.Now. If you are passing a
	// value here, set an explicit timezone. The default time is
	// 2020-01-01T00:00:00Z.
	Start time.Time

	// Step is the amount of time the Clock will advance whenever Clock.Now is
	// called. If set to zero, the Clock will only advance when Clock.Advance is
	// called.
	Step time.Duration
}

// NewClock creates a Clock with the specified settings. To create a
// Clock with only the default settings, new(Clock) is equivalent.
func NewClock(co ClockOpts) *Clock {
	c := &Clock{start: co.Start, step: co.Step}
	c.init()
	return c
}

// Clock is a testing clock that only moves when told to: on every call to
// Advance, and by Step on every call to Now. It implements tstime.Clock.
type Clock struct {
	start time.Time

	initOnce sync.Once
	mu       sync.Mutex

	step time.Duration
	// present is the last value returned by Now (and will be returned again
	// by PeekNow).
	present time.Time
	// skipStep indicates that the next call to Now should not add step to
	// present. This occurs after initialization and after Advance.
	skipStep bool
}

func (c *Clock) init() {
	c.initOnce.Do(func() {
		if c.start.IsZero() {
			c.start = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)
		}
		c.present = c.start
		c.skipStep = true
	})
}

// Now returns the virtual clock's current time, and advances it
// according to its step configuration.
func (c *Clock) Now() time.Time {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.skipStep {
		c.skipStep = false
	} else {
		c.present = c.present.Add(c.step)
	}
	return c.present
}

// PeekNow returns the last time reported by Now. If Now has never been
// called, PeekNow returns the same value as GetStart.
func (c *Clock) PeekNow() time.Time {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.present
}

// Advance moves simulated time forward or backwards by a relative amount.
// The next call to Now returns the new time without adding a step.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipStep = true
	c.present = c.present.Add(d)
	return c.present
}

// AdvanceTo moves simulated time to a new absolute value.
func (c *Clock) AdvanceTo(t time.Time) {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipStep = true
	c.present = t
}

// GetStart returns the initial simulated time when this Clock was created.
func (c *Clock) GetStart() time.Time {
	c.init()
	return c.start
}
