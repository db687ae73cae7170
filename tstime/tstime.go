// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tstime defines time utilities shared by the rendezvous server.
package tstime

import "time"

// Clock offers the subset of the std/time package the server needs. It is
// implemented by StdClock and by tstest.Clock for deterministic tests.
//
// Times returned by Now are only compared with each other; the
// implementation must be monotonic (time.Now carries a monotonic reading).
type Clock interface {
	// Now returns the current time, as in time.Now.
	Now() time.Time
}

// StdClock is a simple implementation of Clock using the relevant
// functions in the std/time package.
type StdClock struct{}

// Now calls time.Now.
func (StdClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t according to c.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
