// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tstest provides utilities for use in unit tests.
package tstest

import (
	"sync"
	"testing"

	"infinit.io/longinus/types/logger"
)

// WhileTestRunningLogger returns a logger.Logf that logs to t.Logf until the
// test finishes, at which point it no longer logs anything. Servers under
// test run goroutines that may still log after the test body returned.
func WhileTestRunningLogger(t testing.TB) logger.Logf {
	var (
		mu   sync.Mutex
		done bool
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		done = true
	})
	return func(format string, args ...any) {
		t.Helper()
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		t.Logf(format, args...)
	}
}
