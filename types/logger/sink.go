// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package logger

import (
	"fmt"
	"io"
	"os"
)

// OpenSink opens the log destination named by dst: "" or "stderr" for
// standard error, "stdout" for standard output, and anything else as a file
// path that is created if needed and appended to.
//
// Closing the returned WriteCloser never closes the standard streams.
func OpenSink(dst string) (io.WriteCloser, error) {
	switch dst {
	case "", "stderr":
		return nopCloser{os.Stderr}, nil
	case "stdout":
		return nopCloser{os.Stdout}, nil
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log sink: %w", err)
	}
	return f, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
