// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tsweb

import (
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
)

// Compressing wraps h, compressing its responses with brotli or gzip when
// the client accepts either.
func Compressing(h http.Handler) http.Handler {
	return compressingHandler{h}
}

type compressingHandler struct {
	h http.Handler
}

func (h compressingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !AcceptsEncoding(r, "br") && !AcceptsEncoding(r, "gzip") {
		h.h.ServeHTTP(w, r)
		return
	}

	cw := &compressingResponseWriter{
		ResponseWriter: w,
		r:              r,
	}
	defer cw.Close()

	h.h.ServeHTTP(cw, r)
}

type compressingResponseWriter struct {
	http.ResponseWriter
	r *http.Request
	w io.Writer
}

// WriteHeader implements http.ResponseWriter.
func (w *compressingResponseWriter) WriteHeader(code int) {
	// A handler that set its own Content-Encoding, or a JSON handler
	// that already compressed, is passed through. This must be checked
	// before the header map is sent.
	if w.w == nil {
		if w.ResponseWriter.Header().Get("Content-Encoding") == "" {
			w.ResponseWriter.Header().Del("Content-Length")
			w.w = brotli.HTTPCompressor(w.ResponseWriter, w.r)
		} else {
			w.w = w.ResponseWriter
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write implements http.ResponseWriter.
func (w *compressingResponseWriter) Write(b []byte) (int, error) {
	if w.w == nil {
		w.WriteHeader(http.StatusOK)
	}
	return w.w.Write(b)
}

// Close implements io.Closer.
func (w *compressingResponseWriter) Close() error {
	if w.w == nil {
		return nil
	}
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// flusher is implemented by gzip and brotli writers. It differs from
// http.Flusher in that it may return an error.
type flusher interface {
	Flush() error
}

// Flush implements http.Flusher.
func (w *compressingResponseWriter) Flush() {
	if f, ok := w.w.(flusher); ok {
		_ = f.Flush()
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
