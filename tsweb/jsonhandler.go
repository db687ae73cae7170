// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tsweb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"
)

type response struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// HTTPError is an error with a user-visible message and HTTP status code.
type HTTPError struct {
	Code int    // HTTP response code to send to client; 0 means 500
	Msg  string // Response body to send to client
	Err  error  // Detailed error to log on the server
}

func (e HTTPError) Error() string { return fmt.Sprintf("httperror{%d, %q, %v}", e.Code, e.Msg, e.Err) }
func (e HTTPError) Unwrap() error { return e.Err }

// Error returns an HTTPError containing the given information.
func Error(code int, msg string, err error) HTTPError {
	return HTTPError{Code: code, Msg: msg, Err: err}
}

// JSONHandlerFunc is an http.Handler that writes JSON responses of the form
// {"status": "success", "data": ...} to the client.
//
// Return an HTTPError to show an error message, otherwise JSONHandlerFunc
// only reports "internal server error" to the client with status code 500.
type JSONHandlerFunc func(r *http.Request) (status int, data any, err error)

// ServeHTTP implements http.Handler.
func (fn JSONHandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status, data, err := fn(r)
	var resp *response
	var herr HTTPError
	switch {
	case errors.As(err, &herr):
		resp = &response{Status: "error", Error: herr.Msg, Data: data}
		status = herr.Code
		if status == 0 {
			status = http.StatusInternalServerError
		}
	case err != nil, status == 0:
		status = http.StatusInternalServerError
		resp = &response{Status: "error", Error: "internal server error"}
	default:
		resp = &response{Status: "success", Data: data}
	}

	b, jerr := json.Marshal(resp)
	if jerr != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"status":"error","error":"json marshal error"}`))
		return
	}

	if AcceptsEncoding(r, "gzip") {
		encb, err := gzipBytes(b)
		if err == nil {
			w.Header().Set("Content-Encoding", "gzip")
			b = encb
		}
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(status)
	w.Write(b)
}

var gzWriterPool sync.Pool // of *gzip.Writer

// gzipBytes returns the gzipped encoding of b.
func gzipBytes(b []byte) (zb []byte, err error) {
	var buf bytes.Buffer
	zw, ok := gzWriterPool.Get().(*gzip.Writer)
	if ok {
		zw.Reset(&buf)
	} else {
		zw = gzip.NewWriter(&buf)
	}
	defer gzWriterPool.Put(zw)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
