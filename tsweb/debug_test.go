// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tsweb

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
)

func TestDebugger(t *testing.T) {
	mux := http.NewServeMux()

	dbg1 := Debugger(mux, testAccess)
	if dbg1 == nil {
		t.Fatal("didn't get a debugger from mux")
	}

	dbg2 := Debugger(mux, testAccess)
	if dbg2 != dbg1 {
		t.Fatal("Debugger returned different debuggers for the same mux")
	}

	t.Run("cpu_pprof", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping second long test")
		}
		switch runtime.GOOS {
		case "linux", "darwin":
		default:
			t.Skipf("skipping test on %v", runtime.GOOS)
		}
		req := httptest.NewRequest("GET", "/debug/pprof/profile?seconds=1", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		res := rec.Result()
		if res.StatusCode != 200 {
			t.Errorf("unexpected %v", res.Status)
		}
	})
}

func get(m http.Handler, path, srcIP string) (int, string) {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = srcIP + ":1234"
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	return rec.Result().StatusCode, rec.Body.String()
}

const (
	adminIP = "192.0.2.10"
	pubIP   = "8.8.8.8"
)

var testAccess = mustAccessList("192.0.2.0/24")

func mustAccessList(entries ...string) *AccessList {
	a, err := ParseAccessList(entries)
	if err != nil {
		panic(err)
	}
	return a
}

func TestDebuggerKV(t *testing.T) {
	mux := http.NewServeMux()
	dbg := Debugger(mux, testAccess)
	dbg.KV("Donuts", 42)
	dbg.KV("Secret code", "hunter2")
	val := "red"
	dbg.KVFunc("Condition", func() any { return val })

	code, _ := get(mux, "/debug/", pubIP)
	if code != 403 {
		t.Fatalf("debug access wasn't denied, got %v", code)
	}

	code, body := get(mux, "/debug/", adminIP)
	if code != 200 {
		t.Fatalf("debug access failed, got %v", code)
	}
	for _, want := range []string{"Donuts", "42", "Secret code", "hunter2", "Condition", "red"} {
		if !strings.Contains(body, want) {
			t.Errorf("want %q in output, not found", want)
		}
	}

	val = "green"
	code, body = get(mux, "/debug/", adminIP)
	if code != 200 {
		t.Fatalf("debug access failed, got %v", code)
	}
	for _, want := range []string{"Condition", "green"} {
		if !strings.Contains(body, want) {
			t.Errorf("want %q in output, not found", want)
		}
	}
}

func TestDebuggerURL(t *testing.T) {
	mux := http.NewServeMux()
	dbg := Debugger(mux, testAccess)
	dbg.URL("https://example.com/runbook", "Runbook")

	code, body := get(mux, "/debug/", adminIP)
	if code != 200 {
		t.Fatalf("debug access failed, got %v", code)
	}
	for _, want := range []string{"https://example.com/runbook", "Runbook"} {
		if !strings.Contains(body, want) {
			t.Errorf("want %q in output, not found", want)
		}
	}
}

func TestDebuggerSection(t *testing.T) {
	mux := http.NewServeMux()
	dbg := Debugger(mux, testAccess)
	dbg.Section(func(w io.Writer, r *http.Request) {
		fmt.Fprintf(w, "Test output %v", r.RemoteAddr)
	})

	code, body := get(mux, "/debug/", adminIP)
	if code != 200 {
		t.Fatalf("debug access failed, got %v", code)
	}
	want := `Test output 192.0.2.10:1234`
	if !strings.Contains(body, want) {
		t.Errorf("want %q in output, not found", want)
	}
}

func TestDebuggerHandle(t *testing.T) {
	mux := http.NewServeMux()
	dbg := Debugger(mux, testAccess)
	dbg.Handle("check", "Consistency check", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Test output %v", r.RemoteAddr)
	}))

	code, body := get(mux, "/debug/", adminIP)
	if code != 200 {
		t.Fatalf("debug access failed, got %v", code)
	}
	for _, want := range []string{"/debug/check", "Consistency check"} {
		if !strings.Contains(body, want) {
			t.Errorf("want %q in output, not found", want)
		}
	}

	code, _ = get(mux, "/debug/check", pubIP)
	if code != 403 {
		t.Fatal("/debug/check should be protected, but isn't")
	}

	code, body = get(mux, "/debug/check", adminIP)
	if code != 200 {
		t.Fatal("/debug/check denied debug access")
	}
	want := "Test output " + adminIP
	if !strings.Contains(body, want) {
		t.Errorf("want %q in output, not found", want)
	}
}

func TestDebuggerEscapes(t *testing.T) {
	mux := http.NewServeMux()
	dbg := Debugger(mux, testAccess)
	dbg.KV("<b>key</b>", "<script>")
	dbg.URL("/debug/x?a=1&b=2", "a <desc>")

	_, body := get(mux, "/debug/", adminIP)
	for _, want := range []string{
		"&lt;b&gt;key&lt;/b&gt;:</b> &lt;script&gt;",
		`href="/debug/x?a=1&amp;b=2"`,
		"(a &lt;desc&gt;)",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("want %q in output, not found", want)
		}
	}
	if strings.Contains(body, "<script>") {
		t.Error("unescaped value in output")
	}
}

func TestDebuggerLoopback(t *testing.T) {
	mux := http.NewServeMux()
	Debugger(mux, nil)

	code, body := get(mux, "/debug/", "127.0.0.1")
	if code != 200 {
		t.Fatalf("loopback debug access failed, got %v", code)
	}
	for _, want := range []string{"debug</h1>", "/debug/vars", "/debug/pprof/", "Uptime"} {
		if !strings.Contains(body, want) {
			t.Errorf("want %q in output, not found", want)
		}
	}
	if code, _ := get(mux, "/debug/vars", adminIP); code != 403 {
		t.Errorf("/debug/vars with nil access list: got %v; want 403", code)
	}
	if code, _ := get(mux, "/debug/nope", "127.0.0.1"); code != 404 {
		t.Errorf("/debug/nope: got %v; want 404", code)
	}
	// No mutating endpoints are registered by default.
	if code, _ := get(mux, "/debug/gc", "127.0.0.1"); code != 404 {
		t.Errorf("/debug/gc: got %v; want 404", code)
	}
	if strings.Contains(body, "goroutine?debug") {
		t.Error("unexpected goroutine links in index")
	}
}
