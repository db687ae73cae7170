// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tsweb

import (
	"expvar"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
)

// DebugHandler serves the /debug/ index page of an admin mux. The page
// lists facts added with KV and KVFunc, then links added with URL and
// Handle, then free-form HTML added with Section.
type DebugHandler struct {
	mux    *http.ServeMux
	access *AccessList

	facts    []fact
	links    []string // rendered <li> elements
	sections []func(io.Writer, *http.Request)
}

// fact is one key/value line of the index page.
type fact struct {
	key   string
	value func() any
}

// Debugger returns the DebugHandler registered on mux at /debug/,
// registering a new one guarded by access if there is none.
func Debugger(mux *http.ServeMux, access *AccessList) *DebugHandler {
	if h, pat := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/"}}); pat == "/debug/" {
		if d, ok := h.(*DebugHandler); ok {
			return d
		}
	}
	d := &DebugHandler{mux: mux, access: access}
	mux.Handle("/debug/", d)

	// Reachable from the pprof index, so not listed.
	mux.Handle("/debug/pprof/profile", access.Protected(http.HandlerFunc(pprof.Profile)))

	d.KVFunc("Uptime", func() any { return Uptime() })
	d.KV("Go", runtime.Version())
	if hostname, err := os.Hostname(); err == nil {
		d.KV("Machine", hostname)
	}
	d.Handle("vars", "expvar", expvar.Handler())
	d.Handle("pprof/", "pprof", http.HandlerFunc(pprof.Index))
	return d
}

func (d *DebugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !d.access.Allow(r) {
		http.Error(w, "debug access denied", http.StatusForbidden)
		return
	}
	if r.URL.Path != "/debug/" {
		// Registered sub-pages are routed by the mux before reaching here.
		http.NotFound(w, r)
		return
	}

	fmt.Fprintf(w, "<html><body><h1>%s debug</h1><ul>", html.EscapeString(filepath.Base(os.Args[0])))
	for _, f := range d.facts {
		fmt.Fprintf(w, "<li><b>%s:</b> %s</li>", html.EscapeString(f.key), html.EscapeString(fmt.Sprint(f.value())))
	}
	for _, l := range d.links {
		io.WriteString(w, l)
	}
	io.WriteString(w, "</ul>")
	for _, s := range d.sections {
		s(w, r)
	}
	io.WriteString(w, "</body></html>")
}

// Handle serves handler at /debug/<slug>, behind the access list of d,
// and links to it from the index.
func (d *DebugHandler) Handle(slug, desc string, handler http.Handler) {
	path := "/debug/" + slug
	d.mux.Handle(path, d.access.Protected(handler))
	d.URL(path, desc)
}

// KV adds a fixed fact to the index.
func (d *DebugHandler) KV(k string, v any) {
	d.facts = append(d.facts, fact{k, func() any { return v }})
}

// KVFunc adds a fact to the index whose value is v() at render time.
func (d *DebugHandler) KVFunc(k string, v func() any) {
	d.facts = append(d.facts, fact{k, v})
}

// URL adds a link to the index.
func (d *DebugHandler) URL(href, desc string) {
	li := fmt.Sprintf(`<li><a href="%s">%s</a>`, html.EscapeString(href), html.EscapeString(href))
	if desc != "" {
		li += " (" + html.EscapeString(desc) + ")"
	}
	d.links = append(d.links, li+"</li>")
}

// Section adds HTML written by f to the end of the index.
func (d *DebugHandler) Section(f func(w io.Writer, r *http.Request)) {
	d.sections = append(d.sections, f)
}
