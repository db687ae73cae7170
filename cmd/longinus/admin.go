// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"expvar"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"infinit.io/longinus/net/rendezvous"
	"infinit.io/longinus/net/rendezvous/status"
	"infinit.io/longinus/punch"
	"infinit.io/longinus/tsweb"
	"infinit.io/longinus/tsweb/promvarz"
	"infinit.io/longinus/types/logger"
)

var publishOnce sync.Once

// newAdminServer returns an HTTP server for the admin surface of srv. Its
// internal errors go to logf.
func newAdminServer(srv *rendezvous.Server, acl *tsweb.AccessList, logf logger.Logf) *http.Server {
	return &http.Server{
		Handler:           newAdminMux(srv, acl),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(logger.WithPrefix(logf, "admin: ")),
	}
}

// newAdminMux returns the read-only admin surface for srv.
func newAdminMux(srv *rendezvous.Server, acl *tsweb.AccessList) *http.ServeMux {
	publishOnce.Do(func() {
		expvar.Publish("longinus", srv.ExpVar())
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		srv.Collector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	debug := tsweb.Debugger(mux, acl)
	debug.KV("Listening on", srv.LocalAddr())
	debug.KVFunc("Counters", func() any { return srv.Counters() })
	debug.Handle("sessions", "Sessions (JSON)", sessionsHandler(srv))
	debug.Section(func(w io.Writer, r *http.Request) {
		writeSessionTable(w, srv.Status())
	})

	mux.Handle("/metrics", acl.Protected(tsweb.Compressing(promvarz.Handler(reg))))
	debug.URL("/metrics", "Metrics (Prometheus)")
	return mux
}

// sessionsHandler serves the latest status snapshot of srv. The session
// query parameter restricts the output to one session.
func sessionsHandler(srv *rendezvous.Server) http.Handler {
	return tsweb.JSONHandlerFunc(func(r *http.Request) (int, any, error) {
		st := srv.Status()
		q := r.FormValue("session")
		if q == "" {
			return http.StatusOK, st, nil
		}
		sid, err := punch.ParseSessionID(q)
		if err != nil {
			return 0, nil, tsweb.Error(http.StatusBadRequest, err.Error(), err)
		}
		for _, s := range st.Sessions {
			if s.ID == sid {
				return http.StatusOK, s, nil
			}
		}
		return 0, nil, tsweb.Error(http.StatusNotFound, "no such session", nil)
	})
}

func writeSessionTable(w io.Writer, st *status.ServerStatus) {
	fmt.Fprintf(w, "<h2>Sessions (%d)</h2>", len(st.Sessions))
	if len(st.Sessions) == 0 {
		return
	}
	io.WriteString(w, "<table><tr><th>Session</th><th>State</th><th>Peers</th><th>Created</th></tr>")
	for _, s := range st.Sessions {
		fmt.Fprintf(w, `<tr><td><a href="/debug/sessions?session=%s">%s</a></td><td>%v</td><td>%d</td><td>%s</td></tr>`,
			s.ID, s.ID.ShortString(), s.State, len(s.Peers), s.CreatedAt.Format("15:04:05"))
	}
	io.WriteString(w, "</table>")
}
