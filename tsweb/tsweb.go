// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tsweb contains the HTTP plumbing of the admin surface: a debug
// index page, access control for debug endpoints, JSON responses and
// response compression.
package tsweb

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go4.org/mem"
	"go4.org/netipx"
)

var timeStart = time.Now()

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(timeStart).Round(time.Second)
}

// AccessList decides which remote addresses may use debug endpoints.
// Loopback addresses are always allowed.
type AccessList struct {
	allow *netipx.IPSet
}

// ParseAccessList returns an AccessList allowing the given IP addresses
// and CIDR prefixes.
func ParseAccessList(entries []string) (*AccessList, error) {
	var b netipx.IPSetBuilder
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("access list entry %q: %w", e, err)
			}
			b.AddPrefix(p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("access list entry %q: %w", e, err)
		}
		b.Add(ip.Unmap())
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	return &AccessList{allow: set}, nil
}

// Allow reports whether r should be permitted to access debug endpoints.
// A nil AccessList only allows loopback.
func (a *AccessList) Allow(r *http.Request) bool {
	if r.Header.Get("X-Forwarded-For") != "" {
		// TODO: trust X-Forwarded-For from an allowed reverse proxy once
		// the admin surface is deployed behind one.
		return false
	}
	ipStr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip, err := netip.ParseAddr(ipStr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	if ip.IsLoopback() {
		return true
	}
	return a != nil && a.allow.Contains(ip)
}

// Protected wraps h, returning a Handler that enforces a.Allow and
// returns forbidden replies for unauthorized requests.
func (a *AccessList) Protected(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allow(r) {
			http.Error(w, "debug access denied", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// String returns the allowed ranges, for logging.
func (a *AccessList) String() string {
	if a == nil {
		return "loopback"
	}
	var sb strings.Builder
	sb.WriteString("loopback")
	for _, r := range a.allow.Ranges() {
		sb.WriteString(", ")
		if p, ok := r.Prefix(); ok {
			sb.WriteString(p.String())
		} else {
			sb.WriteString(r.String())
		}
	}
	return sb.String()
}

// AcceptsEncoding reports whether r accepts the named encoding
// ("gzip", "br", etc).
func AcceptsEncoding(r *http.Request, enc string) bool {
	h := r.Header.Get("Accept-Encoding")
	if h == "" {
		return false
	}
	if !strings.Contains(h, enc) && !mem.ContainsFold(mem.S(h), mem.S(enc)) {
		return false
	}
	remain := h
	for len(remain) > 0 {
		var part string
		part, remain, _ = strings.Cut(remain, ",")
		part = strings.TrimSpace(part)
		part, _, _ = strings.Cut(part, ";")
		if strings.EqualFold(part, enc) {
			return true
		}
	}
	return false
}
