// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package rendezvous implements a UDP hole-punching rendezvous server.
//
// Two peers that share a session id, obtained out of band, each REGISTER
// with the server. Once both have, the server sends each of them a PAIR
// carrying the other's observed and self-reported endpoints, and
// retransmits it until it is acknowledged or the retry budget runs out.
//
// All session state is owned by a single dispatcher goroutine.
package rendezvous

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"infinit.io/longinus/net/rendezvous/status"
	"infinit.io/longinus/punch"
	"infinit.io/longinus/tstime"
	"infinit.io/longinus/types/logger"
)

// ErrServerClosed is returned by Listen and Serve after Close.
var ErrServerClosed = errors.New("rendezvous: server closed")

// readErrorPause is how long Serve backs off after an unexpected socket
// read error.
const readErrorPause = 100 * time.Millisecond

// Server is a rendezvous server. Create one with NewServer, then call
// Listen and Serve, or ListenAndServe.
type Server struct {
	cfg   Config
	logf  logger.Logf // unthrottled, for lifecycle events
	plogf logger.Logf // rate limited, for per-packet events
	vlogf logger.Logf
	clock tstime.Clock
	m     *metrics
	coll  *collector

	// Owned by the dispatcher goroutine.
	coord *coordinator
	lim   *sourceLimiter
	wbuf  []byte

	mu      sync.Mutex
	pc      *net.UDPConn
	is6     bool // pc is an AF_INET6 socket, possibly dual-stack
	dstCtl  bool // destination address control messages are enabled on pc
	serving bool
	closed  bool

	status atomic.Pointer[status.ServerStatus]
}

// NewServer returns a Server for cfg. It does not bind a socket.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	logf := cfg.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf = logger.WithPrefix(logf, "rendezvous: ")
	plogf := logger.RateLimitedFn(logf, time.Minute, 10, 100)
	vlogf := logger.Logf(logger.Discard)
	if cfg.Verbose {
		vlogf = plogf
	}

	m := newMetrics()
	s := &Server{
		cfg:   cfg,
		logf:  logf,
		plogf: plogf,
		vlogf: vlogf,
		clock: cfg.Clock,
		m:     m,
		coll:  newCollector(m),
		coord: newCoordinator(cfg, m, plogf, vlogf),
		lim:   newSourceLimiter(cfg.SourceRate, cfg.SourceBurst, cfg.SourceTableSize),
	}
	return s, nil
}

// Listen binds the UDP socket of s.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.pc != nil {
		return errors.New("rendezvous: already listening")
	}

	network, ip := s.cfg.listenNetwork()
	laddr := &net.UDPAddr{Port: int(s.cfg.ListenPort)}
	if ip.IsValid() {
		laddr.IP = ip.AsSlice()
	}
	pc, err := net.ListenUDP(network, laddr)
	if err != nil {
		return fmt.Errorf("rendezvous: listen on %v: %w", laddr, err)
	}
	s.pc = pc
	s.is6 = pc.LocalAddr().(*net.UDPAddr).IP.To4() == nil

	// Replies must leave from the address requests arrive on. That is
	// only in question when bound to a wildcard address.
	if !ip.IsValid() || ip.IsUnspecified() {
		if s.is6 {
			err = ipv6.NewPacketConn(pc).SetControlMessage(ipv6.FlagDst, true)
		} else {
			err = ipv4.NewPacketConn(pc).SetControlMessage(ipv4.FlagDst, true)
		}
		if err != nil {
			s.logf("destination control messages unavailable, replies use the default source address: %v", err)
		} else {
			s.dstCtl = true
		}
	}
	s.status.Store(&status.ServerStatus{
		ListenAddr: pc.LocalAddr().(*net.UDPAddr).AddrPort(),
		Updated:    s.clock.Now(),
		Sessions:   []status.Session{},
	})
	s.logf("listening on %v", pc.LocalAddr())
	return nil
}

// LocalAddr returns the bound address of s, or the zero value before
// Listen.
func (s *Server) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return netip.AddrPort{}
	}
	return s.pc.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close closes the socket of s, which makes Serve return.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.pc != nil {
		return s.pc.Close()
	}
	return nil
}

// ListenAndServe calls Listen, then Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the dispatcher until ctx is done or s is closed, in which
// case it returns nil. Listen must be called first. Serve may only be
// called once.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	pc := s.pc
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrServerClosed
	case pc == nil:
		s.mu.Unlock()
		return errors.New("rendezvous: Serve called before Listen")
	case s.serving:
		s.mu.Unlock()
		return errors.New("rendezvous: Serve called twice")
	}
	s.serving = true
	s.mu.Unlock()

	start := s.clock.Now()
	defer func() {
		logger.NoRateLimit(s.plogf)("stopped after %v: %v", tstime.Since(s.clock, start).Round(time.Millisecond), s.m.counters())
	}()

	// Closing the socket is what breaks the read below.
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	buf := make([]byte, punch.MaxMessageLen(s.cfg.MaxEndpoints)+1)
	var oob []byte
	if s.dstCtl {
		oob = make([]byte, max(len(ipv4.NewControlMessage(ipv4.FlagDst)), len(ipv6.NewControlMessage(ipv6.FlagDst))))
	}

	var nextTick time.Time // zero: tick right away
	budget := s.cfg.TickBudget
	for {
		now := s.clock.Now()
		if budget <= 0 || !now.Before(nextTick) {
			nextTick = s.tick(now)
			budget = s.cfg.TickBudget
		}
		if err := pc.SetReadDeadline(time.Now().Add(nextTick.Sub(now))); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rendezvous: set read deadline: %w", err)
		}

		n, oobn, _, from, err := pc.ReadMsgUDPAddrPort(buf, oob)
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
			case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
				return nil
			default:
				s.plogf("read: %v", err)
				time.Sleep(readErrorPause)
			}
			continue
		}
		budget--
		s.handleDatagram(s.clock.Now(), buf[:n], s.localAddr(from, oob[:oobn]), from)
		// The datagram may have armed a retransmission due before nextTick.
		if t, ok := s.coord.nextDeadline(); ok && t.Before(nextTick) {
			nextTick = t
		}
	}
}

// tick runs one scheduler tick and returns when the next one is due.
func (s *Server) tick(now time.Time) time.Time {
	s.coord.tick(now)
	s.flush()
	s.lim.sweep()
	s.publishStatus(now)

	next := now.Add(s.cfg.SweepInterval)
	if t, ok := s.coord.nextDeadline(); ok && t.Before(next) {
		next = t
	}
	return next
}

func (s *Server) handleDatagram(now time.Time, b []byte, local netip.Addr, from netip.AddrPort) {
	s.m.packetsIn.Add(1)
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	if len(b) > punch.MaxMessageLen(s.cfg.MaxEndpoints) {
		s.m.drop(dropOversize)
		return
	}
	if !s.lim.allow(now, from.Addr()) {
		s.m.drop(dropRateLimited)
		return
	}
	msg, err := punch.Parse(b, s.cfg.MaxEndpoints)
	if err != nil {
		s.m.drop(dropMalformed)
		s.vlogf("from %v: %v", from, err)
		return
	}
	s.coord.handle(now, from, local, msg)
	s.flush()
}

// localAddr returns the destination address of a datagram from its
// control message, or the zero Addr.
func (s *Server) localAddr(from netip.AddrPort, oob []byte) netip.Addr {
	if len(oob) == 0 {
		return netip.Addr{}
	}
	var dst net.IP
	if from.Addr().Is4() {
		var cm ipv4.ControlMessage
		if cm.Parse(oob) != nil {
			return netip.Addr{}
		}
		dst = cm.Dst
	} else {
		var cm ipv6.ControlMessage
		if cm.Parse(oob) != nil {
			return netip.Addr{}
		}
		dst = cm.Dst
	}
	a, _ := netip.AddrFromSlice(dst)
	return a.Unmap()
}

// controlFor returns the control message that makes a datagram leave from
// src, or nil.
func (s *Server) controlFor(src netip.Addr) []byte {
	if !s.dstCtl || !src.IsValid() {
		return nil
	}
	if s.is6 {
		cm := ipv6.ControlMessage{Src: net.IP(src.AsSlice()).To16()}
		return cm.Marshal()
	}
	cm := ipv4.ControlMessage{Src: net.IP(src.AsSlice())}
	return cm.Marshal()
}

// flush sends the messages queued by the coordinator.
func (s *Server) flush() {
	for _, o := range s.coord.drain() {
		s.wbuf = o.msg.AppendMarshal(s.wbuf[:0])
		if _, _, err := s.pc.WriteMsgUDPAddrPort(s.wbuf, s.controlFor(o.src), o.to); err != nil {
			s.m.sendErrors.Add(1)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.plogf("send %v to %v: %v", punch.MessageSummary(o.msg), o.to, err)
			continue
		}
		s.m.packetsOut.Add(1)
	}
}

func (s *Server) publishStatus(now time.Time) {
	s.status.Store(&status.ServerStatus{
		ListenAddr: s.LocalAddr(),
		Updated:    now,
		Counters:   s.m.counters(),
		Sessions:   s.coord.snapshot(),
	})
}

// Status returns the latest snapshot published by the dispatcher. Its
// counters are current; its sessions are as of the last tick, and never nil.
func (s *Server) Status() *status.ServerStatus {
	st := &status.ServerStatus{ListenAddr: s.LocalAddr()}
	if p := s.status.Load(); p != nil {
		*st = *p
	}
	st.Counters = s.m.counters()
	if st.Sessions == nil {
		st.Sessions = []status.Session{}
	}
	return st
}

// Counters returns the current counters of s.
func (s *Server) Counters() status.Counters {
	return s.m.counters()
}

// ExpVar returns the counters of s as an expvar.Var, for publishing with
// expvar.Publish.
func (s *Server) ExpVar() expvar.Var {
	return &s.m.vars
}

// Collector returns a Prometheus collector over the counters of s.
func (s *Server) Collector() prometheus.Collector {
	return s.coll
}
