// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rendezvous

import (
	"cmp"
	"net/netip"
	"slices"
	"time"

	"infinit.io/longinus/net/rendezvous/status"
	"infinit.io/longinus/punch"
	"infinit.io/longinus/types/logger"
)

// outbound is a message queued by the coordinator for the dispatcher to
// send.
type outbound struct {
	to  netip.AddrPort
	src netip.Addr // local address to send from, if known
	msg punch.Message
}

// coordinator drives sessions through PENDING, MATCHED and DONE. It owns
// the registry and the retry scheduler, and is only ever called from the
// dispatcher goroutine. Messages it wants sent are queued and collected
// with drain.
type coordinator struct {
	cfg   Config
	logf  logger.Logf // rate limited
	vlogf logger.Logf // verbose; logger.Discard unless Config.Verbose
	reg   *registry
	sched *scheduler
	m     *metrics

	out []outbound
}

func newCoordinator(cfg Config, m *metrics, logf, vlogf logger.Logf) *coordinator {
	return &coordinator{
		cfg:   cfg,
		logf:  logf,
		vlogf: vlogf,
		reg:   newRegistry(cfg.MaxEndpoints),
		sched: newScheduler(cfg.RetryMax, cfg.RetryAttempts),
		m:     m,
	}
}

// handle processes one decoded datagram from the UDP source from, which
// arrived on local address local (possibly invalid).
func (c *coordinator) handle(now time.Time, from netip.AddrPort, local netip.Addr, msg punch.Message) {
	switch m := msg.(type) {
	case *punch.Register:
		c.handleRegister(now, from, local, m)
	case *punch.Ack:
		c.handleAck(now, from, local, m)
	case *punch.Bye:
		c.handleBye(now, from, local, m)
	case *punch.Probe:
		c.enqueue(from, local, &punch.Observed{Header: m.Header, Endpoint: from})
	default:
		// PAIR, OBSERVED and ERROR only flow from the server.
		c.m.drop(dropUnexpectedType)
		c.vlogf("unexpected %v from %v", punch.MessageSummary(msg), from)
	}
}

func (c *coordinator) handleRegister(now time.Time, from netip.AddrPort, local netip.Addr, m *punch.Register) {
	if s := c.reg.lookup(m.Session); s != nil {
		p := s.peer(m.Peer)
		if p == nil && s.full() {
			c.sendError(from, local, m.Header, punch.ErrCodeSessionFull)
			c.vlogf("session %v: rejected third peer %v from %v", s.id.ShortString(), m.Peer, from)
			return
		}
		if s.state == stateDone {
			c.m.drop(dropSessionDone)
			return
		}
		if p != nil && m.Seq < p.highSeq {
			c.m.drop(dropStale)
			c.vlogf("session %v: stale register seq %d < %d from peer %v", s.id.ShortString(), m.Seq, p.highSeq, p.id)
			return
		}
	}

	s, p, created, changed, err := c.reg.upsert(now, m.Session, m.Peer, from, m.Endpoints)
	if err != nil {
		// Unreachable given the checks above.
		c.logf("session %v: register from %v: %v", m.Session.ShortString(), from, err)
		c.sendError(from, local, m.Header, punch.ErrCodeInternal)
		if s != nil {
			c.finish(now, s, "internal error")
		}
		return
	}
	p.highSeq = max(p.highSeq, m.Seq)
	if local.IsValid() {
		p.local = local
	}
	if created {
		c.m.sessionsActive.Add(1)
		c.vlogf("session %v: pending, peer %v at %v", s.id.ShortString(), p.id, from)
	}

	switch s.state {
	case statePending:
		if !s.full() {
			return
		}
		s.state = stateMatched
		c.vlogf("session %v: matched %v and %v", s.id.ShortString(), s.peers[0].id, s.peers[1].id)
		for _, q := range s.peers {
			c.issuePair(now, s, q)
		}
	case stateMatched:
		if changed {
			c.issuePair(now, s, s.other(p))
		}
	}
}

func (c *coordinator) handleAck(now time.Time, from netip.AddrPort, local netip.Addr, m *punch.Ack) {
	s, p := c.member(from, local, m.Header)
	if p == nil {
		return
	}
	s.touch(now)
	if s.state != stateMatched || p.acked {
		// Duplicate, or nothing outstanding.
		return
	}
	if m.Seq != p.pairSeq {
		c.m.drop(dropStale)
		c.vlogf("session %v: stale ack seq %d != %d from peer %v", s.id.ShortString(), m.Seq, p.pairSeq, p.id)
		return
	}
	p.acked = true
	c.sched.cancel(retryKey{s.id, p.id})
	if s.allAcked() {
		c.finish(now, s, "acknowledged")
	}
}

func (c *coordinator) handleBye(now time.Time, from netip.AddrPort, local netip.Addr, m *punch.Bye) {
	s, p := c.member(from, local, m.Header)
	if p == nil {
		return
	}
	s.touch(now)
	c.finish(now, s, "bye from "+p.id.String())
}

// member resolves the session and peer named by an ACK or BYE. It answers
// UnknownSession for absent sessions and drops messages from non-members.
func (c *coordinator) member(from netip.AddrPort, local netip.Addr, h punch.Header) (*session, *peerRecord) {
	s := c.reg.lookup(h.Session)
	if s == nil {
		c.sendError(from, local, h, punch.ErrCodeUnknownSession)
		return nil, nil
	}
	p := s.peer(h.Peer)
	if p == nil {
		c.m.drop(dropNotMember)
		return s, nil
	}
	return s, p
}

// issuePair synthesizes a new PAIR for recipient carrying the other peer's
// current endpoint set, sends it, and arms its retransmission. Any
// outstanding PAIR for recipient is superseded.
func (c *coordinator) issuePair(now time.Time, s *session, recipient *peerRecord) {
	recipient.pairSeq++
	recipient.acked = false
	c.sched.arm(now, retryKey{s.id, recipient.id}, recipient.pairSeq, c.cfg.RetryInitial)
	c.sendPair(s, recipient)
}

func (c *coordinator) sendPair(s *session, recipient *peerRecord) {
	remote := s.other(recipient)
	c.enqueue(recipient.observed, recipient.local, &punch.Pair{
		Header:    punch.Header{Session: s.id, Peer: recipient.id},
		Remote:    remote.id,
		Seq:       recipient.pairSeq,
		Endpoints: remote.endpoints(),
	})
}

// finish moves s to DONE and stops all its retransmissions.
func (c *coordinator) finish(now time.Time, s *session, reason string) {
	if s.state == stateDone {
		return
	}
	for _, p := range s.peers {
		c.sched.cancel(retryKey{s.id, p.id})
	}
	s.state = stateDone
	s.doneAt = now
	s.doneReason = reason
	c.m.sessionsActive.Add(-1)
	c.m.sessionsCompleted.Add(1)
	c.vlogf("session %v: done: %s", s.id.ShortString(), reason)
}

// tick retransmits due PAIRs, gives up on exhausted ones, and expires
// idle sessions.
func (c *coordinator) tick(now time.Time) {
	for _, ev := range c.sched.tick(now) {
		s := c.reg.lookup(ev.key.session)
		if s == nil || s.state != stateMatched {
			continue
		}
		p := s.peer(ev.key.peer)
		if p == nil || p.pairSeq != ev.seq {
			continue
		}
		if ev.exhausted {
			c.unreachable(now, s, p)
			continue
		}
		c.m.retriesEmitted.Add(1)
		c.sendPair(s, p)
	}

	for _, s := range c.reg.expire(now, c.cfg.IdleTimeout, c.cfg.GraceTimeout) {
		if s.state == stateDone {
			continue
		}
		for _, p := range s.peers {
			c.sched.cancel(retryKey{s.id, p.id})
		}
		c.m.sessionsActive.Add(-1)
		c.m.sessionsExpired.Add(1)
		c.vlogf("session %v: expired while %v", s.id.ShortString(), s.state.status())
	}
}

// unreachable gives up on p, which never acknowledged its PAIR, and tells
// the other peer if it acknowledged its own.
func (c *coordinator) unreachable(now time.Time, s *session, p *peerRecord) {
	c.logf("session %v: peer %v at %v unreachable after %d retransmissions", s.id.ShortString(), p.id, p.observed, c.cfg.RetryAttempts)
	if q := s.other(p); q != nil && q.acked {
		c.sendError(q.observed, q.local, punch.Header{Session: s.id, Peer: q.id}, punch.ErrCodePeerUnreachable)
	}
	c.finish(now, s, "peer "+p.id.String()+" unreachable")
}

func (c *coordinator) sendError(to netip.AddrPort, src netip.Addr, h punch.Header, code punch.ErrorCode) {
	c.m.errorSent(code)
	c.enqueue(to, src, &punch.Error{Header: h, Code: code})
}

func (c *coordinator) enqueue(to netip.AddrPort, src netip.Addr, msg punch.Message) {
	c.out = append(c.out, outbound{to: to, src: src, msg: msg})
}

// drain returns the queued messages and empties the queue.
func (c *coordinator) drain() []outbound {
	out := c.out
	c.out = nil
	return out
}

// nextDeadline returns when tick next has retransmission work.
func (c *coordinator) nextDeadline() (time.Time, bool) {
	return c.sched.next()
}

// snapshot returns the sessions in the registry, oldest first.
func (c *coordinator) snapshot() []status.Session {
	ss := make([]status.Session, 0, c.reg.len())
	for _, s := range c.reg.sessions {
		st := status.Session{
			ID:           s.id,
			State:        s.state.status(),
			CreatedAt:    s.createdAt,
			LastActivity: s.lastActivity,
			DoneReason:   s.doneReason,
			Peers:        make([]status.Peer, 0, len(s.peers)),
		}
		for _, p := range s.peers {
			st.Peers = append(st.Peers, status.Peer{
				ID:          p.id,
				Endpoints:   p.endpoints(),
				LastSeen:    p.lastSeen,
				RegisterSeq: p.highSeq,
				PairSeq:     p.pairSeq,
				Acked:       p.acked,
				RetriesLeft: max(0, c.sched.remaining(retryKey{s.id, p.id})),
			})
		}
		ss = append(ss, st)
	}
	slices.SortFunc(ss, func(a, b status.Session) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return ss
}
