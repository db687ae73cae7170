// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rendezvous

import (
	"errors"
	"net/netip"
	"slices"
	"time"

	"infinit.io/longinus/net/rendezvous/status"
	"infinit.io/longinus/punch"
)

// usableEndpoint reports whether ep can be handed to a peer as a
// destination.
func usableEndpoint(ep netip.AddrPort) bool {
	a := ep.Addr()
	return a.IsValid() && !a.IsUnspecified() && !a.IsMulticast() && ep.Port() != 0
}

// peerRecord is one member of a session.
type peerRecord struct {
	id punch.PeerID

	// observed is the UDP source of the latest accepted REGISTER. It is
	// always the first endpoint handed to the other peer.
	observed netip.AddrPort
	// local is the server address the latest REGISTER arrived on, if
	// known. Replies to this peer leave from it.
	local netip.Addr
	// self holds the self-reported endpoints in first-seen order. It only
	// grows, and never beyond maxEndpoints-1 entries.
	self []netip.AddrPort

	lastSeen time.Time
	highSeq  uint32 // highest REGISTER sequence accepted

	// pairSeq is the sequence of the latest PAIR addressed to this peer,
	// or zero if none was issued yet. acked reports whether the peer
	// acknowledged it.
	pairSeq uint32
	acked   bool
}

// merge folds a REGISTER's endpoints into p and reports whether the
// endpoint set as seen by the other peer changed.
func (p *peerRecord) merge(observed netip.AddrPort, selfReported []netip.AddrPort, maxEndpoints int) (changed bool) {
	observed = netip.AddrPortFrom(observed.Addr().Unmap(), observed.Port())
	if observed != p.observed {
		p.observed = observed
		changed = true
	}
	for _, ep := range selfReported {
		if len(p.self) >= maxEndpoints-1 {
			break
		}
		ep = netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
		if !usableEndpoint(ep) || ep == p.observed || slices.Contains(p.self, ep) {
			continue
		}
		p.self = append(p.self, ep)
		changed = true
	}
	return changed
}

// endpoints returns the endpoint set of p as carried in a PAIR: the
// observed endpoint first, then the self-reported ones not equal to it.
func (p *peerRecord) endpoints() []netip.AddrPort {
	eps := make([]netip.AddrPort, 0, 1+len(p.self))
	eps = append(eps, p.observed)
	for _, ep := range p.self {
		if ep != p.observed {
			eps = append(eps, ep)
		}
	}
	return eps
}

type sessionState int

const (
	statePending sessionState = iota
	stateMatched
	stateDone
)

func (s sessionState) status() status.SessionState {
	switch s {
	case stateMatched:
		return status.Matched
	case stateDone:
		return status.Done
	}
	return status.Pending
}

// session is a pairing attempt between at most two peers.
type session struct {
	id    punch.SessionID
	peers []*peerRecord // in arrival order; len <= 2
	state sessionState

	createdAt    time.Time
	lastActivity time.Time
	doneAt       time.Time
	doneReason   string
}

func (s *session) peer(id punch.PeerID) *peerRecord {
	for _, p := range s.peers {
		if p.id == id {
			return p
		}
	}
	return nil
}

// other returns the member of s that is not p, or nil.
func (s *session) other(p *peerRecord) *peerRecord {
	for _, q := range s.peers {
		if q != p {
			return q
		}
	}
	return nil
}

func (s *session) full() bool { return len(s.peers) >= 2 }

// touch records activity at now. lastActivity never moves backwards.
func (s *session) touch(now time.Time) {
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

func (s *session) allAcked() bool {
	if !s.full() {
		return false
	}
	for _, p := range s.peers {
		if p.pairSeq == 0 || !p.acked {
			return false
		}
	}
	return true
}

var errSessionFull = errors.New("session already has two peers")

// registry indexes sessions by id. It is owned by the dispatcher
// goroutine and is not safe for concurrent use.
type registry struct {
	maxEndpoints int
	sessions     map[punch.SessionID]*session
}

func newRegistry(maxEndpoints int) *registry {
	return &registry{
		maxEndpoints: maxEndpoints,
		sessions:     make(map[punch.SessionID]*session),
	}
}

func (r *registry) lookup(id punch.SessionID) *session {
	return r.sessions[id]
}

func (r *registry) len() int { return len(r.sessions) }

// upsert creates or refreshes the record of peer pid in session sid, and
// creates the session if it does not exist. It reports whether the
// session was created and whether the peer's endpoint set changed. It
// fails if the session already holds two other peers.
func (r *registry) upsert(now time.Time, sid punch.SessionID, pid punch.PeerID, observed netip.AddrPort, selfReported []netip.AddrPort) (s *session, p *peerRecord, created, changed bool, err error) {
	s = r.sessions[sid]
	if s == nil {
		s = &session{
			id:           sid,
			createdAt:    now,
			lastActivity: now,
		}
		r.sessions[sid] = s
		created = true
	}
	p = s.peer(pid)
	if p == nil {
		if s.full() {
			return s, nil, created, false, errSessionFull
		}
		p = &peerRecord{id: pid}
		s.peers = append(s.peers, p)
	}
	changed = p.merge(observed, selfReported, r.maxEndpoints)
	if now.After(p.lastSeen) {
		p.lastSeen = now
	}
	s.touch(now)
	return s, p, created, changed, nil
}

// expire removes sessions idle for longer than idle, and DONE sessions
// older than grace. It returns the removed sessions.
func (r *registry) expire(now time.Time, idle, grace time.Duration) []*session {
	var removed []*session
	for id, s := range r.sessions {
		var dead bool
		if s.state == stateDone {
			dead = now.Sub(s.doneAt) > grace
		} else {
			dead = now.Sub(s.lastActivity) > idle
		}
		if dead {
			delete(r.sessions, id)
			removed = append(removed, s)
		}
	}
	return removed
}
