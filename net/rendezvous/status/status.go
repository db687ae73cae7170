// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package status contains types describing the state of a rendezvous
// server and the sessions it brokers at a point in time.
package status

import (
	"fmt"
	"net/netip"
	"time"

	"infinit.io/longinus/punch"
)

// SessionState is the phase of a rendezvous session.
type SessionState int

const (
	// Pending indicates one peer has registered and the session waits
	// for the other.
	Pending SessionState = iota
	// Matched indicates both peers have registered and PAIRs are being
	// delivered.
	Matched
	// Done indicates the session finished (acknowledged, torn down, or
	// failed) and is kept only to absorb late duplicates.
	Done
)

func (s SessionState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Matched:
		return "matched"
	case Done:
		return "done"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Counters are the monotonic counters and gauges of a rendezvous server.
type Counters struct {
	PacketsIn         int64 `json:"packets_in"`
	PacketsDropped    int64 `json:"packets_dropped"`
	PacketsOut        int64 `json:"packets_out"`
	SendErrors        int64 `json:"send_errors"`
	SessionsActive    int64 `json:"sessions_active"`
	SessionsCompleted int64 `json:"sessions_completed"`
	SessionsExpired   int64 `json:"sessions_expired"`
	RetriesEmitted    int64 `json:"retries_emitted"`
}

func (c Counters) String() string {
	return fmt.Sprintf("packets_in=%d packets_dropped=%d packets_out=%d send_errors=%d sessions_active=%d sessions_completed=%d sessions_expired=%d retries_emitted=%d",
		c.PacketsIn, c.PacketsDropped, c.PacketsOut, c.SendErrors,
		c.SessionsActive, c.SessionsCompleted, c.SessionsExpired, c.RetriesEmitted)
}

// ServerStatus is an immutable snapshot of a rendezvous server, published
// by its dispatcher.
type ServerStatus struct {
	// ListenAddr is the local UDP address of the server.
	ListenAddr netip.AddrPort `json:"listen_addr"`
	// Updated is when the snapshot was taken.
	Updated  time.Time `json:"updated"`
	Counters Counters  `json:"counters"`
	// Sessions lists every session in the registry, including DONE ones
	// still within their grace period. It may be empty.
	Sessions []Session `json:"sessions"`
}

// Session describes one rendezvous session.
type Session struct {
	ID           punch.SessionID `json:"id"`
	State        SessionState    `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	// DoneReason says why the session reached Done. Empty otherwise.
	DoneReason string `json:"done_reason,omitempty"`
	Peers      []Peer `json:"peers"`
}

// Peer describes one member of a session.
type Peer struct {
	ID punch.PeerID `json:"id"`
	// Endpoints is the endpoint set handed to the other peer, observed
	// endpoint first.
	Endpoints []netip.AddrPort `json:"endpoints"`
	LastSeen  time.Time        `json:"last_seen"`
	// RegisterSeq is the highest REGISTER sequence accepted from the peer.
	RegisterSeq uint32 `json:"register_seq"`
	// PairSeq is the sequence of the latest PAIR addressed to the peer,
	// zero if none.
	PairSeq uint32 `json:"pair_seq"`
	Acked   bool   `json:"acked"`
	// RetriesLeft is the number of retransmissions left for an
	// unacknowledged PAIR.
	RetriesLeft int `json:"retries_left"`
}
