// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package punch

import (
	"encoding/hex"
	"fmt"
)

const (
	SessionIDLen = 16
	PeerIDLen    = 8
)

// SessionID is the opaque 128-bit token a broker hands to both peers of a
// session. The server never interprets it.
type SessionID [SessionIDLen]byte

func (id SessionID) String() string { return hex.EncodeToString(id[:]) }

// ShortString returns an abbreviated form of id for logs.
func (id SessionID) ShortString() string { return hex.EncodeToString(id[:4]) + "…" }

func (id SessionID) IsZero() bool { return id == SessionID{} }

func (id SessionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SessionID) UnmarshalText(b []byte) error {
	v, err := ParseSessionID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// ParseSessionID parses the 32 hex digit form returned by SessionID.String.
func ParseSessionID(s string) (SessionID, error) {
	var id SessionID
	if err := parseHexID(id[:], s); err != nil {
		return SessionID{}, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return id, nil
}

// PeerID distinguishes the two peers of a session.
type PeerID [PeerIDLen]byte

func (id PeerID) String() string { return hex.EncodeToString(id[:]) }

func (id PeerID) IsZero() bool { return id == PeerID{} }

func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PeerID) UnmarshalText(b []byte) error {
	v, err := ParsePeerID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

// ParsePeerID parses the 16 hex digit form returned by PeerID.String.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	if err := parseHexID(id[:], s); err != nil {
		return PeerID{}, fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	return id, nil
}

func parseHexID(dst []byte, s string) error {
	if len(s) != 2*len(dst) {
		return fmt.Errorf("want %d hex digits, got %d", 2*len(dst), len(s))
	}
	_, err := hex.Decode(dst, []byte(s))
	return err
}
