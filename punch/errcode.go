// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package punch

import "fmt"

// ErrorCode is the one-byte body of an ERROR message.
type ErrorCode byte

const (
	// ErrCodeMalformed is never sent; malformed datagrams are dropped
	// silently. It exists so that local accounting can name the failure.
	ErrCodeMalformed       = ErrorCode(0x01)
	ErrCodeSessionFull     = ErrorCode(0x02) // a third peer tried to join
	ErrCodeUnknownSession  = ErrorCode(0x03) // ACK or BYE for an absent session
	ErrCodeSequenceStale   = ErrorCode(0x04) // never sent; stale messages are dropped
	ErrCodePeerUnreachable = ErrorCode(0x05) // the other peer never acknowledged its PAIR
	ErrCodeInternal        = ErrorCode(0x7f)
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeMalformed:
		return "MalformedDatagram"
	case ErrCodeSessionFull:
		return "SessionFull"
	case ErrCodeUnknownSession:
		return "UnknownSession"
	case ErrCodeSequenceStale:
		return "SequenceStale"
	case ErrCodePeerUnreachable:
		return "PeerUnreachable"
	case ErrCodeInternal:
		return "Internal"
	default:
		return fmt.Sprintf("ErrorCode(0x%02x)", byte(c))
	}
}
