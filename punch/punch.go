// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package punch contains the rendezvous message types exchanged between
// hole-punching clients and the longinus server.
//
// A rendezvous datagram is:
//
//	messageType byte     // the MessageType constants below
//	sessionID   [16]byte // opaque, issued out of band
//	peerID      [8]byte  // distinguishes the two peers of a session
//	payload     [...]byte
//
// Integers are big-endian. An endpoint is encoded as a family byte (4 or 6),
// the 4 or 16 address bytes, then a 2-byte port. Trailing bytes after the
// payload are rejected.
package punch

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

type MessageType byte

const (
	TypeRegister = MessageType(0x01) // client->server
	TypePair     = MessageType(0x02) // server->client
	TypeAck      = MessageType(0x03) // client->server
	TypeBye      = MessageType(0x04) // client->server
	TypeProbe    = MessageType(0x05) // client->server
	TypeObserved = MessageType(0x06) // server->client
	TypeError    = MessageType(0xff) // server->client
)

func (t MessageType) String() string {
	switch t {
	case TypeRegister:
		return "register"
	case TypePair:
		return "pair"
	case TypeAck:
		return "ack"
	case TypeBye:
		return "bye"
	case TypeProbe:
		return "probe"
	case TypeObserved:
		return "observed"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(0x%02x)", byte(t))
	}
}

const (
	// HeaderLen is the length of the common header of all messages.
	HeaderLen = 1 + SessionIDLen + PeerIDLen

	// DefaultMaxEndpoints is the default cap (K) on the number of endpoints
	// carried by a REGISTER or PAIR.
	DefaultMaxEndpoints = 8

	// MaxEndpointsLimit is the largest K the one-byte count can express.
	MaxEndpointsLimit = 255

	// MaxEndpointLen is the encoded length of an IPv6 endpoint.
	MaxEndpointLen = 1 + 16 + 2
)

// MaxMessageLen returns the length of the largest valid message when at most
// maxEndpoints endpoints are allowed. Datagrams longer than this are never
// valid and can be dropped before parsing.
func MaxMessageLen(maxEndpoints int) int {
	// PAIR is the largest message: remote peer, seq, count, endpoints.
	return HeaderLen + PeerIDLen + 4 + 1 + maxEndpoints*MaxEndpointLen
}

// ErrMalformed is returned (wrapped) by Parse for every decode failure.
var ErrMalformed = errors.New("malformed datagram")

var errShort = fmt.Errorf("%w: short message", ErrMalformed)

// Header is the part common to all messages.
type Header struct {
	Session SessionID
	Peer    PeerID
}

// MessageHeader returns h. It lets every message type that embeds a Header
// satisfy Message.
func (h Header) MessageHeader() Header { return h }

// Message is a rendezvous message.
type Message interface {
	// MessageHeader returns the session and peer the message is about.
	MessageHeader() Header
	// AppendMarshal appends the message's marshaled representation.
	AppendMarshal([]byte) []byte
}

func appendHeader(b []byte, t MessageType, h Header) []byte {
	b = append(b, byte(t))
	b = append(b, h.Session[:]...)
	return append(b, h.Peer[:]...)
}

// Register announces a peer to the server. The server records the UDP
// source of the datagram as the observed endpoint; Endpoints are the
// addresses the peer reports about itself (LAN addresses, port mappings).
type Register struct {
	Header
	Seq       uint32
	Endpoints []netip.AddrPort
}

func (m *Register) AppendMarshal(b []byte) []byte {
	b = appendHeader(b, TypeRegister, m.Header)
	b = binary.BigEndian.AppendUint32(b, m.Seq)
	return appendEndpoints(b, m.Endpoints)
}

func parseRegister(h Header, p []byte, maxEndpoints int) (*Register, []byte, error) {
	if len(p) < 4 {
		return nil, nil, errShort
	}
	m := &Register{Header: h, Seq: binary.BigEndian.Uint32(p)}
	var err error
	m.Endpoints, p, err = parseEndpoints(p[4:], maxEndpoints)
	if err != nil {
		return nil, nil, err
	}
	return m, p, nil
}

// Pair tells the peer named in the header how to reach Remote, the other
// peer of the session. Seq increases every time the server re-synthesizes
// the PAIR for this recipient.
type Pair struct {
	Header
	Remote    PeerID
	Seq       uint32
	Endpoints []netip.AddrPort
}

func (m *Pair) AppendMarshal(b []byte) []byte {
	b = appendHeader(b, TypePair, m.Header)
	b = append(b, m.Remote[:]...)
	b = binary.BigEndian.AppendUint32(b, m.Seq)
	return appendEndpoints(b, m.Endpoints)
}

func parsePair(h Header, p []byte, maxEndpoints int) (*Pair, []byte, error) {
	if len(p) < PeerIDLen+4 {
		return nil, nil, errShort
	}
	m := &Pair{Header: h}
	copy(m.Remote[:], p)
	p = p[PeerIDLen:]
	m.Seq = binary.BigEndian.Uint32(p)
	var err error
	m.Endpoints, p, err = parseEndpoints(p[4:], maxEndpoints)
	if err != nil {
		return nil, nil, err
	}
	return m, p, nil
}

// Ack acknowledges the PAIR with sequence number Seq.
type Ack struct {
	Header
	Seq uint32
}

func (m *Ack) AppendMarshal(b []byte) []byte {
	b = appendHeader(b, TypeAck, m.Header)
	return binary.BigEndian.AppendUint32(b, m.Seq)
}

func parseAck(h Header, p []byte) (*Ack, []byte, error) {
	if len(p) < 4 {
		return nil, nil, errShort
	}
	return &Ack{Header: h, Seq: binary.BigEndian.Uint32(p)}, p[4:], nil
}

// Bye is a voluntary teardown of the session by the sending peer.
type Bye struct {
	Header
}

func (m *Bye) AppendMarshal(b []byte) []byte {
	return appendHeader(b, TypeBye, m.Header)
}

// Probe asks the server for the sender's observed endpoint. It does not
// create or touch any session; the ids are echoed back verbatim and may be
// zero.
type Probe struct {
	Header
}

func (m *Probe) AppendMarshal(b []byte) []byte {
	return appendHeader(b, TypeProbe, m.Header)
}

// Observed is the reply to a Probe.
type Observed struct {
	Header
	Endpoint netip.AddrPort
}

func (m *Observed) AppendMarshal(b []byte) []byte {
	b = appendHeader(b, TypeObserved, m.Header)
	return AppendEndpoint(b, m.Endpoint)
}

func parseObserved(h Header, p []byte) (*Observed, []byte, error) {
	ep, p, err := parseEndpoint(p)
	if err != nil {
		return nil, nil, err
	}
	return &Observed{Header: h, Endpoint: ep}, p, nil
}

// Error reports a failure to the peer named in the header.
type Error struct {
	Header
	Code ErrorCode
}

func (m *Error) AppendMarshal(b []byte) []byte {
	b = appendHeader(b, TypeError, m.Header)
	return append(b, byte(m.Code))
}

func parseError(h Header, p []byte) (*Error, []byte, error) {
	if len(p) < 1 {
		return nil, nil, errShort
	}
	return &Error{Header: h, Code: ErrorCode(p[0])}, p[1:], nil
}

// Parse parses a rendezvous datagram. Lists of more than maxEndpoints
// endpoints are rejected; a maxEndpoints outside [1, MaxEndpointsLimit]
// means DefaultMaxEndpoints. All errors wrap ErrMalformed.
func Parse(b []byte, maxEndpoints int) (Message, error) {
	if maxEndpoints <= 0 || maxEndpoints > MaxEndpointsLimit {
		maxEndpoints = DefaultMaxEndpoints
	}
	if len(b) < HeaderLen {
		return nil, errShort
	}
	t := MessageType(b[0])
	var h Header
	copy(h.Session[:], b[1:])
	copy(h.Peer[:], b[1+SessionIDLen:])
	p := b[HeaderLen:]

	var (
		m   Message
		err error
	)
	switch t {
	case TypeRegister:
		m, p, err = parseRegister(h, p, maxEndpoints)
	case TypePair:
		m, p, err = parsePair(h, p, maxEndpoints)
	case TypeAck:
		m, p, err = parseAck(h, p)
	case TypeBye:
		m = &Bye{Header: h}
	case TypeProbe:
		m = &Probe{Header: h}
	case TypeObserved:
		m, p, err = parseObserved(h, p)
	case TypeError:
		m, p, err = parseError(h, p)
	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02x", ErrMalformed, byte(t))
	}
	if err != nil {
		return nil, err
	}
	if len(p) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %v", ErrMalformed, len(p), t)
	}
	return m, nil
}

// AppendEndpoint appends the wire form of ep to b. IPv4-mapped IPv6
// addresses are written as IPv4 and zones are dropped.
func AppendEndpoint(b []byte, ep netip.AddrPort) []byte {
	ip := ep.Addr().Unmap()
	if ip.Is4() {
		a := ip.As4()
		b = append(b, 4)
		b = append(b, a[:]...)
	} else {
		a := ip.As16()
		b = append(b, 6)
		b = append(b, a[:]...)
	}
	return binary.BigEndian.AppendUint16(b, ep.Port())
}

func appendEndpoints(b []byte, eps []netip.AddrPort) []byte {
	if len(eps) > MaxEndpointsLimit {
		eps = eps[:MaxEndpointsLimit]
	}
	b = append(b, byte(len(eps)))
	for _, ep := range eps {
		b = AppendEndpoint(b, ep)
	}
	return b
}

func parseEndpoint(p []byte) (netip.AddrPort, []byte, error) {
	if len(p) < 1 {
		return netip.AddrPort{}, nil, errShort
	}
	fam, p := p[0], p[1:]
	var ip netip.Addr
	switch fam {
	case 4:
		if len(p) < 4+2 {
			return netip.AddrPort{}, nil, errShort
		}
		ip = netip.AddrFrom4([4]byte(p[:4]))
		p = p[4:]
	case 6:
		if len(p) < 16+2 {
			return netip.AddrPort{}, nil, errShort
		}
		ip = netip.AddrFrom16([16]byte(p[:16]))
		p = p[16:]
	default:
		return netip.AddrPort{}, nil, fmt.Errorf("%w: address family %d", ErrMalformed, fam)
	}
	return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(p)), p[2:], nil
}

func parseEndpoints(p []byte, maxEndpoints int) ([]netip.AddrPort, []byte, error) {
	if len(p) < 1 {
		return nil, nil, errShort
	}
	n := int(p[0])
	p = p[1:]
	if n > maxEndpoints {
		return nil, nil, fmt.Errorf("%w: %d endpoints exceeds limit of %d", ErrMalformed, n, maxEndpoints)
	}
	if n == 0 {
		return nil, p, nil
	}
	eps := make([]netip.AddrPort, 0, n)
	for range n {
		var (
			ep  netip.AddrPort
			err error
		)
		ep, p, err = parseEndpoint(p)
		if err != nil {
			return nil, nil, err
		}
		eps = append(eps, ep)
	}
	return eps, p, nil
}

// MessageSummary returns a short summary of m for logging purposes.
func MessageSummary(m Message) string {
	switch m := m.(type) {
	case *Register:
		return fmt.Sprintf("register sid=%v pid=%v seq=%d eps=%s", m.Session.ShortString(), m.Peer, m.Seq, endpointsString(m.Endpoints))
	case *Pair:
		return fmt.Sprintf("pair sid=%v pid=%v remote=%v seq=%d eps=%s", m.Session.ShortString(), m.Peer, m.Remote, m.Seq, endpointsString(m.Endpoints))
	case *Ack:
		return fmt.Sprintf("ack sid=%v pid=%v seq=%d", m.Session.ShortString(), m.Peer, m.Seq)
	case *Bye:
		return fmt.Sprintf("bye sid=%v pid=%v", m.Session.ShortString(), m.Peer)
	case *Probe:
		return "probe"
	case *Observed:
		return fmt.Sprintf("observed %v", m.Endpoint)
	case *Error:
		return fmt.Sprintf("error sid=%v pid=%v code=%v", m.Session.ShortString(), m.Peer, m.Code)
	default:
		return fmt.Sprintf("%#v", m)
	}
}

func endpointsString(eps []netip.AddrPort) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, ep := range eps {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(ep.String())
	}
	sb.WriteByte(']')
	return sb.String()
}
