// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Command punchc talks to a longinus rendezvous server. With -probe it
// prints the public endpoint the server observes. Otherwise it registers
// into a session, waits for the PAIR naming the other peer, acknowledges it
// and prints the endpoints to punch towards.
package main

import (
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/uuid"
	"infinit.io/longinus/punch"
)

var (
	probe    = flag.Bool("probe", false, "only discover the public endpoint")
	session  = flag.String("session", "", `session id as 32 hex digits, or "new" for a random one`)
	peer     = flag.String("peer", "new", `peer id as 16 hex digits, or "new" for a random one`)
	bye      = flag.Bool("bye", false, "send BYE after the PAIR is acknowledged")
	timeout  = flag.Duration("timeout", 30*time.Second, "give up after this long")
	interval = flag.Duration("interval", time.Second, "REGISTER retransmission interval")
	hints    []netip.AddrPort
)

func main() {
	log.SetFlags(0)
	flag.Func("hint", "self-reported endpoint ip:port; may be repeated", func(s string) error {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return err
		}
		hints = append(hints, ap)
		return nil
	})
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <host:port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	uaddr, err := net.ResolveUDPAddr("udp", flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	c, err := net.ListenUDP("udp", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()
	cl := &client{conn: c, server: uaddr.AddrPort(), deadline: time.Now().Add(*timeout)}

	if *probe {
		ep, err := cl.probe(*interval)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("server addr:   %v", cl.server)
		log.Printf("observed addr: %v", ep)
		return
	}

	sid, err := parseSession(*session)
	if err != nil {
		log.Fatal(err)
	}
	pid, err := parsePeer(*peer)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("session %v peer %v", sid, pid)

	h := punch.Header{Session: sid, Peer: pid}
	pair, err := cl.register(h, hints, *interval)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("paired with %v (seq %d)", pair.Remote, pair.Seq)
	for _, ep := range pair.Endpoints {
		log.Printf("  endpoint %v", ep)
	}
	if err := cl.send(&punch.Ack{Header: h, Seq: pair.Seq}); err != nil {
		log.Fatal(err)
	}
	if *bye {
		if err := cl.send(&punch.Bye{Header: h}); err != nil {
			log.Fatal(err)
		}
	}
}

func parseSession(s string) (punch.SessionID, error) {
	switch s {
	case "":
		return punch.SessionID{}, errors.New("-session is required unless -probe is set")
	case "new":
		return punch.SessionID(uuid.New()), nil
	}
	return punch.ParseSessionID(s)
}

func parsePeer(s string) (punch.PeerID, error) {
	if s == "new" {
		var id punch.PeerID
		_, err := rand.Read(id[:])
		return id, err
	}
	return punch.ParsePeerID(s)
}

type client struct {
	conn     *net.UDPConn
	server   netip.AddrPort
	deadline time.Time
	buf      [1500]byte
}

func (c *client) send(m punch.Message) error {
	_, err := c.conn.WriteToUDPAddrPort(m.AppendMarshal(nil), c.server)
	return err
}

// recv waits until the overall deadline or d, whichever is first, for a
// message from the server. It returns nil, nil on timeout.
func (c *client) recv(d time.Duration) (punch.Message, error) {
	for {
		dl := time.Now().Add(d)
		if c.deadline.Before(dl) {
			dl = c.deadline
		}
		if err := c.conn.SetReadDeadline(dl); err != nil {
			return nil, err
		}
		n, from, err := c.conn.ReadFromUDPAddrPort(c.buf[:])
		if errors.Is(err, os.ErrDeadlineExceeded) {
			if time.Now().After(c.deadline) {
				return nil, errors.New("timed out")
			}
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if from.Addr().Unmap() != c.server.Addr().Unmap() || from.Port() != c.server.Port() {
			continue
		}
		m, err := punch.Parse(c.buf[:n], 255)
		if err != nil {
			log.Printf("ignoring datagram from %v: %v", from, err)
			continue
		}
		return m, nil
	}
}

func (c *client) probe(interval time.Duration) (netip.AddrPort, error) {
	for {
		if err := c.send(&punch.Probe{}); err != nil {
			return netip.AddrPort{}, err
		}
		m, err := c.recv(interval)
		if err != nil {
			return netip.AddrPort{}, err
		}
		if o, ok := m.(*punch.Observed); ok {
			return o.Endpoint, nil
		}
	}
}

func (c *client) register(h punch.Header, hints []netip.AddrPort, interval time.Duration) (*punch.Pair, error) {
	var seq uint32
	for {
		seq++
		if err := c.send(&punch.Register{Header: h, Seq: seq, Endpoints: hints}); err != nil {
			return nil, err
		}
		m, err := c.recv(interval)
		if err != nil {
			return nil, err
		}
		switch m := m.(type) {
		case *punch.Pair:
			return m, nil
		case *punch.Error:
			return nil, fmt.Errorf("server: %v", m.Code)
		case nil:
			log.Printf("waiting for the other peer...")
		}
	}
}
