// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rendezvous

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"infinit.io/longinus/net/rendezvous/status"
	"infinit.io/longinus/punch"
	"infinit.io/longinus/tstest"
)

var (
	testSession = punch.SessionID{0: 0xaa, 1: 0xaa, 15: 0x01}
	peerA       = punch.PeerID{7: 1}
	peerB       = punch.PeerID{7: 2}
	peerC       = punch.PeerID{7: 3}

	srcA = netip.MustParseAddrPort("9.9.9.9:42000")
	srcB = netip.MustParseAddrPort("8.8.8.8:43000")
	srcC = netip.MustParseAddrPort("7.7.7.7:44000")
)

var cmpOpts = cmp.Options{
	cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b }),
	cmp.Comparer(func(a, b netip.Addr) bool { return a == b }),
	cmp.AllowUnexported(outbound{}),
}

func eps(ss ...string) []netip.AddrPort {
	var ret []netip.AddrPort
	for _, s := range ss {
		ret = append(ret, netip.MustParseAddrPort(s))
	}
	return ret
}

type harness struct {
	t     *testing.T
	clock *tstest.Clock
	m     *metrics
	c     *coordinator
}

func newHarness(t *testing.T, cfg Config) *harness {
	cfg = cfg.withDefaults()
	logf := tstest.WhileTestRunningLogger(t)
	m := newMetrics()
	return &harness{
		t:     t,
		clock: tstest.NewClock(tstest.ClockOpts{}),
		m:     m,
		c:     newCoordinator(cfg, m, logf, logf),
	}
}

// recv feeds msg from src through the codec and the coordinator and
// returns what the coordinator queued in response.
func (h *harness) recv(src netip.AddrPort, msg punch.Message) []outbound {
	h.t.Helper()
	parsed, err := punch.Parse(msg.AppendMarshal(nil), h.c.cfg.MaxEndpoints)
	if err != nil {
		h.t.Fatalf("parse %v: %v", punch.MessageSummary(msg), err)
	}
	h.c.handle(h.clock.Now(), src, netip.Addr{}, parsed)
	return h.c.drain()
}

// advance moves the clock by d, ticks, and returns what was queued.
func (h *harness) advance(d time.Duration) []outbound {
	h.c.tick(h.clock.Advance(d))
	return h.c.drain()
}

func (h *harness) session() *session {
	return h.c.reg.lookup(testSession)
}

func register(peer punch.PeerID, seq uint32, endpoints ...string) *punch.Register {
	return &punch.Register{
		Header:    punch.Header{Session: testSession, Peer: peer},
		Seq:       seq,
		Endpoints: eps(endpoints...),
	}
}

func ack(peer punch.PeerID, seq uint32) *punch.Ack {
	return &punch.Ack{Header: punch.Header{Session: testSession, Peer: peer}, Seq: seq}
}

func pairTo(to netip.AddrPort, recipient, remote punch.PeerID, seq uint32, endpoints ...string) outbound {
	return outbound{
		to: to,
		msg: &punch.Pair{
			Header:    punch.Header{Session: testSession, Peer: recipient},
			Remote:    remote,
			Seq:       seq,
			Endpoints: eps(endpoints...),
		},
	}
}

func errorTo(to netip.AddrPort, peer punch.PeerID, code punch.ErrorCode) outbound {
	return outbound{
		to:  to,
		msg: &punch.Error{Header: punch.Header{Session: testSession, Peer: peer}, Code: code},
	}
}

func wantOut(t *testing.T, got []outbound, want ...outbound) {
	t.Helper()
	if diff := cmp.Diff(want, got, cmpOpts); diff != "" {
		t.Errorf("outbound mismatch (-want +got):\n%s", diff)
	}
}

// match registers A then B as in the happy path and discards the PAIRs.
func (h *harness) match() {
	h.t.Helper()
	wantOut(h.t, h.recv(srcA, register(peerA, 1, "1.2.3.4:5000")))
	if out := h.recv(srcB, register(peerB, 1, "10.0.0.2:6000")); len(out) != 2 {
		h.t.Fatalf("got %d messages after match, want 2", len(out))
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)

	wantOut(t, h.recv(srcA, register(peerA, 1, "1.2.3.4:5000")))
	c.Assert(h.session().state, qt.Equals, statePending)
	c.Assert(h.m.sessionsActive.Value(), qt.Equals, int64(1))

	wantOut(t, h.recv(srcB, register(peerB, 1, "10.0.0.2:6000")),
		pairTo(srcA, peerA, peerB, 1, "8.8.8.8:43000", "10.0.0.2:6000"),
		pairTo(srcB, peerB, peerA, 1, "9.9.9.9:42000", "1.2.3.4:5000"),
	)
	c.Assert(h.session().state, qt.Equals, stateMatched)
	c.Assert(h.c.sched.len(), qt.Equals, 2)

	wantOut(t, h.recv(srcA, ack(peerA, 1)))
	c.Assert(h.session().state, qt.Equals, stateMatched)
	wantOut(t, h.recv(srcB, ack(peerB, 1)))
	c.Assert(h.session().state, qt.Equals, stateDone)
	c.Assert(h.c.sched.len(), qt.Equals, 0)

	c.Assert(h.m.sessionsActive.Value(), qt.Equals, int64(0))
	c.Assert(h.m.sessionsCompleted.Value(), qt.Equals, int64(1))

	// No retransmissions after completion.
	wantOut(t, h.advance(5*time.Second))
	c.Assert(h.m.retriesEmitted.Value(), qt.Equals, int64(0))

	// The DONE session is forgotten after the grace period.
	wantOut(t, h.advance(h.c.cfg.GraceTimeout))
	c.Assert(h.session(), qt.IsNil)
	c.Assert(h.m.sessionsExpired.Value(), qt.Equals, int64(0))
}

func TestNATRebind(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)
	h.match()

	h.clock.Advance(100 * time.Millisecond)
	rebound := netip.MustParseAddrPort("9.9.9.9:42500")
	wantOut(t, h.recv(rebound, register(peerA, 2, "1.2.3.4:5000")),
		pairTo(srcB, peerB, peerA, 2, "9.9.9.9:42500", "1.2.3.4:5000"),
	)

	// The old PAIR to B is superseded: its ACK is stale.
	wantOut(t, h.recv(srcB, ack(peerB, 1)))
	c.Assert(h.m.dropped[dropStale].Value(), qt.Equals, int64(1))
	c.Assert(h.session().peer(peerB).acked, qt.IsFalse)

	// A's own PAIR is retransmitted to its new address.
	wantOut(t, h.advance(150*time.Millisecond),
		pairTo(rebound, peerA, peerB, 1, "8.8.8.8:43000", "10.0.0.2:6000"),
	)
	// B's new PAIR was armed afresh when it was issued.
	wantOut(t, h.advance(100*time.Millisecond),
		pairTo(srcB, peerB, peerA, 2, "9.9.9.9:42500", "1.2.3.4:5000"),
	)

	wantOut(t, h.recv(srcB, ack(peerB, 2)))
	wantOut(t, h.recv(rebound, ack(peerA, 1)))
	c.Assert(h.session().state, qt.Equals, stateDone)
}

func TestRefreshWithoutChange(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)
	h.match()

	// Same endpoints, same or newer sequence: no new PAIR.
	wantOut(t, h.recv(srcA, register(peerA, 1, "1.2.3.4:5000")))
	wantOut(t, h.recv(srcA, register(peerA, 2)))
	c.Assert(h.session().peer(peerB).pairSeq, qt.Equals, uint32(1))

	// A new self-reported endpoint is a change.
	wantOut(t, h.recv(srcA, register(peerA, 3, "192.168.1.5:5000")),
		pairTo(srcB, peerB, peerA, 2, "9.9.9.9:42000", "1.2.3.4:5000", "192.168.1.5:5000"),
	)
}

func TestThirdPeerRejected(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)
	h.match()

	before := h.c.snapshot()
	wantOut(t, h.recv(srcC, register(peerC, 1, "10.0.0.3:7000")),
		errorTo(srcC, peerC, punch.ErrCodeSessionFull),
	)
	c.Assert(h.c.snapshot(), qt.CmpEquals(cmpOpts), before)
	c.Assert(h.session().peers, qt.HasLen, 2)
	c.Assert(h.m.errorsSent[punch.ErrCodeSessionFull].Value(), qt.Equals, int64(1))
}

func TestPeerUnreachable(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)
	h.match()

	// B acknowledges; A never does.
	wantOut(t, h.recv(srcB, ack(peerB, 1)))

	retryA := pairTo(srcA, peerA, peerB, 1, "8.8.8.8:43000", "10.0.0.2:6000")
	for i, wait := range []time.Duration{250, 500, 1000, 2000, 4000, 4000} {
		wait *= time.Millisecond
		wantOut(t, h.advance(wait-time.Millisecond))
		wantOut(t, h.advance(time.Millisecond), retryA)
		c.Assert(h.m.retriesEmitted.Value(), qt.Equals, int64(i+1))
	}
	c.Assert(h.session().state, qt.Equals, stateMatched)

	// The budget is spent; after one more wait, B learns A is gone.
	wantOut(t, h.advance(4*time.Second),
		errorTo(srcB, peerB, punch.ErrCodePeerUnreachable),
	)
	c.Assert(h.session().state, qt.Equals, stateDone)
	c.Assert(h.m.retriesEmitted.Value(), qt.Equals, int64(h.c.cfg.RetryAttempts))
	c.Assert(h.c.sched.len(), qt.Equals, 0)
	c.Assert(h.m.errorsSent[punch.ErrCodePeerUnreachable].Value(), qt.Equals, int64(1))
}

func TestBothUnreachable(t *testing.T) {
	h := newHarness(t, Config{RetryAttempts: 2})
	c := qt.New(t)
	h.match()

	// Nobody acknowledged, so nobody is told.
	var all []outbound
	for range 10 {
		all = append(all, h.advance(time.Second)...)
	}
	for _, o := range all {
		if _, ok := o.msg.(*punch.Error); ok {
			t.Errorf("unexpected %v", punch.MessageSummary(o.msg))
		}
	}
	c.Assert(h.session().state, qt.Equals, stateDone)
	c.Assert(h.m.retriesEmitted.Value(), qt.Equals, int64(4))
}

func TestIdleExpiry(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)

	wantOut(t, h.recv(srcA, register(peerA, 1, "1.2.3.4:5000")))
	wantOut(t, h.advance(h.c.cfg.IdleTimeout))
	c.Assert(h.session(), qt.IsNotNil)

	wantOut(t, h.advance(time.Second))
	c.Assert(h.session(), qt.IsNil)
	c.Assert(h.m.sessionsExpired.Value(), qt.Equals, int64(1))
	c.Assert(h.m.sessionsActive.Value(), qt.Equals, int64(0))

	// B starts over alone.
	wantOut(t, h.recv(srcB, register(peerB, 1)))
	s := h.session()
	c.Assert(s.state, qt.Equals, statePending)
	c.Assert(s.peers, qt.HasLen, 1)
	c.Assert(s.peers[0].id, qt.Equals, peerB)
}

func TestMatchedIdleExpiryCancelsRetries(t *testing.T) {
	h := newHarness(t, Config{IdleTimeout: 2 * time.Second, RetryAttempts: 20})
	c := qt.New(t)
	h.match()
	for range 5 {
		h.advance(time.Second)
	}
	c.Assert(h.session(), qt.IsNil)
	c.Assert(h.c.sched.len(), qt.Equals, 0)
	c.Assert(h.m.sessionsExpired.Value(), qt.Equals, int64(1))
}

func TestStaleRegister(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)

	wantOut(t, h.recv(srcA, register(peerA, 5, "1.2.3.4:5000")))
	last := h.session().lastActivity

	h.clock.Advance(time.Second)
	wantOut(t, h.recv(netip.MustParseAddrPort("9.9.9.9:1"), register(peerA, 4, "10.1.1.1:1")))
	c.Assert(h.m.dropped[dropStale].Value(), qt.Equals, int64(1))
	p := h.session().peer(peerA)
	c.Assert(p.observed, qt.Equals, srcA)
	c.Assert(p.endpoints(), qt.CmpEquals(cmpOpts), eps("9.9.9.9:42000", "1.2.3.4:5000"))
	c.Assert(h.session().lastActivity, qt.Equals, last)

	// A duplicate only refreshes activity.
	wantOut(t, h.recv(srcA, register(peerA, 5, "1.2.3.4:5000")))
	c.Assert(h.session().lastActivity.After(last), qt.IsTrue)
	c.Assert(p.endpoints(), qt.CmpEquals(cmpOpts), eps("9.9.9.9:42000", "1.2.3.4:5000"))
}

func TestAcks(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)

	// ACK for an unknown session.
	wantOut(t, h.recv(srcA, ack(peerA, 1)),
		errorTo(srcA, peerA, punch.ErrCodeUnknownSession),
	)
	c.Assert(h.session(), qt.IsNil)

	h.match()

	// ACK from a stranger.
	wantOut(t, h.recv(srcC, ack(peerC, 1)))
	c.Assert(h.m.dropped[dropNotMember].Value(), qt.Equals, int64(1))

	// Wrong sequence.
	wantOut(t, h.recv(srcA, ack(peerA, 7)))
	c.Assert(h.session().peer(peerA).acked, qt.IsFalse)

	// Duplicate ACKs are no-ops.
	wantOut(t, h.recv(srcA, ack(peerA, 1)))
	wantOut(t, h.recv(srcA, ack(peerA, 1)))
	c.Assert(h.session().state, qt.Equals, stateMatched)
	c.Assert(h.c.sched.len(), qt.Equals, 1)
}

func TestBye(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)
	bye := &punch.Bye{Header: punch.Header{Session: testSession, Peer: peerB}}

	wantOut(t, h.recv(srcB, bye), errorTo(srcB, peerB, punch.ErrCodeUnknownSession))

	h.match()
	wantOut(t, h.recv(srcB, bye))
	c.Assert(h.session().state, qt.Equals, stateDone)
	c.Assert(h.session().doneReason, qt.Equals, "bye from "+peerB.String())
	c.Assert(h.c.sched.len(), qt.Equals, 0)
	wantOut(t, h.advance(time.Minute))

	// Repeated BYE is harmless.
	h = newHarness(t, Config{})
	h.match()
	h.recv(srcA, &punch.Bye{Header: punch.Header{Session: testSession, Peer: peerA}})
	h.recv(srcA, &punch.Bye{Header: punch.Header{Session: testSession, Peer: peerA}})
	c.Assert(h.m.sessionsCompleted.Value(), qt.Equals, int64(1))
}

func TestByeWhilePending(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)
	h.recv(srcA, register(peerA, 1))
	h.recv(srcA, &punch.Bye{Header: punch.Header{Session: testSession, Peer: peerA}})
	c.Assert(h.session().state, qt.Equals, stateDone)

	// Members and newcomers alike are ignored until the grace period ends.
	wantOut(t, h.recv(srcA, register(peerA, 2)))
	wantOut(t, h.recv(srcB, register(peerB, 1)))
	c.Assert(h.m.dropped[dropSessionDone].Value(), qt.Equals, int64(2))
	c.Assert(h.session().peers, qt.HasLen, 1)

	h.advance(h.c.cfg.GraceTimeout + time.Millisecond)
	c.Assert(h.session(), qt.IsNil)
	wantOut(t, h.recv(srcB, register(peerB, 1)))
	c.Assert(h.session().state, qt.Equals, statePending)
}

func TestDoneSessionRejectsThirdPeer(t *testing.T) {
	h := newHarness(t, Config{})
	h.match()
	h.recv(srcA, ack(peerA, 1))
	h.recv(srcB, ack(peerB, 1))
	wantOut(t, h.recv(srcC, register(peerC, 1)),
		errorTo(srcC, peerC, punch.ErrCodeSessionFull),
	)
}

func TestProbe(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)
	hdr := punch.Header{Peer: peerA}
	wantOut(t, h.recv(srcA, &punch.Probe{Header: hdr}),
		outbound{to: srcA, msg: &punch.Observed{Header: hdr, Endpoint: srcA}},
	)
	c.Assert(h.c.reg.len(), qt.Equals, 0)
}

func TestUnexpectedType(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)
	wantOut(t, h.recv(srcA, &punch.Pair{Header: punch.Header{Session: testSession, Peer: peerA}, Seq: 1}))
	wantOut(t, h.recv(srcA, &punch.Error{Header: punch.Header{Session: testSession}, Code: punch.ErrCodeInternal}))
	c.Assert(h.m.dropped[dropUnexpectedType].Value(), qt.Equals, int64(2))
	c.Assert(h.c.reg.len(), qt.Equals, 0)
}

func TestEndpointCap(t *testing.T) {
	h := newHarness(t, Config{MaxEndpoints: 3})
	c := qt.New(t)

	h.recv(srcA, register(peerA, 1, "10.0.0.1:1", "10.0.0.2:1"))
	h.recv(srcA, register(peerA, 2, "10.0.0.3:1", "10.0.0.1:1"))
	p := h.session().peer(peerA)
	c.Assert(p.endpoints(), qt.CmpEquals(cmpOpts), eps("9.9.9.9:42000", "10.0.0.1:1", "10.0.0.2:1"))

	// Unusable and duplicate-of-observed endpoints are ignored.
	h = newHarness(t, Config{})
	h.recv(srcA, register(peerA, 1, "0.0.0.0:1", "10.0.0.1:0", "9.9.9.9:42000", "[::ffff:10.0.0.9]:9"))
	p = h.session().peer(peerA)
	c.Assert(p.endpoints(), qt.CmpEquals(cmpOpts), eps("9.9.9.9:42000", "10.0.0.9:9"))
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)
	h.match()
	h.recv(srcA, ack(peerA, 1))

	start := h.clock.GetStart()
	want := []status.Session{{
		ID:           testSession,
		State:        status.Matched,
		CreatedAt:    start,
		LastActivity: start,
		Peers: []status.Peer{
			{
				ID:          peerA,
				Endpoints:   eps("9.9.9.9:42000", "1.2.3.4:5000"),
				LastSeen:    start,
				RegisterSeq: 1,
				PairSeq:     1,
				Acked:       true,
			},
			{
				ID:          peerB,
				Endpoints:   eps("8.8.8.8:43000", "10.0.0.2:6000"),
				LastSeen:    start,
				RegisterSeq: 1,
				PairSeq:     1,
				RetriesLeft: h.c.cfg.RetryAttempts,
			},
		},
	}}
	c.Assert(h.c.snapshot(), qt.CmpEquals(cmpOpts), want)
}

// TestPairCarriesLatestEndpoints checks that every PAIR sent carries the
// other peer's endpoint set as it was when the PAIR went out.
func TestPairCarriesLatestEndpoints(t *testing.T) {
	h := newHarness(t, Config{})
	h.match()
	for i := range 5 {
		src := netip.AddrPortFrom(srcA.Addr(), uint16(50000+i))
		out := h.recv(src, register(peerA, uint32(2+i)))
		out = append(out, h.advance(100*time.Millisecond)...)
		a := h.session().peer(peerA)
		for _, o := range out {
			p, ok := o.msg.(*punch.Pair)
			if !ok || p.Peer != peerB {
				continue
			}
			if diff := cmp.Diff(a.endpoints(), p.Endpoints, cmpOpts); diff != "" {
				t.Errorf("round %d: PAIR to B is stale (-want +got):\n%s", i, diff)
			}
		}
	}
}

func TestManySessions(t *testing.T) {
	h := newHarness(t, Config{})
	c := qt.New(t)
	const n = 100
	for i := range n {
		sid := punch.SessionID{0: byte(i), 1: byte(i >> 8)}
		for _, pid := range []punch.PeerID{peerA, peerB} {
			h.c.handle(h.clock.Now(), netip.MustParseAddrPort(fmt.Sprintf("10.1.%d.%d:1000", i, pid[7])), netip.Addr{},
				&punch.Register{Header: punch.Header{Session: sid, Peer: pid}, Seq: 1})
		}
	}
	c.Assert(h.c.drain(), qt.HasLen, 2*n)
	c.Assert(h.m.sessionsActive.Value(), qt.Equals, int64(n))
	for _, s := range h.c.reg.sessions {
		c.Assert(s.peers, qt.HasLen, 2)
	}
	h.advance(2 * time.Minute)
	c.Assert(h.c.reg.len(), qt.Equals, 0)
	c.Assert(h.m.sessionsActive.Value(), qt.Equals, int64(0))
}
