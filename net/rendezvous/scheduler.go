// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package rendezvous

import (
	"container/heap"
	"time"

	"infinit.io/longinus/punch"
)

// retryKey identifies the outstanding PAIR of one peer. A peer has at most
// one outstanding PAIR; arming again replaces it.
type retryKey struct {
	session punch.SessionID
	peer    punch.PeerID
}

type retryEntry struct {
	key       retryKey
	seq       uint32
	due       time.Time
	delay     time.Duration // wait that led to due
	remaining int           // retransmissions left
	index     int           // in retryQueue
}

// retryEvent is produced by scheduler.tick.
type retryEvent struct {
	key retryKey
	seq uint32
	// exhausted is set when the retransmission budget ran out and the
	// recipient is to be given up on. Otherwise the PAIR is to be sent
	// again.
	exhausted bool
}

// retryQueue is a min-heap of entries by due time.
type retryQueue []*retryEntry

func (q retryQueue) Len() int           { return len(q) }
func (q retryQueue) Less(i, j int) bool { return q[i].due.Before(q[j].due) }
func (q retryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *retryQueue) Push(x any) {
	e := x.(*retryEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *retryQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// scheduler tracks outstanding PAIRs and when to retransmit them. The
// delay doubles after each retransmission, up to maxDelay. After attempts
// retransmissions and one more delay without cancellation, the entry is
// reported exhausted.
type scheduler struct {
	maxDelay time.Duration
	attempts int

	byKey map[retryKey]*retryEntry
	q     retryQueue
}

func newScheduler(maxDelay time.Duration, attempts int) *scheduler {
	return &scheduler{
		maxDelay: maxDelay,
		attempts: attempts,
		byKey:    make(map[retryKey]*retryEntry),
	}
}

// arm schedules the first retransmission of PAIR seq for key at
// now+firstDelay, replacing any outstanding entry for key.
func (s *scheduler) arm(now time.Time, key retryKey, seq uint32, firstDelay time.Duration) {
	if e, ok := s.byKey[key]; ok {
		e.seq = seq
		e.delay = firstDelay
		e.due = now.Add(firstDelay)
		e.remaining = s.attempts
		heap.Fix(&s.q, e.index)
		return
	}
	e := &retryEntry{
		key:       key,
		seq:       seq,
		delay:     firstDelay,
		due:       now.Add(firstDelay),
		remaining: s.attempts,
	}
	s.byKey[key] = e
	heap.Push(&s.q, e)
}

// cancel drops the outstanding entry for key and reports whether there
// was one.
func (s *scheduler) cancel(key retryKey) bool {
	e, ok := s.byKey[key]
	if !ok {
		return false
	}
	delete(s.byKey, key)
	heap.Remove(&s.q, e.index)
	return true
}

// tick returns the entries due at now. Retransmitted entries are
// rescheduled; exhausted ones are removed.
func (s *scheduler) tick(now time.Time) []retryEvent {
	var evs []retryEvent
	for len(s.q) > 0 && !s.q[0].due.After(now) {
		e := s.q[0]
		if e.remaining == 0 {
			heap.Pop(&s.q)
			delete(s.byKey, e.key)
			evs = append(evs, retryEvent{key: e.key, seq: e.seq, exhausted: true})
			continue
		}
		e.remaining--
		e.delay = min(2*e.delay, s.maxDelay)
		e.due = now.Add(e.delay)
		heap.Fix(&s.q, 0)
		evs = append(evs, retryEvent{key: e.key, seq: e.seq})
	}
	return evs
}

// next returns when the earliest entry is due.
func (s *scheduler) next() (t time.Time, ok bool) {
	if len(s.q) == 0 {
		return time.Time{}, false
	}
	return s.q[0].due, true
}

// remaining reports the retransmissions left for key, or -1 if nothing is
// outstanding.
func (s *scheduler) remaining(key retryKey) int {
	if e, ok := s.byKey[key]; ok {
		return e.remaining
	}
	return -1
}

func (s *scheduler) len() int { return len(s.q) }
