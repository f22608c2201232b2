package tracebus

import (
	"context"
	"sync"
	"time"
)

// StartFrom selects what a new Subscription sees first.
type StartFrom int

const (
	// Live delivers only records appended after the subscription is created.
	Live StartFrom = iota
	// ReplayAll delivers the current backlog, in order, before live records.
	ReplayAll
)

// NextStatus reports how Subscription.Next terminated.
type NextStatus int

const (
	NextOK NextStatus = iota
	NextTimeout
	NextClosed
)

const defaultMailboxCapacity = 256

// Bus is a thread-safe, capacity-bounded queue of TraceRecords. Every
// appended record is stored in the backlog and broadcast to live
// subscribers. See package doc for the overflow policy.
type Bus struct {
	mu       sync.Mutex
	capacity int
	backlog  []TraceRecord
	seq      uint64
	subs     map[*Subscription]struct{}
	closed   bool
	closeCh  chan struct{}

	// backlogDrops counts records evicted from the backlog on capacity
	// overflow. Exposed through the BacklogDrops method; the Bus itself has
	// no telemetry dependency.
	backlogDrops uint64
}

// New creates a Bus with the given backlog capacity. A capacity of 0 means
// unbounded (not recommended for long-running sessions).
func New(capacity int) *Bus {
	return &Bus{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
		closeCh:  make(chan struct{}),
	}
}

// Append assigns the next sequence number to record, pushes it to the
// backlog (evicting the oldest entry if at capacity), then broadcasts it to
// every live subscriber. Invariant: the record is visible in the backlog
// before any subscriber observes it.
func (b *Bus) Append(rec TraceRecord) TraceRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return rec
	}

	b.seq++
	rec.Sequence = b.seq

	b.backlog = append(b.backlog, rec)
	if b.capacity > 0 && len(b.backlog) > b.capacity {
		b.backlog = b.backlog[len(b.backlog)-b.capacity:]
		b.backlogDrops++
	}

	for sub := range b.subs {
		sub.deliver(rec)
	}

	return rec
}

// BacklogDrops returns the number of records evicted from the backlog due
// to capacity overflow.
func (b *Bus) BacklogDrops() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backlogDrops
}

// Subscribe registers a new live subscriber. If startFrom is ReplayAll, the
// returned Subscription first yields a snapshot of the current backlog (in
// sequence order) before any live record; the snapshot and the live-feed
// registration happen atomically under the same lock so no record can be
// missed or duplicated at the boundary.
func (b *Bus) Subscribe(startFrom StartFrom) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus:     b,
		mailbox: make(chan TraceRecord, defaultMailboxCapacity),
	}

	if startFrom == ReplayAll {
		sub.replay = append(sub.replay, b.backlog...)
	}

	if b.closed {
		sub.closed = true
		return sub
	}

	b.subs[sub] = struct{}{}
	return sub
}

// unsubscribe removes sub from the live broadcast set. Safe to call more
// than once.
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// ClearBacklog empties the backlog. It does not affect subscribers that
// already captured a ReplayAll snapshot, nor live subscribers' future
// deliveries.
func (b *Bus) ClearBacklog() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backlog = nil
}

// Close is terminal: it marks the Bus closed, wakes every blocked
// subscriber with NextClosed, and causes all future Subscribe calls to
// return an already-closed Subscription. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.closeCh)
	for sub := range b.subs {
		sub.markClosed()
	}
	b.subs = make(map[*Subscription]struct{})
}

// Subscription is a live cursor over a Bus, optionally preceded by a
// backlog replay. Obtained from Bus.Subscribe.
type Subscription struct {
	bus     *Bus
	mailbox chan TraceRecord

	replayMu sync.Mutex
	replay   []TraceRecord

	mu     sync.Mutex
	closed bool
	drops  uint64
}

// deliver attempts a non-blocking send to the mailbox. If the mailbox is
// full, the new record is dropped for this subscriber only and its private
// drop counter is incremented.
func (s *Subscription) deliver(rec TraceRecord) {
	select {
	case s.mailbox <- rec:
	default:
		s.mu.Lock()
		s.drops++
		s.mu.Unlock()
	}
}

// Drops returns the private per-subscriber mailbox-overflow counter.
func (s *Subscription) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Next blocks until a record is available, the Subscription is closed, the
// deadline (if non-zero) elapses, or ctx is cancelled (treated the same as
// a deadline: NextTimeout).
func (s *Subscription) Next(ctx context.Context, deadline time.Time) (TraceRecord, NextStatus) {
	if rec, ok := s.nextFromReplay(); ok {
		return rec, NextOK
	}

	s.mu.Lock()
	alreadyClosed := s.closed
	s.mu.Unlock()
	if alreadyClosed {
		return s.drainOrClosed()
	}

	var timer *time.Timer
	var timerCh <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return TraceRecord{}, NextTimeout
		}
		timer = time.NewTimer(d)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case rec := <-s.mailbox:
		return rec, NextOK
	case <-s.bus.closeCh:
		return s.drainOrClosed()
	case <-timerCh:
		return TraceRecord{}, NextTimeout
	case <-ctx.Done():
		return TraceRecord{}, NextTimeout
	}
}

// drainOrClosed gives a closing Bus one last chance to hand over a record
// that was already in the mailbox before Close drained subscribers, then
// reports NextClosed.
func (s *Subscription) drainOrClosed() (TraceRecord, NextStatus) {
	select {
	case rec := <-s.mailbox:
		return rec, NextOK
	default:
		return TraceRecord{}, NextClosed
	}
}

func (s *Subscription) nextFromReplay() (TraceRecord, bool) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	if len(s.replay) == 0 {
		return TraceRecord{}, false
	}
	rec := s.replay[0]
	s.replay = s.replay[1:]
	return rec, true
}

// Unsubscribe removes this Subscription from the Bus's live broadcast set.
// Safe to call on all exit paths, including more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}
