package events

import (
	"context"
	"log"
	"sync"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// maxPending bounds how many early commits the bus parks while waiting for
// a gap in the sequence to close.
const maxPending = 1024

// Subscriber receives events from the bus. Receive must not block: sessions
// enqueue and close themselves when their queue is full.
type Subscriber interface {
	Receive(ev Event)
	Closed() bool
}

// Bus is a per-user pub/sub event bus with support for global subscribers.
// Commits are delivered strictly in sequence order: a commit published ahead
// of its predecessor is parked until the gap closes.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chandb.UserID][]Subscriber
	global      []Subscriber

	seqMu    sync.Mutex
	next     uint64
	pending  map[uint64]*chandb.Commit
	advanced chan struct{} // closed and replaced whenever next moves
}

// NewBus creates a new event bus that expects the commit after lastSeq next.
func NewBus(lastSeq uint64) *Bus {
	return &Bus{
		subscribers: make(map[chandb.UserID][]Subscriber),
		next:        lastSeq + 1,
		pending:     make(map[uint64]*chandb.Commit),
		advanced:    make(chan struct{}),
	}
}

// Subscribe registers a subscriber for a specific user's events.
func (b *Bus) Subscribe(user chandb.UserID, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[user] = append(b.subscribers[user], sub)
}

// Unsubscribe removes a subscriber for a specific user.
func (b *Bus) Unsubscribe(user chandb.UserID, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[user]
	for i, s := range subs {
		if s == sub {
			b.subscribers[user] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[user]) == 0 {
		delete(b.subscribers, user)
	}
}

// SubscribeGlobal registers a subscriber that receives all events.
func (b *Bus) SubscribeGlobal(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, sub)
}

// Publish hands a durable commit to the bus. Commits at or below the last
// delivered sequence are dropped as duplicates.
func (b *Bus) Publish(c *chandb.Commit) {
	if c == nil {
		return
	}
	b.seqMu.Lock()
	defer b.seqMu.Unlock()

	if c.Seq < b.next {
		return
	}
	b.pending[c.Seq] = c
	if len(b.pending) > maxPending {
		lowest := c.Seq
		for seq := range b.pending {
			if seq < lowest {
				lowest = seq
			}
		}
		log.Printf("events: gap at seq %d never closed, skipping to %d", b.next, lowest)
		b.next = lowest
	}
	start := b.next
	for {
		next, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		b.deliver(next)
		b.next++
	}
	if b.next != start {
		close(b.advanced)
		b.advanced = make(chan struct{})
	}
}

// Wait blocks until the commit at seq has been delivered to every
// subscriber, or ctx ends.
func (b *Bus) Wait(ctx context.Context, seq uint64) error {
	for {
		b.seqMu.Lock()
		if b.next > seq {
			b.seqMu.Unlock()
			return nil
		}
		ch := b.advanced
		b.seqMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LastSeq returns the sequence number of the last delivered commit.
func (b *Bus) LastSeq() uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	return b.next - 1
}

func (b *Bus) deliver(c *chandb.Commit) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, change := range c.Events {
		for _, user := range change.Audience {
			ev := Event{User: user, Op: c.Op, Actor: c.Actor, Change: change}
			for _, s := range b.subscribers[user] {
				if !s.Closed() {
					s.Receive(ev)
				}
			}
		}
		ev := Event{Op: c.Op, Actor: c.Actor, Change: change}
		for _, s := range b.global {
			if !s.Closed() {
				s.Receive(ev)
			}
		}
	}
}

// UserSubscribers returns the number of subscribers for a user.
func (b *Bus) UserSubscribers(user chandb.UserID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[user])
}

// Cleanup removes closed subscribers from all lists.
func (b *Bus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for user, subs := range b.subscribers {
		var active []Subscriber
		for _, s := range subs {
			if !s.Closed() {
				active = append(active, s)
			}
		}
		if len(active) == 0 {
			delete(b.subscribers, user)
		} else {
			b.subscribers[user] = active
		}
	}

	var activeGlobal []Subscriber
	for _, s := range b.global {
		if !s.Closed() {
			activeGlobal = append(activeGlobal, s)
		}
	}
	b.global = activeGlobal
}
