package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// mockSubscriber implements Subscriber for testing.
type mockSubscriber struct {
	mu       sync.Mutex
	events   []Event
	isClosed bool
}

func (m *mockSubscriber) Receive(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockSubscriber) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isClosed
}

func (m *mockSubscriber) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockSubscriber) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isClosed = true
}

func commit(seq uint64, audience ...chandb.UserID) *chandb.Commit {
	return &chandb.Commit{
		Seq:   seq,
		Op:    "rename_channel",
		Actor: 1,
		Events: []chandb.ChangeEvent{{
			Seq:      seq,
			Kind:     chandb.ChannelUpserted,
			Channels: []chandb.Channel{{ID: 1, Name: "zed"}},
			Audience: audience,
		}},
	}
}

func seqs(evs []Event) []uint64 {
	var out []uint64
	for _, ev := range evs {
		out = append(out, ev.Seq())
	}
	return out
}

func TestBusPublishToAudience(t *testing.T) {
	bus := NewBus(0)
	a, b := &mockSubscriber{}, &mockSubscriber{}
	bus.Subscribe(1, a)
	bus.Subscribe(2, b)

	bus.Publish(commit(1, 1))

	events := a.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].User != 1 || events[0].Op != "rename_channel" || events[0].Change.Kind != chandb.ChannelUpserted {
		t.Errorf("unexpected event %+v", events[0])
	}
	if len(b.Events()) != 0 {
		t.Errorf("user 2 is not in the audience, got %d events", len(b.Events()))
	}
}

func TestBusOrdersOutOfSequencePublishes(t *testing.T) {
	bus := NewBus(4)
	sub := &mockSubscriber{}
	bus.Subscribe(1, sub)

	bus.Publish(commit(7, 1))
	bus.Publish(commit(6, 1))
	if len(sub.Events()) != 0 {
		t.Fatalf("delivered before the gap closed: %v", seqs(sub.Events()))
	}
	bus.Publish(commit(5, 1))

	got := seqs(sub.Events())
	if len(got) != 3 || got[0] != 5 || got[1] != 6 || got[2] != 7 {
		t.Fatalf("expected [5 6 7], got %v", got)
	}
	if bus.LastSeq() != 7 {
		t.Errorf("LastSeq = %d, want 7", bus.LastSeq())
	}

	// Re-publishing an old commit is a no-op.
	bus.Publish(commit(6, 1))
	if n := len(sub.Events()); n != 3 {
		t.Errorf("duplicate publish delivered, %d events", n)
	}
}

func TestBusConcurrentPublishKeepsOrder(t *testing.T) {
	bus := NewBus(0)
	sub := &mockSubscriber{}
	bus.Subscribe(1, sub)

	var wg sync.WaitGroup
	for i := 50; i >= 1; i-- {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			bus.Publish(commit(seq, 1))
		}(uint64(i))
	}
	wg.Wait()

	got := seqs(sub.Events())
	if len(got) != 50 {
		t.Fatalf("expected 50 events, got %d", len(got))
	}
	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("position %d has seq %d", i, seq)
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(0)
	sub := &mockSubscriber{}
	bus.Subscribe(1, sub)
	bus.Unsubscribe(1, sub)

	bus.Publish(commit(1, 1))
	if len(sub.Events()) != 0 {
		t.Errorf("expected 0 events after unsubscribe, got %d", len(sub.Events()))
	}
	if bus.UserSubscribers(1) != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.UserSubscribers(1))
	}
}

func TestBusClosedSubscriberSkipped(t *testing.T) {
	bus := NewBus(0)
	sub := &mockSubscriber{isClosed: true}
	bus.Subscribe(1, sub)

	bus.Publish(commit(1, 1))
	if len(sub.Events()) != 0 {
		t.Errorf("closed subscriber should not receive events")
	}
}

func TestBusGlobalSubscriber(t *testing.T) {
	bus := NewBus(0)
	global := &mockSubscriber{}
	bus.SubscribeGlobal(global)

	bus.Publish(commit(1, 5, 6))

	events := global.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 global event per change, got %d", len(events))
	}
	if events[0].User != 0 || len(events[0].Change.Audience) != 2 {
		t.Errorf("unexpected global event %+v", events[0])
	}
}

func TestBusCleanup(t *testing.T) {
	bus := NewBus(0)
	open, shut := &mockSubscriber{}, &mockSubscriber{}
	bus.Subscribe(1, open)
	bus.Subscribe(1, shut)
	bus.Subscribe(2, shut)
	bus.SubscribeGlobal(shut)
	shut.close()

	bus.Cleanup()
	if bus.UserSubscribers(1) != 1 {
		t.Errorf("expected 1 subscriber for user 1, got %d", bus.UserSubscribers(1))
	}
	if bus.UserSubscribers(2) != 0 {
		t.Errorf("expected 0 subscribers for user 2, got %d", bus.UserSubscribers(2))
	}
	if len(bus.global) != 0 {
		t.Errorf("expected closed global subscriber removed")
	}
}

func TestBusWait(t *testing.T) {
	bus := NewBus(0)
	if err := bus.Wait(context.Background(), 0); err != nil {
		t.Fatalf("seq 0 is already delivered: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- bus.Wait(context.Background(), 2) }()
	bus.Publish(commit(2))
	select {
	case <-done:
		t.Fatal("Wait returned while seq 1 was missing")
	case <-time.After(20 * time.Millisecond):
	}
	bus.Publish(commit(1))
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the gap closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Wait(ctx, 99); err != context.Canceled {
		t.Errorf("Wait on canceled ctx = %v", err)
	}
}
