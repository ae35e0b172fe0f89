package web

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

func (h *WSHub) subscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func TestWSHubJoinLeave(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	sub := &wsSubscriber{out: make(chan []byte, 16)}
	hub.joins <- sub
	time.Sleep(10 * time.Millisecond)
	if n := hub.subscriberCount(); n != 1 {
		t.Errorf("after join: count = %d, want 1", n)
	}

	hub.leaves <- sub
	time.Sleep(10 * time.Millisecond)
	if n := hub.subscriberCount(); n != 0 {
		t.Errorf("after leave: count = %d, want 0", n)
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	s1 := &wsSubscriber{out: make(chan []byte, 16)}
	s2 := &wsSubscriber{out: make(chan []byte, 16)}
	hub.joins <- s1
	hub.joins <- s2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(map[string]string{"type": "test"})
	time.Sleep(10 * time.Millisecond)

	for i, sub := range []*wsSubscriber{s1, s2} {
		select {
		case msg := <-sub.out:
			if len(msg) == 0 {
				t.Errorf("subscriber %d received empty message", i)
			}
		default:
			t.Errorf("subscriber %d did not receive broadcast", i)
		}
	}
}

func TestWSHubSlowSubscriberEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsSubscriber{out: make(chan []byte, 1)}
	fast := &wsSubscriber{out: make(chan []byte, 64)}
	hub.joins <- slow
	hub.joins <- fast
	time.Sleep(10 * time.Millisecond)

	// First message fills the slow queue, second one evicts.
	hub.Broadcast("msg1")
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast("msg2")
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.subs[slow]
	_, fastPresent := hub.subs[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow subscriber should have been evicted")
	}
	if !fastPresent {
		t.Error("fast subscriber should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	for i := 0; i < 256; i++ {
		hub.Broadcast(i)
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast("overflow")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when queue is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	hub.Stop()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesSubscribers(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	sub := &wsSubscriber{out: make(chan []byte, 16)}
	hub.joins <- sub
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-sub.out; ok {
		t.Error("out channel should be closed after hub stop")
	}
}

func TestWSHubLeaveUnknownSubscriber(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	unknown := &wsSubscriber{out: make(chan []byte, 16)}
	hub.leaves <- unknown
	time.Sleep(10 * time.Millisecond)

	// Never joined, so its channel must stay open.
	select {
	case unknown.out <- []byte("test"):
	default:
		t.Error("channel should still be open for an unknown subscriber")
	}
}
