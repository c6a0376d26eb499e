package pairing

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// chanSub — подписчик для тестов: копит события, Send можно «сломать»,
// эмулируя оборванное соединение.
type chanSub struct {
	mu     sync.Mutex
	events []Event
	broken bool
	closed bool
}

func (s *chanSub) Send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken || s.closed {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func (s *chanSub) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *chanSub) breakConn() {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
}

func (s *chanSub) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *chanSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func connectedEvent() Event {
	return Event{Event: EventConnected, TTLSeconds: 120}
}

func TestSubscribeUnknownTopic(t *testing.T) {
	h := NewHub(10, time.Minute)
	if err := h.Subscribe("missing", &chanSub{}, connectedEvent()); !errors.Is(err, ErrNoTopic) {
		t.Fatalf("got %v, want ErrNoTopic", err)
	}
}

func TestSubscribeDeliversConnected(t *testing.T) {
	h := NewHub(10, time.Minute)
	if err := h.Open("t1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	sub := &chanSub{}
	if err := h.Subscribe("t1", sub, connectedEvent()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	evs := sub.snapshot()
	if len(evs) != 1 || evs[0].Event != EventConnected {
		t.Fatalf("events = %v, want [connected]", evs)
	}
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", h.Subscribers())
	}
}

func TestPublishBestEffort(t *testing.T) {
	h := NewHub(10, time.Minute)
	h.Open("t1")

	// Нет подписчика — информационное событие просто пропадает.
	h.Publish("t1", Event{Event: EventScanned})

	sub := &chanSub{}
	h.Subscribe("t1", sub, connectedEvent())
	h.Publish("t1", Event{Event: EventScanned})

	evs := sub.snapshot()
	if len(evs) != 2 || evs[1].Event != EventScanned {
		t.Fatalf("events = %v, want [connected scanned]", evs)
	}
}

func TestResubscribeReplaces(t *testing.T) {
	h := NewHub(10, time.Minute)
	h.Open("t1")

	first := &chanSub{}
	second := &chanSub{}
	h.Subscribe("t1", first, connectedEvent())
	h.Subscribe("t1", second, connectedEvent())

	if !first.isClosed() {
		t.Fatal("first subscriber not closed after replace")
	}
	if h.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", h.Subscribers())
	}

	h.Publish("t1", Event{Event: EventScanned})
	if evs := second.snapshot(); len(evs) != 2 || evs[1].Event != EventScanned {
		t.Fatalf("second events = %v", evs)
	}
	// Первому после замены ничего не приходит.
	if evs := first.snapshot(); len(evs) != 1 {
		t.Fatalf("first events = %v, want only connected", evs)
	}
}

func TestPublishTerminalImmediate(t *testing.T) {
	h := NewHub(10, time.Minute)
	h.Open("t1")
	sub := &chanSub{}
	h.Subscribe("t1", sub, connectedEvent())

	if !h.PublishTerminal("t1", Event{Event: EventApproved, AccessToken: "acc"}) {
		t.Fatal("first terminal publish returned false")
	}
	evs := sub.snapshot()
	if len(evs) != 2 || evs[1].Event != EventApproved || evs[1].AccessToken != "acc" {
		t.Fatalf("events = %v", evs)
	}
	if !sub.isClosed() {
		t.Fatal("subscriber not closed after terminal")
	}
	if h.HasTopic("t1") {
		t.Fatal("topic survived terminal delivery")
	}
	// Терминал ровно один: повторная публикация — false.
	if h.PublishTerminal("t1", Event{Event: EventExpired}) {
		t.Fatal("second terminal publish returned true")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d, want 0", h.Subscribers())
	}
}

func TestTerminalBufferedUntilReconnect(t *testing.T) {
	h := NewHub(10, time.Minute)
	h.Open("t1")

	// Подписчика нет: терминал буферизуется.
	if !h.PublishTerminal("t1", Event{Event: EventRejected}) {
		t.Fatal("terminal publish returned false")
	}

	sub := &chanSub{}
	if err := h.Subscribe("t1", sub, connectedEvent()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	evs := sub.snapshot()
	if len(evs) != 2 || evs[0].Event != EventConnected || evs[1].Event != EventRejected {
		t.Fatalf("events = %v, want [connected rejected]", evs)
	}
	if !sub.isClosed() {
		t.Fatal("subscriber not closed after buffered terminal")
	}
	if h.HasTopic("t1") {
		t.Fatal("topic survived buffered terminal delivery")
	}
}

func TestTerminalBufferedOnDeadSubscriber(t *testing.T) {
	h := NewHub(10, time.Minute)
	h.Open("t1")
	dead := &chanSub{}
	h.Subscribe("t1", dead, connectedEvent())
	dead.breakConn()

	// Send вернул false — терминал уходит в буфер, соединение закрывается.
	if !h.PublishTerminal("t1", Event{Event: EventApproved}) {
		t.Fatal("terminal publish returned false")
	}
	if !dead.isClosed() {
		t.Fatal("dead subscriber not closed")
	}

	fresh := &chanSub{}
	if err := h.Subscribe("t1", fresh, connectedEvent()); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	evs := fresh.snapshot()
	if len(evs) != 2 || evs[1].Event != EventApproved {
		t.Fatalf("events = %v, want buffered approved", evs)
	}
}

func TestBufferedTerminalDroppedAfterRetention(t *testing.T) {
	h := NewHub(10, 20*time.Millisecond)
	h.Open("t1")
	h.PublishTerminal("t1", Event{Event: EventExpired})

	time.Sleep(100 * time.Millisecond)

	if h.HasTopic("t1") {
		t.Fatal("topic alive after retention")
	}
	if err := h.Subscribe("t1", &chanSub{}, connectedEvent()); !errors.Is(err, ErrNoTopic) {
		t.Fatalf("late subscribe: got %v, want ErrNoTopic", err)
	}
}

func TestPublishDropsBrokenSubscriber(t *testing.T) {
	h := NewHub(10, time.Minute)
	h.Open("t1")
	sub := &chanSub{}
	h.Subscribe("t1", sub, connectedEvent())
	sub.breakConn()

	h.Publish("t1", Event{Event: EventScanned})
	if !sub.isClosed() {
		t.Fatal("broken subscriber not unsubscribed")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d, want 0", h.Subscribers())
	}
	// Topic жив: терминал ещё доставим после reconnect.
	if !h.HasTopic("t1") {
		t.Fatal("topic died with the subscriber")
	}
}

func TestCloseTopic(t *testing.T) {
	h := NewHub(10, time.Minute)
	h.Open("t1")
	sub := &chanSub{}
	h.Subscribe("t1", sub, connectedEvent())

	h.CloseTopic("t1")
	if !sub.isClosed() {
		t.Fatal("subscriber not closed")
	}
	if h.HasTopic("t1") {
		t.Fatal("topic alive after close")
	}
	if h.PublishTerminal("t1", Event{Event: EventExpired}) {
		t.Fatal("terminal published into closed topic")
	}
}

func TestHubFull(t *testing.T) {
	h := NewHub(1, time.Minute)
	h.Open("t1")
	h.Open("t2")
	if err := h.Subscribe("t1", &chanSub{}, connectedEvent()); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := h.Subscribe("t2", &chanSub{}, connectedEvent()); !errors.Is(err, ErrHubFull) {
		t.Fatalf("got %v, want ErrHubFull", err)
	}
}

func TestShutdown(t *testing.T) {
	h := NewHub(10, time.Minute)
	h.Open("t1")
	sub := &chanSub{}
	h.Subscribe("t1", sub, connectedEvent())

	h.Shutdown()
	if !sub.isClosed() {
		t.Fatal("subscriber not closed on shutdown")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d, want 0", h.Subscribers())
	}
	if err := h.Open("t2"); !errors.Is(err, ErrNoTopic) {
		t.Fatalf("open after shutdown: got %v, want ErrNoTopic", err)
	}
}
