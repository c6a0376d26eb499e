package pairing

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/milkyhoop/internal/logger"
)

var (
	// ErrNoTopic: токен неизвестен или topic уже разобран — для клиента
	// это класс NotFound, поздний subscribe не должен висеть.
	ErrNoTopic = errors.New("pairing topic not found")
	ErrHubFull = errors.New("subscriber connection limit reached")
)

// Subscriber — одно соединение ожидающего desktop-браузера.
// Send возвращает false, если событие не принято (соединение закрыто или
// буфер переполнен); false на терминальном событии переводит его в буфер
// topic до переподключения.
type Subscriber interface {
	Send(ev Event) bool
	Close()
}

// topic — канал одного токена. Максимум один активный подписчик;
// повторный subscribe заменяет предыдущее соединение (reload страницы).
type topic struct {
	mu       sync.Mutex
	sub      Subscriber
	terminal *Event      // терминальное событие, ждущее доставки
	dead     bool        // topic разобран, новые операции — ErrNoTopic
	gc       *time.Timer // срабатывает через retention после терминала без подписчика
}

// Hub держит по одному topic на каждый выданный pairing-токен.
type Hub struct {
	mu        sync.RWMutex
	topics    map[string]*topic
	closed    bool
	total     atomic.Int32
	maxConns  int
	retention time.Duration
}

func NewHub(maxConns int, retention time.Duration) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	if retention <= 0 {
		retention = 3 * time.Minute
	}
	return &Hub{
		topics:    make(map[string]*topic),
		maxConns:  maxConns,
		retention: retention,
	}
}

// Open создаёт topic для нового токена (вызывается из Generate).
func (h *Hub) Open(token string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNoTopic
	}
	if _, ok := h.topics[token]; ok {
		return errors.New("pairing topic already open")
	}
	h.topics[token] = &topic{}
	return nil
}

func (h *Hub) lookup(token string) (*topic, bool) {
	h.mu.RLock()
	t, ok := h.topics[token]
	h.mu.RUnlock()
	return t, ok
}

// remove выбрасывает topic из карты, если он всё ещё текущий.
func (h *Hub) remove(token string, t *topic) {
	h.mu.Lock()
	if cur, ok := h.topics[token]; ok && cur == t {
		delete(h.topics, token)
	}
	h.mu.Unlock()
}

// Subscribe подключает подписчика и шлёт ему connected. Старое соединение
// закрывается и заменяется. Если терминальное событие уже буферизовано,
// оно доставляется немедленно и topic разбирается.
func (h *Hub) Subscribe(token string, sub Subscriber, connected Event) error {
	t, ok := h.lookup(token)
	if !ok {
		return ErrNoTopic
	}
	if int(h.total.Load()) >= h.maxConns {
		logger.Errorf("pairing hub connection limit reached (%d)", h.maxConns)
		return ErrHubFull
	}

	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return ErrNoTopic
	}
	old := t.sub
	t.sub = sub
	if old == nil {
		h.total.Add(1)
	}
	// connected — информационное, доставка best-effort.
	sub.Send(connected)
	var deliverTerminal *Event
	if t.terminal != nil {
		deliverTerminal = t.terminal
		t.terminal = nil
		t.dead = true
		t.sub = nil
		h.total.Add(-1)
		if t.gc != nil {
			t.gc.Stop()
		}
	}
	t.mu.Unlock()

	// Сетевой I/O вне мьютекса.
	if old != nil && old != sub {
		old.Close()
	}
	if deliverTerminal != nil {
		sub.Send(*deliverTerminal)
		h.remove(token, t)
		sub.Close()
	}
	return nil
}

// Unsubscribe отцепляет подписчика после обрыва соединения. Состояние
// токена не меняется: терминальное событие, если появится, будет
// буферизовано до reconnect.
func (h *Hub) Unsubscribe(token string, sub Subscriber) {
	t, ok := h.lookup(token)
	if !ok {
		return
	}
	t.mu.Lock()
	if t.sub == sub {
		t.sub = nil
		h.total.Add(-1)
	}
	t.mu.Unlock()
	sub.Close()
}

// Publish шлёт информационное событие (scanned) текущему подписчику.
// Доставка best-effort: нет подписчика — событие пропускается.
func (h *Hub) Publish(token string, ev Event) {
	t, ok := h.lookup(token)
	if !ok {
		return
	}
	t.mu.Lock()
	sub := t.sub
	dead := t.dead
	t.mu.Unlock()
	if dead || sub == nil {
		return
	}
	if !sub.Send(ev) {
		h.Unsubscribe(token, sub)
	}
}

// PublishTerminal доставляет терминальное событие ровно один раз: либо
// немедленно текущему подписчику с разбором topic, либо в буфер до
// reconnect (не дольше retention). Возвращает false, если терминал для
// этого токена уже публиковался.
func (h *Hub) PublishTerminal(token string, ev Event) bool {
	t, ok := h.lookup(token)
	if !ok {
		return false
	}
	t.mu.Lock()
	if t.dead || t.terminal != nil {
		t.mu.Unlock()
		return false
	}
	sub := t.sub
	if sub != nil && sub.Send(ev) {
		t.dead = true
		t.sub = nil
		h.total.Add(-1)
		t.mu.Unlock()
		h.remove(token, t)
		sub.Close()
		return true
	}
	// Подписчик отвалился или его нет: буферизуем до reconnect.
	if sub != nil {
		t.sub = nil
		h.total.Add(-1)
	}
	t.terminal = &ev
	t.gc = time.AfterFunc(h.retention, func() { h.dropBuffered(token, t) })
	t.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	return true
}

// dropBuffered: retention истёк, терминал так и не забрали.
func (h *Hub) dropBuffered(token string, t *topic) {
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return
	}
	t.dead = true
	t.terminal = nil
	t.mu.Unlock()
	h.remove(token, t)
}

// CloseTopic принудительно разбирает topic (откат после ошибки Generate).
func (h *Hub) CloseTopic(token string) {
	t, ok := h.lookup(token)
	if !ok {
		return
	}
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	if sub != nil {
		h.total.Add(-1)
	}
	t.dead = true
	t.terminal = nil
	if t.gc != nil {
		t.gc.Stop()
	}
	t.mu.Unlock()
	h.remove(token, t)
	if sub != nil {
		sub.Close()
	}
}

// HasTopic: есть ли живой topic для токена (для handler: поздний
// subscribe после teardown — NotFound, а не зависание).
func (h *Hub) HasTopic(token string) bool {
	t, ok := h.lookup(token)
	if !ok {
		return false
	}
	t.mu.Lock()
	dead := t.dead
	t.mu.Unlock()
	return !dead
}

// Subscribers возвращает число активных подписчиков.
func (h *Hub) Subscribers() int {
	return int(h.total.Load())
}

// Shutdown закрывает все соединения. Сбор под блокировкой, I/O — вне её.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.mu.Unlock()

	var subs []Subscriber
	for _, t := range topics {
		t.mu.Lock()
		if t.sub != nil {
			subs = append(subs, t.sub)
			t.sub = nil
			h.total.Add(-1)
		}
		t.dead = true
		t.terminal = nil
		if t.gc != nil {
			t.gc.Stop()
		}
		t.mu.Unlock()
	}
	for _, s := range subs {
		s.Close()
	}
}
