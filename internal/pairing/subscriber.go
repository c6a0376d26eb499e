package pairing

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/milkyhoop/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufSize    = 16
)

// bufPool pools bytes.Buffer for JSON encoding in writePump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Conn — WebSocket-подписчик одного pairing-токена. Канал односторонний:
// клиент только слушает, входящие фреймы игнорируются (кроме pong).
// Lifecycle: NewConn -> Start -> [readPump, writePump] -> Close -> Wait.
type Conn struct {
	hub   *Hub
	conn  *websocket.Conn
	token string
	send  chan Event

	// closing переводит writePump в режим дослать-и-закрыть: события,
	// уже принятые в send (в том числе терминальное), не теряются.
	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func NewConn(hub *Hub, conn *websocket.Conn, token string) *Conn {
	return &Conn{
		hub:     hub,
		conn:    conn,
		token:   token,
		send:    make(chan Event, sendBufSize),
		closing: make(chan struct{}),
	}
}

// Start launches readPump and writePump goroutines.
func (c *Conn) Start() {
	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// Wait blocks until both pump goroutines have exited.
func (c *Conn) Wait() {
	c.wg.Wait()
}

// Send queues an event for delivery. Returns false if the connection is
// shutting down or the buffer is full (slow client gets closed).
func (c *Conn) Send(ev Event) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	case <-c.closing:
		return false
	default:
		logger.Errorf("pairing ws send buffer full, closing slow subscriber token=%s", maskToken(c.token))
		c.Close()
		return false
	}
}

// Close signals shutdown. Safe to call multiple times from any goroutine.
// Соединение закрывает writePump после дослива очереди.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.closing)
	})
}

// readPump следит за живостью соединения (pong) и отбрасывает всё, что
// клиент пришлёт. Выход — обрыв соединения или Close.
func (c *Conn) readPump() {
	defer c.wg.Done()
	defer func() {
		c.hub.Unsubscribe(c.token, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("pairing ws set read deadline token=%s: %v", maskToken(c.token), err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("pairing ws read error token=%s: %v", maskToken(c.token), err)
			}
			return
		}
	}
}

// writePump пишет события и пинги; на closing дописывает остаток очереди,
// шлёт close-фрейм и закрывает соединение.
func (c *Conn) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closing:
			for {
				select {
				case ev := <-c.send:
					if err := c.writeEvent(ev); err != nil {
						return
					}
				default:
					if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
						c.conn.WriteMessage(websocket.CloseMessage,
							websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					}
					return
				}
			}
		case ev := <-c.send:
			if err := c.writeEvent(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) writeEvent(ev Event) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	enc := json.NewEncoder(buf)
	if err := enc.Encode(ev); err != nil {
		bufPool.Put(buf)
		logger.Errorf("pairing ws marshal error token=%s: %v", maskToken(c.token), err)
		return nil
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	bufPool.Put(buf)
	return err
}

// maskToken маскирует pairing-токен в логах (токен — credential).
func maskToken(s string) string {
	if len(s) <= 6 {
		return "******"
	}
	return s[:6] + "***"
}
