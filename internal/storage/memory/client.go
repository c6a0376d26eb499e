package memory

import (
	"context"
	"sync"
	"time"

	"github.com/milkyhoop/internal/model"
	"github.com/milkyhoop/internal/storage"
)

// entry держит собственный мьютекс: переходы по одному токену
// сериализованы, глобальной блокировки между токенами нет.
type entry struct {
	mu         sync.Mutex
	tok        model.PairingToken
	terminalAt time.Time
}

// Client — in-memory реализация PairingStore (режим -dev и тесты).
type Client struct {
	mu     sync.RWMutex
	tokens map[string]*entry
}

func New() *Client {
	return &Client{tokens: make(map[string]*entry)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Insert(ctx context.Context, t *model.PairingToken) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tokens[t.Token]; ok {
		return storage.ErrExists
	}
	c.tokens[t.Token] = &entry{tok: *t}
	return nil
}

func (c *Client) lookup(token string) (*entry, bool) {
	c.mu.RLock()
	e, ok := c.tokens[token]
	c.mu.RUnlock()
	return e, ok
}

func (c *Client) Get(ctx context.Context, token string) (*model.PairingToken, error) {
	e, ok := c.lookup(token)
	if !ok {
		return nil, storage.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := e.tok
	return &cp, nil
}

func (c *Client) MarkScanned(ctx context.Context, token, userID string, now time.Time) (*model.PairingToken, error) {
	e, ok := c.lookup(token)
	if !ok {
		return nil, storage.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.tok.State {
	case model.PairingPending:
		// ок, проверяем срок ниже
	case model.PairingExpired:
		return nil, storage.ErrExpired
	default:
		return nil, storage.ErrAlreadyScanned
	}
	if e.tok.Expired(now) {
		return nil, storage.ErrExpired
	}
	at := now
	e.tok.State = model.PairingScanned
	e.tok.ScannedBy = userID
	e.tok.ScannedAt = &at
	cp := e.tok
	return &cp, nil
}

func (c *Client) MarkDecided(ctx context.Context, token, userID string, d model.PairingDecision, now time.Time) (*model.PairingToken, error) {
	e, ok := c.lookup(token)
	if !ok {
		return nil, storage.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tok.State == model.PairingExpired {
		return nil, storage.ErrExpired
	}
	if e.tok.State != model.PairingScanned {
		return nil, storage.ErrInvalidState
	}
	if e.tok.Expired(now) {
		return nil, storage.ErrExpired
	}
	if e.tok.ScannedBy != userID {
		return nil, storage.ErrForbidden
	}
	if d == model.DecisionApproved {
		e.tok.State = model.PairingApproved
	} else {
		e.tok.State = model.PairingRejected
	}
	e.tok.Decision = d
	e.terminalAt = now
	cp := e.tok
	return &cp, nil
}

func (c *Client) MarkExpired(ctx context.Context, token string, now time.Time) (bool, error) {
	e, ok := c.lookup(token)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tok.State.Terminal() || !e.tok.Expired(now) {
		return false, nil
	}
	e.tok.State = model.PairingExpired
	e.terminalAt = now
	return true, nil
}

func (c *Client) ListDue(ctx context.Context, now time.Time) ([]string, error) {
	c.mu.RLock()
	snapshot := make([]*entry, 0, len(c.tokens))
	for _, e := range c.tokens {
		snapshot = append(snapshot, e)
	}
	c.mu.RUnlock()

	var due []string
	for _, e := range snapshot {
		e.mu.Lock()
		if !e.tok.State.Terminal() && e.tok.Expired(now) {
			due = append(due, e.tok.Token)
		}
		e.mu.Unlock()
	}
	return due, nil
}

func (c *Client) Purge(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for token, e := range c.tokens {
		e.mu.Lock()
		gone := e.tok.State.Terminal() && now.Sub(e.terminalAt) >= retention
		e.mu.Unlock()
		if gone {
			delete(c.tokens, token)
			n++
		}
	}
	return n, nil
}

func (c *Client) Delete(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, token)
	return nil
}
