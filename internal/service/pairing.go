package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/milkyhoop/internal/logger"
	"github.com/milkyhoop/internal/model"
	"github.com/milkyhoop/internal/pairing"
	"github.com/milkyhoop/internal/storage"
)

var (
	// ErrStoreUnavailable — инфраструктурный сбой; клиент повторяет с
	// backoff, частичных переходов не остаётся (CAS).
	ErrStoreUnavailable = errors.New("pairing store unavailable")
)

// PairingService связывает store, hub и materializer: выдача токенов,
// Scan, Approve/Reject и фоновый sweeper.
type PairingService struct {
	store        storage.PairingStore
	hub          *pairing.Hub
	materializer *SessionMaterializer

	ttl           time.Duration
	sweepInterval time.Duration
	retention     time.Duration
	qrScheme      string

	// now подменяется в тестах.
	now func() time.Time
}

func NewPairingService(
	store storage.PairingStore,
	hub *pairing.Hub,
	materializer *SessionMaterializer,
	ttl, sweepInterval, retention time.Duration,
	qrScheme string,
) *PairingService {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	if retention <= 0 {
		retention = 3 * time.Minute
	}
	if qrScheme == "" {
		qrScheme = "milkyhoop://login"
	}
	return &PairingService{
		store:         store,
		hub:           hub,
		materializer:  materializer,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		retention:     retention,
		qrScheme:      qrScheme,
		now:           time.Now,
	}
}

// GenerateResult — ответ на POST /api/pairing/generate.
type GenerateResult struct {
	Token      string    `json:"token"`
	QRURL      string    `json:"qr_url"`
	ExpiresAt  time.Time `json:"expires_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

// newPairingToken: 32 байта crypto/rand, base64url без паддинга —
// единственный handle, который попадает в QR.
func newPairingToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Generate выдаёт новый pairing-токен и открывает topic в hub.
// Пустые fingerprint/browserID допустимы: деградирует только
// single-session enforcement, не сам вызов.
func (s *PairingService) Generate(ctx context.Context, fingerprint, browserID string) (*GenerateResult, error) {
	raw, err := newPairingToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	now := s.now().UTC()
	t := &model.PairingToken{
		Token:       raw,
		State:       model.PairingPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
		Fingerprint: fingerprint,
		BrowserID:   browserID,
	}
	if err := s.store.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := s.hub.Open(raw); err != nil {
		if delErr := s.store.Delete(ctx, raw); delErr != nil {
			logger.Errorf("pairing generate rollback: %v", delErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &GenerateResult{
		Token:      raw,
		QRURL:      s.qrScheme + "?token=" + raw,
		ExpiresAt:  t.ExpiresAt,
		TTLSeconds: int(s.ttl / time.Second),
	}, nil
}

// ConnectedEvent готовит первое событие для подписчика. ErrNotFound,
// если токен неизвестен или topic уже разобран.
func (s *PairingService) ConnectedEvent(ctx context.Context, token string) (pairing.Event, error) {
	if !s.hub.HasTopic(token) {
		return pairing.Event{}, storage.ErrNotFound
	}
	t, err := s.store.Get(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return pairing.Event{}, storage.ErrNotFound
		}
		return pairing.Event{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return pairing.ConnectedEvent(t), nil
}

// Scan: pending → scanned. Идемпотентность для double-tap обеспечивает
// ErrAlreadyScanned, гонку с истечением решает CAS в store.
func (s *PairingService) Scan(ctx context.Context, token, userID string) (*model.PairingToken, error) {
	if !s.hub.HasTopic(token) {
		// Topic разобран — токен инертен, даже если запись ещё жива.
		return nil, storage.ErrNotFound
	}
	t, err := s.store.MarkScanned(ctx, token, userID, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrExpired) {
			s.expire(ctx, token)
			return nil, storage.ErrExpired
		}
		return nil, s.transitionErr(err)
	}
	s.hub.Publish(token, pairing.Event{Event: pairing.EventScanned})
	return t, nil
}

// Decide: scanned → approved|rejected. Решение принимает только тот
// пользователь, который сканировал (проверка внутри CAS). На approve
// материализуется сессия, терминальное событие несёт токены.
func (s *PairingService) Decide(ctx context.Context, token, userID string, approved bool) error {
	if !s.hub.HasTopic(token) {
		return storage.ErrNotFound
	}
	d := model.DecisionRejected
	if approved {
		d = model.DecisionApproved
	}
	t, err := s.store.MarkDecided(ctx, token, userID, d, s.now())
	if err != nil {
		if errors.Is(err, storage.ErrExpired) {
			s.expire(ctx, token)
			return storage.ErrExpired
		}
		return s.transitionErr(err)
	}
	if !approved {
		s.hub.PublishTerminal(token, pairing.Event{Event: pairing.EventRejected})
		return nil
	}
	creds, err := s.materializer.Materialize(ctx, t.ScannedBy, t.BrowserID, t.Fingerprint)
	if err != nil {
		// CAS в approved уже состоялся, но сессию выдать нечем: desktop
		// получает rejected без credentials и не виснет, mobile — 503.
		logger.Errorf("pairing materialize token=%s user=%s: %v", maskPairingToken(token), userID, err)
		s.hub.PublishTerminal(token, pairing.Event{Event: pairing.EventRejected})
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	user := creds.User
	s.hub.PublishTerminal(token, pairing.Event{
		Event:        pairing.EventApproved,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		User:         &user,
	})
	return nil
}

// transitionErr пропускает ожидаемые ошибки переходов как есть,
// всё остальное считает сбоем хранилища.
func (s *PairingService) transitionErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrExpired),
		errors.Is(err, storage.ErrAlreadyScanned),
		errors.Is(err, storage.ErrInvalidState),
		errors.Is(err, storage.ErrForbidden):
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// expire переводит токен в expired через CAS; событие публикует только
// победитель, поэтому expired уходит ровно один раз — кто бы ни успел
// первым, ленивая проверка или sweeper.
func (s *PairingService) expire(ctx context.Context, token string) {
	flipped, err := s.store.MarkExpired(ctx, token, s.now())
	if err != nil {
		logger.Errorf("pairing expire token=%s: %v", maskPairingToken(token), err)
		return
	}
	if flipped {
		s.hub.PublishTerminal(token, pairing.Event{Event: pairing.EventExpired})
	}
}

// Run — фоновый sweeper: просроченные нетерминальные токены получают
// expired, терминальные записи старше retention удаляются.
func (s *PairingService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep — один проход sweeper (вынесен для тестов).
func (s *PairingService) Sweep(ctx context.Context) {
	now := s.now()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		logger.Errorf("pairing sweep list: %v", err)
		return
	}
	for _, token := range due {
		s.expire(ctx, token)
	}
	if _, err := s.store.Purge(ctx, now, s.retention); err != nil {
		logger.Errorf("pairing sweep purge: %v", err)
	}
}

func maskPairingToken(s string) string {
	if len(s) <= 6 {
		return "******"
	}
	return s[:6] + "***"
}
