package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/milkyhoop/internal/logger"
	"github.com/milkyhoop/internal/model"
	"github.com/milkyhoop/internal/repository"
	"github.com/milkyhoop/internal/token"
)

var ErrUserDisabled = errors.New("user disabled")

// UserDirectory — доступ к профилям (внешний identity-коллаборатор).
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// DeviceRegistry — учёт web-сессий по browser_id.
type DeviceRegistry interface {
	FindActiveByBrowserID(ctx context.Context, browserID string) (*model.DeviceSession, error)
	Create(ctx context.Context, s *model.DeviceSession) error
	Revoke(ctx context.Context, id string) (bool, error)
}

// TokenMinter выпускает пару access/refresh для пользователя.
type TokenMinter interface {
	MintPair(userID string) (access, refresh string, err error)
	RefreshTTL() time.Duration
}

// Credentials — результат материализации: токены плюс минимальный профиль
// для терминального события approved.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	User         model.UserPublic
}

// SessionMaterializer превращает approve в рабочую web-сессию.
// Единственное место бизнес-политики "одна активная web-сессия на
// установку браузера": прежняя сессия того же browser_id отзывается
// (вместе с refresh-токеном) до выпуска новой. Вызывается строго после
// успешного CAS токена в approved.
type SessionMaterializer struct {
	users   UserDirectory
	devices DeviceRegistry
	tokens  TokenMinter

	now func() time.Time
}

func NewSessionMaterializer(users UserDirectory, devices DeviceRegistry, tokens TokenMinter) *SessionMaterializer {
	return &SessionMaterializer{users: users, devices: devices, tokens: tokens, now: time.Now}
}

func (m *SessionMaterializer) Materialize(ctx context.Context, userID, browserID, fingerprint string) (*Credentials, error) {
	user, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("materialize: load user: %w", err)
	}
	if user.DisabledAt != nil {
		return nil, ErrUserDisabled
	}

	// Пустой browser_id допустим: enforcement деградирует, вход работает.
	if browserID != "" {
		existing, err := m.devices.FindActiveByBrowserID(ctx, browserID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("materialize: find device session: %w", err)
		}
		if existing != nil {
			if _, err := m.devices.Revoke(ctx, existing.ID); err != nil {
				return nil, fmt.Errorf("materialize: revoke prior session: %w", err)
			}
			logger.Infof("materialize: revoked prior web session %s for browser %s", existing.ID, maskPairingToken(browserID))
		}
	}

	access, refresh, err := m.tokens.MintPair(userID)
	if err != nil {
		return nil, fmt.Errorf("materialize: mint tokens: %w", err)
	}

	now := m.now().UTC()
	sess := &model.DeviceSession{
		ID:               uuid.New().String(),
		UserID:           userID,
		BrowserID:        browserID,
		Fingerprint:      fingerprint,
		RefreshTokenHash: token.HashRefreshToken(refresh),
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.tokens.RefreshTTL()),
	}
	if err := m.devices.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("materialize: create device session: %w", err)
	}

	return &Credentials{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         user.ToPublic(),
	}, nil
}
