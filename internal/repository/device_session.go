package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/milkyhoop/internal/logger"
	"github.com/milkyhoop/internal/model"
)

const deviceSessionCols = `id, user_id, browser_id, fingerprint, refresh_token_hash, created_at, expires_at, revoked_at`

type DeviceSessionRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceSessionRepository(pool *pgxpool.Pool) *DeviceSessionRepository {
	return &DeviceSessionRepository{pool: pool}
}

func scanDeviceSession(s interface{ Scan(dest ...any) error }, d *model.DeviceSession) error {
	return s.Scan(&d.ID, &d.UserID, &d.BrowserID, &d.Fingerprint, &d.RefreshTokenHash, &d.CreatedAt, &d.ExpiresAt, &d.RevokedAt)
}

func (r *DeviceSessionRepository) Create(ctx context.Context, d *model.DeviceSession) error {
	defer logger.DeferLogDuration("deviceSession.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO device_sessions (id, user_id, browser_id, fingerprint, refresh_token_hash, created_at, expires_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)`,
		d.ID, d.UserID, d.BrowserID, d.Fingerprint, d.RefreshTokenHash, d.CreatedAt, d.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("deviceSessionRepo.Create: %w", err)
	}
	return nil
}

// GetByID возвращает сессию независимо от revoked_at (для аудита).
func (r *DeviceSessionRepository) GetByID(ctx context.Context, id string) (*model.DeviceSession, error) {
	defer logger.DeferLogDuration("deviceSession.GetByID", time.Now())()
	d := &model.DeviceSession{}
	row := r.pool.QueryRow(ctx, `SELECT `+deviceSessionCols+` FROM device_sessions WHERE id = $1`, id)
	if err := scanDeviceSession(row, d); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deviceSessionRepo.GetByID: %w", err)
	}
	return d, nil
}

// FindActiveByBrowserID — активная (не отозванная, не истёкшая) сессия
// данной установки браузера. Ключ single-session enforcement.
func (r *DeviceSessionRepository) FindActiveByBrowserID(ctx context.Context, browserID string) (*model.DeviceSession, error) {
	defer logger.DeferLogDuration("deviceSession.FindActiveByBrowserID", time.Now())()
	d := &model.DeviceSession{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+deviceSessionCols+` FROM device_sessions
		 WHERE browser_id = $1 AND revoked_at IS NULL AND expires_at > NOW()
		 ORDER BY created_at DESC LIMIT 1`, browserID)
	if err := scanDeviceSession(row, d); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deviceSessionRepo.FindActiveByBrowserID: %w", err)
	}
	return d, nil
}

// Revoke помечает сессию отозванной; её refresh-токен перестаёт
// действовать (проверка по refresh_token_hash + revoked_at).
func (r *DeviceSessionRepository) Revoke(ctx context.Context, id string) (bool, error) {
	defer logger.DeferLogDuration("deviceSession.Revoke", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE device_sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("deviceSessionRepo.Revoke: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IsRefreshTokenActive: валиден ли refresh с данным hash (не отозван,
// не истёк). Используется внешним identity-сервисом при ротации.
func (r *DeviceSessionRepository) IsRefreshTokenActive(ctx context.Context, hash string) (bool, error) {
	defer logger.DeferLogDuration("deviceSession.IsRefreshTokenActive", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM device_sessions
		 WHERE refresh_token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()`, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("deviceSessionRepo.IsRefreshTokenActive: %w", err)
	}
	return n > 0, nil
}

// ListActiveByUserID — активные web-сессии пользователя.
func (r *DeviceSessionRepository) ListActiveByUserID(ctx context.Context, userID string) ([]model.DeviceSession, error) {
	defer logger.DeferLogDuration("deviceSession.ListActiveByUserID", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+deviceSessionCols+` FROM device_sessions
		 WHERE user_id = $1 AND revoked_at IS NULL AND expires_at > NOW()
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("deviceSessionRepo.ListActiveByUserID: %w", err)
	}
	defer rows.Close()
	var list []model.DeviceSession
	for rows.Next() {
		var d model.DeviceSession
		if err := scanDeviceSession(rows, &d); err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}
