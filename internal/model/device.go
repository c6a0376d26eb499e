package model

import "time"

// DeviceSession — авторизованная web-сессия браузера. На один browser_id
// допускается не более одной активной сессии: при повторном pairing старая
// отзывается (RevokedAt) вместе с её refresh-токеном.
type DeviceSession struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	BrowserID        string     `json:"browser_id"`
	Fingerprint      string     `json:"-"`
	RefreshTokenHash string     `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
}
