package pairing

import (
	"time"

	"github.com/milkyhoop/internal/model"
)

type EventType string

// Порядок событий для подписчика: connected → scanned → ровно одно из
// approved | rejected | expired. Терминальное событие всегда последнее.
const (
	EventConnected EventType = "connected"
	EventScanned   EventType = "scanned"
	EventApproved  EventType = "approved"
	EventRejected  EventType = "rejected"
	EventExpired   EventType = "expired"
)

// Terminal reports whether this event ends the pairing stream.
func (e EventType) Terminal() bool {
	return e == EventApproved || e == EventRejected || e == EventExpired
}

// Event is a single server→client message on the pairing channel.
// Only "approved" carries credentials; "connected" carries the deadline so
// the client countdown stays a display derived from server time.
type Event struct {
	Event        EventType         `json:"event"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	TTLSeconds   int               `json:"ttl_seconds,omitempty"`
	AccessToken  string            `json:"access_token,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	User         *model.UserPublic `json:"user,omitempty"`
}

// ConnectedEvent строит первое событие подписки по данным токена.
func ConnectedEvent(t *model.PairingToken) Event {
	exp := t.ExpiresAt
	ttl := int(time.Until(exp) / time.Second)
	if ttl < 0 {
		ttl = 0
	}
	return Event{Event: EventConnected, ExpiresAt: &exp, TTLSeconds: ttl}
}
