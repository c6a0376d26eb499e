package model

import "time"

// PairingState — состояние QR-пары. Переходы только вперёд:
// pending → scanned → approved|rejected, из любого нетерминального — expired.
type PairingState string

const (
	PairingPending  PairingState = "pending"
	PairingScanned  PairingState = "scanned"
	PairingApproved PairingState = "approved"
	PairingRejected PairingState = "rejected"
	PairingExpired  PairingState = "expired"
)

// Terminal reports whether no further transitions leave this state.
func (s PairingState) Terminal() bool {
	return s == PairingApproved || s == PairingRejected || s == PairingExpired
}

type PairingDecision string

const (
	DecisionApproved PairingDecision = "approved"
	DecisionRejected PairingDecision = "rejected"
)

// PairingToken — одна попытка входа по QR. Token — единственный handle,
// который попадает в QR-код.
type PairingToken struct {
	Token       string       `json:"token"`
	State       PairingState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Fingerprint string       `json:"fingerprint,omitempty"`
	BrowserID   string       `json:"browser_id,omitempty"`

	// Заполняются при сканировании.
	ScannedBy string     `json:"scanned_by,omitempty"`
	ScannedAt *time.Time `json:"scanned_at,omitempty"`

	// Заполняется вместе с терминальным состоянием approved/rejected.
	Decision PairingDecision `json:"decision,omitempty"`
}

// Expired сравнивает с переданным now, а не с моментом выдачи токена:
// решение по просроченному токену не принимается, даже если запрос
// пришёл за микросекунды до срабатывания sweeper.
func (t *PairingToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
