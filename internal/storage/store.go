package storage

import (
	"context"
	"errors"
	"time"

	"github.com/milkyhoop/internal/model"
)

// Ошибки переходов. Хранилище возвращает их из CAS-операций; сервис и
// handler различают их через errors.Is.
var (
	ErrNotFound       = errors.New("pairing token not found")
	ErrExpired        = errors.New("pairing token expired")
	ErrAlreadyScanned = errors.New("pairing token already scanned")
	ErrInvalidState   = errors.New("operation not allowed in current state")
	ErrForbidden      = errors.New("acting user did not scan this token")
	ErrExists         = errors.New("pairing token already exists")
)

// PairingStore — хранилище QR-пар. Каждый переход — атомарный CAS по
// (token, ожидаемое состояние): побеждает ровно одна из гонящихся операций,
// проигравшая видит новое состояние и возвращает ошибку из списка выше.
// Реализации: redis.Client, memory.Client (для -dev и тестов).
type PairingStore interface {
	// Insert сохраняет новый токен в состоянии pending.
	Insert(ctx context.Context, t *model.PairingToken) error

	Get(ctx context.Context, token string) (*model.PairingToken, error)

	// MarkScanned: CAS pending → scanned. Срок жизни сравнивается с now в
	// момент проверки состояния, не в момент выдачи. Ошибки: ErrNotFound,
	// ErrExpired, ErrAlreadyScanned (state уже scanned или терминальное).
	MarkScanned(ctx context.Context, token, userID string, now time.Time) (*model.PairingToken, error)

	// MarkDecided: CAS scanned → approved|rejected. Сверка userID со
	// ScannedBy выполняется внутри того же атомарного шага (ErrForbidden).
	// Ошибки: ErrNotFound, ErrExpired, ErrInvalidState, ErrForbidden.
	MarkDecided(ctx context.Context, token, userID string, d model.PairingDecision, now time.Time) (*model.PairingToken, error)

	// MarkExpired: CAS нетерминальное → expired. Возвращает true, только
	// если переход выполнил именно этот вызов — победитель публикует
	// терминальное событие expired ровно один раз.
	MarkExpired(ctx context.Context, token string, now time.Time) (bool, error)

	// ListDue возвращает токены с expires_at <= now в нетерминальном
	// состоянии (для sweeper).
	ListDue(ctx context.Context, now time.Time) ([]string, error)

	// Purge удаляет терминальные записи старше retention (брошенные
	// pairing не копятся в памяти).
	Purge(ctx context.Context, now time.Time, retention time.Duration) (int, error)

	Delete(ctx context.Context, token string) error

	Close() error
}
