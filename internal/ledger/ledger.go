// Package ledger реализует журнал баллов: единственную точку изменения
// баланса счёта. Каждое изменение привязано к основанию (покупке, обмену
// или его отмене), поэтому повторное применение с тем же основанием
// безопасно. Баланс никогда не опускается ниже нуля.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// CauseKind описывает тип события, породившего изменение баланса.
type CauseKind string

const (
	CauseBooking    CauseKind = "booking"
	CauseRedemption CauseKind = "redemption"
	CauseReversal   CauseKind = "reversal"
)

// Entry описывает одну применённую проводку журнала. Записи неизменяемы;
// пара (CauseKind, CauseID) уникальна и служит ключом идемпотентности.
type Entry struct {
	AccountID    int64
	Delta        int64
	CauseKind    CauseKind
	CauseID      string
	BalanceAfter int64
	CreatedAt    time.Time
}

// Store описывает контракт хранилища, необходимый журналу.
// Единственная операция записи — условное обновление баланса,
// атомарно фиксирующее проводку вместе с новым значением.
type Store interface {
	// AccountPoints возвращает текущий баланс счёта.
	AccountPoints(ctx context.Context, accountID int64) (int64, error)

	// EntryByCause возвращает проводку по основанию или nil, если её нет.
	EntryByCause(ctx context.Context, kind CauseKind, causeID string) (*Entry, error)

	// CompareAndSwapPoints записывает next вместо expected и фиксирует
	// проводку e. Возвращает false без ошибки, если баланс уже не равен
	// expected. Возвращает ErrDuplicateCause, если проводка с таким
	// основанием уже существует.
	CompareAndSwapPoints(ctx context.Context, accountID int64, expected, next int64, e Entry) (bool, error)
}

var (
	// ErrAccountNotFound возвращается, если счёт не существует.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientBalance возвращается, если списание опустило бы баланс ниже нуля.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrConflict возвращается после исчерпания повторов условной записи.
	ErrConflict = errors.New("concurrent balance modification")
	// ErrDuplicateCause возвращается хранилищем при попытке повторно
	// зафиксировать проводку с уже существующим основанием.
	ErrDuplicateCause = errors.New("duplicate cause")
	// ErrZeroDelta возвращается при нулевом изменении баланса.
	ErrZeroDelta = errors.New("delta must be non-zero")

	errStaleBalance = errors.New("stale balance")
)

// InsufficientBalanceError уточняет нехватку баллов при списании.
type InsufficientBalanceError struct {
	AccountID int64
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// Shortfall возвращает, сколько баллов не хватает для списания.
func (e *InsufficientBalanceError) Shortfall() int64 {
	return e.Requested - e.Available
}

const defaultMaxAttempts = 5

// Ledger применяет изменения баланса через условную запись с повторами.
type Ledger struct {
	store       Store
	maxAttempts uint64
}

// New создаёт журнал поверх указанного хранилища.
func New(store Store) *Ledger {
	return &Ledger{
		store:       store,
		maxAttempts: defaultMaxAttempts,
	}
}

// ApplyDelta атомарно изменяет баланс счёта на delta и возвращает новый
// баланс. Отрицательный delta применяется только при достаточном балансе.
// Повторный вызов с тем же основанием не изменяет баланс повторно и
// возвращает текущее значение.
func (l *Ledger) ApplyDelta(ctx context.Context, accountID, delta int64, causeID string, kind CauseKind) (int64, error) {
	if delta == 0 {
		return 0, ErrZeroDelta
	}
	if causeID == "" {
		return 0, errors.New("cause id is required")
	}

	existing, err := l.store.EntryByCause(ctx, kind, causeID)
	if err != nil {
		return 0, fmt.Errorf("find entry by cause: %w", err)
	}
	if existing != nil {
		// Изменение уже применено: повтор возвращает актуальный баланс.
		return l.store.AccountPoints(ctx, accountID)
	}

	var balance int64

	backoff := retry.WithMaxRetries(l.maxAttempts-1, retry.NewConstant(time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		points, err := l.store.AccountPoints(ctx, accountID)
		if err != nil {
			return err
		}

		next := points + delta
		if next < 0 {
			return &InsufficientBalanceError{
				AccountID: accountID,
				Available: points,
				Requested: -delta,
			}
		}

		swapped, err := l.store.CompareAndSwapPoints(ctx, accountID, points, next, Entry{
			AccountID:    accountID,
			Delta:        delta,
			CauseKind:    kind,
			CauseID:      causeID,
			BalanceAfter: next,
		})
		if err != nil {
			if errors.Is(err, ErrDuplicateCause) {
				// Параллельный повтор с тем же основанием успел раньше.
				current, err := l.store.AccountPoints(ctx, accountID)
				if err != nil {
					return err
				}
				balance = current
				return nil
			}
			return err
		}

		if !swapped {
			return retry.RetryableError(errStaleBalance)
		}

		balance = next
		return nil
	})
	if err != nil {
		if errors.Is(err, errStaleBalance) {
			return 0, fmt.Errorf("%w: account %d", ErrConflict, accountID)
		}
		return 0, err
	}

	return balance, nil
}
