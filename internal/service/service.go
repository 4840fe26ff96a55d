// Package service реализует бизнес-логику сервиса питчпоинтс:
// оформление покупок мест, обмен баллов на награды и чтение каталогов.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitchpoints/pitchpoints-system/internal/cache"
	"github.com/pitchpoints/pitchpoints-system/internal/ledger"
	"github.com/pitchpoints/pitchpoints-system/internal/model"
	"github.com/pitchpoints/pitchpoints-system/internal/queue"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateAccount(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetAccountByLogin(ctx context.Context, login string) (*model.Account, error)
	AccountPoints(ctx context.Context, accountID int64) (int64, error)
	GetReward(ctx context.Context, rewardID int64) (*model.Reward, error)
	ListRewards(ctx context.Context) ([]model.Reward, error)
	InsertRedemption(ctx context.Context, red *model.Redemption) error
	RedemptionsByAccount(ctx context.Context, accountID int64) ([]model.Redemption, error)
	ListMatches(ctx context.Context) ([]model.Match, error)
	GetMatch(ctx context.Context, matchID int64) (*model.Match, error)
	GetSeatCategory(ctx context.Context, matchID, categoryID int64) (*model.SeatCategory, error)
	ReserveSeats(ctx context.Context, categoryID int64, count int) error
	ReleaseSeats(ctx context.Context, categoryID int64, count int) error
	InsertBooking(ctx context.Context, b *model.Booking) error
	BookingsByAccount(ctx context.Context, accountID int64) ([]model.Booking, error)
	UncreditedBookings(ctx context.Context, limit int) ([]model.Booking, error)
	OrphanRedemptionDebits(ctx context.Context, cutoff time.Time, limit int) ([]ledger.Entry, error)
}

// PointsLedger описывает контракт журнала баллов, используемый сервисом.
type PointsLedger interface {
	ApplyDelta(ctx context.Context, accountID, delta int64, causeID string, kind ledger.CauseKind) (int64, error)
}

// ErrRewardUnavailable возвращается при попытке обменять недоступную награду.
var (
	ErrRewardUnavailable = errors.New("reward is unavailable")
	// ErrInvalidQuantity возвращается при некорректном количестве мест.
	ErrInvalidQuantity = errors.New("seat count must be positive")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	reconcileInterval  = 5 * time.Second
	reconcileBatchSize = 100

	// orphanDebitAge — минимальный возраст списания без записи истории,
	// после которого оно считается брошенным. Защищает списания, у которых
	// запись истории ещё выполняется.
	orphanDebitAge = time.Minute
)

// Service содержит бизнес-логику сервиса питчпоинтс.
type Service struct {
	repo    Repository
	ledger  PointsLedger
	catalog *cache.Catalog
	events  *queue.Publisher
}

// NewService создаёт сервис с указанным репозиторием и журналом баллов.
// Кэш каталогов и публикатор событий необязательны и могут быть nil.
func NewService(repo Repository, pointsLedger PointsLedger, catalog *cache.Catalog, events *queue.Publisher) *Service {
	return &Service{
		repo:    repo,
		ledger:  pointsLedger,
		catalog: catalog,
		events:  events,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.catalog != nil {
		_ = s.catalog.Close()
	}
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterAccount регистрирует нового пользователя и создаёт счёт с нулевым балансом.
func (s *Service) RegisterAccount(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	return s.repo.CreateAccount(ctx, login, hashed)
}

// Authenticate проверяет логин и пароль и возвращает идентификатор счёта.
func (s *Service) Authenticate(ctx context.Context, login, password string) (int64, error) {
	a, err := s.repo.GetAccountByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return 0, ErrInvalidCredentials
		}
		return 0, err
	}

	hashed := hashPassword(login, password)
	if subtle.ConstantTimeCompare(hashed, a.PasswordHash) != 1 {
		return 0, ErrInvalidCredentials
	}

	return a.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetBalance возвращает текущий баланс счёта в баллах.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	return s.repo.AccountPoints(ctx, accountID)
}

// ListRewards возвращает каталог наград, используя кэш для витрины.
func (s *Service) ListRewards(ctx context.Context) ([]model.Reward, error) {
	if s.catalog != nil {
		if rewards, ok := s.catalog.Rewards(ctx); ok {
			return rewards, nil
		}
	}

	rewards, err := s.repo.ListRewards(ctx)
	if err != nil {
		return nil, err
	}

	if s.catalog != nil {
		s.catalog.StoreRewards(ctx, rewards)
	}

	return rewards, nil
}

// ListMatches возвращает список матчей, используя кэш для витрины.
func (s *Service) ListMatches(ctx context.Context) ([]model.Match, error) {
	if s.catalog != nil {
		if matches, ok := s.catalog.Matches(ctx); ok {
			return matches, nil
		}
	}

	matches, err := s.repo.ListMatches(ctx)
	if err != nil {
		return nil, err
	}

	if s.catalog != nil {
		s.catalog.StoreMatches(ctx, matches)
	}

	return matches, nil
}

// GetMatch возвращает матч с категориями мест.
func (s *Service) GetMatch(ctx context.Context, matchID int64) (*model.Match, error) {
	return s.repo.GetMatch(ctx, matchID)
}

// Redeem обменивает баллы счёта на награду. Доступность награды проверяется
// в момент обмена, а не только при отображении каталога. Списание и запись
// истории образуют одно логическое действие: при отказе записи списание
// отменяется обратной проводкой.
func (s *Service) Redeem(ctx context.Context, accountID, rewardID int64) (*model.Redemption, int64, error) {
	// Награда читается из основного хранилища, минуя кэш витрины.
	reward, err := s.repo.GetReward(ctx, rewardID)
	if err != nil {
		return nil, 0, err
	}
	if !reward.Available {
		return nil, 0, fmt.Errorf("%w: %s", ErrRewardUnavailable, reward.Name)
	}

	red := &model.Redemption{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		RewardID:    reward.ID,
		RewardName:  reward.Name,
		PointsSpent: reward.PointsRequired,
		Status:      model.RedemptionStatusRedeemed,
		CreatedAt:   time.Now().UTC(),
	}

	newBalance, err := s.ledger.ApplyDelta(ctx, accountID, -reward.PointsRequired, red.ID, ledger.CauseRedemption)
	if err != nil {
		return nil, 0, err
	}

	if err := s.repo.InsertRedemption(ctx, red); err != nil {
		// Списание без записи истории недопустимо: возвращаем баллы.
		if _, revErr := s.ledger.ApplyDelta(ctx, accountID, reward.PointsRequired, red.ID, ledger.CauseReversal); revErr != nil {
			return nil, 0, errors.Join(
				fmt.Errorf("insert redemption: %w", err),
				fmt.Errorf("reverse debit: %w", revErr),
			)
		}
		return nil, 0, fmt.Errorf("insert redemption: %w", err)
	}

	if s.events != nil {
		_ = s.events.PublishRewardRedeemed(ctx, queue.RewardRedeemedEvent{
			RedemptionID: red.ID,
			AccountID:    accountID,
			RewardID:     reward.ID,
			RewardName:   reward.Name,
			PointsSpent:  red.PointsSpent,
			NewBalance:   newBalance,
			CreatedAt:    red.CreatedAt.Format(time.RFC3339),
		})
	}

	return red, newBalance, nil
}

// BookSeats оформляет покупку мест и начисляет баллы. Инвентарь мест
// уменьшается защищённым условным обновлением, поэтому две параллельные
// покупки не продадут одни и те же места.
func (s *Service) BookSeats(ctx context.Context, accountID, matchID, categoryID int64, seatCount int) (*model.Booking, int64, error) {
	if seatCount < 1 {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidQuantity, seatCount)
	}

	// Счёт должен существовать до любых изменений инвентаря.
	if _, err := s.repo.AccountPoints(ctx, accountID); err != nil {
		return nil, 0, err
	}

	category, err := s.repo.GetSeatCategory(ctx, matchID, categoryID)
	if err != nil {
		return nil, 0, err
	}

	if err := s.repo.ReserveSeats(ctx, category.ID, seatCount); err != nil {
		return nil, 0, err
	}

	booking := &model.Booking{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		MatchID:          matchID,
		SeatCategoryID:   category.ID,
		SeatCount:        seatCount,
		TotalAmountCents: category.PriceCents * int64(seatCount),
		PointsEarned:     category.PointsPerSeat * int64(seatCount),
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.repo.InsertBooking(ctx, booking); err != nil {
		if relErr := s.repo.ReleaseSeats(ctx, category.ID, seatCount); relErr != nil {
			return nil, 0, errors.Join(
				fmt.Errorf("insert booking: %w", err),
				fmt.Errorf("release seats: %w", relErr),
			)
		}
		return nil, 0, fmt.Errorf("insert booking: %w", err)
	}

	newBalance := int64(0)
	if booking.PointsEarned > 0 {
		newBalance, err = s.ledger.ApplyDelta(ctx, accountID, booking.PointsEarned, booking.ID, ledger.CauseBooking)
		if err != nil {
			// Покупка зафиксирована; начисление довосстановит фоновый процесс.
			return nil, 0, fmt.Errorf("credit booking points: %w", err)
		}
	} else {
		newBalance, err = s.repo.AccountPoints(ctx, accountID)
		if err != nil {
			return nil, 0, err
		}
	}

	if s.events != nil {
		_ = s.events.PublishBookingConfirmed(ctx, queue.BookingConfirmedEvent{
			BookingID:        booking.ID,
			AccountID:        accountID,
			MatchID:          matchID,
			SeatCategoryID:   category.ID,
			SeatCount:        seatCount,
			TotalAmountCents: booking.TotalAmountCents,
			PointsEarned:     booking.PointsEarned,
			CreatedAt:        booking.CreatedAt.Format(time.RFC3339),
		})
	}

	return booking, newBalance, nil
}

// RedemptionsByAccount возвращает историю обменов счёта.
func (s *Service) RedemptionsByAccount(ctx context.Context, accountID int64) ([]model.Redemption, error) {
	return s.repo.RedemptionsByAccount(ctx, accountID)
}

// BookingsByAccount возвращает историю покупок счёта.
func (s *Service) BookingsByAccount(ctx context.Context, accountID int64) ([]model.Booking, error) {
	return s.repo.BookingsByAccount(ctx, accountID)
}

// StartCreditReconciler выполняет фоновый процесс восстановления журнала:
// доначисляет баллы по покупкам без проводки и отменяет списания без записи
// истории обмена. Блокируется до отмены контекста. Повторное применение
// безопасно: журнал идемпотентен по основанию.
func (s *Service) StartCreditReconciler(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcileCredits(ctx)
			s.reconcileRedemptions(ctx)
		}
	}
}

func (s *Service) reconcileCredits(ctx context.Context) {
	bookings, err := s.repo.UncreditedBookings(ctx, reconcileBatchSize)
	if err != nil {
		return
	}

	for _, b := range bookings {
		_, _ = s.ledger.ApplyDelta(ctx, b.AccountID, b.PointsEarned, b.ID, ledger.CauseBooking)
	}
}

// reconcileRedemptions отменяет списания, по которым так и не появилась
// запись истории обмена: сбой между списанием и записью не должен оставлять
// счёт без баллов и без награды.
func (s *Service) reconcileRedemptions(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-orphanDebitAge)
	entries, err := s.repo.OrphanRedemptionDebits(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		return
	}

	for _, e := range entries {
		_, _ = s.ledger.ApplyDelta(ctx, e.AccountID, -e.Delta, e.CauseID, ledger.CauseReversal)
	}
}
