// Package model содержит доменные сущности сервиса питчпоинтс.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account представляет бонусный счёт пользователя.
// Баланс хранится в баллах и никогда не опускается ниже нуля.
type Account struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Points       int64
	CreatedAt    time.Time
}

// Reward описывает позицию каталога наград, доступную за баллы.
type Reward struct {
	ID             int64
	Name           string
	Description    string
	Category       string
	Image          string
	PointsRequired int64
	Available      bool
	CreatedAt      time.Time
}

// RedemptionStatus описывает статус обмена баллов на награду.
type RedemptionStatus string

const (
	RedemptionStatusRedeemed RedemptionStatus = "redeemed"
	RedemptionStatusExpired  RedemptionStatus = "expired"
)

// Redemption описывает факт обмена баллов на награду. Запись неизменяема:
// PointsSpent фиксируется в момент обмена и не пересчитывается из каталога.
type Redemption struct {
	ID          string
	AccountID   int64
	RewardID    int64
	RewardName  string
	PointsSpent int64
	Status      RedemptionStatus
	CreatedAt   time.Time
}

// Booking описывает покупку мест на матч. Запись неизменяема:
// сумма и начисленные баллы фиксируются в момент покупки.
type Booking struct {
	ID               string
	AccountID        int64
	MatchID          int64
	SeatCategoryID   int64
	SeatCount        int
	TotalAmountCents int64
	PointsEarned     int64
	CreatedAt        time.Time
}

// TotalAmount возвращает сумму покупки в денежных единицах.
func (b Booking) TotalAmount() decimal.Decimal {
	return AmountFromCents(b.TotalAmountCents)
}

// Match описывает матч, на который продаются билеты.
type Match struct {
	ID             int64
	HomeTeam       string
	AwayTeam       string
	Venue          string
	StartsAt       time.Time
	SeatCategories []SeatCategory
}

// SeatCategory описывает категорию мест матча: цену, баллы за место
// и количество свободных мест.
type SeatCategory struct {
	ID             int64
	MatchID        int64
	Name           string
	PriceCents     int64
	PointsPerSeat  int64
	AvailableSeats int
}

// Price возвращает цену одного места в денежных единицах.
func (c SeatCategory) Price() decimal.Decimal {
	return AmountFromCents(c.PriceCents)
}

// AmountFromCents переводит сумму в минорных единицах в десятичное число.
func AmountFromCents(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Shift(-2)
}
