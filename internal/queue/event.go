// Package queue содержит публикацию доменных событий в брокер сообщений.
package queue

// BookingConfirmedEvent публикуется после успешного оформления покупки мест.
// Содержит достаточно данных для уведомлений и аналитики без обращения к БД.
type BookingConfirmedEvent struct {
	BookingID        string `json:"booking_id"`
	AccountID        int64  `json:"account_id"`
	MatchID          int64  `json:"match_id"`
	SeatCategoryID   int64  `json:"seat_category_id"`
	SeatCount        int    `json:"seat_count"`
	TotalAmountCents int64  `json:"total_amount_cents"`
	PointsEarned     int64  `json:"points_earned"`
	CreatedAt        string `json:"created_at"`
}

// RewardRedeemedEvent публикуется после успешного обмена баллов на награду.
type RewardRedeemedEvent struct {
	RedemptionID string `json:"redemption_id"`
	AccountID    int64  `json:"account_id"`
	RewardID     int64  `json:"reward_id"`
	RewardName   string `json:"reward_name"`
	PointsSpent  int64  `json:"points_spent"`
	NewBalance   int64  `json:"new_balance"`
	CreatedAt    string `json:"created_at"`
}
