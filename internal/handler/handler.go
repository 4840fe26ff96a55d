// Package handler содержит HTTP-обработчики API сервиса питчпоинтс.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitchpoints/pitchpoints-system/internal/ledger"
	"github.com/pitchpoints/pitchpoints-system/internal/middleware"
	"github.com/pitchpoints/pitchpoints-system/internal/model"
	"github.com/pitchpoints/pitchpoints-system/internal/repository"
	"github.com/pitchpoints/pitchpoints-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterAccount(ctx context.Context, login, password string) (int64, error)
	Authenticate(ctx context.Context, login, password string) (int64, error)
	GetBalance(ctx context.Context, accountID int64) (int64, error)
	ListRewards(ctx context.Context) ([]model.Reward, error)
	ListMatches(ctx context.Context) ([]model.Match, error)
	GetMatch(ctx context.Context, matchID int64) (*model.Match, error)
	Redeem(ctx context.Context, accountID, rewardID int64) (*model.Redemption, int64, error)
	BookSeats(ctx context.Context, accountID, matchID, categoryID int64, seatCount int) (*model.Booking, int64, error)
	RedemptionsByAccount(ctx context.Context, accountID int64) ([]model.Redemption, error)
	BookingsByAccount(ctx context.Context, accountID int64) ([]model.Booking, error)
}

// Handler реализует HTTP-обработчики API сервиса питчпоинтс.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeServiceError переводит ошибки бизнес-логики в HTTP-статусы.
// Детали хранилища наружу не выходят: неожиданные ошибки логируются
// и отдаются как 500 без подробностей.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, op string) {
	var insufficient *ledger.InsufficientBalanceError

	switch {
	case errors.As(err, &insufficient):
		writeError(w, http.StatusPaymentRequired,
			"not enough points: you need "+strconv.FormatInt(insufficient.Shortfall(), 10)+" more points")
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "not enough points")
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, repository.ErrRewardNotFound),
		errors.Is(err, repository.ErrMatchNotFound),
		errors.Is(err, repository.ErrSeatCategoryNotFound):
		writeError(w, http.StatusNotFound, http.StatusText(http.StatusNotFound))
	case errors.Is(err, service.ErrRewardUnavailable):
		writeError(w, http.StatusConflict, "this reward is currently unavailable")
	case errors.Is(err, repository.ErrSoldOut):
		writeError(w, http.StatusConflict, "not enough seats available")
	case errors.Is(err, service.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, "seat count must be positive")
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, "operation could not be completed, please try again")
	default:
		h.logger.Error(op+" error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, http.StatusText(http.StatusBadRequest))
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	accountID, err := h.service.RegisterAccount(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			writeError(w, http.StatusConflict, "login is already taken")
			return
		}
		h.logger.Error("register account error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, http.StatusText(http.StatusBadRequest))
		return
	}

	if req.Login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "login and password are required")
		return
	}

	accountID, err := h.service.Authenticate(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
			return
		}
		h.logger.Error("login error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

type balanceResponse struct {
	Points int64 `json:"points"`
}

// GetBalance возвращает баланс текущего счёта.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	points, err := h.service.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err, "get balance")
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Points: points})
}

type rewardResponse struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Category       string `json:"category,omitempty"`
	Image          string `json:"image,omitempty"`
	PointsRequired int64  `json:"points_required"`
	Available      bool   `json:"available"`
}

// ListRewards возвращает каталог наград.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.service.ListRewards(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "list rewards")
		return
	}

	resp := make([]rewardResponse, 0, len(rewards))
	for _, rw := range rewards {
		resp = append(resp, rewardResponse{
			ID:             rw.ID,
			Name:           rw.Name,
			Description:    rw.Description,
			Category:       rw.Category,
			Image:          rw.Image,
			PointsRequired: rw.PointsRequired,
			Available:      rw.Available,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type redeemRequest struct {
	RewardID int64 `json:"reward_id"`
}

type redemptionResponse struct {
	ID          string `json:"id"`
	RewardID    int64  `json:"reward_id"`
	RewardName  string `json:"reward_name,omitempty"`
	PointsSpent int64  `json:"points_spent"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

type redeemResponse struct {
	Redemption redemptionResponse `json:"redemption"`
	NewBalance int64              `json:"new_balance"`
}

// Redeem обменивает баллы текущего счёта на награду.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, http.StatusText(http.StatusBadRequest))
		return
	}
	if req.RewardID <= 0 {
		writeError(w, http.StatusBadRequest, "reward_id is required")
		return
	}

	red, newBalance, err := h.service.Redeem(r.Context(), accountID, req.RewardID)
	if err != nil {
		h.writeServiceError(w, err, "redeem reward")
		return
	}

	writeJSON(w, http.StatusOK, redeemResponse{
		Redemption: redemptionResponse{
			ID:          red.ID,
			RewardID:    red.RewardID,
			RewardName:  red.RewardName,
			PointsSpent: red.PointsSpent,
			Status:      string(red.Status),
			CreatedAt:   red.CreatedAt.Format(time.RFC3339),
		},
		NewBalance: newBalance,
	})
}

// GetRedemptions возвращает историю обменов текущего счёта.
func (h *Handler) GetRedemptions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	redemptions, err := h.service.RedemptionsByAccount(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err, "get redemptions")
		return
	}

	if len(redemptions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]redemptionResponse, 0, len(redemptions))
	for _, rd := range redemptions {
		resp = append(resp, redemptionResponse{
			ID:          rd.ID,
			RewardID:    rd.RewardID,
			RewardName:  rd.RewardName,
			PointsSpent: rd.PointsSpent,
			Status:      string(rd.Status),
			CreatedAt:   rd.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type seatCategoryResponse struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Price          string `json:"price"`
	PointsPerSeat  int64  `json:"points_per_seat"`
	AvailableSeats int    `json:"available_seats"`
}

type matchResponse struct {
	ID             int64                  `json:"id"`
	HomeTeam       string                 `json:"home_team"`
	AwayTeam       string                 `json:"away_team"`
	Venue          string                 `json:"venue"`
	StartsAt       string                 `json:"starts_at"`
	SeatCategories []seatCategoryResponse `json:"seat_categories,omitempty"`
}

func toMatchResponse(m model.Match) matchResponse {
	resp := matchResponse{
		ID:       m.ID,
		HomeTeam: m.HomeTeam,
		AwayTeam: m.AwayTeam,
		Venue:    m.Venue,
		StartsAt: m.StartsAt.Format(time.RFC3339),
	}
	for _, c := range m.SeatCategories {
		resp.SeatCategories = append(resp.SeatCategories, seatCategoryResponse{
			ID:             c.ID,
			Name:           c.Name,
			Price:          c.Price().StringFixed(2),
			PointsPerSeat:  c.PointsPerSeat,
			AvailableSeats: c.AvailableSeats,
		})
	}
	return resp
}

// ListMatches возвращает список матчей.
func (h *Handler) ListMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := h.service.ListMatches(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "list matches")
		return
	}

	resp := make([]matchResponse, 0, len(matches))
	for _, m := range matches {
		resp = append(resp, toMatchResponse(m))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetMatch возвращает матч с категориями мест.
func (h *Handler) GetMatch(w http.ResponseWriter, r *http.Request) {
	matchID, err := strconv.ParseInt(chi.URLParam(r, "matchID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid match id")
		return
	}

	m, err := h.service.GetMatch(r.Context(), matchID)
	if err != nil {
		h.writeServiceError(w, err, "get match")
		return
	}

	writeJSON(w, http.StatusOK, toMatchResponse(*m))
}

type bookingRequest struct {
	MatchID        int64 `json:"match_id"`
	SeatCategoryID int64 `json:"seat_category_id"`
	SeatCount      int   `json:"seat_count"`
}

type bookingResponse struct {
	ID             string `json:"id"`
	MatchID        int64  `json:"match_id"`
	SeatCategoryID int64  `json:"seat_category_id"`
	SeatCount      int    `json:"seat_count"`
	TotalAmount    string `json:"total_amount"`
	PointsEarned   int64  `json:"points_earned"`
	CreatedAt      string `json:"created_at"`
}

type bookSeatsResponse struct {
	Booking    bookingResponse `json:"booking"`
	NewBalance int64           `json:"new_balance"`
}

func toBookingResponse(b model.Booking) bookingResponse {
	return bookingResponse{
		ID:             b.ID,
		MatchID:        b.MatchID,
		SeatCategoryID: b.SeatCategoryID,
		SeatCount:      b.SeatCount,
		TotalAmount:    b.TotalAmount().StringFixed(2),
		PointsEarned:   b.PointsEarned,
		CreatedAt:      b.CreatedAt.Format(time.RFC3339),
	}
}

// BookSeats оформляет покупку мест для текущего счёта.
func (h *Handler) BookSeats(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	var req bookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, http.StatusText(http.StatusBadRequest))
		return
	}
	if req.MatchID <= 0 || req.SeatCategoryID <= 0 {
		writeError(w, http.StatusBadRequest, "match_id and seat_category_id are required")
		return
	}

	booking, newBalance, err := h.service.BookSeats(r.Context(), accountID, req.MatchID, req.SeatCategoryID, req.SeatCount)
	if err != nil {
		h.writeServiceError(w, err, "book seats")
		return
	}

	writeJSON(w, http.StatusOK, bookSeatsResponse{
		Booking:    toBookingResponse(*booking),
		NewBalance: newBalance,
	})
}

// GetBookings возвращает историю покупок текущего счёта.
func (h *Handler) GetBookings(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	bookings, err := h.service.BookingsByAccount(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, err, "get bookings")
		return
	}

	if len(bookings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]bookingResponse, 0, len(bookings))
	for _, b := range bookings {
		resp = append(resp, toBookingResponse(b))
	}

	writeJSON(w, http.StatusOK, resp)
}
