package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	custommiddleware "github.com/pitchpoints/pitchpoints-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса питчпоинтс.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Get("/matches", h.ListMatches)
		r.Get("/matches/{matchID}", h.GetMatch)
		r.Get("/rewards", h.ListRewards)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/user/balance", h.GetBalance)
			r.Get("/user/bookings", h.GetBookings)
			r.Get("/user/redemptions", h.GetRedemptions)

			r.Post("/bookings", h.BookSeats)
			r.Post("/rewards/redeem", h.Redeem)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
