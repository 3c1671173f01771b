package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jobbyist/yute-za/internal/handlers"
	appmw "github.com/jobbyist/yute-za/internal/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

func NewRoutes(h *handlers.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(appmw.Authenticated)

		r.Get("/auth/me", h.Me)

		r.Get("/wallet", h.GetWallet)
		r.Get("/wallet/transactions", h.WalletTransactions)
		r.Post("/wallet/deposit", h.Deposit)
		r.Post("/wallet/withdraw", h.Withdraw)
		r.Post("/wallet/transfer", h.Transfer)

		r.Post("/circles", h.CreateCircle)
		r.Get("/circles", h.ListCircles)
		r.Get("/circles/{circleID}", h.GetCircle)
		r.Post("/circles/{circleID}/join", h.JoinCircle)
		r.Post("/circles/{circleID}/leave", h.LeaveCircle)
		r.Get("/circles/{circleID}/members", h.CircleMembers)
		r.Post("/circles/{circleID}/contributions", h.Contribute)
		r.Get("/circles/{circleID}/contributions", h.CircleContributions)

		r.Post("/circles/{circleID}/proposals", h.CreateProposal)
		r.Get("/circles/{circleID}/proposals", h.CircleProposals)
		r.Get("/proposals/{proposalID}", h.GetProposal)
		r.Get("/proposals/{proposalID}/votes", h.ProposalVotes)
		r.Post("/proposals/{proposalID}/votes", h.CastVote)
		r.Post("/proposals/{proposalID}/settle", h.ResettleProposal)
	})

	// The websocket handshake carries no Authorization header from browsers,
	// so the handler authenticates a token query parameter itself.
	r.Get("/ws/circles/{circleID}", h.CircleEvents)

	r.Get("/swagger/*", httpSwagger.WrapHandler)

	return r
}
