package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jobbyist/yute-za/internal/circles"
	"github.com/jobbyist/yute-za/internal/httputil"
	"github.com/jobbyist/yute-za/internal/middleware"
	"github.com/shopspring/decimal"
)

type CreateCircleRequest struct {
	Name                string          `json:"name"`
	Description         string          `json:"description,omitempty"`
	GoalDescription     string          `json:"goal_description"`
	TargetAmount        decimal.Decimal `json:"target_amount"`
	MonthlyContribution decimal.Decimal `json:"monthly_contribution"`
	PayoutType          string          `json:"payout_type"`
	IsPrivate           bool            `json:"is_private,omitempty"`
	NextPayoutDate      *time.Time      `json:"next_payout_date,omitempty"`
}

type ContributionRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Notes  string          `json:"notes,omitempty"`
}

func (h *Handler) CreateCircle(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req CreateCircleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	circle, err := h.Circles.Create(r.Context(), userID, circles.CreateParams{
		Name:                req.Name,
		Description:         req.Description,
		GoalDescription:     req.GoalDescription,
		TargetAmount:        req.TargetAmount,
		MonthlyContribution: req.MonthlyContribution,
		PayoutType:          req.PayoutType,
		IsPrivate:           req.IsPrivate,
		NextPayoutDate:      req.NextPayoutDate,
	})
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, circle)
}

func (h *Handler) ListCircles(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	list, err := h.Circles.List(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) GetCircle(w http.ResponseWriter, r *http.Request) {
	circleID, ok := pathID(w, r, "circleID")
	if !ok {
		return
	}
	circle, err := h.Circles.Get(r.Context(), circleID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, circle)
}

func (h *Handler) JoinCircle(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	circleID, ok := pathID(w, r, "circleID")
	if !ok {
		return
	}
	member, err := h.Circles.Join(r.Context(), circleID, userID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, member)
}

func (h *Handler) LeaveCircle(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	circleID, ok := pathID(w, r, "circleID")
	if !ok {
		return
	}
	if err := h.Circles.Leave(r.Context(), circleID, userID); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CircleMembers(w http.ResponseWriter, r *http.Request) {
	circleID, ok := pathID(w, r, "circleID")
	if !ok {
		return
	}
	members, err := h.Circles.Members(r.Context(), circleID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, members)
}

func (h *Handler) Contribute(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	circleID, ok := pathID(w, r, "circleID")
	if !ok {
		return
	}
	var req ContributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	contribution, err := h.Circles.Contribute(r.Context(), circleID, userID, req.Amount, req.Notes)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, contribution)
}

func (h *Handler) CircleContributions(w http.ResponseWriter, r *http.Request) {
	circleID, ok := pathID(w, r, "circleID")
	if !ok {
		return
	}
	list, err := h.Circles.Contributions(r.Context(), circleID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}

// CircleEvents upgrades to a websocket subscribed to the circle's activity.
// Browsers cannot set an Authorization header on the handshake, so the token
// rides in the query string; private circles additionally require active
// membership.
func (h *Handler) CircleEvents(w http.ResponseWriter, r *http.Request) {
	circleID, ok := pathID(w, r, "circleID")
	if !ok {
		return
	}
	userID, err := middleware.ParseToken(r.URL.Query().Get("token"))
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	circle, err := h.Circles.Get(r.Context(), circleID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if circle.IsPrivate {
		member, err := h.Circles.IsMember(r.Context(), circleID, userID)
		if err != nil {
			httputil.WriteServiceError(w, err)
			return
		}
		if !member {
			httputil.WriteServiceError(w, circles.ErrPrivateCircle)
			return
		}
	}
	h.Hub.Subscribe(w, r, circleID)
}
