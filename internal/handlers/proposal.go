package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jobbyist/yute-za/internal/httputil"
	"github.com/jobbyist/yute-za/internal/models"
	"github.com/shopspring/decimal"
)

type CreateProposalRequest struct {
	RecipientID uint64          `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason,omitempty"`
	Kind        string          `json:"kind,omitempty"`
}

type VoteRequest struct {
	VoteType string `json:"vote_type"`
	Reason   string `json:"reason,omitempty"`
}

// proposalResponse adds the read-time expiry label; a pending proposal past
// its deadline is shown as expired even before the sweeper materializes it.
type proposalResponse struct {
	models.PayoutProposal
	IsExpired bool `json:"is_expired"`
}

func toProposalResponse(p models.PayoutProposal, now time.Time) proposalResponse {
	expired := p.Status == models.ProposalExpired ||
		(p.Status == models.ProposalPending && !p.Open(now))
	return proposalResponse{PayoutProposal: p, IsExpired: expired}
}

func (h *Handler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	circleID, ok := pathID(w, r, "circleID")
	if !ok {
		return
	}
	var req CreateProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	proposal, err := h.Gov.CreateProposal(r.Context(), circleID, userID, req.RecipientID, req.Amount, req.Reason, req.Kind)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toProposalResponse(*proposal, time.Now()))
}

func (h *Handler) CircleProposals(w http.ResponseWriter, r *http.Request) {
	circleID, ok := pathID(w, r, "circleID")
	if !ok {
		return
	}
	proposals, err := h.Gov.CircleProposals(r.Context(), circleID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}

	now := time.Now()
	out := make([]proposalResponse, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, toProposalResponse(p, now))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) GetProposal(w http.ResponseWriter, r *http.Request) {
	proposalID, ok := pathID(w, r, "proposalID")
	if !ok {
		return
	}
	proposal, err := h.Gov.Proposal(r.Context(), proposalID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toProposalResponse(*proposal, time.Now()))
}

func (h *Handler) ProposalVotes(w http.ResponseWriter, r *http.Request) {
	proposalID, ok := pathID(w, r, "proposalID")
	if !ok {
		return
	}
	votes, err := h.Gov.ProposalVotes(r.Context(), proposalID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, votes)
}

// ResettleProposal re-runs settlement on a pending proposal that reached its
// approval quorum but could not be funded at the time of the deciding vote.
func (h *Handler) ResettleProposal(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	proposalID, ok := pathID(w, r, "proposalID")
	if !ok {
		return
	}
	proposal, err := h.Gov.Resettle(r.Context(), proposalID, userID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toProposalResponse(*proposal, time.Now()))
}

func (h *Handler) CastVote(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	proposalID, ok := pathID(w, r, "proposalID")
	if !ok {
		return
	}
	var req VoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.Gov.CastVote(r.Context(), proposalID, userID, req.VoteType, req.Reason)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, result)
}
