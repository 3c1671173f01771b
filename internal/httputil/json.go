package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jobbyist/yute-za/internal/circles"
	"github.com/jobbyist/yute-za/internal/governance"
	"github.com/jobbyist/yute-za/internal/ledger"
	"github.com/jobbyist/yute-za/internal/logger"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func WriteError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error("failed to encode response", zap.Error(err))
	}
}

// WriteServiceError maps the service error taxonomy onto HTTP statuses.
// Anything unmapped is a 500 and gets logged; the taxonomy errors are
// user-facing and carry their own message.
func WriteServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, governance.ErrNotFound),
		errors.Is(err, circles.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, governance.ErrNotAMember),
		errors.Is(err, governance.ErrRecipientVote),
		errors.Is(err, circles.ErrNotAMember),
		errors.Is(err, circles.ErrPrivateCircle),
		errors.Is(err, circles.ErrCreatorCannotLeave):
		WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, governance.ErrDuplicateVote),
		errors.Is(err, governance.ErrProposalClosed),
		errors.Is(err, governance.ErrCircleClosed),
		errors.Is(err, governance.ErrSettlementFailed),
		errors.Is(err, governance.ErrQuorumNotReached),
		errors.Is(err, circles.ErrCircleClosed),
		errors.Is(err, circles.ErrAlreadyMember):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, governance.ErrInvalidAmount),
		errors.Is(err, governance.ErrInvalidVoteType),
		errors.Is(err, circles.ErrInvalidParams),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrUnknownType),
		errors.Is(err, ledger.ErrSelfTransfer):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrContention),
		errors.Is(err, circles.ErrContention):
		WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Log.Error("unhandled service error", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
