package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/jobbyist/yute-za/internal/httputil"
	"github.com/jobbyist/yute-za/internal/ledger"
	"github.com/jobbyist/yute-za/internal/models"
	"github.com/shopspring/decimal"
)

type WalletMutationRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

type TransferRequest struct {
	ToUserID uint64          `json:"to_user_id"`
	Amount   decimal.Decimal `json:"amount"`
	Notes    string          `json:"notes,omitempty"`
}

func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	wallet, err := h.Ledger.Wallet(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, wallet)
}

func (h *Handler) WalletTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txs, err := h.Ledger.Transactions(r.Context(), userID, limit)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, txs)
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.walletMutation(w, r, models.TxDeposit)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.walletMutation(w, r, models.TxWithdrawal)
}

func (h *Handler) walletMutation(w http.ResponseWriter, r *http.Request, txType string) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req WalletMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tx, err := h.Ledger.Apply(r.Context(), userID, txType, req.Amount, ledger.Options{
		IdempotencyKey: req.IdempotencyKey,
		Notes:          req.Notes,
	})
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, tx)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	out, in, err := h.Ledger.Transfer(r.Context(), userID, req.ToUserID, req.Amount, req.Notes)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{"debit": out, "credit": in})
}
