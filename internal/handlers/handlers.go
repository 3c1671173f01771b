// Package handlers exposes the wallet, circle and governance services over
// HTTP. Handlers parse and validate the request, call one service operation
// and translate its result or error; they hold no business rules themselves.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jobbyist/yute-za/internal/circles"
	"github.com/jobbyist/yute-za/internal/events"
	"github.com/jobbyist/yute-za/internal/governance"
	"github.com/jobbyist/yute-za/internal/httputil"
	"github.com/jobbyist/yute-za/internal/ledger"
	"github.com/jobbyist/yute-za/internal/middleware"
	"gorm.io/gorm"
)

type Handler struct {
	DB      *gorm.DB
	Ledger  *ledger.Service
	Gov     *governance.Service
	Circles *circles.Service
	Hub     *events.Hub
}

func New(db *gorm.DB, led *ledger.Service, gov *governance.Service, circ *circles.Service, hub *events.Hub) *Handler {
	return &Handler{DB: db, Ledger: led, Gov: gov, Circles: circ, Hub: hub}
}

// currentUser pulls the authenticated user id or writes a 401.
func currentUser(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, ok := middleware.UserID(r)
	if !ok {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
	}
	return id, ok
}

// pathID parses a numeric chi URL parameter or writes a 400.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}
