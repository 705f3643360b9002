package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/identity"
	"github.com/wellnest/marketplace-api/internal/wallet"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

type transactionLister interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]wallet.Transaction, error)
}

type appointmentLister interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]appointments.Appointment, error)
}

// AccountHandler serves the caller's own wallet history and bookings.
type AccountHandler struct {
	transactions transactionLister
	appointments appointmentLister
	logger       *logging.Logger
}

func NewAccountHandler(transactions transactionLister, appts appointmentLister, logger *logging.Logger) *AccountHandler {
	if transactions == nil || appts == nil {
		panic("handlers: transactions and appointments required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AccountHandler{transactions: transactions, appointments: appts, logger: logger}
}

func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Get("/wallet/transactions", h.ListTransactions)
	r.Get("/appointments", h.ListAppointments)
}

// ListTransactions returns the caller's ledger, newest first.
// GET /wallet/transactions
func (h *AccountHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	txs, err := h.transactions.ListForUser(r.Context(), userID, queryLimit(r, 50, 200))
	if err != nil {
		h.logger.Error("failed to list wallet transactions", "user_id", userID, "error", err)
		jsonError(w, "failed to load transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []wallet.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// GET /appointments
func (h *AccountHandler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	appts, err := h.appointments.ListForUser(r.Context(), userID, queryLimit(r, 20, 100))
	if err != nil {
		h.logger.Error("failed to list appointments", "user_id", userID, "error", err)
		jsonError(w, "failed to load appointments", http.StatusInternalServerError)
		return
	}
	if appts == nil {
		appts = []appointments.Appointment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": appts})
}
