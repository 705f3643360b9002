package booking

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/internal/experts"
	"github.com/wellnest/marketplace-api/internal/identity"
	"github.com/wellnest/marketplace-api/internal/payments"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// Handler exposes the booking wizard over HTTP.
type Handler struct {
	orchestrator *Orchestrator
	logger       *logging.Logger
}

func NewHandler(orchestrator *Orchestrator, logger *logging.Logger) *Handler {
	if orchestrator == nil {
		panic("booking: orchestrator required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{orchestrator: orchestrator, logger: logger}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/bookings", h.start)
	r.Route("/bookings/{sessionID}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Post("/slot", h.selectSlot)
		r.Post("/notes", h.setNotes)
		r.Post("/advance", h.advance)
		r.Post("/back", h.back)
		r.Post("/pay", h.pay)
		r.Post("/payment/confirm", h.confirmPayment)
		r.Post("/payment/fail", h.failPayment)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Message})
	case errors.Is(err, ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "booking session not found"})
	case errors.Is(err, experts.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "expert not found"})
	case errors.Is(err, ErrWrongStep):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrPaymentFailed):
		writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": ErrPaymentFailed.Error()})
	case errors.Is(err, ErrTooManyAttempts):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": ErrTooManyAttempts.Error()})
	default:
		h.logger.Error("booking request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// caller resolves the authenticated user and the path session id.
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "booking session not found"})
		return "", uuid.Nil, false
	}
	return userID, id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

// POST /bookings
func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	var body struct {
		ExpertID string `json:"expert_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	sess, err := h.orchestrator.Start(r.Context(), userID, body.ExpertID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	sess, err := h.orchestrator.Get(r.Context(), id, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) selectSlot(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Date   string `json:"date"`
		SlotID string `json:"slot_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	sess, err := h.orchestrator.SelectSlot(r.Context(), id, userID, body.Date, body.SlotID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) setNotes(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if !decode(w, r, &body) {
		return
	}
	sess, err := h.orchestrator.SetNotes(r.Context(), id, userID, body.Notes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	sess, err := h.orchestrator.Advance(r.Context(), id, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) back(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	sess, err := h.orchestrator.Back(r.Context(), id, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) pay(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	sess, order, err := h.orchestrator.Pay(r.Context(), id, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "order": order})
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body payments.Verification
	if !decode(w, r, &body) {
		return
	}
	sess, err := h.orchestrator.ConfirmPayment(r.Context(), id, userID, body)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if sess.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, sess)
}

func (h *Handler) failPayment(w http.ResponseWriter, r *http.Request) {
	userID, id, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &body) {
		return
	}
	_, err := h.orchestrator.FailPayment(r.Context(), id, userID, body.Reason)
	h.writeError(w, err)
}
