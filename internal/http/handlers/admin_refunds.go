package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/identity"
	"github.com/wellnest/marketplace-api/internal/payments"
	"github.com/wellnest/marketplace-api/internal/refunds"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

type refundAlertStore interface {
	List(ctx context.Context, f refunds.AlertFilter) ([]refunds.Alert, error)
	Resolve(ctx context.Context, id uuid.UUID, resolvedBy, resolution string) error
}

type refundProcessor interface {
	Process(ctx context.Context, appointmentID uuid.UUID) (refunds.Outcome, error)
}

type refundRetryLimiter interface {
	CheckRefundRetryVelocity(ctx context.Context, appointmentID string) (*payments.VelocityResult, error)
}

// AdminRefundsHandler lets support staff review failed refunds and retry them.
type AdminRefundsHandler struct {
	alerts    refundAlertStore
	processor refundProcessor
	limiter   refundRetryLimiter
	logger    *logging.Logger
}

func NewAdminRefundsHandler(alerts refundAlertStore, processor refundProcessor, logger *logging.Logger) *AdminRefundsHandler {
	if alerts == nil || processor == nil {
		panic("handlers: refund alerts and processor required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminRefundsHandler{alerts: alerts, processor: processor, logger: logger}
}

// WithRetryLimiter caps retries per appointment, shared with user reports.
func (h *AdminRefundsHandler) WithRetryLimiter(l refundRetryLimiter) *AdminRefundsHandler {
	h.limiter = l
	return h
}

// RegisterRoutes expects to be mounted behind the admin role check.
func (h *AdminRefundsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/admin/refund-alerts", h.ListAlerts)
	r.Post("/admin/refund-alerts/{alertID}/resolve", h.ResolveAlert)
	r.Post("/admin/appointments/{appointmentID}/refund", h.RetryRefund)
}

// ListAlerts returns refund alerts, open ones only unless ?all=true.
// GET /admin/refund-alerts
func (h *AdminRefundsHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := refunds.AlertFilter{
		OpenOnly: q.Get("all") != "true",
		Limit:    queryLimit(r, 50, 200),
	}
	if types := strings.TrimSpace(q.Get("reference_type")); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.ReferenceTypes = append(filter.ReferenceTypes, t)
			}
		}
	}

	alerts, err := h.alerts.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list refund alerts", "error", err)
		jsonError(w, "failed to list refund alerts", http.StatusInternalServerError)
		return
	}
	if alerts == nil {
		alerts = []refunds.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

type resolveAlertRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveAlert closes an open alert.
// POST /admin/refund-alerts/{alertID}/resolve
func (h *AdminRefundsHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "alertID"))
	if err != nil {
		jsonError(w, "invalid alert id", http.StatusBadRequest)
		return
	}
	var req resolveAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.Resolution = strings.TrimSpace(req.Resolution)
	if req.Resolution == "" {
		jsonError(w, "resolution is required", http.StatusBadRequest)
		return
	}
	adminID, _ := identity.UserIDFromContext(r.Context())

	if err := h.alerts.Resolve(r.Context(), id, adminID, req.Resolution); err != nil {
		if errors.Is(err, refunds.ErrAlertNotFound) {
			jsonError(w, "alert not found or already resolved", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to resolve refund alert", "alert_id", id, "error", err)
		jsonError(w, "failed to resolve alert", http.StatusInternalServerError)
		return
	}
	h.logger.Info("refund alert resolved", "alert_id", id, "admin_id", adminID)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "resolved": true})
}

// RetryRefund reruns the refund for an appointment. Idempotent.
// POST /admin/appointments/{appointmentID}/refund
func (h *AdminRefundsHandler) RetryRefund(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "appointmentID"))
	if err != nil {
		jsonError(w, "invalid appointment id", http.StatusBadRequest)
		return
	}
	if h.limiter != nil {
		res, err := h.limiter.CheckRefundRetryVelocity(r.Context(), id.String())
		if err == nil && !res.Allowed {
			jsonError(w, res.Message, http.StatusTooManyRequests)
			return
		}
	}
	outcome, err := h.processor.Process(r.Context(), id)
	switch {
	case errors.Is(err, appointments.ErrNotFound):
		jsonError(w, "appointment not found", http.StatusNotFound)
		return
	case errors.Is(err, refunds.ErrRefundFailed):
		writeJSON(w, http.StatusBadGateway, map[string]any{"outcome": outcome, "error": err.Error()})
		return
	case err != nil:
		h.logger.Error("refund retry failed", "appointment_id", id, "error", err)
		jsonError(w, "refund retry failed", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if !outcome.Settled() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"outcome": outcome})
}
