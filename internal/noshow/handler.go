package noshow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wellnest/marketplace-api/internal/appointments"
	"github.com/wellnest/marketplace-api/internal/identity"
	"github.com/wellnest/marketplace-api/internal/notify"
	"github.com/wellnest/marketplace-api/internal/refunds"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
)

// Handler exposes assessments, manual reports and a live monitor stream.
type Handler struct {
	service  *Service
	upgrader websocket.Upgrader
	interval time.Duration
	horizon  time.Duration
	logger   *logging.Logger
}

func NewHandler(service *Service, allowedOrigins []string, logger *logging.Logger) *Handler {
	if service == nil {
		panic("noshow: service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		service:  service,
		upgrader: notify.NewUpgrader(allowedOrigins),
		interval: 30 * time.Second,
		horizon:  2 * time.Hour,
		logger:   logger,
	}
}

// WithMonitorTiming sets the poll interval and watch horizon of streamed monitors.
func (h *Handler) WithMonitorTiming(interval, horizon time.Duration) *Handler {
	if interval > 0 {
		h.interval = interval
	}
	if horizon > 0 {
		h.horizon = horizon
	}
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/appointments/{appointmentID}/no-show", h.getAssessment)
	r.Post("/appointments/{appointmentID}/no-show", h.report)
	r.Get("/ws/appointments/{appointmentID}", h.stream)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// authorize resolves the path appointment and checks the caller may see it.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (uuid.UUID, identity.Principal, bool) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, p, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "appointmentID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return uuid.Nil, p, false
	}
	return id, p, true
}

func (h *Handler) getAssessment(w http.ResponseWriter, r *http.Request) {
	id, p, ok := h.authorize(w, r)
	if !ok {
		return
	}
	appt, a, err := h.service.Assess(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, id, err)
		return
	}
	if appt.UserID != p.UserID && !p.IsAdmin() {
		writeError(w, http.StatusNotFound, "appointment not found")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	id, p, ok := h.authorize(w, r)
	if !ok {
		return
	}
	outcome, err := h.service.ReportNoShow(r.Context(), id, p.UserID, p.IsAdmin())
	if err != nil {
		h.writeServiceError(w, id, err)
		return
	}
	status := http.StatusOK
	if !outcome.Settled() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"refund": outcome})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, appointments.ErrNotFound), errors.Is(err, ErrForbidden):
		writeError(w, http.StatusNotFound, "appointment not found")
	case errors.Is(err, ErrNotReportable):
		writeError(w, http.StatusConflict, "a no-show can be reported once the expert is 5 minutes late")
	case errors.Is(err, ErrSuperseded):
		writeError(w, http.StatusConflict, "the appointment is no longer pending")
	case errors.Is(err, ErrTooManyRetries):
		writeError(w, http.StatusTooManyRequests, "too many refund attempts, please try again later")
	case errors.Is(err, refunds.ErrRefundFailed):
		writeError(w, http.StatusBadGateway, refunds.ContactSupportMessage)
	default:
		h.logger.Error("noshow: request failed", "appointment_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// stream runs a Monitor for the lifetime of the websocket connection and
// pushes every update to the client.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	id, p, ok := h.authorize(w, r)
	if !ok {
		return
	}
	appt, _, err := h.service.Assess(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, id, err)
		return
	}
	if appt.UserID != p.UserID && !p.IsAdmin() {
		writeError(w, http.StatusNotFound, "appointment not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("noshow: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go func() {
		// Reads only detect the client going away.
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(env notify.Envelope) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(env); err != nil {
			cancel()
			return false
		}
		return true
	}

	monitor := h.service.NewMonitor(id).
		WithInterval(h.interval).
		WithHorizon(h.horizon).
		OnUpdate(func(u Update) {
			if send(notify.Envelope{Type: "assessment", Data: u}) && ctx.Err() == nil {
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait))
			}
		})
	if err := monitor.Run(ctx); err != nil {
		h.logger.Warn("noshow: monitor stopped", "appointment_id", id, "error", err)
	}
	send(notify.Envelope{Type: "done", Data: map[string]string{"appointment_id": id.String()}})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(streamWriteWait))
}
