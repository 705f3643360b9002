package availability

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/wellnest/marketplace-api/internal/wallclock"
	"github.com/wellnest/marketplace-api/pkg/logging"
)

// Handler exposes free slots to booking clients.
type Handler struct {
	generator *Generator
	logger    *logging.Logger
}

func NewHandler(generator *Generator, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{generator: generator, logger: logger}
}

// RegisterRoutes mounts GET /experts/{expertID}/slots.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/experts/{expertID}/slots", h.listSlots)
}

func (h *Handler) listSlots(w http.ResponseWriter, r *http.Request) {
	expertID := chi.URLParam(r, "expertID")
	if expertID == "" {
		http.Error(w, "missing expert id", http.StatusBadRequest)
		return
	}
	date, err := wallclock.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	result := h.generator.AvailableSlots(r.Context(), expertID, date)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"expert_id": expertID,
		"date":      wallclock.FormatDate(date),
		"slots":     result.Slots,
		"error":     result.Error,
	})
}
