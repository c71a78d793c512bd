// Package handlers provides HTTP handlers for inventory availability
// queries, recomputes, and locate decrements.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/modules/inventory"
)

// Handler handles inventory HTTP requests.
type Handler struct {
	engine *inventory.Engine
	log    zerolog.Logger
}

// NewHandler creates an inventory handler.
func NewHandler(engine *inventory.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.With().Str("handler", "inventory").Logger(),
	}
}

// RegisterRoutes mounts the inventory endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/inventory", func(r chi.Router) {
		r.Get("/", h.HandleGetByDate)
		r.Post("/recalculate", h.HandleRecalculate)
		r.Post("/locate", h.HandleLocateDecrement)
		r.Get("/type/{calcType}", h.HandleGetByType)
		r.Get("/{securityId}", h.HandleGetBySecurity)
	})
}

// HandleGetByDate handles GET /api/inventory?date=YYYY-MM-DD
func (h *Handler) HandleGetByDate(w http.ResponseWriter, r *http.Request) {
	date := dateParam(r)

	list, err := h.engine.GetAllAvailability(date)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"availability": list,
		"total":        len(list),
		"date":         date,
	})
}

// HandleGetBySecurity handles GET /api/inventory/{securityId}?date=YYYY-MM-DD
func (h *Handler) HandleGetBySecurity(w http.ResponseWriter, r *http.Request) {
	securityID := chi.URLParam(r, "securityId")
	date := dateParam(r)

	list, err := h.engine.GetAvailability(securityID, date)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"security_id":  securityID,
		"availability": list,
		"date":         date,
	})
}

// HandleGetByType handles GET /api/inventory/type/{calcType}?date=YYYY-MM-DD
func (h *Handler) HandleGetByType(w http.ResponseWriter, r *http.Request) {
	calcType := domain.CalculationType(chi.URLParam(r, "calcType"))
	date := dateParam(r)

	list, err := h.engine.GetAvailabilityByType(calcType, date)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"calculation_type": calcType,
		"availability":     list,
		"date":             date,
	})
}

// RecalculateRequest asks for an inventory recompute. An empty SecurityID
// recomputes every security on the date.
type RecalculateRequest struct {
	SecurityID string `json:"securityId,omitempty"`
	Date       string `json:"date,omitempty"`
}

// HandleRecalculate handles POST /api/inventory/recalculate
func (h *Handler) HandleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Date == "" {
		req.Date = domain.Today()
	}

	var err error
	if req.SecurityID == "" {
		err = h.engine.CalculateAllInventoryTypes(r.Context(), req.Date)
	} else {
		err = h.engine.CalculateInventoryForSecurity(r.Context(), req.SecurityID, req.Date)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "recalculated",
		"date":   req.Date,
	})
}

// LocateRequest consumes locate availability for one security.
type LocateRequest struct {
	SecurityID string          `json:"securityId"`
	Date       string          `json:"date,omitempty"`
	Quantity   decimal.Decimal `json:"quantity"`
}

// HandleLocateDecrement handles POST /api/inventory/locate
func (h *Handler) HandleLocateDecrement(w http.ResponseWriter, r *http.Request) {
	var req LocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SecurityID == "" {
		http.Error(w, "securityId is required", http.StatusBadRequest)
		return
	}
	if req.Date == "" {
		req.Date = domain.Today()
	}

	av, err := h.engine.ApplyLocateDecrement(req.SecurityID, req.Date, req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"availability": av,
		"remaining":    av.RemainingQuantity(),
	})
}

func dateParam(r *http.Request) string {
	if d := r.URL.Query().Get("date"); d != "" {
		return d
	}
	return domain.Today()
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Inventory request failed")
	}
	h.writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"kind":  string(domain.KindOf(err)),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
