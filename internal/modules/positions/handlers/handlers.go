// Package handlers provides HTTP handlers for position queries and
// recalculation.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/modules/positions"
)

// Handler handles position HTTP requests.
type Handler struct {
	engine *positions.Engine
	log    zerolog.Logger
}

// NewHandler creates a positions handler.
func NewHandler(engine *positions.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.With().Str("handler", "positions").Logger(),
	}
}

// RegisterRoutes mounts the position endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/positions", func(r chi.Router) {
		r.Get("/", h.HandleGetByDate)
		r.Post("/recalculate", h.HandleRecalculate)
		r.Get("/{bookId}/{securityId}", h.HandleGet)
		r.Get("/{bookId}/{securityId}/ladder", h.HandleGetLadder)
	})
}

// HandleGetByDate handles GET /api/positions?date=YYYY-MM-DD
func (h *Handler) HandleGetByDate(w http.ResponseWriter, r *http.Request) {
	date := dateParam(r)

	list, err := h.engine.GetPositionsByDate(date)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": list,
		"total":     len(list),
		"date":      date,
	})
}

// HandleGet handles GET /api/positions/{bookId}/{securityId}?date=YYYY-MM-DD
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	key := domain.PositionKey{
		BookID:       chi.URLParam(r, "bookId"),
		SecurityID:   chi.URLParam(r, "securityId"),
		BusinessDate: dateParam(r),
	}

	pos, err := h.engine.GetPosition(key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if pos == nil {
		http.Error(w, "Position not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"position": pos})
}

// HandleGetLadder handles GET /api/positions/{bookId}/{securityId}/ladder
func (h *Handler) HandleGetLadder(w http.ResponseWriter, r *http.Request) {
	key := domain.PositionKey{
		BookID:       chi.URLParam(r, "bookId"),
		SecurityID:   chi.URLParam(r, "securityId"),
		BusinessDate: dateParam(r),
	}

	ladder, err := h.engine.GetSettlementLadder(key)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ladder": ladder})
}

// RecalculateRequest asks for reprocessing of positions on a date.
type RecalculateRequest struct {
	Date   string `json:"date"`
	Status string `json:"status,omitempty"`
}

// HandleRecalculate handles POST /api/positions/recalculate
func (h *Handler) HandleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Date == "" {
		req.Date = domain.Today()
	}

	updated, err := h.engine.RecalculatePositions(req.Date, domain.CalculationStatus(req.Status))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"updated": updated,
		"date":    req.Date,
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
		h.log.Error().Err(err).Msg("Position request failed")
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
