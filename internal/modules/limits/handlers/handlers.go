// Package handlers provides HTTP handlers for limit queries, order
// validation, and usage updates.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/modules/limits"
)

// Handler handles limit HTTP requests.
type Handler struct {
	engine *limits.Engine
	log    zerolog.Logger
}

// NewHandler creates a limits handler.
func NewHandler(engine *limits.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.With().Str("handler", "limits").Logger(),
	}
}

// RegisterRoutes mounts the limit endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/limits", func(r chi.Router) {
		r.Get("/", h.HandleGetByDate)
		r.Post("/validate", h.HandleValidate)
		r.Post("/usage", h.HandleUsage)
		r.Post("/recalculate", h.HandleRecalculate)
		r.Post("/market-rules/{market}", h.HandleMarketRules)
		r.Get("/client/{clientId}/{securityId}", h.HandleGetClient)
		r.Get("/au/{auId}/{securityId}", h.HandleGetAU)
	})
}

// HandleGetByDate handles GET /api/limits?date=YYYY-MM-DD
func (h *Handler) HandleGetByDate(w http.ResponseWriter, r *http.Request) {
	date := dateParam(r)

	clients, aus, err := h.engine.GetLimitsByDate(date)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"client_limits": clients,
		"au_limits":     aus,
		"date":          date,
	})
}

// HandleGetClient handles GET /api/limits/client/{clientId}/{securityId}
func (h *Handler) HandleGetClient(w http.ResponseWriter, r *http.Request) {
	limit, err := h.engine.GetClientLimit(
		chi.URLParam(r, "clientId"), chi.URLParam(r, "securityId"), dateParam(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"limit": limit})
}

// HandleGetAU handles GET /api/limits/au/{auId}/{securityId}
func (h *Handler) HandleGetAU(w http.ResponseWriter, r *http.Request) {
	limit, err := h.engine.GetAULimit(
		chi.URLParam(r, "auId"), chi.URLParam(r, "securityId"), dateParam(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"limit": limit})
}

// OrderRequest identifies one order to validate or book against limits.
type OrderRequest struct {
	ClientID   string          `json:"clientId"`
	AUID       string          `json:"auId"`
	SecurityID string          `json:"securityId"`
	OrderType  string          `json:"orderType"`
	Quantity   decimal.Decimal `json:"quantity"`
}

func (req *OrderRequest) validate() error {
	const op = "limits.OrderRequest"
	switch {
	case req.ClientID == "":
		return domain.E(op, domain.KindValidation, "clientId is required")
	case req.AUID == "":
		return domain.E(op, domain.KindValidation, "auId is required")
	case req.SecurityID == "":
		return domain.E(op, domain.KindValidation, "securityId is required")
	}
	switch domain.OrderType(req.OrderType) {
	case domain.OrderLongSell, domain.OrderShortSell:
		return nil
	}
	return domain.E(op, domain.KindValidation, "orderType must be LONG_SELL or SHORT_SELL")
}

// HandleValidate handles POST /api/limits/validate
func (h *Handler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, err)
		return
	}

	accepted, err := h.engine.ValidateOrderAgainstLimits(r.Context(),
		req.ClientID, req.AUID, req.SecurityID, domain.OrderType(req.OrderType), req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": accepted})
}

// HandleUsage handles POST /api/limits/usage
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, err)
		return
	}

	err := h.engine.UpdateLimitUsage(req.ClientID, req.AUID, req.SecurityID,
		domain.OrderType(req.OrderType), req.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "applied"})
}

// RecalculateRequest asks for a limit rebuild on a date.
type RecalculateRequest struct {
	Date string `json:"date,omitempty"`
}

// HandleRecalculate handles POST /api/limits/recalculate
func (h *Handler) HandleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Date == "" {
		req.Date = domain.Today()
	}

	written, err := h.engine.RecalculateLimits(r.Context(), req.Date)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"limits_written": written,
		"date":           req.Date,
	})
}

// HandleMarketRules handles POST /api/limits/market-rules/{market}
func (h *Handler) HandleMarketRules(w http.ResponseWriter, r *http.Request) {
	market := chi.URLParam(r, "market")

	adjusted, err := h.engine.ApplyMarketSpecificRules(market, dateParam(r))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"market":   market,
		"adjusted": adjusted,
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
		h.log.Error().Err(err).Msg("Limit request failed")
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
