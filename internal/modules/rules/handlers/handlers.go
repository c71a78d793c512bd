// Package handlers provides HTTP handlers for rule CRUD and cache control.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/modules/rules"
)

// Handler handles rule HTTP requests.
type Handler struct {
	engine *rules.Engine
	log    zerolog.Logger
}

// NewHandler creates a rules handler.
func NewHandler(engine *rules.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		log:    log.With().Str("handler", "rules").Logger(),
	}
}

// RegisterRoutes mounts the rule endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/rules", func(r chi.Router) {
		r.Get("/active", h.HandleGetActive)
		r.Get("/active/{ruleType}/{market}", h.HandleGetActiveByTypeAndMarket)
		r.Post("/cache/clear", h.HandleClearCache)
		r.Get("/{id}", h.HandleGet)
		r.Put("/{id}", h.HandleUpdate)
		r.Delete("/{id}", h.HandleDelete)
		r.Post("/", h.HandleCreate)
	})
}

// HandleGetActive handles GET /api/rules/active?date=YYYY-MM-DD
func (h *Handler) HandleGetActive(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = domain.Today()
	}

	active, err := h.engine.GetActiveRules(date)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": active,
		"total": len(active),
		"date":  date,
	})
}

// HandleGetActiveByTypeAndMarket handles GET /api/rules/active/{ruleType}/{market}
func (h *Handler) HandleGetActiveByTypeAndMarket(w http.ResponseWriter, r *http.Request) {
	ruleType := domain.RuleType(chi.URLParam(r, "ruleType"))
	market := chi.URLParam(r, "market")
	date := r.URL.Query().Get("date")
	if date == "" {
		date = domain.Today()
	}

	active, err := h.engine.GetActiveRulesByTypeAndMarket(ruleType, market, date)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": active,
		"total": len(active),
	})
}

// HandleGet handles GET /api/rules/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rule, err := h.engine.GetRule(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if rule == nil {
		http.Error(w, "Rule not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rule": rule})
}

// HandleCreate handles POST /api/rules/
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var rule domain.CalculationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.log.Error().Err(err).Msg("Failed to decode rule body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.CreateRule(&rule); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"rule": rule})
}

// HandleUpdate handles PUT /api/rules/{id}
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var rule domain.CalculationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.log.Error().Err(err).Msg("Failed to decode rule body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	rule.ID = chi.URLParam(r, "id")

	if err := h.engine.UpdateRule(&rule); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"rule": rule})
}

// HandleDelete handles DELETE /api/rules/{id}
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.engine.DeleteRule(id); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

// HandleClearCache handles POST /api/rules/cache/clear
func (h *Handler) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	h.engine.InvalidateCache()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Rule request failed")
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
