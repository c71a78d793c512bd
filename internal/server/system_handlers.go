package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/egress"
	"github.com/seclend/imscore/internal/events"
	"github.com/seclend/imscore/internal/ingress"
	"github.com/seclend/imscore/internal/queue"
)

// SystemHandlers serves the monitoring and operations endpoints.
type SystemHandlers struct {
	log         zerolog.Logger
	dataDir     string
	stores      map[string]*database.DB
	processor   *queue.Processor
	history     *queue.HistoryRepository
	deadLetters *ingress.DeadLetterRepository
	dispatcher  *ingress.Dispatcher
	publisher   *egress.Publisher
	jobs        map[string]func(ctx context.Context) error
	startedAt   time.Time
}

// NewSystemHandlers creates the system endpoint handlers.
func NewSystemHandlers(log zerolog.Logger, dataDir string, stores map[string]*database.DB,
	processor *queue.Processor, history *queue.HistoryRepository,
	deadLetters *ingress.DeadLetterRepository, dispatcher *ingress.Dispatcher,
	publisher *egress.Publisher, jobs map[string]func(ctx context.Context) error) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("handler", "system").Logger(),
		dataDir:     dataDir,
		stores:      stores,
		processor:   processor,
		history:     history,
		deadLetters: deadLetters,
		dispatcher:  dispatcher,
		publisher:   publisher,
		jobs:        jobs,
		startedAt:   time.Now(),
	}
}

// HandleHealth handles GET /health. Pings every store; any failure turns
// the response unhealthy with a 503.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	stores := make(map[string]string, len(h.stores))
	healthy := true
	for name, store := range h.stores {
		if err := store.HealthCheck(ctx); err != nil {
			stores[name] = err.Error()
			healthy = false
		} else {
			stores[name] = "ok"
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	h.writeJSON(w, status, map[string]interface{}{
		"status":         state,
		"stores":         stores,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleSystemStatus handles GET /api/system/status.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}

	if info, err := host.Info(); err == nil {
		payload["host"] = map[string]interface{}{
			"hostname":       info.Hostname,
			"os":             info.OS,
			"platform":       info.Platform,
			"uptime_seconds": info.Uptime,
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memory"] = map[string]interface{}{
			"total_bytes":  vm.Total,
			"used_bytes":   vm.Used,
			"used_percent": vm.UsedPercent,
		}
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		payload["cpu_percent"] = percents[0]
	}
	if usage, err := disk.Usage(h.dataDir); err == nil {
		payload["disk"] = map[string]interface{}{
			"path":         h.dataDir,
			"total_bytes":  usage.Total,
			"free_bytes":   usage.Free,
			"used_percent": usage.UsedPercent,
		}
	}

	h.writeJSON(w, http.StatusOK, payload)
}

// HandleDatabaseStats handles GET /api/system/database/stats.
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]interface{}, len(h.stores))
	for name, store := range h.stores {
		s, err := store.GetStats()
		if err != nil {
			stats[name] = map[string]interface{}{"error": err.Error()}
			continue
		}
		stats[name] = map[string]interface{}{
			"size_bytes":     s.SizeBytes,
			"wal_size_bytes": s.WALSizeBytes,
			"page_count":     s.PageCount,
			"page_size":      s.PageSize,
			"freelist_count": s.FreelistCount,
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"stores": stats})
}

// HandleQueueDepths handles GET /api/system/queues.
func (h *SystemHandlers) HandleQueueDepths(w http.ResponseWriter, r *http.Request) {
	queued, retrying := h.processor.Depth()
	published, dropped := h.publisher.Stats()
	parked, err := h.deadLetters.Count()
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ingress_shards": h.dispatcher.QueueDepths(),
		"jobs": map[string]int{
			"queued":   queued,
			"retrying": retrying,
		},
		"egress": map[string]int64{
			"published": published,
			"dropped":   dropped,
		},
		"dead_letters": parked,
	})
}

// HandleJobHistory handles GET /api/system/jobs?limit=N.
func (h *SystemHandlers) HandleJobHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.history.Recent(limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	queued, retrying := h.processor.Depth()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"history":  records,
		"queued":   queued,
		"retrying": retrying,
	})
}

// HandleJobTrigger handles POST /api/system/jobs/{jobType}/run. The job
// runs through the processor queue like any scheduled execution.
func (h *SystemHandlers) HandleJobTrigger(w http.ResponseWriter, r *http.Request) {
	jobType := chi.URLParam(r, "jobType")
	fn, ok := h.jobs[jobType]
	if !ok {
		h.writeError(w, domain.E("server.TriggerJob", domain.KindNotFound,
			"unknown job type: "+jobType))
		return
	}

	h.processor.Enqueue(queue.NewJob(jobType, queue.PriorityHigh, fn))
	h.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":   "enqueued",
		"job_type": jobType,
	})
}

// HandleDeadLetters handles GET /api/system/dead-letters?type=&limit=.
func (h *SystemHandlers) HandleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	eventType := events.EventType(r.URL.Query().Get("type"))

	letters, err := h.deadLetters.Find(eventType, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	total, err := h.deadLetters.Count()
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": letters,
		"total":        total,
	})
}

// HandleDeadLetter handles GET /api/system/dead-letters/{id}.
func (h *SystemHandlers) HandleDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, domain.E("server.GetDeadLetter", domain.KindValidation, "invalid id"))
		return
	}

	letter, err := h.deadLetters.Get(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if letter == nil {
		h.writeError(w, domain.E("server.GetDeadLetter", domain.KindNotFound, "no such dead letter"))
		return
	}
	h.writeJSON(w, http.StatusOK, letter)
}

// HandleDeadLetterDelete handles DELETE /api/system/dead-letters/{id}.
func (h *SystemHandlers) HandleDeadLetterDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, domain.E("server.DeleteDeadLetter", domain.KindValidation, "invalid id"))
		return
	}

	if err := h.deadLetters.Delete(id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "id": id})
}

func (h *SystemHandlers) writeError(w http.ResponseWriter, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("System request failed")
	}
	h.writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"kind":  string(domain.KindOf(err)),
	})
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
