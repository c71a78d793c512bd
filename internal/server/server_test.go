package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclend/imscore/internal/config"
	"github.com/seclend/imscore/internal/database"
	"github.com/seclend/imscore/internal/domain"
	"github.com/seclend/imscore/internal/egress"
	"github.com/seclend/imscore/internal/events"
	"github.com/seclend/imscore/internal/ingress"
	"github.com/seclend/imscore/internal/queue"
)

func newTestDB(t *testing.T, name string, profile database.DatabaseProfile) *database.DB {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_"+name+"_*.db")
	require.NoError(t, err)
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	})
	return db
}

type serverEnv struct {
	server      *Server
	deadLetters *ingress.DeadLetterRepository
	processor   *queue.Processor
	bus         *events.Bus
}

func setupServer(t *testing.T, jobs map[string]func(ctx context.Context) error) *serverEnv {
	t.Helper()

	log := zerolog.Nop()
	bus := events.NewBus(log)

	positionsDB := newTestDB(t, "positions", database.ProfileStore)
	cacheDB := newTestDB(t, "cache", database.ProfileCache)

	history := queue.NewHistoryRepository(cacheDB.Conn(), log)
	processor := queue.NewProcessor(history, bus, log)
	deadLetters := ingress.NewDeadLetterRepository(cacheDB.Conn(), log)
	dispatcher := ingress.NewDispatcher(ingress.Config{ShardCount: 2}, nil, nil, nil, deadLetters, bus, log)
	publisher := egress.NewPublisher(bus, 2, log)

	cfg := &config.Config{
		DataDir: t.TempDir(),
		Port:    0,
		Markets: []string{"US"},
	}

	srv := New(Config{
		Log: log,
		Cfg: cfg,
		Stores: map[string]*database.DB{
			"positions": positionsDB,
			"cache":     cacheDB,
		},
		Processor:   processor,
		History:     history,
		DeadLetters: deadLetters,
		Dispatcher:  dispatcher,
		Publisher:   publisher,
		Jobs:        jobs,
	})

	return &serverEnv{server: srv, deadLetters: deadLetters, processor: processor, bus: bus}
}

func doJSON(t *testing.T, handler http.Handler, method, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec.Code, body
}

func TestHealthReportsStores(t *testing.T) {
	env := setupServer(t, nil)

	code, body := doJSON(t, env.server.Router(), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	stores := body["stores"].(map[string]interface{})
	assert.Equal(t, "ok", stores["positions"])
	assert.Equal(t, "ok", stores["cache"])
}

func TestSystemStatusAndDatabaseStats(t *testing.T) {
	env := setupServer(t, nil)

	code, body := doJSON(t, env.server.Router(), http.MethodGet, "/api/system/status")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "uptime_seconds")

	code, body = doJSON(t, env.server.Router(), http.MethodGet, "/api/system/database/stats")
	require.Equal(t, http.StatusOK, code)
	stats := body["stores"].(map[string]interface{})
	assert.Contains(t, stats, "positions")
	assert.Contains(t, stats, "cache")
}

func TestQueueDepthsEndpoint(t *testing.T) {
	env := setupServer(t, nil)

	code, body := doJSON(t, env.server.Router(), http.MethodGet, "/api/system/queues")
	require.Equal(t, http.StatusOK, code)

	shards := body["ingress_shards"].([]interface{})
	assert.Len(t, shards, 2)
	assert.EqualValues(t, 0, body["dead_letters"])
}

func TestJobTriggerEnqueues(t *testing.T) {
	ran := make(chan struct{}, 1)
	env := setupServer(t, map[string]func(ctx context.Context) error{
		queue.JobWALCheckpoint: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})
	go env.processor.Run()
	t.Cleanup(env.processor.Stop)

	code, body := doJSON(t, env.server.Router(), http.MethodPost,
		"/api/system/jobs/"+queue.JobWALCheckpoint+"/run")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "enqueued", body["status"])

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered job never ran")
	}
}

func TestJobTriggerUnknownType(t *testing.T) {
	env := setupServer(t, nil)

	code, body := doJSON(t, env.server.Router(), http.MethodPost, "/api/system/jobs/bogus/run")
	require.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(domain.KindNotFound), body["kind"])
}

func TestDeadLetterEndpoints(t *testing.T) {
	env := setupServer(t, nil)

	ev := events.NewEvent(domain.EventSource, &events.TradeDataEvent{
		TradeID: "T-1", BookID: "EQ-01", SecurityID: "AAPL",
	})
	require.NoError(t, env.deadLetters.Park(ev,
		domain.E("test", domain.KindValidation, "bad trade"), 0))

	code, body := doJSON(t, env.server.Router(), http.MethodGet, "/api/system/dead-letters/")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])

	letters := body["dead_letters"].([]interface{})
	require.Len(t, letters, 1)
	id := int64(letters[0].(map[string]interface{})["id"].(float64))

	code, body = doJSON(t, env.server.Router(), http.MethodGet,
		"/api/system/dead-letters/"+itoa(id))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(events.TradeData), body["event_type"])

	code, _ = doJSON(t, env.server.Router(), http.MethodDelete,
		"/api/system/dead-letters/"+itoa(id))
	require.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, env.server.Router(), http.MethodDelete,
		"/api/system/dead-letters/"+itoa(id))
	assert.Equal(t, http.StatusNotFound, code)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
