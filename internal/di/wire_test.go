package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclend/imscore/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:                 t.TempDir(),
		Port:                    0,
		LogLevel:                "error",
		ShardCount:              2,
		ShardQueueHigh:          100,
		ShardQueueLow:           25,
		MaxRetries:              3,
		RetryBackoffInitialMs:   1,
		RetryBackoffFactor:      2,
		RetryBackoffMaxMs:       4,
		DeadlineEventProcessing: 200 * time.Millisecond,
		DeadlineOrderValidation: 150 * time.Millisecond,
		JPCutoffTimeUTC:         "06:00",
		Markets:                 []string{"US", "JP", "TW"},
		EODRolloverTimeUTC:      "22:00",
	}
}

func TestWireBuildsFullContainer(t *testing.T) {
	container, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	assert.NotNil(t, container.RuleEngine)
	assert.NotNil(t, container.PositionEngine)
	assert.NotNil(t, container.InventoryEngine)
	assert.NotNil(t, container.LimitEngine)
	assert.NotNil(t, container.Dispatcher)
	assert.NotNil(t, container.Publisher)
	assert.NotNil(t, container.Processor)
	assert.NotNil(t, container.Scheduler)
	assert.NotNil(t, container.Rollover)
	assert.Nil(t, container.Backup, "backup stays off without a bucket")

	assert.Len(t, container.Stores(), 6)
	for name, db := range container.Stores() {
		require.NotNil(t, db, "store %s missing", name)
	}
}

func TestWireRejectsBadRolloverTime(t *testing.T) {
	cfg := testConfig(t)
	cfg.EODRolloverTimeUTC = "not-a-time"

	_, err := Wire(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollover")
}

func TestContainerStartStopAndServe(t *testing.T) {
	container, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container.Start(ctx)
	defer container.Stop()

	srv := container.BuildServer()
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/system/queues", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestManualJobsCoverOperations(t *testing.T) {
	container, err := Wire(testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	jobs := container.manualJobs()
	for _, jobType := range []string{
		"eod:rollover", "positions:pending-sweep", "positions:recalculate",
		"inventory:recalculate", "limits:recalculate", "store:wal-checkpoint",
	} {
		require.Contains(t, jobs, jobType)
		assert.NoError(t, jobs[jobType](context.Background()))
	}
}
