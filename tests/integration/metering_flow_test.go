package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	appmetering "github.com/pagemagic/meter/internal/application/metering"
	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/pagemagic/meter/internal/infrastructure/cache"
	"github.com/pagemagic/meter/internal/infrastructure/persistence"
	"github.com/pagemagic/meter/internal/interfaces/http/handler"
	"github.com/pagemagic/meter/internal/interfaces/http/middleware"
	"github.com/pagemagic/meter/internal/interfaces/http/router"
	"github.com/pagemagic/meter/tests/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type meteringStack struct {
	engine     *gin.Engine
	aggregator *appmetering.Aggregator
	dispatcher *appmetering.SyncDispatcher
	billing    *testutil.RecordingBillingClient
}

func newMeteringStack(t *testing.T, testDB *TestDB, now time.Time, syncCfg appmetering.SyncConfig) *meteringStack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, middleware.SetupValidator())

	log := zap.NewNop()
	registry, err := metering.NewRegistry(metering.DefaultMeters()...)
	require.NoError(t, err)

	eventRepo := persistence.NewGormUsageEventRepository(testDB.DB)
	bucketRepo := persistence.NewGormMeterBucketRepository(testDB.DB)

	aggregator := appmetering.NewAggregator(registry, eventRepo, bucketRepo, log, appmetering.DefaultAggregatorConfig())
	batch := appmetering.NewBatchProcessor(aggregator, log)
	query := appmetering.NewUsageQueryService(registry, bucketRepo, log, 100, 5*time.Second)

	billing := &testutil.RecordingBillingClient{}
	dispatcher := appmetering.NewSyncDispatcher(registry, bucketRepo, billing, log, syncCfg,
		appmetering.WithLeaseStore(cache.NewInMemoryLeaseStore()),
		appmetering.WithClock(func() time.Time { return now }))

	engine := router.NewEngine(router.EngineConfig{ServiceName: "meter-test"}, log)
	router.NewRouter(engine, router.WithAPIVersion("v1")).
		Register(handler.NewMeteringHandler(registry, aggregator, batch, query, dispatcher, handler.DefaultMeteringHandlerConfig())).
		Setup()

	return &meteringStack{engine: engine, aggregator: aggregator, dispatcher: dispatcher, billing: billing}
}

func (s *meteringStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return testutil.PerformRequest(t, s.engine, method, path, body)
}

type usageRecord struct {
	MeterName string  `json:"meter_name"`
	Value     float64 `json:"value"`
}

// TestMeteringFlow_Integration drives ingest, query and sync end to end over HTTP
func TestMeteringFlow_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewTestDB(t)
	hour := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	now := hour.Add(3 * time.Hour)
	stack := newMeteringStack(t, testDB, now, appmetering.DefaultSyncConfig())
	subject := "user_flow"

	w := stack.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"event_type": "page_generate",
		"user_id":    subject,
		"timestamp":  hour.Add(5 * time.Minute),
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = stack.do(t, http.MethodPost, "/api/v1/events/batch", map[string]any{
		"events": []map[string]any{
			{"event_type": "ai_token_usage", "user_id": subject, "timestamp": hour.Add(10 * time.Minute), "metadata": map[string]any{"value": 1500}},
			{"event_type": "ai_token_usage", "user_id": subject, "timestamp": hour.Add(20 * time.Minute), "metadata": map[string]any{"value": "2500"}},
			{"event_type": "page_generate", "user_id": subject, "timestamp": hour.Add(30 * time.Minute)},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = stack.do(t, http.MethodGet, "/api/v1/users/"+subject+"/usage", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	usage := testutil.DecodeResponse[[]usageRecord](t, w)
	values := map[string]float64{}
	for _, u := range usage.Data {
		values[u.MeterName] = u.Value
	}
	assert.Equal(t, map[string]float64{"page_generate": 2, "ai_token": 4000}, values)

	w = stack.do(t, http.MethodPost, "/api/v1/events", map[string]any{"event_type": "page_generate"})
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "ERR_VALIDATION")

	w = stack.do(t, http.MethodPost, "/api/v1/sync", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"success":true,"data":{"synced_records":2}}`, w.Body.String())

	require.Len(t, stack.billing.Reports(), 2)
	byMeter := stack.billing.ReportsByMeter()
	assert.Equal(t, 4000.0, byMeter["mtr_ai_token"].Value)
	assert.Equal(t, 2.0, byMeter["mtr_page_generate"].Value)
	assert.Equal(t, subject, byMeter["mtr_page_generate"].SubjectID)

	synced, err := stack.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, synced, "synced buckets are not delivered again")
	assert.Len(t, stack.billing.Reports(), 2)
}

// TestSyncDispatcher_DeadLetter_Integration checks failure bookkeeping persists across passes
func TestSyncDispatcher_DeadLetter_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	testDB := NewTestDB(t)
	hour := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cfg := appmetering.DefaultSyncConfig()
	cfg.MaxAttempts = 2
	stack := newMeteringStack(t, testDB, hour.Add(3*time.Hour), cfg)
	stack.billing.SetFailing(true)

	event := testutil.NewTestUsageEvent(t, "storage_usage", "user_dlq", hour.Add(time.Minute),
		metering.Metadata{"value": 12.5})
	require.NoError(t, stack.aggregator.Ingest(context.Background(), event))

	for i := 0; i < 2; i++ {
		synced, err := stack.dispatcher.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Zero(t, synced)
	}

	dead, err := stack.dispatcher.ListDeadLettered(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "storage_gb", dead[0].MeterName)
	assert.Equal(t, 2, dead[0].SyncAttempts)
	assert.Contains(t, dead[0].LastSyncError, "stripe returned 500")

	stack.billing.SetFailing(false)
	synced, err := stack.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, synced, "dead-lettered buckets are not retried")
	assert.Equal(t, 2, stack.billing.Calls())
}
