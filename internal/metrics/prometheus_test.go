package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStage(t *testing.T) {
	before := testutil.ToFloat64(StageOutcomes.WithLabelValues("chunking", "completed"))

	ObserveStage("chunking", "completed", 20*time.Millisecond)

	assert.Equal(t, before+1, testutil.ToFloat64(StageOutcomes.WithLabelValues("chunking", "completed")))
}

func TestCacheLookup(t *testing.T) {
	hits := testutil.ToFloat64(CacheHits.WithLabelValues("extraction"))
	misses := testutil.ToFloat64(CacheMisses.WithLabelValues("extraction"))

	CacheLookup("extraction", true)
	CacheLookup("extraction", false)
	CacheLookup("extraction", false)

	assert.Equal(t, hits+1, testutil.ToFloat64(CacheHits.WithLabelValues("extraction")))
	assert.Equal(t, misses+2, testutil.ToFloat64(CacheMisses.WithLabelValues("extraction")))
}

func TestMetricsHandler(t *testing.T) {
	Init()
	Init()
	ObserveStage("intake", "completed", time.Millisecond)

	app := fiber.New()
	app.Get("/metrics", MetricsHandler())

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, string(body), "docpipe_stage_outcomes_total")
}
