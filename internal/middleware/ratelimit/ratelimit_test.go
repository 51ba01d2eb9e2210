package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterRefills(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := New(Config{MaxRequestsPerMinute: 2, Now: func() time.Time { return now }})
	defer rl.Stop()

	assert.True(t, rl.allow("a"))
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"), "buckets are per client")

	now = now.Add(30 * time.Second)
	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 1})
	defer rl.Stop()

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	req := func(client string) int {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Client-ID", client)
		resp, err := app.Test(r)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusNoContent, req("ops"))
	assert.Equal(t, fiber.StatusTooManyRequests, req("ops"))
	assert.Equal(t, fiber.StatusNoContent, req("ingest"))
}
