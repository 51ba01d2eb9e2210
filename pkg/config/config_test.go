package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Chunker.WindowSize)
	assert.Equal(t, 100, cfg.Chunker.Overlap)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.RetryBaseDelay)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.LockLease)
	assert.LessOrEqual(t, cfg.Pipeline.LockLease, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Extraction.Timeout)
	assert.Equal(t, "levenshtein", cfg.Resolver.Metric)
	assert.Equal(t, 168*time.Hour, cfg.Cache.StageTTL("extraction"))
	assert.Equal(t, 24*time.Hour, cfg.Cache.StageTTL("finalized"))
}

func TestLoadFileOverrides(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, `
chunker:
  windowSize: 500
  overlap: 50
pipeline:
  maxAttempts: 5
  retryBaseDelay: 250ms
resolver:
  metric: jaro_winkler
  threshold: 0.9
cache:
  backend: memory
queue:
  backend: memory
`))
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Chunker.WindowSize)
	assert.Equal(t, 50, cfg.Chunker.Overlap)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.RetryBaseDelay)
	assert.Equal(t, "jaro_winkler", cfg.Resolver.Metric)
	assert.Equal(t, "memory", cfg.Cache.Backend)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "overlap not below window", body: "chunker:\n  windowSize: 100\n  overlap: 100\n"},
		{name: "zero attempts", body: "pipeline:\n  maxAttempts: 0\n"},
		{name: "unknown metric", body: "resolver:\n  metric: soundex\n"},
		{name: "unknown extraction backend", body: "extraction:\n  backend: textract\n"},
		{name: "unknown mentions provider", body: "mentions:\n  provider: carrier-pigeon\n"},
		{name: "threshold out of range", body: "resolver:\n  threshold: 1.5\n"},
		{name: "lock outlives visibility", body: "pipeline:\n  lockLease: 10m\nqueue:\n  visibilityTimeout: 5m\n"},
		{name: "zero lock lease", body: "pipeline:\n  lockLease: 0s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
