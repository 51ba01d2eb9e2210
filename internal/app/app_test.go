package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-doc-processor/backend/internal/api"
	"github.com/legal-doc-processor/backend/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	sources := filepath.Join(dir, "sources")
	require.NoError(t, os.MkdirAll(filepath.Join(sources, "leases"), 0o755))

	body := strings.Repeat("This lease is made between Acme Corporation and John Smith of Berlin on March 3, 2024. ", 12)
	require.NoError(t, os.WriteFile(filepath.Join(sources, "leases", "berlin.txt"), []byte(body), 0o644))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(`
sqlite:
  path: %s
queue:
  backend: memory
  pollInterval: 10ms
  reapInterval: 50ms
cache:
  backend: memory
pipeline:
  retryBaseDelay: 10ms
  retryMaxDelay: 50ms
chunker:
  windowSize: 400
  overlap: 40
extraction:
  backend: local
  sourceRoot: %s
  pollInitial: 10ms
  pollMax: 50ms
mentions:
  provider: prose
worker:
  concurrency: 2
  id: test-worker
`, filepath.Join(dir, "records.db"), sources)), 0o644))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	return cfg
}

func TestDocumentFlowsThroughPipeline(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close(context.Background())

	w, err := a.Worker()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	server, stop := api.NewApp(cfg.Server, api.Deps{Intake: a.Intake, Admin: a.Orchestrator, Pingers: a.Pingers()})
	defer stop()

	call := func(method, path, body string) (int, map[string]any) {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := server.Test(req, -1)
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		out := map[string]any{}
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
		return resp.StatusCode, out
	}

	code, ready := call("GET", "/api/v1/ready", "")
	require.Equal(t, 200, code, ready)

	code, sub := call("POST", "/api/v1/documents",
		fmt.Sprintf(`{"project_id":%q,"source_ref":"leases/berlin.txt"}`, uuid.New()))
	require.Equal(t, 201, code, sub)
	id := sub["document_id"].(string)

	var status map[string]any
	assert.Eventually(t, func() bool {
		_, status = call("GET", "/api/v1/documents/"+id+"/status", "")
		return status["status"] == "completed" || status["status"] == "failed"
	}, 60*time.Second, 50*time.Millisecond)
	require.Equal(t, "completed", status["status"], status)

	docID := uuid.MustParse(id)
	chunks, err := a.Store.ListChunks(ctx, docID, 1)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)

	// Reset re-runs everything from chunking under a new generation.
	code, reset := call("POST", "/api/v1/documents/"+id+"/reset", `{"stage":"chunking","redrive":true}`)
	require.Equal(t, 200, code, reset)
	assert.Equal(t, float64(2), reset["generation"])

	assert.Eventually(t, func() bool {
		_, status = call("GET", "/api/v1/documents/"+id+"/status", "")
		return status["status"] == "completed"
	}, 60*time.Second, 50*time.Millisecond)

	regenerated, err := a.Store.ListChunks(ctx, docID, 2)
	require.NoError(t, err)
	assert.Len(t, regenerated, len(chunks))

	code, _ = call("POST", "/api/v1/documents/"+id+"/redrive", "")
	assert.Equal(t, 409, code, "nothing left to run")

	cancel()
	require.NoError(t, <-done)
}
