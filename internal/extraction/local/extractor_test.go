package local

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-doc-processor/backend/internal/capability"
	"github.com/legal-doc-processor/backend/internal/storage/models"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func waitDone(t *testing.T, e *Extractor, id string) (models.JobState, error) {
	t.Helper()
	var (
		state models.JobState
		err   error
	)
	require.Eventually(t, func() bool {
		state, err = e.Poll(context.Background(), id)
		return state != models.JobPending
	}, 2*time.Second, 5*time.Millisecond)
	return state, err
}

func TestExtractPlainText(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "contracts/msa.txt", "Master   Services\tAgreement\r\nbetween Acme Corp\fand Globex Inc.")
	e, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := e.Submit(ctx, "contracts/msa.txt")
	require.NoError(t, err)

	state, err := waitDone(t, e, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, state)

	res, err := e.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Master Services Agreement\nbetween Acme Corp\n\nand Globex Inc.", res.Text)
	assert.Equal(t, 2, res.PageCount)
}

func TestExtractHTML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notice.html", `<html><head><title>Notice</title><style>p{}</style></head>
<body><nav>Home | About</nav>
<h1>Notice of Termination</h1>
<p>Acme   Corp terminates the agreement.</p>
<ul><li>Effective 2023-01-05</li></ul>
<script>track()</script>
<footer>Copyright</footer></body></html>`)
	e, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := e.Submit(ctx, "file://notice.html")
	require.NoError(t, err)
	_, err = waitDone(t, e, id)
	require.NoError(t, err)

	res, err := e.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Notice of Termination\n\nAcme Corp terminates the agreement.\n\nEffective 2023-01-05", res.Text)
	assert.NotContains(t, res.Text, "track")
	assert.NotContains(t, res.Text, "Copyright")
}

func TestExtractFailures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "scan.pdf", "%PDF-1.4")
	writeFile(t, dir, "blank.txt", "  \n\t ")
	e, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		ref  string
		code string
	}{
		{"scan.pdf", "unsupported_format"},
		{"blank.txt", "empty_document"},
		{"missing.txt", "source_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			id, err := e.Submit(ctx, tt.ref)
			require.NoError(t, err)

			state, err := waitDone(t, e, id)
			assert.Equal(t, models.JobFailed, state)
			var ext *capability.ExternalFailure
			require.True(t, errors.As(err, &ext))
			assert.Equal(t, tt.code, ext.Code)
			assert.False(t, ext.Retryable)
		})
	}
}

func TestSubmitRejectsEscapingPaths(t *testing.T) {
	e, err := New(t.TempDir())
	require.NoError(t, err)

	for _, ref := range []string{"../etc/passwd", "a/../../b.txt", ""} {
		_, err := e.Submit(context.Background(), ref)
		var ext *capability.ExternalFailure
		require.True(t, errors.As(err, &ext), ref)
		assert.Equal(t, "invalid_source", ext.Code)
	}
}

func TestUnknownJobIsRetryable(t *testing.T) {
	e, err := New(t.TempDir())
	require.NoError(t, err)

	state, err := e.Poll(context.Background(), "nope")
	assert.Equal(t, models.JobFailed, state)
	var ext *capability.ExternalFailure
	require.True(t, errors.As(err, &ext))
	assert.True(t, ext.Retryable)
}

func TestNewRequiresDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "file.txt", "x")

	_, err := New(filepath.Join(dir, "file.txt"))
	assert.Error(t, err)
	_, err = New(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}
