// Package local is an in-process extraction backend. It reads source files
// from a root directory and extracts text from plain text, Markdown and HTML.
// Jobs run in the background so callers see the same submit/poll/fetch
// protocol as a remote service.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/capability"
	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

const (
	defaultJobTTL   = time.Hour
	defaultMaxBytes = 32 << 20
)

var whitespace = regexp.MustCompile(`[ \t\r\v]+`)

type job struct {
	mu     sync.Mutex
	state  models.JobState
	result capability.ExtractionResult
	err    error
}

type Extractor struct {
	root     string
	maxBytes int64
	jobs     *gocache.Cache
}

func New(root string) (*Extractor, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source root %s is not a directory", abs)
	}

	logger.Info("Local extractor initialized", zap.String("root", abs))

	return &Extractor{
		root:     abs,
		maxBytes: defaultMaxBytes,
		jobs:     gocache.New(defaultJobTTL, 10*time.Minute),
	}, nil
}

func (e *Extractor) Submit(_ context.Context, sourceRef string) (string, error) {
	path, err := e.resolve(sourceRef)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	j := &job{state: models.JobPending}
	e.jobs.Set(id, j, gocache.DefaultExpiration)

	go func() {
		res, err := e.extract(path)

		j.mu.Lock()
		defer j.mu.Unlock()
		if err != nil {
			j.state, j.err = models.JobFailed, err
			return
		}
		j.state, j.result = models.JobSucceeded, res
	}()

	logger.Debug("Local extraction job started", zap.String("job_id", id), zap.String("source_ref", sourceRef))
	return id, nil
}

func (e *Extractor) Poll(_ context.Context, jobID string) (models.JobState, error) {
	j, err := e.job(jobID)
	if err != nil {
		return models.JobFailed, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.err
}

func (e *Extractor) Fetch(_ context.Context, jobID string) (capability.ExtractionResult, error) {
	j, err := e.job(jobID)
	if err != nil {
		return capability.ExtractionResult{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != models.JobSucceeded {
		return capability.ExtractionResult{}, capability.Transient("not_ready", "job %s is %s", jobID, j.state)
	}
	return j.result, nil
}

// A job missing from the table was lost with a restart or expired. Resubmitting is safe.
func (e *Extractor) job(jobID string) (*job, error) {
	v, ok := e.jobs.Get(jobID)
	if !ok {
		return nil, capability.Transient("job_lost", "unknown extraction job %s", jobID)
	}
	return v.(*job), nil
}

func (e *Extractor) resolve(sourceRef string) (string, error) {
	ref := strings.TrimPrefix(sourceRef, "file://")
	if ref == "" {
		return "", capability.Permanent("invalid_source", "empty source reference")
	}
	path := filepath.Join(e.root, filepath.FromSlash(ref))
	rel, err := filepath.Rel(e.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", capability.Permanent("invalid_source", "source %q escapes the source root", sourceRef)
	}
	return path, nil
}

func (e *Extractor) extract(path string) (capability.ExtractionResult, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return capability.ExtractionResult{}, capability.Permanent("source_not_found", "%s does not exist", filepath.Base(path))
	}
	if err != nil {
		return capability.ExtractionResult{}, capability.Transient("source_unreadable", "%v", err)
	}
	if info.Size() > e.maxBytes {
		return capability.ExtractionResult{}, capability.Permanent("source_too_large", "%s is %d bytes", filepath.Base(path), info.Size())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return capability.ExtractionResult{}, capability.Transient("source_unreadable", "%v", err)
	}

	var res capability.ExtractionResult
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".text", "":
		res = plainText(raw)
	case ".html", ".htm":
		res, err = htmlText(raw)
		if err != nil {
			return capability.ExtractionResult{}, capability.Permanent("malformed_source", "%v", err)
		}
	default:
		return capability.ExtractionResult{}, capability.Permanent("unsupported_format", "unsupported file type %q", filepath.Ext(path))
	}

	if strings.TrimSpace(res.Text) == "" {
		return capability.ExtractionResult{}, capability.Permanent("empty_document", "%s has no extractable text", filepath.Base(path))
	}
	return res, nil
}

// plainText normalizes line endings and horizontal whitespace. Form feeds
// separate pages.
func plainText(raw []byte) capability.ExtractionResult {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	pages := strings.Split(text, "\f")
	for i, p := range pages {
		pages[i] = strings.TrimSpace(whitespace.ReplaceAllString(p, " "))
	}
	return capability.ExtractionResult{Text: strings.Join(pages, "\n\n"), PageCount: len(pages)}
}

func htmlText(raw []byte) (capability.ExtractionResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return capability.ExtractionResult{}, err
	}

	doc.Find("script, style, nav, footer, header, aside, noscript").Remove()

	var paragraphs []string
	doc.Find("body").Find("h1, h2, h3, h4, h5, h6, p, li, td, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		if s.Find("p, li, td").Length() > 0 {
			return
		}
		if t := strings.TrimSpace(strings.Join(strings.Fields(s.Text()), " ")); t != "" {
			paragraphs = append(paragraphs, t)
		}
	})
	if len(paragraphs) == 0 {
		text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
		return capability.ExtractionResult{Text: text, PageCount: 1}, nil
	}
	return capability.ExtractionResult{Text: strings.Join(paragraphs, "\n\n"), PageCount: 1}, nil
}
