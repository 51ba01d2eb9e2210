// Package capability holds the contracts of the external services the
// pipeline consumes: text extraction and mention extraction.
package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/legal-doc-processor/backend/internal/storage/models"
)

var ErrMalformedResponse = errors.New("malformed capability response")

// ExternalFailure is an error reported by an external service about a job or call.
type ExternalFailure struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ExternalFailure) Error() string {
	return fmt.Sprintf("external failure %s: %s", e.Code, e.Message)
}

func Permanent(code, format string, args ...any) error {
	return &ExternalFailure{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Transient(code, format string, args ...any) error {
	return &ExternalFailure{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

type ExtractionResult struct {
	Text      string
	PageCount int
}

// Extractor is an asynchronous submit/poll/fetch text extraction service.
// Poll returns models.JobFailed together with an *ExternalFailure when the
// job itself failed; any other error means the poll call failed.
type Extractor interface {
	Submit(ctx context.Context, sourceRef string) (string, error)
	Poll(ctx context.Context, jobID string) (models.JobState, error)
	Fetch(ctx context.Context, jobID string) (ExtractionResult, error)
}

// RawMention is a mention as reported by a MentionExtractor, with a span
// relative to the chunk text it was extracted from.
type RawMention struct {
	Start      int
	End        int
	Text       string
	Type       string
	Confidence float64
}

type MentionExtractor interface {
	Extract(ctx context.Context, chunkText string) ([]RawMention, error)
	Name() string
}
