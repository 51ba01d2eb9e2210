package pipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/legal-doc-processor/backend/internal/capability"
	"github.com/legal-doc-processor/backend/internal/poller"
	"github.com/legal-doc-processor/backend/internal/storage/models"
)

var (
	ErrOutOfOrder        = errors.New("stage is not runnable in the document's current state")
	ErrAlreadyInProgress = errors.New("stage is already being executed for this document")
	ErrStaleGeneration   = errors.New("document was reset while the stage was running")
	// ErrInterrupted is recorded when a worker takes over a stage whose
	// previous run died without reporting an outcome.
	ErrInterrupted = errors.New("stage execution was interrupted")
	// ErrInvalidArtifact marks an upstream artifact that cannot be used as stage input.
	ErrInvalidArtifact = errors.New("invalid upstream artifact")
)

// Kind attributes a stage failure to exactly one class.
type Kind string

const (
	KindTransientExternal Kind = "transient_external"
	KindPermanentExternal Kind = "permanent_external"
	KindDataIntegrity     Kind = "data_integrity"
	KindOutOfOrder        Kind = "out_of_order"
	KindAlreadyInProgress Kind = "already_in_progress"
	KindTimeout           Kind = "timeout"
	KindStaleGeneration   Kind = "stale_generation"
)

// Retryable kinds get a delayed re-enqueue while attempts remain.
func (k Kind) Retryable() bool {
	return k == KindTransientExternal || k == KindTimeout
}

// Guard kinds are idempotency rejections. They never fail a document.
func (k Kind) Guard() bool {
	return k == KindOutOfOrder || k == KindAlreadyInProgress || k == KindStaleGeneration
}

type StageError struct {
	Kind       Kind
	Stage      Stage
	DocumentID uuid.UUID
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage for document %s: %s: %v", e.Stage, e.DocumentID, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(kind Kind, stage Stage, docID uuid.UUID, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, DocumentID: docID, Err: err}
}

// Classify maps an error to its Kind. Errors with no better match are
// treated as transient.
func Classify(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}

	switch {
	case errors.Is(err, ErrOutOfOrder):
		return KindOutOfOrder
	case errors.Is(err, ErrAlreadyInProgress):
		return KindAlreadyInProgress
	case errors.Is(err, ErrStaleGeneration):
		return KindStaleGeneration
	case errors.Is(err, poller.ErrTimedOut):
		return KindTimeout
	case errors.Is(err, ErrInterrupted):
		return KindTransientExternal
	}

	var ext *capability.ExternalFailure
	if errors.As(err, &ext) {
		if ext.Retryable {
			return KindTransientExternal
		}
		return KindPermanentExternal
	}

	switch {
	case errors.Is(err, models.ErrConstraint), errors.Is(err, models.ErrNotFound), errors.Is(err, ErrInvalidArtifact):
		return KindDataIntegrity
	case errors.Is(err, poller.ErrAbandoned):
		return KindStaleGeneration
	}

	// Malformed replies, open breakers, deadlines and store I/O all land here.
	return KindTransientExternal
}
