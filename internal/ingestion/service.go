package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/dispatch"
	"github.com/legal-doc-processor/backend/internal/pipeline"
	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/logger"
	"github.com/legal-doc-processor/backend/pkg/utils"
)

const maxSourceRefLength = 1024

var ErrInvalidRequest = errors.New("invalid intake request")

type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error)
}

type Request struct {
	ProjectID uuid.UUID
	SourceRef string
}

type Submission struct {
	Document *models.Document
	Created  bool
}

// Service admits documents into the pipeline. A document's id is derived
// from its project and source reference, so submitting the same source twice
// returns the existing document.
type Service struct {
	store DocumentStore
	queue dispatch.Dispatcher
	now   func() time.Time
}

func NewService(store DocumentStore, queue dispatch.Dispatcher) *Service {
	return &Service{store: store, queue: queue, now: time.Now}
}

func (s *Service) Submit(ctx context.Context, req Request) (*Submission, error) {
	sourceRef := strings.TrimSpace(req.SourceRef)
	if err := validate(req.ProjectID, sourceRef); err != nil {
		return nil, err
	}

	doc := &models.Document{
		ID:         DocumentID(req.ProjectID, sourceRef),
		ProjectID:  req.ProjectID,
		SourceRef:  sourceRef,
		Status:     models.DocumentPending,
		Generation: 1,
	}

	err := s.store.CreateDocument(ctx, doc)
	if errors.Is(err, models.ErrConstraint) {
		existing, err := s.store.GetDocument(ctx, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing document: %w", err)
		}
		logger.Info("Document already submitted",
			zap.String("document_id", existing.ID.String()),
			zap.String("status", string(existing.Status)),
		)
		// An intake that never ran is enqueued again; the stage guards make
		// this safe if the first item is still queued.
		if existing.Status == models.DocumentPending && existing.Stage(pipeline.StageIntake.String()).State == models.StageNotStarted {
			if err := s.enqueue(ctx, existing); err != nil {
				return nil, err
			}
		}
		return &Submission{Document: existing}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	if err := s.enqueue(ctx, doc); err != nil {
		return nil, err
	}

	logger.Info("Document submitted",
		zap.String("document_id", doc.ID.String()),
		zap.String("project_id", doc.ProjectID.String()),
		zap.String("source_ref", doc.SourceRef),
	)
	return &Submission{Document: doc, Created: true}, nil
}

func (s *Service) enqueue(ctx context.Context, doc *models.Document) error {
	err := s.queue.Enqueue(ctx, dispatch.WorkItem{
		ID:         uuid.NewString(),
		DocumentID: doc.ID,
		Stage:      pipeline.StageIntake.String(),
		Generation: doc.Generation,
		Reason:     dispatch.ReasonIntake,
		EnqueuedAt: s.now(),
	}, 0)
	if err != nil {
		return fmt.Errorf("failed to enqueue intake for %s: %w", doc.ID, err)
	}
	return nil
}

func DocumentID(projectID uuid.UUID, sourceRef string) uuid.UUID {
	return utils.DerivedID(projectID, "document", sourceRef)
}

func validate(projectID uuid.UUID, sourceRef string) error {
	switch {
	case projectID == uuid.Nil:
		return fmt.Errorf("project_id is required: %w", ErrInvalidRequest)
	case sourceRef == "":
		return fmt.Errorf("source_ref is required: %w", ErrInvalidRequest)
	case len(sourceRef) > maxSourceRefLength:
		return fmt.Errorf("source_ref exceeds %d bytes: %w", maxSourceRefLength, ErrInvalidRequest)
	case strings.IndexFunc(sourceRef, unicode.IsControl) >= 0:
		return fmt.Errorf("source_ref contains control characters: %w", ErrInvalidRequest)
	}
	return nil
}
