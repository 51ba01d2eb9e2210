package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/cache"
	"github.com/legal-doc-processor/backend/internal/dispatch"
	"github.com/legal-doc-processor/backend/internal/poller"
	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

type StageReport struct {
	Stage        string            `json:"stage"`
	State        models.StageState `json:"state"`
	AttemptCount int               `json:"attempt_count"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

type ErrorDetail struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type StatusReport struct {
	DocumentID uuid.UUID             `json:"document_id"`
	ProjectID  uuid.UUID             `json:"project_id"`
	SourceRef  string                `json:"source_ref"`
	Status     models.DocumentStatus `json:"status"`
	Generation int64                 `json:"generation"`
	Stages     []StageReport         `json:"stages"`
	Error      *ErrorDetail          `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Status reports every stage in pipeline order, with error detail when the
// document has failed.
func (o *Orchestrator) Status(ctx context.Context, documentID uuid.UUID) (*StatusReport, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		DocumentID: doc.ID,
		ProjectID:  doc.ProjectID,
		SourceRef:  doc.SourceRef,
		Status:     doc.Status,
		Generation: doc.Generation,
		Stages:     make([]StageReport, 0, len(Stages())),
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
	for _, s := range Stages() {
		st := doc.Stage(s.String())
		report.Stages = append(report.Stages, StageReport{
			Stage:        s.String(),
			State:        st.State,
			AttemptCount: st.AttemptCount,
			ErrorKind:    st.ErrorKind,
			LastError:    st.LastError,
			StartedAt:    st.StartedAt,
			CompletedAt:  st.CompletedAt,
		})
		if st.State == models.StageFailed && report.Error == nil {
			report.Error = &ErrorDetail{Stage: s.String(), Kind: st.ErrorKind, Message: st.LastError}
		}
	}
	return report, nil
}

// Reset clears stage and everything downstream of it and starts a new
// generation. Work already in flight for the old generation is discarded when
// it tries to complete. Nothing is enqueued; call Redrive to resume.
func (o *Orchestrator) Reset(ctx context.Context, documentID uuid.UUID, stage Stage) (*models.Document, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage %d", int(stage))
	}

	var previous int64
	doc, err := o.mutate(ctx, documentID, func(d *models.Document) error {
		for _, s := range Stages()[:int(stage)-1] {
			if d.Stage(s.String()).State == models.StageFailed {
				return fmt.Errorf("upstream stage %s has failed, reset it instead: %w", s, ErrOutOfOrder)
			}
		}
		previous = d.Generation
		for _, s := range stage.Downstream() {
			delete(d.StageStatus, s.String())
		}
		d.Generation++
		if stage == StageIntake {
			d.Status = models.DocumentPending
		} else {
			d.Status = models.DocumentProcessing
		}
		return nil
	})
	if errors.Is(err, ErrOutOfOrder) {
		return nil, stageError(KindOutOfOrder, stage, documentID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reset document: %w", err)
	}

	lg := logger.GetLogger().With(
		zap.String("document_id", documentID.String()),
		zap.String("stage", stage.String()),
		zap.Int64("generation", doc.Generation),
	)

	if stage <= StageExtraction {
		key := poller.Key{DocumentID: documentID, Stage: StageExtraction.String(), Generation: previous}
		if err := o.extraction.Abandon(ctx, key); err != nil {
			lg.Warn("Failed to abandon extraction job", zap.Error(err))
		}
	}
	abandoned, err := o.store.AbandonJobHandles(ctx, documentID, doc.Generation)
	if err != nil {
		lg.Warn("Failed to abandon job handles", zap.Error(err))
	}

	invalidated := 0
	for _, s := range stage.Downstream() {
		n, err := o.cache.Invalidate(ctx, cache.Prefix(documentID, s.String()))
		if err != nil {
			lg.Warn("Failed to invalidate cached results", zap.String("cleared", s.String()), zap.Error(err))
			continue
		}
		invalidated += n
	}

	lg.Info("Document reset",
		zap.Int64("previous_generation", previous),
		zap.Int64("abandoned_jobs", abandoned),
		zap.Int("invalidated_entries", invalidated),
	)
	return doc, nil
}

// Redrive enqueues the first stage that has not completed. It is the recovery
// path after an enqueue was lost, and is safe to call at any time: a duplicate
// work item is rejected by the stage guards.
func (o *Orchestrator) Redrive(ctx context.Context, documentID uuid.UUID) (Stage, error) {
	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}

	var target Stage
	for _, s := range Stages() {
		if doc.Stage(s.String()).State != models.StageCompleted {
			target = s
			break
		}
	}
	if target == 0 {
		return 0, stageError(KindOutOfOrder, StageFinalized, documentID,
			fmt.Errorf("every stage is completed: %w", ErrOutOfOrder))
	}
	if err := o.runnable(doc, target); err != nil {
		return target, stageError(KindOutOfOrder, target, documentID, err)
	}

	if err := o.enqueue(ctx, documentID, target, doc.Generation, dispatch.ReasonRedrive, 0); err != nil {
		return target, fmt.Errorf("failed to enqueue %s: %w", target, err)
	}
	logger.Info("Document redriven",
		zap.String("document_id", documentID.String()),
		zap.String("stage", target.String()),
		zap.Int64("generation", doc.Generation),
	)
	return target, nil
}
