// Package poller drives long-running external jobs without blocking: each
// Step either submits, polls once, or fetches, and tells the caller how long
// to wait before stepping again. Job handles are persisted between steps so a
// restarted worker resumes polling instead of resubmitting.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/logger"
	"github.com/legal-doc-processor/backend/pkg/retry"
)

var (
	ErrTimedOut  = errors.New("external job timed out")
	ErrAbandoned = errors.New("external job abandoned")
)

type Capability[In, Out any] interface {
	Submit(ctx context.Context, input In) (string, error)
	Poll(ctx context.Context, jobID string) (models.JobState, error)
	Fetch(ctx context.Context, jobID string) (Out, error)
}

type HandleStore interface {
	GetJobHandle(ctx context.Context, documentID uuid.UUID, stage string, generation int64) (*models.JobHandle, error)
	SaveJobHandle(ctx context.Context, h *models.JobHandle) error
	DeleteJobHandle(ctx context.Context, documentID uuid.UUID, stage string, generation int64) error
}

type Key struct {
	DocumentID uuid.UUID
	Stage      string
	Generation int64
}

type Config struct {
	Timeout  time.Duration
	Schedule retry.Backoff
	Now      func() time.Time
}

// Result is the outcome of one Step. When Done is false the job is still
// running and the caller should step again after Wait.
type Result[Out any] struct {
	Done   bool
	Value  Out
	Wait   time.Duration
	Handle models.JobHandle
}

type Poller[In, Out any] struct {
	capability Capability[In, Out]
	store      HandleStore
	timeout    time.Duration
	schedule   retry.Backoff
	now        func() time.Time
}

func New[In, Out any](capability Capability[In, Out], store HandleStore, cfg Config) *Poller[In, Out] {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Poller[In, Out]{
		capability: capability,
		store:      store,
		timeout:    cfg.Timeout,
		schedule:   cfg.Schedule,
		now:        cfg.Now,
	}
}

func (p *Poller[In, Out]) Step(ctx context.Context, key Key, input In) (Result[Out], error) {
	var zero Result[Out]

	h, err := p.store.GetJobHandle(ctx, key.DocumentID, key.Stage, key.Generation)
	if errors.Is(err, models.ErrNotFound) {
		return p.submit(ctx, key, input)
	}
	if err != nil {
		return zero, fmt.Errorf("failed to load job handle: %w", err)
	}
	if h.Abandoned {
		return zero, fmt.Errorf("job %s: %w", h.ExternalJobID, ErrAbandoned)
	}

	now := p.now()
	state, pollErr := p.capability.Poll(ctx, h.ExternalJobID)
	h.PollCount++
	h.LastPolledAt = &now

	switch {
	case state == models.JobFailed:
		if err := p.store.DeleteJobHandle(ctx, key.DocumentID, key.Stage, key.Generation); err != nil {
			return zero, fmt.Errorf("failed to discard job handle: %w", err)
		}
		if pollErr == nil {
			pollErr = errors.New("external job failed without detail")
		}
		return zero, fmt.Errorf("job %s failed: %w", h.ExternalJobID, pollErr)

	case pollErr != nil:
		if err := p.store.SaveJobHandle(ctx, h); err != nil {
			return zero, fmt.Errorf("failed to save job handle: %w", err)
		}
		return zero, fmt.Errorf("failed to poll job %s: %w", h.ExternalJobID, pollErr)

	case state == models.JobSucceeded:
		h.LastState = models.JobSucceeded
		if err := p.store.SaveJobHandle(ctx, h); err != nil {
			return zero, fmt.Errorf("failed to save job handle: %w", err)
		}
		value, err := p.capability.Fetch(ctx, h.ExternalJobID)
		if err != nil {
			return zero, fmt.Errorf("failed to fetch job %s: %w", h.ExternalJobID, err)
		}
		logger.Debug("External job succeeded",
			zap.String("job_id", h.ExternalJobID),
			zap.Int("poll_count", h.PollCount),
		)
		return Result[Out]{Done: true, Value: value, Handle: *h}, nil
	}

	h.LastState = models.JobPending
	if elapsed := now.Sub(h.SubmittedAt); elapsed >= p.timeout {
		if err := p.store.DeleteJobHandle(ctx, key.DocumentID, key.Stage, key.Generation); err != nil {
			return zero, fmt.Errorf("failed to discard job handle: %w", err)
		}
		return zero, fmt.Errorf("job %s pending after %s: %w", h.ExternalJobID, elapsed, ErrTimedOut)
	}

	if err := p.store.SaveJobHandle(ctx, h); err != nil {
		return zero, fmt.Errorf("failed to save job handle: %w", err)
	}

	wait := p.schedule.Delay(h.PollCount)
	if remaining := p.timeout - now.Sub(h.SubmittedAt); wait > remaining {
		wait = remaining
	}
	return Result[Out]{Wait: wait, Handle: *h}, nil
}

func (p *Poller[In, Out]) submit(ctx context.Context, key Key, input In) (Result[Out], error) {
	var zero Result[Out]

	jobID, err := p.capability.Submit(ctx, input)
	if err != nil {
		return zero, fmt.Errorf("failed to submit job: %w", err)
	}

	h := &models.JobHandle{
		DocumentID:    key.DocumentID,
		Stage:         key.Stage,
		Generation:    key.Generation,
		ExternalJobID: jobID,
		SubmittedAt:   p.now(),
		LastState:     models.JobPending,
	}
	if err := p.store.SaveJobHandle(ctx, h); err != nil {
		return zero, fmt.Errorf("failed to save job handle: %w", err)
	}

	logger.Info("External job submitted",
		zap.String("document_id", key.DocumentID.String()),
		zap.String("stage", key.Stage),
		zap.String("job_id", jobID),
	)
	return Result[Out]{Wait: p.schedule.Delay(0), Handle: *h}, nil
}

// Finish discards the handle once the owning stage has resolved.
func (p *Poller[In, Out]) Finish(ctx context.Context, key Key) error {
	return p.store.DeleteJobHandle(ctx, key.DocumentID, key.Stage, key.Generation)
}

// Abandon stops all further polling for key. The remote job is left alone.
func (p *Poller[In, Out]) Abandon(ctx context.Context, key Key) error {
	h, err := p.store.GetJobHandle(ctx, key.DocumentID, key.Stage, key.Generation)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load job handle: %w", err)
	}
	h.Abandoned = true
	if err := p.store.SaveJobHandle(ctx, h); err != nil {
		return fmt.Errorf("failed to save job handle: %w", err)
	}
	logger.Info("External job abandoned", zap.String("job_id", h.ExternalJobID))
	return nil
}
