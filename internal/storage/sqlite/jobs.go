package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/legal-doc-processor/backend/internal/storage/models"
)

func (c *Client) GetJobHandle(ctx context.Context, documentID uuid.UUID, stage string, generation int64) (*models.JobHandle, error) {
	row := c.conn(ctx).QueryRowContext(ctx, `
		SELECT external_job_id, submitted_at, poll_count, last_state, last_polled_at, abandoned
		FROM job_handles WHERE document_id = ? AND stage = ? AND generation = ?`,
		documentID.String(), stage, generation,
	)

	h := models.JobHandle{DocumentID: documentID, Stage: stage, Generation: generation}
	var (
		submittedAt int64
		lastState   string
		lastPolled  sql.NullInt64
		abandoned   int
	)
	err := row.Scan(&h.ExternalJobID, &submittedAt, &h.PollCount, &lastState, &lastPolled, &abandoned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job handle %s/%s@%d: %w", documentID, stage, generation, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job handle: %w", err)
	}

	h.SubmittedAt = fromUnixNano(submittedAt)
	h.LastState = models.JobState(lastState)
	h.LastPolledAt = timePtr(lastPolled)
	h.Abandoned = abandoned != 0
	return &h, nil
}

func (c *Client) SaveJobHandle(ctx context.Context, h *models.JobHandle) error {
	abandoned := 0
	if h.Abandoned {
		abandoned = 1
	}
	_, err := c.conn(ctx).ExecContext(ctx, `
		INSERT INTO job_handles (document_id, stage, generation, external_job_id, submitted_at, poll_count, last_state, last_polled_at, abandoned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, stage, generation) DO UPDATE SET
			external_job_id = excluded.external_job_id,
			submitted_at = excluded.submitted_at,
			poll_count = excluded.poll_count,
			last_state = excluded.last_state,
			last_polled_at = excluded.last_polled_at,
			abandoned = MAX(job_handles.abandoned, excluded.abandoned)`,
		h.DocumentID.String(), h.Stage, h.Generation, h.ExternalJobID, unixNano(h.SubmittedAt),
		h.PollCount, string(h.LastState), nullableTime(h.LastPolledAt), abandoned,
	)
	return wrapErr("save job handle", err)
}

func (c *Client) DeleteJobHandle(ctx context.Context, documentID uuid.UUID, stage string, generation int64) error {
	_, err := c.conn(ctx).ExecContext(ctx,
		`DELETE FROM job_handles WHERE document_id = ? AND stage = ? AND generation = ?`,
		documentID.String(), stage, generation,
	)
	if err != nil {
		return fmt.Errorf("failed to delete job handle: %w", err)
	}
	return nil
}

// AbandonJobHandles marks every handle of the document older than generation abandoned.
func (c *Client) AbandonJobHandles(ctx context.Context, documentID uuid.UUID, generation int64) (int64, error) {
	res, err := c.conn(ctx).ExecContext(ctx,
		`UPDATE job_handles SET abandoned = 1 WHERE document_id = ? AND generation < ? AND abandoned = 0`,
		documentID.String(), generation,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon job handles: %w", err)
	}
	return res.RowsAffected()
}
