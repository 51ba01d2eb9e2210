package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

func (c *Client) CreateDocument(ctx context.Context, doc *models.Document) error {
	stageStatus, err := json.Marshal(nonNilStages(doc.StageStatus))
	if err != nil {
		return fmt.Errorf("failed to marshal stage status: %w", err)
	}

	now := c.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	doc.Version = 1

	_, err = c.conn(ctx).ExecContext(ctx, `
		INSERT INTO documents (id, project_id, source_ref, status, stage_status, generation, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID.String(),
		doc.ProjectID.String(),
		doc.SourceRef,
		string(doc.Status),
		string(stageStatus),
		doc.Generation,
		doc.Version,
		unixNano(doc.CreatedAt),
		unixNano(doc.UpdatedAt),
	)
	if err != nil {
		return wrapErr("insert document", err)
	}

	logger.Debug("Document inserted", zap.String("document_id", doc.ID.String()))
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	row := c.conn(ctx).QueryRowContext(ctx, `
		SELECT id, project_id, source_ref, status, stage_status, generation, version, created_at, updated_at
		FROM documents WHERE id = ?`, id.String())

	var (
		doc                  models.Document
		docID, projectID     string
		status, stageStatus  string
		createdAt, updatedAt int64
	)
	err := row.Scan(&docID, &projectID, &doc.SourceRef, &status, &stageStatus, &doc.Generation, &doc.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	if doc.ID, err = uuid.Parse(docID); err != nil {
		return nil, fmt.Errorf("failed to parse document id: %w", err)
	}
	if doc.ProjectID, err = uuid.Parse(projectID); err != nil {
		return nil, fmt.Errorf("failed to parse project id: %w", err)
	}
	if err := json.Unmarshal([]byte(stageStatus), &doc.StageStatus); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stage status: %w", err)
	}
	doc.Status = models.DocumentStatus(status)
	doc.CreatedAt = fromUnixNano(createdAt)
	doc.UpdatedAt = fromUnixNano(updatedAt)

	return &doc, nil
}

// UpdateDocument is a compare-and-swap on doc.Version. On success the version
// in doc is advanced to the stored one.
func (c *Client) UpdateDocument(ctx context.Context, doc *models.Document) error {
	stageStatus, err := json.Marshal(nonNilStages(doc.StageStatus))
	if err != nil {
		return fmt.Errorf("failed to marshal stage status: %w", err)
	}

	now := c.now()
	res, err := c.conn(ctx).ExecContext(ctx, `
		UPDATE documents
		SET status = ?, stage_status = ?, generation = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(doc.Status),
		string(stageStatus),
		doc.Generation,
		unixNano(now),
		doc.ID.String(),
		doc.Version,
	)
	if err != nil {
		return wrapErr("update document", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		if _, getErr := c.GetDocument(ctx, doc.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("document %s at version %d: %w", doc.ID, doc.Version, models.ErrVersionConflict)
	}

	doc.Version++
	doc.UpdatedAt = now
	return nil
}

// AcquireLock takes the per-document execution lock with a single atomic
// upsert. An expired lease can be taken over by another owner.
func (c *Client) AcquireLock(ctx context.Context, documentID uuid.UUID, stage, owner string, lease time.Duration) (bool, error) {
	now := c.now()
	res, err := c.conn(ctx).ExecContext(ctx, `
		INSERT INTO stage_locks (document_id, stage, owner, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			stage = excluded.stage,
			owner = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE stage_locks.expires_at <= excluded.acquired_at`,
		documentID.String(), stage, owner, unixNano(now), unixNano(now.Add(lease)),
	)
	if err != nil {
		return false, wrapErr("acquire lock", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (c *Client) ReleaseLock(ctx context.Context, documentID uuid.UUID, owner string) error {
	_, err := c.conn(ctx).ExecContext(ctx,
		`DELETE FROM stage_locks WHERE document_id = ? AND owner = ?`,
		documentID.String(), owner,
	)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func nonNilStages(m map[string]models.StageStatus) map[string]models.StageStatus {
	if m == nil {
		return map[string]models.StageStatus{}
	}
	return m
}
