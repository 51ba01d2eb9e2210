package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/legal-doc-processor/backend/internal/storage/models"
)

func (c *Client) SaveExtractedText(ctx context.Context, text *models.ExtractedText) error {
	if text.CreatedAt.IsZero() {
		text.CreatedAt = c.now()
	}
	_, err := c.conn(ctx).ExecContext(ctx, `
		INSERT INTO extracted_texts (document_id, generation, text, page_count, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		text.DocumentID.String(), text.Generation, text.Text, text.PageCount, text.Fingerprint, unixNano(text.CreatedAt),
	)
	return wrapErr("insert extracted text", err)
}

func (c *Client) GetExtractedText(ctx context.Context, documentID uuid.UUID, generation int64) (*models.ExtractedText, error) {
	row := c.conn(ctx).QueryRowContext(ctx, `
		SELECT text, page_count, fingerprint, created_at
		FROM extracted_texts WHERE document_id = ? AND generation = ?`,
		documentID.String(), generation,
	)

	text := models.ExtractedText{DocumentID: documentID, Generation: generation}
	var createdAt int64
	err := row.Scan(&text.Text, &text.PageCount, &text.Fingerprint, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("extracted text for %s@%d: %w", documentID, generation, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get extracted text: %w", err)
	}
	text.CreatedAt = fromUnixNano(createdAt)
	return &text, nil
}

func (c *Client) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	return c.WithTransaction(ctx, func(ctx context.Context) error {
		now := c.now()
		for _, ch := range chunks {
			_, err := c.conn(ctx).ExecContext(ctx, `
				INSERT INTO chunks (id, document_id, generation, ordinal, start_pos, end_pos, text, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				ch.ID.String(), ch.DocumentID.String(), ch.Generation, ch.Ordinal, ch.Start, ch.End, ch.Text, unixNano(now),
			)
			if err != nil {
				return wrapErr(fmt.Sprintf("insert chunk %d", ch.Ordinal), err)
			}
		}
		return nil
	})
}

func (c *Client) ListChunks(ctx context.Context, documentID uuid.UUID, generation int64) ([]models.Chunk, error) {
	rows, err := c.conn(ctx).QueryContext(ctx, `
		SELECT id, ordinal, start_pos, end_pos, text, created_at
		FROM chunks WHERE document_id = ? AND generation = ?
		ORDER BY ordinal`,
		documentID.String(), generation,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		ch := models.Chunk{DocumentID: documentID, Generation: generation}
		var id string
		var createdAt int64
		if err := rows.Scan(&id, &ch.Ordinal, &ch.Start, &ch.End, &ch.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if ch.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse chunk id: %w", err)
		}
		ch.CreatedAt = fromUnixNano(createdAt)
		chunks = append(chunks, ch)
	}
	return chunks, rows.Err()
}

func (c *Client) InsertMentions(ctx context.Context, mentions []models.EntityMention) error {
	return c.WithTransaction(ctx, func(ctx context.Context) error {
		now := c.now()
		for _, m := range mentions {
			var canonical any
			if m.CanonicalID != nil {
				canonical = m.CanonicalID.String()
			}
			_, err := c.conn(ctx).ExecContext(ctx, `
				INSERT INTO entity_mentions (id, chunk_id, document_id, generation, start_pos, end_pos, text, type, confidence, canonical_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.ID.String(), m.ChunkID.String(), m.DocumentID.String(), m.Generation,
				m.Start, m.End, m.Text, string(m.Type), m.Confidence, canonical, unixNano(now),
			)
			if err != nil {
				return wrapErr("insert mention", err)
			}
		}
		return nil
	})
}

func (c *Client) ListMentions(ctx context.Context, documentID uuid.UUID, generation int64) ([]models.EntityMention, error) {
	rows, err := c.conn(ctx).QueryContext(ctx, `
		SELECT m.id, m.chunk_id, m.start_pos, m.end_pos, m.text, m.type, m.confidence, m.canonical_id, m.created_at
		FROM entity_mentions m
		JOIN chunks ch ON ch.id = m.chunk_id
		WHERE m.document_id = ? AND m.generation = ?
		ORDER BY ch.ordinal, m.start_pos, m.end_pos, m.type`,
		documentID.String(), generation,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list mentions: %w", err)
	}
	defer rows.Close()

	var mentions []models.EntityMention
	for rows.Next() {
		m := models.EntityMention{DocumentID: documentID, Generation: generation}
		var id, chunkID, typ string
		var canonical sql.NullString
		var createdAt int64
		if err := rows.Scan(&id, &chunkID, &m.Start, &m.End, &m.Text, &typ, &m.Confidence, &canonical, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan mention: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse mention id: %w", err)
		}
		if m.ChunkID, err = uuid.Parse(chunkID); err != nil {
			return nil, fmt.Errorf("failed to parse chunk id: %w", err)
		}
		if canonical.Valid {
			cid, err := uuid.Parse(canonical.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse canonical id: %w", err)
			}
			m.CanonicalID = &cid
		}
		m.Type = models.EntityType(typ)
		m.CreatedAt = fromUnixNano(createdAt)
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

func (c *Client) InsertCanonicalEntities(ctx context.Context, entities []models.CanonicalEntity) error {
	return c.WithTransaction(ctx, func(ctx context.Context) error {
		now := c.now()
		for _, e := range entities {
			_, err := c.conn(ctx).ExecContext(ctx, `
				INSERT INTO canonical_entities (id, document_id, generation, name, type, mention_count, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				e.ID.String(), e.DocumentID.String(), e.Generation, e.Name, string(e.Type), e.MentionCount, unixNano(now), unixNano(now),
			)
			if err != nil {
				return wrapErr("insert canonical entity", err)
			}
		}
		return nil
	})
}

// AssignCanonical links a mention to its canonical entity. A mention already
// linked to a different entity is a constraint violation.
func (c *Client) AssignCanonical(ctx context.Context, mentionID, canonicalID uuid.UUID) error {
	res, err := c.conn(ctx).ExecContext(ctx, `
		UPDATE entity_mentions SET canonical_id = ?
		WHERE id = ? AND (canonical_id IS NULL OR canonical_id = ?)`,
		canonicalID.String(), mentionID.String(), canonicalID.String(),
	)
	if err != nil {
		return wrapErr("assign canonical entity", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mention %s already assigned or missing: %w", mentionID, models.ErrConstraint)
	}
	return nil
}

func (c *Client) ListCanonicalEntities(ctx context.Context, documentID uuid.UUID, generation int64) ([]models.CanonicalEntity, error) {
	rows, err := c.conn(ctx).QueryContext(ctx, `
		SELECT id, name, type, mention_count, created_at, updated_at
		FROM canonical_entities WHERE document_id = ? AND generation = ?
		ORDER BY name, type, id`,
		documentID.String(), generation,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list canonical entities: %w", err)
	}
	defer rows.Close()

	var entities []models.CanonicalEntity
	for rows.Next() {
		e := models.CanonicalEntity{DocumentID: documentID, Generation: generation}
		var id, typ string
		var createdAt, updatedAt int64
		if err := rows.Scan(&id, &e.Name, &typ, &e.MentionCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan canonical entity: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse canonical id: %w", err)
		}
		e.Type = models.EntityType(typ)
		e.CreatedAt = fromUnixNano(createdAt)
		e.UpdatedAt = fromUnixNano(updatedAt)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (c *Client) InsertRelationships(ctx context.Context, rels []models.Relationship) error {
	return c.WithTransaction(ctx, func(ctx context.Context) error {
		now := c.now()
		for _, r := range rels {
			_, err := c.conn(ctx).ExecContext(ctx, `
				INSERT INTO relationships (id, document_id, generation, kind, source_kind, source_id, target_kind, target_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID.String(), r.DocumentID.String(), r.Generation, string(r.Kind),
				string(r.SourceKind), r.SourceID.String(), string(r.TargetKind), r.TargetID.String(), unixNano(now),
			)
			if err != nil {
				return wrapErr("insert relationship", err)
			}
		}
		return nil
	})
}

func (c *Client) ListRelationships(ctx context.Context, documentID uuid.UUID, generation int64) ([]models.Relationship, error) {
	rows, err := c.conn(ctx).QueryContext(ctx, `
		SELECT id, kind, source_kind, source_id, target_kind, target_id, created_at
		FROM relationships WHERE document_id = ? AND generation = ?
		ORDER BY kind, source_id, target_id`,
		documentID.String(), generation,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships: %w", err)
	}
	defer rows.Close()

	var rels []models.Relationship
	for rows.Next() {
		r := models.Relationship{DocumentID: documentID, Generation: generation}
		var id, kind, sourceKind, sourceID, targetKind, targetID string
		var createdAt int64
		if err := rows.Scan(&id, &kind, &sourceKind, &sourceID, &targetKind, &targetID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse relationship id: %w", err)
		}
		if r.SourceID, err = uuid.Parse(sourceID); err != nil {
			return nil, fmt.Errorf("failed to parse source id: %w", err)
		}
		if r.TargetID, err = uuid.Parse(targetID); err != nil {
			return nil, fmt.Errorf("failed to parse target id: %w", err)
		}
		r.Kind = models.RelationshipKind(kind)
		r.SourceKind = models.ArtifactKind(sourceKind)
		r.TargetKind = models.ArtifactKind(targetKind)
		r.CreatedAt = fromUnixNano(createdAt)
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
