package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-doc-processor/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.InitSchema(context.Background()))
	return c
}

func newDocument(t *testing.T, c *Client) *models.Document {
	t.Helper()
	doc := &models.Document{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		SourceRef: "contracts/msa.txt",
		Status:    models.DocumentPending,
	}
	require.NoError(t, c.CreateDocument(context.Background(), doc))
	return doc
}

func TestDocumentRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	doc := newDocument(t, c)

	got, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ProjectID, got.ProjectID)
	assert.Equal(t, "contracts/msa.txt", got.SourceRef)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, models.StageNotStarted, got.Stage("chunking").State)

	_, err = c.GetDocument(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateDocumentCompareAndSwap(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	doc := newDocument(t, c)

	first, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	second, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)

	first.SetStage("intake", models.StageStatus{State: models.StageCompleted})
	require.NoError(t, c.UpdateDocument(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	second.Status = models.DocumentFailed
	err = c.UpdateDocument(ctx, second)
	assert.ErrorIs(t, err, models.ErrVersionConflict)

	stored, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, stored.Stage("intake").State)
	assert.Equal(t, models.DocumentPending, stored.Status)

	missing := &models.Document{ID: uuid.New(), Version: 1}
	assert.ErrorIs(t, c.UpdateDocument(ctx, missing), models.ErrNotFound)
}

func TestAcquireLockIsExclusive(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	doc := newDocument(t, c)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := c.AcquireLock(ctx, doc.ID, "chunking", uuid.NewString(), time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, acquired)
}

func TestLockReleaseAndLeaseExpiry(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	doc := newDocument(t, c)

	now := time.Unix(1700000000, 0)
	c.WithClock(func() time.Time { return now })

	ok, err := c.AcquireLock(ctx, doc.ID, "extraction", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.AcquireLock(ctx, doc.ID, "extraction", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, doc.ID, "worker-b"))
	ok, err = c.AcquireLock(ctx, doc.ID, "extraction", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner must not free the lock")

	now = now.Add(2 * time.Minute)
	ok, err = c.AcquireLock(ctx, doc.ID, "extraction", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be taken over")

	require.NoError(t, c.ReleaseLock(ctx, doc.ID, "worker-b"))
	ok, err = c.AcquireLock(ctx, doc.ID, "chunking", "worker-c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChunkOrdinalUniqueness(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	doc := newDocument(t, c)

	chunks := []models.Chunk{
		{ID: uuid.New(), DocumentID: doc.ID, Generation: 0, Ordinal: 0, Start: 0, End: 5, Text: "hello"},
		{ID: uuid.New(), DocumentID: doc.ID, Generation: 0, Ordinal: 1, Start: 4, End: 9, Text: "o wor"},
	}
	require.NoError(t, c.InsertChunks(ctx, chunks))

	dup := []models.Chunk{{ID: uuid.New(), DocumentID: doc.ID, Generation: 0, Ordinal: 1, Start: 4, End: 9, Text: "o wor"}}
	assert.ErrorIs(t, c.InsertChunks(ctx, dup), models.ErrConstraint)

	nextGen := []models.Chunk{{ID: uuid.New(), DocumentID: doc.ID, Generation: 1, Ordinal: 0, Start: 0, End: 5, Text: "hello"}}
	require.NoError(t, c.InsertChunks(ctx, nextGen))

	got, err := c.ListChunks(ctx, doc.ID, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Ordinal)
	assert.Equal(t, "o wor", got[1].Text)
}

func TestInsertChunksIsAtomic(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	doc := newDocument(t, c)

	chunks := []models.Chunk{
		{ID: uuid.New(), DocumentID: doc.ID, Ordinal: 0, Start: 0, End: 5, Text: "hello"},
		{ID: uuid.New(), DocumentID: doc.ID, Ordinal: 0, Start: 5, End: 9, Text: "dupe"},
	}
	assert.ErrorIs(t, c.InsertChunks(ctx, chunks), models.ErrConstraint)

	got, err := c.ListChunks(ctx, doc.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMentionCanonicalAssignment(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	doc := newDocument(t, c)

	chunk := models.Chunk{ID: uuid.New(), DocumentID: doc.ID, Ordinal: 0, Start: 0, End: 20, Text: "Acme Corp signed it."}
	require.NoError(t, c.InsertChunks(ctx, []models.Chunk{chunk}))

	mention := models.EntityMention{
		ID: uuid.New(), ChunkID: chunk.ID, DocumentID: doc.ID,
		Start: 0, End: 9, Text: "Acme Corp", Type: models.EntityOrganization, Confidence: 0.9,
	}
	require.NoError(t, c.InsertMentions(ctx, []models.EntityMention{mention}))

	first := models.CanonicalEntity{ID: uuid.New(), DocumentID: doc.ID, Name: "Acme Corp", Type: models.EntityOrganization, MentionCount: 1}
	second := models.CanonicalEntity{ID: uuid.New(), DocumentID: doc.ID, Name: "ACME", Type: models.EntityOrganization, MentionCount: 1}
	require.NoError(t, c.InsertCanonicalEntities(ctx, []models.CanonicalEntity{first, second}))

	require.NoError(t, c.AssignCanonical(ctx, mention.ID, first.ID))
	require.NoError(t, c.AssignCanonical(ctx, mention.ID, first.ID), "re-assigning the same entity is idempotent")
	assert.ErrorIs(t, c.AssignCanonical(ctx, mention.ID, second.ID), models.ErrConstraint)

	mentions, err := c.ListMentions(ctx, doc.ID, 0)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	require.NotNil(t, mentions[0].CanonicalID)
	assert.Equal(t, first.ID, *mentions[0].CanonicalID)

	entities, err := c.ListCanonicalEntities(ctx, doc.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}

func TestMentionConfidenceCheck(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	doc := newDocument(t, c)

	chunk := models.Chunk{ID: uuid.New(), DocumentID: doc.ID, Ordinal: 0, Start: 0, End: 4, Text: "Acme"}
	require.NoError(t, c.InsertChunks(ctx, []models.Chunk{chunk}))

	bad := models.EntityMention{ID: uuid.New(), ChunkID: chunk.ID, DocumentID: doc.ID, Start: 0, End: 4, Text: "Acme", Type: models.EntityOrganization, Confidence: 1.5}
	assert.ErrorIs(t, c.InsertMentions(ctx, []models.EntityMention{bad}), models.ErrConstraint)
}

func TestRelationshipsAndText(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	doc := newDocument(t, c)

	require.NoError(t, c.SaveExtractedText(ctx, &models.ExtractedText{DocumentID: doc.ID, Text: "body", PageCount: 2, Fingerprint: "abc"}))
	text, err := c.GetExtractedText(ctx, doc.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "body", text.Text)
	assert.Equal(t, 2, text.PageCount)

	_, err = c.GetExtractedText(ctx, doc.ID, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)

	rel := models.Relationship{
		ID: uuid.New(), DocumentID: doc.ID, Kind: models.RelDocumentInProject,
		SourceKind: models.ArtifactDocument, SourceID: doc.ID,
		TargetKind: models.ArtifactProject, TargetID: doc.ProjectID,
	}
	require.NoError(t, c.InsertRelationships(ctx, []models.Relationship{rel}))

	dup := rel
	dup.ID = uuid.New()
	assert.ErrorIs(t, c.InsertRelationships(ctx, []models.Relationship{dup}), models.ErrConstraint)

	rels, err := c.ListRelationships(ctx, doc.ID, 0)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, doc.ProjectID, rels[0].TargetID)
}

func TestJobHandleLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	doc := newDocument(t, c)

	submitted := time.Unix(1700000000, 0).UTC()
	h := &models.JobHandle{
		DocumentID: doc.ID, Stage: "extraction", Generation: 0,
		ExternalJobID: "job-1", SubmittedAt: submitted, LastState: models.JobPending,
	}
	require.NoError(t, c.SaveJobHandle(ctx, h))

	polled := submitted.Add(time.Second)
	h.PollCount = 3
	h.LastPolledAt = &polled
	require.NoError(t, c.SaveJobHandle(ctx, h))

	got, err := c.GetJobHandle(ctx, doc.ID, "extraction", 0)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ExternalJobID)
	assert.Equal(t, 3, got.PollCount)
	assert.True(t, got.SubmittedAt.Equal(submitted))
	require.NotNil(t, got.LastPolledAt)
	assert.False(t, got.Abandoned)

	n, err := c.AbandonJobHandles(ctx, doc.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	h.Abandoned = false
	require.NoError(t, c.SaveJobHandle(ctx, h))
	got, err = c.GetJobHandle(ctx, doc.ID, "extraction", 0)
	require.NoError(t, err)
	assert.True(t, got.Abandoned, "abandonment is sticky")

	require.NoError(t, c.DeleteJobHandle(ctx, doc.ID, "extraction", 0))
	_, err = c.GetJobHandle(ctx, doc.ID, "extraction", 0)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWithTransactionRollsBack(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	doc := newDocument(t, c)

	err := c.WithTransaction(ctx, func(ctx context.Context) error {
		loaded, err := c.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		loaded.Status = models.DocumentProcessing
		require.NoError(t, c.UpdateDocument(ctx, loaded))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	stored, err := c.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentPending, stored.Status)
	assert.Equal(t, int64(1), stored.Version)
}
