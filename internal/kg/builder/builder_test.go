package builder

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-doc-processor/backend/internal/storage/models"
)

func fixture() (*models.Document, []models.Chunk, []models.EntityMention, []models.CanonicalEntity) {
	doc := &models.Document{ID: uuid.New(), ProjectID: uuid.New(), Generation: 3}
	chunks := []models.Chunk{
		{ID: uuid.New(), DocumentID: doc.ID, Ordinal: 0},
		{ID: uuid.New(), DocumentID: doc.ID, Ordinal: 1},
	}
	acme := models.CanonicalEntity{ID: uuid.New(), Name: "Acme Corp", Type: models.EntityOrganization}
	orphan := uuid.New()
	mentions := []models.EntityMention{
		{ID: uuid.New(), ChunkID: chunks[0].ID, CanonicalID: &acme.ID},
		{ID: uuid.New(), ChunkID: chunks[1].ID, CanonicalID: &acme.ID},
		{ID: uuid.New(), ChunkID: chunks[1].ID},
		{ID: uuid.New(), ChunkID: chunks[1].ID, CanonicalID: &orphan},
	}
	return doc, chunks, mentions, []models.CanonicalEntity{acme}
}

func TestBuildEdgeCounts(t *testing.T) {
	doc, chunks, mentions, entities := fixture()

	rels := Build(doc, chunks, mentions, entities)

	counts := map[models.RelationshipKind]int{}
	for _, r := range rels {
		counts[r.Kind]++
		assert.Equal(t, doc.ID, r.DocumentID)
		assert.Equal(t, doc.Generation, r.Generation)
	}
	assert.Equal(t, 1, counts[models.RelDocumentInProject])
	assert.Equal(t, 2, counts[models.RelChunkOfDocument])
	assert.Equal(t, 4, counts[models.RelMentionInChunk])
	assert.Equal(t, 2, counts[models.RelMentionOfEntity])

	first := rels[0]
	assert.Equal(t, models.ArtifactDocument, first.SourceKind)
	assert.Equal(t, doc.ProjectID, first.TargetID)
}

func TestBuildEdgesPointUp(t *testing.T) {
	doc, chunks, mentions, entities := fixture()

	rank := map[models.ArtifactKind]int{
		models.ArtifactMention:   0,
		models.ArtifactChunk:     1,
		models.ArtifactCanonical: 1,
		models.ArtifactDocument:  2,
		models.ArtifactProject:   3,
	}
	for _, r := range Build(doc, chunks, mentions, entities) {
		assert.Less(t, rank[r.SourceKind], rank[r.TargetKind], "%s", r.Kind)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	doc, chunks, mentions, entities := fixture()

	a := Build(doc, chunks, mentions, entities)
	b := Build(doc, chunks, mentions, entities)
	require.Equal(t, a, b)

	ids := map[uuid.UUID]struct{}{}
	for _, r := range a {
		ids[r.ID] = struct{}{}
	}
	assert.Len(t, ids, len(a))

	next := *doc
	next.Generation++
	c := Build(&next, chunks, mentions, entities)
	assert.NotEqual(t, a[0].ID, c[0].ID)
}

func TestBuildEmptyDocument(t *testing.T) {
	doc := &models.Document{ID: uuid.New(), ProjectID: uuid.New()}
	rels := Build(doc, nil, nil, nil)
	require.Len(t, rels, 1)
	assert.Equal(t, models.RelDocumentInProject, rels[0].Kind)
}
