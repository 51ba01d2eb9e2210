package neo4j

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legal-doc-processor/backend/internal/kg/builder"
	"github.com/legal-doc-processor/backend/internal/storage/models"
)

func TestProjectionStatements(t *testing.T) {
	doc := &models.Document{ID: uuid.New(), ProjectID: uuid.New(), SourceRef: "contracts/msa.txt", Generation: 1}
	chunk := models.Chunk{ID: uuid.New(), DocumentID: doc.ID}
	entity := models.CanonicalEntity{ID: uuid.New(), Name: "Acme Corp", Type: models.EntityOrganization, MentionCount: 2}
	mentions := []models.EntityMention{
		{ID: uuid.New(), ChunkID: chunk.ID, CanonicalID: &entity.ID},
		{ID: uuid.New(), ChunkID: chunk.ID, CanonicalID: &entity.ID},
	}
	rels := builder.Build(doc, []models.Chunk{chunk}, mentions, []models.CanonicalEntity{entity})

	stmts, err := projection(doc, []models.CanonicalEntity{entity}, rels)
	require.NoError(t, err)

	// document, entities, one per edge kind
	require.Len(t, stmts, 6)
	assert.Contains(t, stmts[0].Cypher, "MERGE (d:Document {id: $id})")
	assert.Equal(t, doc.ID.String(), stmts[0].Params["id"])
	assert.Len(t, stmts[1].Params["rows"], 1)

	var mentionEdges []any
	for _, st := range stmts[2:] {
		assert.Contains(t, st.Cypher, "MERGE (s)-[r:")
		if strings.Contains(st.Cypher, "(s:Mention") && strings.Contains(st.Cypher, "(t:Entity") {
			mentionEdges = st.Params["rows"].([]any)
		}
	}
	assert.Len(t, mentionEdges, 2)
}

func TestProjectionRejectsUnknownArtifactKind(t *testing.T) {
	doc := &models.Document{ID: uuid.New(), ProjectID: uuid.New()}
	rels := []models.Relationship{{
		ID: uuid.New(), Kind: "SEES", SourceKind: "page", SourceID: uuid.New(),
		TargetKind: models.ArtifactDocument, TargetID: doc.ID,
	}}

	_, err := projection(doc, nil, rels)
	assert.Error(t, err)
}
