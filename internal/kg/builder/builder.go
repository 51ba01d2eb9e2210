// Package builder derives the structural edges of a document's knowledge
// graph from its pipeline artifacts. Edges always point up the containment
// hierarchy: mention → chunk → document → project, and mention → entity.
package builder

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/utils"
)

// Build is pure and total. Mentions whose canonical entity is unset or not
// among entities get no MENTION_OF_ENTITY edge.
func Build(doc *models.Document, chunks []models.Chunk, mentions []models.EntityMention, entities []models.CanonicalEntity) []models.Relationship {
	known := make(map[uuid.UUID]struct{}, len(entities))
	for _, e := range entities {
		known[e.ID] = struct{}{}
	}

	rels := make([]models.Relationship, 0, 1+len(chunks)+2*len(mentions))
	add := func(kind models.RelationshipKind, srcKind models.ArtifactKind, src uuid.UUID, tgtKind models.ArtifactKind, tgt uuid.UUID) {
		rels = append(rels, models.Relationship{
			ID:         RelationshipID(doc.ID, doc.Generation, kind, src, tgt),
			DocumentID: doc.ID,
			Generation: doc.Generation,
			Kind:       kind,
			SourceKind: srcKind,
			SourceID:   src,
			TargetKind: tgtKind,
			TargetID:   tgt,
		})
	}

	add(models.RelDocumentInProject, models.ArtifactDocument, doc.ID, models.ArtifactProject, doc.ProjectID)

	for _, ch := range chunks {
		add(models.RelChunkOfDocument, models.ArtifactChunk, ch.ID, models.ArtifactDocument, doc.ID)
	}

	for _, m := range mentions {
		add(models.RelMentionInChunk, models.ArtifactMention, m.ID, models.ArtifactChunk, m.ChunkID)
	}

	for _, m := range mentions {
		if m.CanonicalID == nil {
			continue
		}
		if _, ok := known[*m.CanonicalID]; !ok {
			continue
		}
		add(models.RelMentionOfEntity, models.ArtifactMention, m.ID, models.ArtifactCanonical, *m.CanonicalID)
	}

	return rels
}

func RelationshipID(documentID uuid.UUID, generation int64, kind models.RelationshipKind, src, tgt uuid.UUID) uuid.UUID {
	return utils.DerivedID(documentID, strconv.FormatInt(generation, 10), "relationship", string(kind), src.String(), tgt.String())
}
