package neo4j

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/circuitbreaker"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

// Client projects a finalized document into Neo4j. Every write is a MERGE
// keyed by artifact id, so projecting the same generation twice is a no-op.
type Client struct {
	driver   neo4j.DriverWithContext
	database string
	cb       *circuitbreaker.CircuitBreaker
	timeout  time.Duration
}

type statement struct {
	Cypher string
	Params map[string]any
}

var labels = map[models.ArtifactKind]string{
	models.ArtifactProject:   "Project",
	models.ArtifactDocument:  "Document",
	models.ArtifactChunk:     "Chunk",
	models.ArtifactMention:   "Mention",
	models.ArtifactCanonical: "Entity",
}

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	logger.Info("Neo4j client initialized", zap.String("uri", uri), zap.String("database", database))

	return &Client{
		driver:   driver,
		database: database,
		cb:       cb,
		timeout:  30 * time.Second,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// Project writes the document's canonical entities and relationships in a
// single write transaction.
func (c *Client) Project(ctx context.Context, doc *models.Document, entities []models.CanonicalEntity, rels []models.Relationship) error {
	stmts, err := projection(doc, entities, rels)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err = c.cb.Execute(ctx, func(ctx context.Context) error {
		session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
		defer session.Close(ctx)

		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			for _, st := range stmts {
				result, err := tx.Run(ctx, st.Cypher, st.Params)
				if err != nil {
					return nil, err
				}
				if _, err := result.Consume(ctx); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to project document %s: %w", doc.ID, err)
	}

	logger.Info("Document projected to graph",
		zap.String("document_id", doc.ID.String()),
		zap.Int64("generation", doc.Generation),
		zap.Int("entities", len(entities)),
		zap.Int("relationships", len(rels)),
	)
	return nil
}

func projection(doc *models.Document, entities []models.CanonicalEntity, rels []models.Relationship) ([]statement, error) {
	stmts := []statement{{
		Cypher: `
			MERGE (d:Document {id: $id})
			SET d.project_id = $project_id,
			    d.source_ref = $source_ref,
			    d.generation = $generation`,
		Params: map[string]any{
			"id":         doc.ID.String(),
			"project_id": doc.ProjectID.String(),
			"source_ref": doc.SourceRef,
			"generation": doc.Generation,
		},
	}}

	if len(entities) > 0 {
		rows := make([]any, 0, len(entities))
		for _, e := range entities {
			rows = append(rows, map[string]any{
				"id":            e.ID.String(),
				"name":          e.Name,
				"type":          string(e.Type),
				"mention_count": e.MentionCount,
			})
		}
		stmts = append(stmts, statement{
			Cypher: `
				UNWIND $rows AS row
				MERGE (e:Entity {id: row.id})
				SET e.name = row.name,
				    e.type = row.type,
				    e.mention_count = row.mention_count,
				    e.document_id = $document_id,
				    e.generation = $generation`,
			Params: map[string]any{
				"rows":        rows,
				"document_id": doc.ID.String(),
				"generation":  doc.Generation,
			},
		})
	}

	type edgeShape struct {
		kind     models.RelationshipKind
		src, tgt models.ArtifactKind
	}
	grouped := make(map[edgeShape][]any)
	var shapes []edgeShape
	for _, r := range rels {
		shape := edgeShape{r.Kind, r.SourceKind, r.TargetKind}
		if _, ok := grouped[shape]; !ok {
			shapes = append(shapes, shape)
		}
		grouped[shape] = append(grouped[shape], map[string]any{
			"id":     r.ID.String(),
			"source": r.SourceID.String(),
			"target": r.TargetID.String(),
		})
	}
	sort.SliceStable(shapes, func(i, j int) bool { return shapes[i].kind < shapes[j].kind })

	for _, shape := range shapes {
		src, ok := labels[shape.src]
		if !ok {
			return nil, fmt.Errorf("unknown artifact kind %q", shape.src)
		}
		tgt, ok := labels[shape.tgt]
		if !ok {
			return nil, fmt.Errorf("unknown artifact kind %q", shape.tgt)
		}
		stmts = append(stmts, statement{
			Cypher: fmt.Sprintf(`
				UNWIND $rows AS row
				MERGE (s:%s {id: row.source})
				MERGE (t:%s {id: row.target})
				MERGE (s)-[r:%s {id: row.id}]->(t)
				SET r.generation = $generation`, src, tgt, shape.kind),
			Params: map[string]any{
				"rows":       grouped[shape],
				"generation": doc.Generation,
			},
		})
	}

	return stmts, nil
}
