package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/legal-doc-processor/backend/internal/cache"
	"github.com/legal-doc-processor/backend/internal/capability"
	"github.com/legal-doc-processor/backend/internal/chunker"
	"github.com/legal-doc-processor/backend/internal/kg/builder"
	"github.com/legal-doc-processor/backend/internal/metrics"
	"github.com/legal-doc-processor/backend/internal/poller"
	"github.com/legal-doc-processor/backend/internal/resolver"
	"github.com/legal-doc-processor/backend/internal/storage/models"
	"github.com/legal-doc-processor/backend/pkg/logger"
	"github.com/legal-doc-processor/backend/pkg/utils"
)

// stepResult is what a stage handler hands back to Advance. persist runs
// inside the completion transaction against the current document.
type stepResult struct {
	pending  bool
	wait     time.Duration
	cacheKey string
	payload  any
	hit      bool
	persist  func(ctx context.Context, doc *models.Document) error
}

type extractionOutput struct {
	Text      string `json:"text"`
	PageCount int    `json:"page_count"`
}

type chunkMentions struct {
	Ordinal  int       `json:"ordinal"`
	Mentions []mention `json:"mentions"`
}

type mention struct {
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Text       string            `json:"text"`
	Type       models.EntityType `json:"type"`
	Confidence float64           `json:"confidence"`
}

func (o *Orchestrator) execute(ctx context.Context, doc *models.Document, stage Stage) (*stepResult, error) {
	switch stage {
	case StageIntake:
		return o.runIntake(doc)
	case StageExtraction:
		return o.runExtraction(ctx, doc)
	case StageChunking:
		return o.runChunking(ctx, doc)
	case StageEntityExtraction:
		return o.runEntityExtraction(ctx, doc)
	case StageEntityResolution:
		return o.runEntityResolution(ctx, doc)
	case StageRelationshipBuilding:
		return o.runRelationshipBuilding(ctx, doc)
	case StageFinalized:
		return o.runFinalization(ctx, doc)
	}
	return nil, fmt.Errorf("no handler for stage %s", stage)
}

// cached looks up a stage result. Cache failures count as misses.
func (o *Orchestrator) cached(ctx context.Context, doc *models.Document, stage Stage, fingerprint string, out any) (string, bool) {
	key := cache.Key(doc.ID, stage.String(), fingerprint)
	hit, err := cache.GetJSON(ctx, o.cache, key, o.cfg.CacheVersion, out)
	if err != nil {
		logger.Warn("Cache lookup failed",
			zap.String("document_id", doc.ID.String()),
			zap.String("stage", stage.String()),
			zap.Error(err),
		)
		hit = false
	}
	metrics.CacheLookup(stage.String(), hit)
	return key, hit
}

func (o *Orchestrator) runIntake(doc *models.Document) (*stepResult, error) {
	if strings.TrimSpace(doc.SourceRef) == "" {
		return nil, fmt.Errorf("document has no source reference: %w", ErrInvalidArtifact)
	}
	if doc.ProjectID == uuid.Nil {
		return nil, fmt.Errorf("document has no project: %w", ErrInvalidArtifact)
	}
	return &stepResult{}, nil
}

func (o *Orchestrator) runExtraction(ctx context.Context, doc *models.Document) (*stepResult, error) {
	name := StageExtraction.String()
	key := poller.Key{DocumentID: doc.ID, Stage: name, Generation: doc.Generation}

	var out extractionOutput
	cacheKey, hit := o.cached(ctx, doc, StageExtraction, utils.Fingerprint(doc.SourceRef), &out)
	if !hit {
		step, err := o.extraction.Step(ctx, key, doc.SourceRef)
		if err != nil {
			metrics.JobPolls.WithLabelValues(name, "error").Inc()
			return nil, err
		}
		if !step.Done {
			metrics.JobPolls.WithLabelValues(name, string(models.JobPending)).Inc()
			return &stepResult{pending: true, wait: step.Wait}, nil
		}
		metrics.JobPolls.WithLabelValues(name, string(models.JobSucceeded)).Inc()
		out = extractionOutput{Text: step.Value.Text, PageCount: step.Value.PageCount}
	}

	return &stepResult{
		cacheKey: cacheKey,
		payload:  out,
		hit:      hit,
		persist: func(ctx context.Context, cur *models.Document) error {
			err := o.store.SaveExtractedText(ctx, &models.ExtractedText{
				DocumentID:  cur.ID,
				Generation:  cur.Generation,
				Text:        out.Text,
				PageCount:   out.PageCount,
				Fingerprint: utils.Fingerprint(out.Text),
			})
			if err != nil {
				return fmt.Errorf("failed to save extracted text: %w", err)
			}
			return o.extraction.Finish(ctx, key)
		},
	}, nil
}

func (o *Orchestrator) runChunking(ctx context.Context, doc *models.Document) (*stepResult, error) {
	text, err := o.store.GetExtractedText(ctx, doc.ID, artifactGeneration(doc, StageExtraction))
	if err != nil {
		return nil, fmt.Errorf("failed to load extracted text: %w", err)
	}

	fp := utils.Fingerprint(text.Fingerprint, strconv.Itoa(o.cfg.ChunkWindow), strconv.Itoa(o.cfg.ChunkOverlap))
	var out []chunker.Chunk
	cacheKey, hit := o.cached(ctx, doc, StageChunking, fp, &out)
	if !hit {
		out, err = chunker.Split(text.Text, o.cfg.ChunkWindow, o.cfg.ChunkOverlap)
		if err != nil {
			return nil, fmt.Errorf("failed to split text: %v: %w", err, ErrInvalidArtifact)
		}
	}

	return &stepResult{
		cacheKey: cacheKey,
		payload:  out,
		hit:      hit,
		persist: func(ctx context.Context, cur *models.Document) error {
			rows := make([]models.Chunk, len(out))
			for i, c := range out {
				rows[i] = models.Chunk{
					ID:         chunkID(cur.ID, cur.Generation, c.Ordinal),
					DocumentID: cur.ID,
					Generation: cur.Generation,
					Ordinal:    c.Ordinal,
					Start:      c.Start,
					End:        c.End,
					Text:       c.Text,
				}
			}
			return o.store.InsertChunks(ctx, rows)
		},
	}, nil
}

func (o *Orchestrator) runEntityExtraction(ctx context.Context, doc *models.Document) (*stepResult, error) {
	chunks, err := o.store.ListChunks(ctx, doc.ID, artifactGeneration(doc, StageChunking))
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	chunkIDs := make(map[int]uuid.UUID, len(chunks))
	parts := make([]string, 0, 2*len(chunks)+1)
	parts = append(parts, o.mentions.Name())
	for _, c := range chunks {
		chunkIDs[c.Ordinal] = c.ID
		parts = append(parts, strconv.Itoa(c.Ordinal), c.Text)
	}

	var out []chunkMentions
	cacheKey, hit := o.cached(ctx, doc, StageEntityExtraction, utils.Fingerprint(parts...), &out)
	if !hit {
		out, err = o.extractMentions(ctx, doc, chunks)
		if err != nil {
			return nil, err
		}
	}

	return &stepResult{
		cacheKey: cacheKey,
		payload:  out,
		hit:      hit,
		persist: func(ctx context.Context, cur *models.Document) error {
			var rows []models.EntityMention
			for _, cm := range out {
				cid, ok := chunkIDs[cm.Ordinal]
				if !ok {
					return fmt.Errorf("mentions reference unknown chunk %d: %w", cm.Ordinal, ErrInvalidArtifact)
				}
				for _, m := range cm.Mentions {
					rows = append(rows, models.EntityMention{
						ID:         mentionID(cur.ID, cur.Generation, cm.Ordinal, m.Start, m.End, m.Type),
						ChunkID:    cid,
						DocumentID: cur.ID,
						Generation: cur.Generation,
						Start:      m.Start,
						End:        m.End,
						Text:       m.Text,
						Type:       m.Type,
						Confidence: m.Confidence,
					})
				}
			}
			return o.store.InsertMentions(ctx, rows)
		},
	}, nil
}

func (o *Orchestrator) extractMentions(ctx context.Context, doc *models.Document, chunks []models.Chunk) ([]chunkMentions, error) {
	out := make([]chunkMentions, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MentionConcurrency)
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			raw, err := o.mentions.Extract(gctx, c.Text)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", c.Ordinal, err)
			}
			valid, dropped := validateMentions(c.Text, raw)
			if dropped > 0 {
				metrics.MentionsDropped.Add(float64(dropped))
				logger.Warn("Dropped invalid mentions",
					zap.String("document_id", doc.ID.String()),
					zap.Int("chunk", c.Ordinal),
					zap.Int("dropped", dropped),
					zap.Int("kept", len(valid)),
				)
			}
			out[i] = chunkMentions{Ordinal: c.Ordinal, Mentions: valid}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// validateMentions keeps well-formed mentions, taking their text from the
// chunk itself. Duplicate spans of the same type keep the most confident one.
func validateMentions(chunkText string, raw []capability.RawMention) ([]mention, int) {
	runes := []rune(chunkText)

	type span struct {
		start, end int
		typ        models.EntityType
	}
	best := make(map[span]mention, len(raw))
	dropped := 0
	for _, r := range raw {
		typ, ok := models.ParseEntityType(r.Type)
		if !ok || r.Start < 0 || r.Start >= r.End || r.End > len(runes) ||
			math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
			dropped++
			continue
		}

		m := mention{
			Start:      r.Start,
			End:        r.End,
			Text:       string(runes[r.Start:r.End]),
			Type:       typ,
			Confidence: r.Confidence,
		}
		k := span{r.Start, r.End, typ}
		if prev, ok := best[k]; ok {
			dropped++
			if prev.Confidence >= m.Confidence {
				continue
			}
		}
		best[k] = m
	}

	out := make([]mention, 0, len(best))
	for _, m := range best {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		if out[i].End != out[j].End {
			return out[i].End < out[j].End
		}
		return out[i].Type < out[j].Type
	})
	return out, dropped
}

func (o *Orchestrator) runEntityResolution(ctx context.Context, doc *models.Document) (*stepResult, error) {
	chunks, err := o.store.ListChunks(ctx, doc.ID, artifactGeneration(doc, StageChunking))
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	mentions, err := o.store.ListMentions(ctx, doc.ID, artifactGeneration(doc, StageEntityExtraction))
	if err != nil {
		return nil, fmt.Errorf("failed to load mentions: %w", err)
	}

	ordinals := make(map[uuid.UUID]int, len(chunks))
	for _, c := range chunks {
		ordinals[c.ID] = c.Ordinal
	}

	rc := o.cfg.Resolver
	parts := []string{string(rc.Metric), strconv.FormatFloat(rc.Threshold, 'g', -1, 64), strconv.Itoa(rc.MaxClusterSize)}
	input := make([]resolver.Mention, 0, len(mentions))
	refs := make(map[string]uuid.UUID, len(mentions))
	for _, m := range mentions {
		ord, ok := ordinals[m.ChunkID]
		if !ok {
			return nil, fmt.Errorf("mention %s points at unknown chunk %s: %w", m.ID, m.ChunkID, ErrInvalidArtifact)
		}
		ref := fmt.Sprintf("%d:%d:%d:%s", ord, m.Start, m.End, m.Type)
		refs[ref] = m.ID
		input = append(input, resolver.Mention{Ref: ref, Text: m.Text, Type: m.Type, Confidence: m.Confidence})
		parts = append(parts, ref, m.Text, strconv.FormatFloat(m.Confidence, 'g', -1, 64))
	}

	var out resolver.Result
	cacheKey, hit := o.cached(ctx, doc, StageEntityResolution, utils.Fingerprint(parts...), &out)
	if !hit {
		out = o.resolver.Resolve(input)
	}

	return &stepResult{
		cacheKey: cacheKey,
		payload:  out,
		hit:      hit,
		persist: func(ctx context.Context, cur *models.Document) error {
			entities := make([]models.CanonicalEntity, len(out.Entities))
			for i, e := range out.Entities {
				if len(e.Members) == 0 {
					return fmt.Errorf("entity %q has no members: %w", e.Name, ErrInvalidArtifact)
				}
				entities[i] = models.CanonicalEntity{
					ID:           entityID(cur.ID, cur.Generation, e.Type, e.Name, e.Members[0]),
					DocumentID:   cur.ID,
					Generation:   cur.Generation,
					Name:         e.Name,
					Type:         e.Type,
					MentionCount: len(e.Members),
				}
			}
			if err := o.store.InsertCanonicalEntities(ctx, entities); err != nil {
				return err
			}

			assigned := make([]string, 0, len(out.Assignments))
			for ref := range out.Assignments {
				assigned = append(assigned, ref)
			}
			sort.Strings(assigned)
			for _, ref := range assigned {
				idx := out.Assignments[ref]
				mid, ok := refs[ref]
				if !ok || idx < 0 || idx >= len(entities) {
					return fmt.Errorf("resolution assigns unknown mention %s: %w", ref, ErrInvalidArtifact)
				}
				if err := o.store.AssignCanonical(ctx, mid, entities[idx].ID); err != nil {
					return err
				}
			}
			return nil
		},
	}, nil
}

func (o *Orchestrator) runRelationshipBuilding(ctx context.Context, doc *models.Document) (*stepResult, error) {
	chunks, err := o.store.ListChunks(ctx, doc.ID, artifactGeneration(doc, StageChunking))
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	mentions, err := o.store.ListMentions(ctx, doc.ID, artifactGeneration(doc, StageEntityExtraction))
	if err != nil {
		return nil, fmt.Errorf("failed to load mentions: %w", err)
	}
	entities, err := o.store.ListCanonicalEntities(ctx, doc.ID, artifactGeneration(doc, StageEntityResolution))
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical entities: %w", err)
	}

	// Edges carry ids of the current generation, so the payload is only
	// reusable within it.
	parts := []string{doc.ProjectID.String(), strconv.FormatInt(doc.Generation, 10)}
	for _, c := range chunks {
		parts = append(parts, c.ID.String())
	}
	for _, m := range mentions {
		canonical := ""
		if m.CanonicalID != nil {
			canonical = m.CanonicalID.String()
		}
		parts = append(parts, m.ID.String(), m.ChunkID.String(), canonical)
	}
	for _, e := range entities {
		parts = append(parts, e.ID.String())
	}

	var out []models.Relationship
	cacheKey, hit := o.cached(ctx, doc, StageRelationshipBuilding, utils.Fingerprint(parts...), &out)
	if !hit {
		out = builder.Build(doc, chunks, mentions, entities)
	}

	return &stepResult{
		cacheKey: cacheKey,
		payload:  out,
		hit:      hit,
		persist: func(ctx context.Context, cur *models.Document) error {
			return o.store.InsertRelationships(ctx, out)
		},
	}, nil
}

func (o *Orchestrator) runFinalization(ctx context.Context, doc *models.Document) (*stepResult, error) {
	if o.graph == nil {
		return &stepResult{}, nil
	}

	entities, err := o.store.ListCanonicalEntities(ctx, doc.ID, artifactGeneration(doc, StageEntityResolution))
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical entities: %w", err)
	}
	rels, err := o.store.ListRelationships(ctx, doc.ID, artifactGeneration(doc, StageRelationshipBuilding))
	if err != nil {
		return nil, fmt.Errorf("failed to load relationships: %w", err)
	}
	if err := o.graph.Project(ctx, doc, entities, rels); err != nil {
		return nil, fmt.Errorf("failed to project graph: %w", err)
	}
	return &stepResult{}, nil
}

// artifactGeneration is the generation holding the artifacts of a completed
// stage. A reset keeps upstream stages and their artifacts where they are.
func artifactGeneration(doc *models.Document, stage Stage) int64 {
	if g := doc.Stage(stage.String()).Generation; g > 0 {
		return g
	}
	return doc.Generation
}

func chunkID(documentID uuid.UUID, generation int64, ordinal int) uuid.UUID {
	return utils.DerivedID(documentID, strconv.FormatInt(generation, 10), "chunk", strconv.Itoa(ordinal))
}

func mentionID(documentID uuid.UUID, generation int64, ordinal, start, end int, typ models.EntityType) uuid.UUID {
	return utils.DerivedID(documentID, strconv.FormatInt(generation, 10), "mention",
		strconv.Itoa(ordinal), strconv.Itoa(start), strconv.Itoa(end), string(typ))
}

func entityID(documentID uuid.UUID, generation int64, typ models.EntityType, name, firstMember string) uuid.UUID {
	return utils.DerivedID(documentID, strconv.FormatInt(generation, 10), "entity", string(typ), name, firstMember)
}
