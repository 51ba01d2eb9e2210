// Package nlp extracts entity mentions locally with the prose NER model,
// plus a pattern matcher for dates. It needs no network access.
package nlp

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/capability"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

var datePattern = regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{4}|(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},\s+\d{4}|\d{1,2}\s+(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{4})\b`)

type Extractor struct {
	confidence     float64
	dateConfidence float64
}

func New(confidence float64) *Extractor {
	if confidence <= 0 || confidence > 1 {
		confidence = 0.6
	}
	return &Extractor{confidence: confidence, dateConfidence: 0.95}
}

func (e *Extractor) Name() string {
	return "prose"
}

func (e *Extractor) Extract(ctx context.Context, chunkText string) ([]capability.RawMention, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := prose.NewDocument(chunkText,
		prose.WithSegmentation(false),
		prose.WithTagging(true),
		prose.WithExtraction(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze chunk: %w", err)
	}

	var mentions []capability.RawMention
	searchFrom := make(map[string]int)
	for _, ent := range doc.Entities() {
		start, end, ok := locate(chunkText, ent.Text, searchFrom)
		if !ok {
			continue
		}
		mentions = append(mentions, capability.RawMention{
			Start:      start,
			End:        end,
			Text:       ent.Text,
			Type:       ent.Label,
			Confidence: e.confidence,
		})
	}

	for _, loc := range datePattern.FindAllStringIndex(chunkText, -1) {
		start := utf8.RuneCountInString(chunkText[:loc[0]])
		text := chunkText[loc[0]:loc[1]]
		mentions = append(mentions, capability.RawMention{
			Start:      start,
			End:        start + utf8.RuneCountInString(text),
			Text:       text,
			Type:       "DATE",
			Confidence: e.dateConfidence,
		})
	}

	sort.SliceStable(mentions, func(i, j int) bool { return mentions[i].Start < mentions[j].Start })

	logger.Debug("Local NER mentions extracted", zap.Int("count", len(mentions)))

	return mentions, nil
}

func locate(chunk, text string, searchFrom map[string]int) (int, int, bool) {
	from := searchFrom[text]
	if text == "" || from > len(chunk) {
		return 0, 0, false
	}
	idx := strings.Index(chunk[from:], text)
	if idx < 0 {
		return 0, 0, false
	}
	byteStart := from + idx
	searchFrom[text] = byteStart + len(text)

	start := utf8.RuneCountInString(chunk[:byteStart])
	return start, start + utf8.RuneCountInString(text), true
}
