package llm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/legal-doc-processor/backend/internal/capability"
)

// parseMentions reads a model reply into raw mentions. It accepts a bare JSON
// array or an object with a "mentions" or "entities" array, optionally inside
// a Markdown code fence. Offsets that do not match the text are recomputed by
// searching the chunk.
func parseMentions(content, chunkText string, defaultConfidence float64) ([]capability.RawMention, error) {
	payload := extractJSON(content)
	if payload == "" || !gjson.Valid(payload) {
		return nil, fmt.Errorf("reply is not JSON: %w", capability.ErrMalformedResponse)
	}

	root := gjson.Parse(payload)
	var items gjson.Result
	switch {
	case root.IsArray():
		items = root
	case root.Get("mentions").IsArray():
		items = root.Get("mentions")
	case root.Get("entities").IsArray():
		items = root.Get("entities")
	default:
		return nil, fmt.Errorf("reply has no mention list: %w", capability.ErrMalformedResponse)
	}

	runes := []rune(chunkText)
	searchFrom := make(map[string]int)
	var mentions []capability.RawMention

	for _, item := range items.Array() {
		text := item.Get("text").String()
		if text == "" {
			text = item.Get("name").String()
		}
		if text == "" {
			continue
		}

		confidence := defaultConfidence
		if v := item.Get("confidence"); v.Exists() {
			confidence = v.Float()
		}

		start, end := -1, -1
		if s, e := item.Get("start"), item.Get("end"); s.Exists() && e.Exists() {
			start, end = int(s.Int()), int(e.Int())
		}
		if start < 0 || end > len(runes) || start >= end || string(runes[start:end]) != text {
			start, end = locate(chunkText, text, searchFrom)
			if start < 0 {
				continue
			}
		}

		mentions = append(mentions, capability.RawMention{
			Start:      start,
			End:        end,
			Text:       text,
			Type:       item.Get("type").String(),
			Confidence: confidence,
		})
	}

	return mentions, nil
}

// locate finds the next occurrence of text in chunk, in runes. Repeated
// lookups of the same text walk forward through its occurrences.
func locate(chunk, text string, searchFrom map[string]int) (int, int) {
	from := searchFrom[text]
	if from > len(chunk) {
		return -1, -1
	}
	idx := strings.Index(chunk[from:], text)
	if idx < 0 {
		return -1, -1
	}
	byteStart := from + idx
	searchFrom[text] = byteStart + len(text)

	start := utf8.RuneCountInString(chunk[:byteStart])
	return start, start + utf8.RuneCountInString(text)
}

func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if gjson.Valid(s) {
		return s
	}

	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return ""
	}
	closer := byte(']')
	if s[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}
