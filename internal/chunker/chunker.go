// Package chunker splits extracted text into overlapping windows that break
// on whitespace. Offsets are in runes.
package chunker

import (
	"errors"
	"fmt"
	"unicode"
)

const (
	DefaultWindowSize = 1000
	DefaultOverlap    = 100
)

var ErrInvalidWindow = errors.New("invalid chunk window")

type Chunk struct {
	Ordinal int    `json:"ordinal"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Text    string `json:"text"`
}

// Split cuts text into windows of at most windowSize runes. Consecutive
// chunks share up to overlap runes. A boundary that would land inside a word
// is pulled back to the preceding whitespace; a single word longer than the
// window is cut hard.
func Split(text string, windowSize, overlap int) ([]Chunk, error) {
	if windowSize <= 0 || overlap < 0 || overlap >= windowSize {
		return nil, fmt.Errorf("window %d overlap %d: %w", windowSize, overlap, ErrInvalidWindow)
	}

	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil, nil
	}

	chunks := make([]Chunk, 0, n/(windowSize-overlap)+1)
	start := 0
	for {
		end := start + windowSize
		if end >= n {
			end = n
		} else if !unicode.IsSpace(runes[end]) && !unicode.IsSpace(runes[end-1]) {
			end = retract(runes, start+overlap, end)
		}

		chunks = append(chunks, Chunk{
			Ordinal: len(chunks),
			Start:   start,
			End:     end,
			Text:    string(runes[start:end]),
		})
		if end == n {
			return chunks, nil
		}

		start = nextStart(runes, end-overlap, end)
	}
}

// retract moves end back to just after the nearest whitespace in (floor, end).
// It keeps end unchanged if there is none.
func retract(runes []rune, floor, end int) int {
	for j := end - 1; j > floor; j-- {
		if unicode.IsSpace(runes[j-1]) {
			return j
		}
	}
	return end
}

// nextStart moves start forward to the first word boundary before end. When
// the overlap region lies inside a single word the start is kept as is.
func nextStart(runes []rune, start, end int) int {
	for i := start; i < end; i++ {
		if i == 0 || unicode.IsSpace(runes[i-1]) || unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return start
}

// Join rebuilds the original text from chunks produced by Split.
func Join(chunks []Chunk) string {
	var out []rune
	covered := 0
	for _, ch := range chunks {
		r := []rune(ch.Text)
		if skip := covered - ch.Start; skip > 0 {
			if skip >= len(r) {
				continue
			}
			r = r[skip:]
		}
		out = append(out, r...)
		covered = ch.End
	}
	return string(out)
}
