package chunker

import (
	"math/rand"
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRepeatedWords(t *testing.T) {
	text := strings.Repeat("abcdefghi ", 240)
	require.Len(t, []rune(text), 2400)

	chunks, err := Split(text, 1000, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, [2]int{0, 1000}, [2]int{chunks[0].Start, chunks[0].End})
	assert.Equal(t, [2]int{900, 1900}, [2]int{chunks[1].Start, chunks[1].End})
	assert.Equal(t, [2]int{1800, 2400}, [2]int{chunks[2].Start, chunks[2].End})

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.Equal(t, 'a', []rune(ch.Text)[0], "chunk %d starts on a word", i)
	}
	assert.Equal(t, text, Join(chunks))
}

func TestSplitRetractsToWhitespace(t *testing.T) {
	text := strings.Repeat("x", 7) + " " + strings.Repeat("y", 7) + " " + strings.Repeat("z", 7)

	chunks, err := Split(text, 12, 2)
	require.NoError(t, err)

	for _, ch := range chunks[:len(chunks)-1] {
		r := []rune(text)
		assert.True(t, unicode.IsSpace(r[ch.End-1]), "chunk %d ends after whitespace: %q", ch.Ordinal, ch.Text)
	}
	assert.Equal(t, text, Join(chunks))
}

func TestSplitHardCutsLongWords(t *testing.T) {
	text := strings.Repeat("w", 25)

	chunks, err := Split(text, 10, 3)
	require.NoError(t, err)

	require.Len(t, chunks, 4)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, 10, chunks[0].End)
	assert.Equal(t, 7, chunks[1].Start)
	assert.Equal(t, 17, chunks[1].End)
	assert.Equal(t, 25, chunks[len(chunks)-1].End)
	assert.Equal(t, text, Join(chunks))
}

func TestSplitShortTail(t *testing.T) {
	text := strings.Repeat("abcdefghi ", 102)

	chunks, err := Split(text, 1000, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1020, chunks[1].End)
	assert.Equal(t, text, Join(chunks))
}

func TestSplitMultibyte(t *testing.T) {
	text := strings.Repeat("Straße Köln 東京 ", 40)

	chunks, err := Split(text, 50, 10)
	require.NoError(t, err)
	for _, ch := range chunks {
		assert.Equal(t, ch.End-ch.Start, len([]rune(ch.Text)))
	}
	assert.Equal(t, text, Join(chunks))
}

func TestSplitEdgeCases(t *testing.T) {
	chunks, err := Split("", 1000, 100)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = Split("short text", 1000, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short text", chunks[0].Text)

	_, err = Split("text", 0, 0)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = Split("text", 100, 100)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = Split("text", 100, -1)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestSplitProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	words := []string{"contract", "the", "Acme", "indemnification", "a", "of", "Berlin", "2023-01-05", "§", "party"}
	seps := []string{" ", " ", " ", "\n", "  ", "\t"}

	for i := 0; i < 200; i++ {
		var b strings.Builder
		for w := rng.Intn(400); w > 0; w-- {
			b.WriteString(words[rng.Intn(len(words))])
			b.WriteString(seps[rng.Intn(len(seps))])
		}
		if rng.Intn(5) == 0 {
			b.WriteString(strings.Repeat("q", rng.Intn(300)))
		}
		text := b.String()

		window := 20 + rng.Intn(200)
		overlap := rng.Intn(window)

		chunks, err := Split(text, window, overlap)
		require.NoError(t, err)

		assert.Equal(t, text, Join(chunks), "case %d window=%d overlap=%d", i, window, overlap)
		prevEnd := 0
		for j, ch := range chunks {
			assert.Greater(t, ch.End, ch.Start)
			assert.NotEmpty(t, ch.Text)
			assert.LessOrEqual(t, ch.End-ch.Start, window)
			assert.Greater(t, ch.End, prevEnd, "chunk %d adds new text", j)
			if j > 0 {
				assert.LessOrEqual(t, ch.Start, prevEnd)
				assert.Greater(t, ch.Start, chunks[j-1].Start)
			}
			prevEnd = ch.End
		}
	}
}
