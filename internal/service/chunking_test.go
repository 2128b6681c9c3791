package service

import (
	"strings"
	"testing"

	"github.com/cloo-solutions/crewbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkText_Empty(t *testing.T) {
	assert.Nil(t, chunkText("", DefaultChunkConfig()))
	assert.Nil(t, chunkText(" \n\n\t ", DefaultChunkConfig()))
}

func TestChunkText_PacksShortParagraphs(t *testing.T) {
	text := "Clock in from the home screen.\n\nTake breaks with Start Break.\r\n\r\nClock out when done."

	chunks := chunkText(text, DefaultChunkConfig())

	require.Len(t, chunks, 1)
	assert.Equal(t, "Clock in from the home screen.\n\nTake breaks with Start Break.\n\nClock out when done.", chunks[0])
}

func TestChunkText_StartsNewChunkWhenFull(t *testing.T) {
	para := strings.Repeat("a", 60)
	text := strings.Join([]string{para, para, para}, "\n\n")

	chunks := chunkText(text, ChunkConfig{MaxChars: 130, MinChars: 50})

	require.Len(t, chunks, 2)
	assert.Equal(t, para+"\n\n"+para, chunks[0])
	assert.Equal(t, para, chunks[1])
}

func TestChunkText_SplitsLongParagraphOnWhitespace(t *testing.T) {
	text := strings.Repeat("word ", 100)

	chunks := chunkText(text, ChunkConfig{MaxChars: 100, MinChars: 50, Overlap: 20})

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 100)
		assert.False(t, strings.HasPrefix(c, "ord"), "chunk should not start mid-word: %q", c)
	}
}

func TestChunkText_RespectsMaxChunks(t *testing.T) {
	paragraphs := make([]string, 10)
	for i := range paragraphs {
		paragraphs[i] = strings.Repeat("b", 90)
	}

	chunks := chunkText(strings.Join(paragraphs, "\n\n"), ChunkConfig{MaxChars: 100, MinChars: 10, MaxChunks: 3})

	assert.Len(t, chunks, 3)
}

func TestChunkConfig_Normalized(t *testing.T) {
	cfg := ChunkConfig{MaxChars: 5000, MinChars: 9000, Overlap: -1}.normalized()

	assert.Equal(t, domain.MaxChunkChars, cfg.MaxChars)
	assert.Equal(t, domain.MaxChunkChars/2, cfg.MinChars)
	assert.Equal(t, 0, cfg.Overlap)
}

func TestChunkText_NeverExceedsStoreLimit(t *testing.T) {
	text := strings.Repeat("The crew lead assigns tasks before the shift. ", 200)

	for _, c := range chunkText(text, DefaultChunkConfig()) {
		assert.NoError(t, domain.ValidateDocumentChunk(&domain.DocumentChunk{
			OwnerScope:  "acme",
			DocumentID:  "doc",
			Content:     c,
			ContentHash: domain.HashContent(c),
			Embedding:   []float32{1},
		}))
	}
}
