package service

import (
	"strings"
	"unicode"

	"github.com/cloo-solutions/crewbot/internal/domain"
)

// ChunkConfig controls how source documents are split before embedding.
type ChunkConfig struct {
	MaxChars  int
	MinChars  int
	Overlap   int
	MaxChunks int
}

// DefaultChunkConfig keeps chunks within the store's content limit.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChars:  domain.MaxChunkChars,
		MinChars:  300,
		Overlap:   150,
		MaxChunks: 200,
	}
}

func (c ChunkConfig) normalized() ChunkConfig {
	if c.MaxChars <= 0 || c.MaxChars > domain.MaxChunkChars {
		c.MaxChars = domain.MaxChunkChars
	}
	if c.MinChars < 0 || c.MinChars >= c.MaxChars {
		c.MinChars = c.MaxChars / 2
	}
	if c.Overlap < 0 || c.Overlap >= c.MaxChars {
		c.Overlap = 0
	}
	return c
}

// chunkText packs paragraphs into chunks of at most MaxChars runes. Paragraphs
// longer than MaxChars are cut on whitespace with Overlap runes carried over.
func chunkText(text string, cfg ChunkConfig) []string {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return nil
	}
	cfg = cfg.normalized()

	var chunks []string
	var current []rune
	flush := func() {
		chunk := strings.TrimSpace(string(current))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current = current[:0]
	}
	full := func() bool {
		return cfg.MaxChunks > 0 && len(chunks) >= cfg.MaxChunks
	}

	for _, paragraph := range splitParagraphs(clean) {
		if full() {
			break
		}
		runes := []rune(paragraph)

		if len(runes) > cfg.MaxChars {
			flush()
			for _, piece := range windowRunes(runes, cfg) {
				if full() {
					break
				}
				chunks = append(chunks, piece)
			}
			continue
		}

		sep := 0
		if len(current) > 0 {
			sep = 2
		}
		if len(current)+sep+len(runes) > cfg.MaxChars {
			flush()
			sep = 0
		}
		if sep > 0 {
			current = append(current, '\n', '\n')
		}
		current = append(current, runes...)
	}
	if !full() {
		flush()
	}

	return chunks
}

func splitParagraphs(text string) []string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(normalized, "\n\n")
	paragraphs := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	return paragraphs
}

// windowRunes cuts a long run of text into MaxChars windows, preferring to end
// each window on whitespace no earlier than MinChars.
func windowRunes(runes []rune, cfg ChunkConfig) []string {
	var out []string
	start := 0
	for start < len(runes) {
		end := start + cfg.MaxChars
		if end >= len(runes) {
			end = len(runes)
		} else {
			minCut := start + cfg.MinChars
			for i := end; i > minCut; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end >= len(runes) {
			break
		}

		next := end - cfg.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}
