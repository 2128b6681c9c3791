package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MaxChunkChars is the largest chunk content accepted by the store, in runes.
const MaxChunkChars = 1000

// DocumentChunk is a bounded piece of a tenant document with its embedding.
// (OwnerScope, DocumentID, ContentHash) is unique.
type DocumentChunk struct {
	ID          string
	OwnerScope  string
	DocumentID  string
	Title       string
	SourcePath  string
	Content     string
	ContentHash string
	Embedding   []float32
	Metadata    map[string]any
	CreatedAt   time.Time
}

// HashContent returns the hex sha256 of chunk content, used as the dedup key.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ValidateDocumentChunk validates a chunk before upsert
func ValidateDocumentChunk(c *DocumentChunk) error {
	if c == nil {
		return fmt.Errorf("document chunk cannot be nil")
	}

	if c.OwnerScope == "" {
		return fmt.Errorf("document chunk OwnerScope is required")
	}

	if c.DocumentID == "" {
		return fmt.Errorf("document chunk DocumentID is required")
	}

	if c.Content == "" {
		return fmt.Errorf("document chunk Content is required")
	}

	if n := len([]rune(c.Content)); n > MaxChunkChars {
		return fmt.Errorf("document chunk Content exceeds %d characters (got %d)", MaxChunkChars, n)
	}

	if len(c.Embedding) == 0 {
		return fmt.Errorf("document chunk Embedding is required")
	}

	return nil
}

// Snippet is one ranked retrieval hit.
type Snippet struct {
	Title      string
	SourcePath string
	Snippet    string
	Metadata   map[string]any
	Distance   float64
}

// RetrievalResult is ordered by ascending distance.
type RetrievalResult []Snippet
