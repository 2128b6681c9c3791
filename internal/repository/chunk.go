package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloo-solutions/crewbot/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ChunkRepository is the pgvector-backed chunk store.
type ChunkRepository struct {
	db dbtx
}

func NewChunkRepository(pool *pgxpool.Pool) *ChunkRepository {
	return &ChunkRepository{db: pool}
}

func NewChunkRepositoryWithTx(tx dbtx) *ChunkRepository {
	return &ChunkRepository{db: tx}
}

// Upsert inserts chunk unless (owner_scope, document_id, content_hash) already
// exists. It reports whether a row was written.
func (r *ChunkRepository) Upsert(ctx context.Context, chunk domain.DocumentChunk) (bool, error) {
	if chunk.ContentHash == "" {
		chunk.ContentHash = domain.HashContent(chunk.Content)
	}
	if err := domain.ValidateDocumentChunk(&chunk); err != nil {
		return false, err
	}

	metadata := chunk.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("failed to encode chunk metadata: %w", err)
	}

	createdAt := chunk.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO document_chunks
			(id, owner_scope, document_id, title, source_path, content, content_hash, embedding, metadata, created_at)
		 VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (owner_scope, document_id, content_hash) DO NOTHING`,
		chunk.ID,
		chunk.OwnerScope,
		chunk.DocumentID,
		chunk.Title,
		nullableString(chunk.SourcePath),
		chunk.Content,
		chunk.ContentHash,
		pgvector.NewVector(chunk.Embedding),
		metadataJSON,
		createdAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Nearest returns the k chunks in ownerScope closest to embedding by cosine
// distance. Equal distances come back in insertion order.
func (r *ChunkRepository) Nearest(ctx context.Context, ownerScope string, embedding []float32, k int) ([]domain.Snippet, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	vec := pgvector.NewVector(embedding)
	rows, err := r.db.Query(ctx,
		`SELECT title, COALESCE(source_path, ''), content, metadata, embedding <=> $2 AS distance
		 FROM document_chunks
		 WHERE owner_scope = $1
		 ORDER BY embedding <=> $2, seq
		 LIMIT $3`,
		ownerScope,
		vec,
		k,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snippets []domain.Snippet
	for rows.Next() {
		var s domain.Snippet
		var metadataJSON []byte
		if err := rows.Scan(&s.Title, &s.SourcePath, &s.Snippet, &metadataJSON, &s.Distance); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode chunk metadata: %w", err)
			}
		}
		snippets = append(snippets, s)
	}
	return snippets, rows.Err()
}

// CountByOwner returns how many chunks ownerScope has indexed.
func (r *ChunkRepository) CountByOwner(ctx context.Context, ownerScope string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM document_chunks WHERE owner_scope = $1`, ownerScope).Scan(&n)
	return n, err
}
