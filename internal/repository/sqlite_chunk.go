package repository

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cloo-solutions/crewbot/internal/domain"

	_ "modernc.org/sqlite"
)

const sqliteChunkSchema = `
CREATE TABLE IF NOT EXISTS document_chunks (
	id           TEXT NOT NULL,
	owner_scope  TEXT NOT NULL,
	document_id  TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	source_path  TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	embedding    BLOB NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}',
	created_at   TEXT NOT NULL,
	UNIQUE (owner_scope, document_id, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_document_chunks_owner ON document_chunks (owner_scope);
`

// SQLiteChunkStore is a single-file chunk store for small deployments. Search
// is a brute-force cosine scan over the owner's rows.
type SQLiteChunkStore struct {
	db *sql.DB
}

// OpenSQLiteChunkStore opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" in tests.
func OpenSQLiteChunkStore(ctx context.Context, path string) (*SQLiteChunkStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteChunkSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return &SQLiteChunkStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteChunkStore) Close() error {
	return s.db.Close()
}

// Upsert inserts chunk unless (owner_scope, document_id, content_hash) exists.
func (s *SQLiteChunkStore) Upsert(ctx context.Context, chunk domain.DocumentChunk) (bool, error) {
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
		return false, fmt.Errorf("encoding chunk metadata: %w", err)
	}
	createdAt := chunk.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO document_chunks
			(id, owner_scope, document_id, title, source_path, content, content_hash, embedding, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID,
		chunk.OwnerScope,
		chunk.DocumentID,
		chunk.Title,
		chunk.SourcePath,
		chunk.Content,
		chunk.ContentHash,
		encodeVector(chunk.Embedding),
		string(metadataJSON),
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("inserting chunk %s: %w", chunk.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Nearest returns the k chunks in ownerScope closest to embedding. Rows are
// scanned in insertion order and the sort is stable, so ties keep that order.
func (s *SQLiteChunkStore) Nearest(ctx context.Context, ownerScope string, embedding []float32, k int) ([]domain.Snippet, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT title, source_path, content, metadata, embedding
		 FROM document_chunks
		 WHERE owner_scope = ?
		 ORDER BY rowid`,
		ownerScope,
	)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	queryNorm := vectorNorm(embedding)
	var candidates []domain.Snippet
	for rows.Next() {
		var sn domain.Snippet
		var metadataJSON string
		var blob []byte
		if err := rows.Scan(&sn.Title, &sn.SourcePath, &sn.Snippet, &metadataJSON, &blob); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, err
		}
		if len(vec) != len(embedding) {
			continue
		}
		if metadataJSON != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &sn.Metadata); err != nil {
				return nil, fmt.Errorf("decoding chunk metadata: %w", err)
			}
		}
		sn.Distance = cosineDistance(embedding, vec, queryNorm)
		candidates = append(candidates, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	slices.SortStableFunc(candidates, func(a, b domain.Snippet) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		}
		return 0
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosineDistance is 1 - cosine similarity, like pgvector's <=>. Zero vectors get
// distance 1 instead of NaN.
func cosineDistance(query, vec []float32, queryNorm float64) float64 {
	vecNorm := vectorNorm(vec)
	if queryNorm == 0 || vecNorm == 0 {
		return 1
	}
	var dot float64
	for i := range query {
		dot += float64(query[i]) * float64(vec[i])
	}
	return 1 - dot/(queryNorm*vecNorm)
}
