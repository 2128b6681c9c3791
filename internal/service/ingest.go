package service

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/cloo-solutions/crewbot/internal/domain"
	"github.com/cloo-solutions/crewbot/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultIngestConcurrency = 4

// SourceDocument is a tenant document to be chunked and indexed.
type SourceDocument struct {
	OwnerScope string
	DocumentID string
	Title      string
	SourcePath string
	Content    string
	Metadata   map[string]any
}

// IngestStats summarizes one document ingestion.
type IngestStats struct {
	Chunks   int
	Inserted int
	Skipped  int
}

// IngestService chunks documents, embeds the chunks and upserts them. Re-ingesting
// unchanged content is a no-op at the store.
type IngestService struct {
	client      EmbeddingClient
	store       ChunkStore
	chunkCfg    ChunkConfig
	concurrency int
	txRunner    TxRunner
	now         func() time.Time
}

// NewIngestService creates a new IngestService instance
func NewIngestService(client EmbeddingClient, store ChunkStore) *IngestService {
	return &IngestService{
		client:      client,
		store:       store,
		chunkCfg:    DefaultChunkConfig(),
		concurrency: defaultIngestConcurrency,
		now:         time.Now,
	}
}

// WithConcurrency bounds parallel embedding calls.
func (s *IngestService) WithConcurrency(n int) *IngestService {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// WithTxRunner stores each document's chunks in one transaction, so a failed
// document leaves none of its new chunks behind.
func (s *IngestService) WithTxRunner(runner TxRunner) *IngestService {
	s.txRunner = runner
	return s
}

// Ingest indexes a single document.
func (s *IngestService) Ingest(ctx context.Context, doc SourceDocument) (IngestStats, error) {
	var stats IngestStats
	if doc.OwnerScope == "" || doc.DocumentID == "" {
		return stats, domain.ErrMissingRequiredField
	}

	chunks := chunkText(doc.Content, s.chunkCfg)
	stats.Chunks = len(chunks)
	if len(chunks) == 0 {
		return stats, nil
	}

	embeddings, err := s.embedAll(ctx, doc, chunks)
	if err != nil {
		return stats, err
	}

	var counts IngestStats
	if s.txRunner == nil {
		counts, err = s.storeChunks(ctx, s.store, doc, chunks, embeddings)
	} else {
		err = s.txRunner.WithTx(ctx, func(repos TxRepositories) error {
			var txErr error
			counts, txErr = s.storeChunks(ctx, repos.Chunks(), doc, chunks, embeddings)
			return txErr
		})
	}
	if err != nil {
		return stats, err
	}
	stats.Inserted = counts.Inserted
	stats.Skipped = counts.Skipped

	slog.Info("document ingested",
		"owner_scope", doc.OwnerScope,
		"document_id", doc.DocumentID,
		"chunks", stats.Chunks,
		"inserted", stats.Inserted,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

func (s *IngestService) storeChunks(ctx context.Context, store ChunkStore, doc SourceDocument, chunks []string, embeddings [][]float32) (IngestStats, error) {
	var stats IngestStats
	createdAt := s.now().UTC()
	for i, content := range chunks {
		metadata := make(map[string]any, len(doc.Metadata)+1)
		for k, v := range doc.Metadata {
			metadata[k] = v
		}
		metadata["chunk_index"] = i

		inserted, err := store.Upsert(ctx, domain.DocumentChunk{
			ID:          uuid.NewString(),
			OwnerScope:  doc.OwnerScope,
			DocumentID:  doc.DocumentID,
			Title:       doc.Title,
			SourcePath:  doc.SourcePath,
			Content:     content,
			ContentHash: domain.HashContent(content),
			Embedding:   embeddings[i],
			Metadata:    metadata,
			CreatedAt:   createdAt,
		})
		if err != nil {
			return stats, fmt.Errorf("failed to upsert chunk %d of %s: %w", i, doc.DocumentID, err)
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Skipped++
		}
	}
	return stats, nil
}

func (s *IngestService) embedAll(ctx context.Context, doc SourceDocument, chunks []string) ([][]float32, error) {
	embeddings := make([][]float32, len(chunks))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			vec, err := s.client.GenerateEmbedding(gCtx, buildChunkEmbeddingText(doc.Title, chunk))
			if err != nil {
				return fmt.Errorf("failed to generate embedding for chunk %d: %w", i, err)
			}
			embeddings[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return embeddings, nil
}

func buildChunkEmbeddingText(title, chunk string) string {
	var parts []string
	if title = strings.TrimSpace(title); title != "" {
		parts = append(parts, title)
	}
	if chunk != "" {
		parts = append(parts, chunk)
	}
	return strings.Join(parts, "\n\n")
}

// DocumentSource lists and reads raw documents. storage.S3Client and
// storage.LocalDir implement it.
type DocumentSource interface {
	List(ctx context.Context, prefix string) ([]storage.Object, error)
	Read(ctx context.Context, key string) ([]byte, error)
}

// SourceStats summarizes a source-wide ingestion.
type SourceStats struct {
	Documents int
	Failed    int
	IngestStats
}

// IngestSource indexes every document under prefix for ownerScope. A failing
// document is logged and counted, and the run continues.
func (s *IngestService) IngestSource(ctx context.Context, src DocumentSource, ownerScope, prefix, origin string) (SourceStats, error) {
	var total SourceStats
	objects, err := src.List(ctx, prefix)
	if err != nil {
		return total, err
	}

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		body, err := src.Read(ctx, obj.Key)
		if err != nil {
			total.Failed++
			slog.Warn("skipping unreadable document", "key", obj.Key, "error", err)
			continue
		}

		content := string(body)
		stats, err := s.Ingest(ctx, SourceDocument{
			OwnerScope: ownerScope,
			DocumentID: obj.Key,
			Title:      documentTitle(obj.Key, content),
			SourcePath: obj.Key,
			Content:    content,
			Metadata:   map[string]any{"origin": origin},
		})
		if err != nil {
			total.Failed++
			slog.Warn("failed to ingest document", "key", obj.Key, "error", err)
			continue
		}
		total.Documents++
		total.Chunks += stats.Chunks
		total.Inserted += stats.Inserted
		total.Skipped += stats.Skipped
	}
	return total, nil
}

// documentTitle uses the first markdown heading, else the file name.
func documentTitle(key, content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if title := strings.TrimSpace(strings.TrimLeft(line, "#")); title != "" {
				return title
			}
		}
		break
	}
	base := path.Base(key)
	return strings.TrimSuffix(base, path.Ext(base))
}
