package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cloo-solutions/crewbot/internal/config"
	"github.com/cloo-solutions/crewbot/internal/database"
	"github.com/cloo-solutions/crewbot/internal/jobs"
	"github.com/cloo-solutions/crewbot/internal/openai"
	"github.com/cloo-solutions/crewbot/internal/repository"
	"github.com/cloo-solutions/crewbot/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	errNoDatabase = errors.New("CREWBOT_DATABASE_URL not set")
	errNoStore    = errors.New("no retrieval store configured")
)

// backend opens the store and embedding client on first use and shares them
// between retrieval, ingestion and the reply log. Failed opens are not
// memoized here; the retrieval loader owns the retry policy.
type backend struct {
	cfg *config.Config

	mu       sync.Mutex
	pool     *pgxpool.Pool
	sqlite   *repository.SQLiteChunkStore
	embedder *openai.Client
}

func newBackend(cfg *config.Config) *backend {
	return &backend{cfg: cfg}
}

func (b *backend) pgPool(ctx context.Context) (*pgxpool.Pool, error) {
	if b.cfg.DatabaseURL == "" {
		return nil, errNoDatabase
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool != nil {
		return b.pool, nil
	}

	pool, err := database.NewPool(ctx, database.Config{
		URL:            b.cfg.DatabaseURL,
		MaxConns:       b.cfg.MaxConns,
		ConnectTimeout: b.cfg.LoaderInitTimeout,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("connected to database")
	b.pool = pool
	return pool, nil
}

func (b *backend) chunkStore(ctx context.Context) (service.ChunkStore, error) {
	if !b.cfg.HasStore() {
		return nil, errNoStore
	}

	if b.cfg.UsesSQLite() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.sqlite == nil {
			store, err := repository.OpenSQLiteChunkStore(ctx, b.cfg.SQLitePath)
			if err != nil {
				return nil, err
			}
			slog.Info("opened sqlite store", "path", b.cfg.SQLitePath)
			b.sqlite = store
		}
		return b.sqlite, nil
	}

	pool, err := b.pgPool(ctx)
	if err != nil {
		return nil, err
	}
	return repository.NewChunkRepository(pool), nil
}

func (b *backend) embeddingClient() (*openai.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.embedder != nil {
		return b.embedder, nil
	}

	client, err := openai.NewClient(openai.Config{
		APIKey:     b.cfg.OpenAIAPIKey,
		BaseURL:    b.cfg.OpenAIBaseURL,
		Model:      b.cfg.EmbeddingModel,
		Dimensions: b.cfg.EmbeddingDims,
	})
	if err != nil {
		return nil, err
	}
	b.embedder = client
	return client, nil
}

// buildRetriever is the retrieval loader's BuildFunc. Resources stay open for
// the ingester and reply log, so the closer is nil and close releases them.
func (b *backend) buildRetriever(ctx context.Context) (service.Retriever, func(), error) {
	embedder, err := b.embeddingClient()
	if err != nil {
		return nil, nil, fmt.Errorf("embedding client: %w", err)
	}
	store, err := b.chunkStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("chunk store: %w", err)
	}

	engine := service.NewRetrievalEngineWithConfig(embedder, store, service.RetrievalConfig{
		MaxK:               service.MaxRetrievalK,
		EmbedTimeout:       b.cfg.EmbedTimeout,
		StoreTimeout:       b.cfg.StoreTimeout,
		EmbedRatePerSecond: b.cfg.EmbedRatePerSec,
		EmbedBurst:         b.cfg.EmbedBurst,
	})
	return engine, nil, nil
}

func (b *backend) ingestService(ctx context.Context, concurrency int) (*service.IngestService, error) {
	embedder, err := b.embeddingClient()
	if err != nil {
		return nil, fmt.Errorf("embedding client: %w", err)
	}
	store, err := b.chunkStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("chunk store: %w", err)
	}
	svc := service.NewIngestService(embedder, store).WithConcurrency(concurrency)
	if !b.cfg.UsesSQLite() {
		pool, err := b.pgPool(ctx)
		if err != nil {
			return nil, err
		}
		svc.WithTxRunner(repository.NewTxRunner(pool))
	}
	return svc, nil
}

// syncIngester adapts ingestService for the sync worker.
func (b *backend) syncIngester(ctx context.Context) (jobs.SourceIngester, error) {
	return b.ingestService(ctx, 0)
}

func (b *backend) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pool != nil {
		b.pool.Close()
		b.pool = nil
	}
	if b.sqlite != nil {
		if err := b.sqlite.Close(); err != nil {
			slog.Warn("failed to close sqlite store", "error", err)
		}
		b.sqlite = nil
	}
}

// replyLog writes reply logs through the shared pool, opening it on the first
// write. Logs are written off the request path, so the open never delays a reply.
type replyLog struct {
	backend *backend
}

func (l replyLog) CreateReplyLog(ctx context.Context, entry service.ReplyLogEntry) (string, error) {
	pool, err := l.backend.pgPool(ctx)
	if err != nil {
		return "", err
	}
	return repository.NewReplyLogRepository(pool).CreateReplyLog(ctx, entry)
}
