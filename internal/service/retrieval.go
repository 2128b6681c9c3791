package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/cloo-solutions/crewbot/internal/domain"
	"github.com/cloo-solutions/crewbot/internal/telemetry"
	"github.com/getsentry/sentry-go"
	"golang.org/x/time/rate"
)

const (
	// MaxRetrievalK caps k regardless of what callers ask for.
	MaxRetrievalK = 12
	// DefaultRetrievalK is used when callers pass k <= 0.
	DefaultRetrievalK = 8

	defaultEmbedTimeout    = 2500 * time.Millisecond
	defaultStoreTimeout    = 2 * time.Second
	defaultSnippetMaxChars = 500
)

// EmbeddingClient defines the interface for generating embeddings
type EmbeddingClient interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// ChunkStore is the vector store contract. Nearest returns at most k snippets in
// owner scope ordered by ascending distance, ties broken by insertion order.
// Upsert reports false when (owner, document, content) already exists.
type ChunkStore interface {
	Nearest(ctx context.Context, ownerScope string, embedding []float32, k int) ([]domain.Snippet, error)
	Upsert(ctx context.Context, chunk domain.DocumentChunk) (bool, error)
}

// Retriever produces ranked snippets for a query. Implementations never return
// errors: any failure degrades to an empty result.
type Retriever interface {
	Retrieve(ctx context.Context, ownerScope, query string, k int) domain.RetrievalResult
	Available() bool
}

// RetrievalConfig controls retrieval deadlines and limits.
type RetrievalConfig struct {
	MaxK            int
	EmbedTimeout    time.Duration
	StoreTimeout    time.Duration
	SnippetMaxChars int
	// EmbedRatePerSecond limits embedding calls; zero disables the limiter.
	EmbedRatePerSecond float64
	EmbedBurst         int
}

// DefaultRetrievalConfig returns the default retrieval configuration.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		MaxK:            MaxRetrievalK,
		EmbedTimeout:    defaultEmbedTimeout,
		StoreTimeout:    defaultStoreTimeout,
		SnippetMaxChars: defaultSnippetMaxChars,
	}
}

// RetrievalEngine embeds a query and searches the chunk store under deadlines.
type RetrievalEngine struct {
	embedding EmbeddingClient
	store     ChunkStore
	cfg       RetrievalConfig
	limiter   *rate.Limiter
}

// NewRetrievalEngine creates a RetrievalEngine with the default configuration.
func NewRetrievalEngine(embedding EmbeddingClient, store ChunkStore) *RetrievalEngine {
	return NewRetrievalEngineWithConfig(embedding, store, DefaultRetrievalConfig())
}

// NewRetrievalEngineWithConfig creates a RetrievalEngine with explicit configuration.
func NewRetrievalEngineWithConfig(embedding EmbeddingClient, store ChunkStore, cfg RetrievalConfig) *RetrievalEngine {
	defaults := DefaultRetrievalConfig()
	if cfg.MaxK <= 0 || cfg.MaxK > MaxRetrievalK {
		cfg.MaxK = MaxRetrievalK
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = defaults.EmbedTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaults.StoreTimeout
	}
	if cfg.SnippetMaxChars <= 0 {
		cfg.SnippetMaxChars = defaults.SnippetMaxChars
	}

	var limiter *rate.Limiter
	if cfg.EmbedRatePerSecond > 0 {
		burst := cfg.EmbedBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.EmbedRatePerSecond), burst)
	}

	return &RetrievalEngine{
		embedding: embedding,
		store:     store,
		cfg:       cfg,
		limiter:   limiter,
	}
}

// Available reports that this engine is backed by real dependencies.
func (e *RetrievalEngine) Available() bool {
	return true
}

// Retrieve returns up to k snippets for query in ownerScope. Empty queries,
// embedding failures, store failures and deadline overruns all yield an empty
// result.
func (e *RetrievalEngine) Retrieve(ctx context.Context, ownerScope, query string, k int) (results domain.RetrievalResult) {
	query = strings.TrimSpace(query)
	if query == "" || !utf8.ValidString(query) || ownerScope == "" {
		return nil
	}
	k = e.clampK(k)

	ctx, span := telemetry.StartSpan(ctx, "retrieval.retrieve", telemetry.SpanAttributes{
		OwnerScope: ownerScope,
		Operation:  "retrieve",
	})
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("retrieval panicked", "owner_scope", ownerScope, "panic", rec)
			span.SetStatus(sentry.SpanStatusInternalError)
			results = nil
		}
	}()

	if e.limiter != nil && !e.limiter.Allow() {
		slog.Warn("retrieval skipped: embedding rate limit reached", "owner_scope", ownerScope)
		span.SetStatus(sentry.SpanStatusResourceExhausted)
		return nil
	}

	embedCtx, cancelEmbed := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	vector, err := e.embedding.GenerateEmbedding(embedCtx, query)
	cancelEmbed()
	if err != nil {
		slog.Warn("retrieval embedding failed", "owner_scope", ownerScope, "error", err)
		span.SetStatus(statusForError(err))
		return nil
	}
	if len(vector) == 0 {
		return nil
	}

	storeCtx, cancelStore := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancelStore()
	snippets, err := e.store.Nearest(storeCtx, ownerScope, vector, k)
	if err != nil {
		slog.Warn("retrieval store query failed", "owner_scope", ownerScope, "error", err)
		span.SetStatus(statusForError(err))
		return nil
	}

	if len(snippets) > k {
		snippets = snippets[:k]
	}
	for i := range snippets {
		snippets[i].Snippet = truncateText(snippets[i].Snippet, e.cfg.SnippetMaxChars)
	}

	span.SetStatus(sentry.SpanStatusOK)
	return snippets
}

func (e *RetrievalEngine) clampK(k int) int {
	if k <= 0 {
		k = DefaultRetrievalK
	}
	if k > e.cfg.MaxK {
		k = e.cfg.MaxK
	}
	return k
}

// DegradedRetriever stands in when the retrieval engine cannot be built.
type DegradedRetriever struct{}

// Retrieve always returns an empty result.
func (DegradedRetriever) Retrieve(ctx context.Context, ownerScope, query string, k int) domain.RetrievalResult {
	return nil
}

// Available always reports false.
func (DegradedRetriever) Available() bool {
	return false
}

func statusForError(err error) sentry.SpanStatus {
	if errors.Is(err, context.DeadlineExceeded) {
		return sentry.SpanStatusDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return sentry.SpanStatusCanceled
	}
	return sentry.SpanStatusUnavailable
}

// ellipsis marks every cut snippet.
const ellipsis = "…"

// truncateText collapses whitespace and cuts content to max runes, ending with
// the ellipsis when it had to cut.
func truncateText(content string, max int) string {
	if content == "" {
		return ""
	}
	clean := strings.Join(strings.Fields(content), " ")
	runes := []rune(clean)
	if max <= 0 || len(runes) <= max {
		return clean
	}
	keep := max - utf8.RuneCountInString(ellipsis)
	if keep < 0 {
		keep = 0
	}
	return strings.TrimRightFunc(string(runes[:keep]), unicode.IsSpace) + ellipsis
}
