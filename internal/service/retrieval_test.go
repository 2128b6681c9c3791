package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloo-solutions/crewbot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockEmbeddingClient struct {
	mock.Mock
}

func (m *MockEmbeddingClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockChunkStore struct {
	mock.Mock
}

func (m *MockChunkStore) Nearest(ctx context.Context, ownerScope string, embedding []float32, k int) ([]domain.Snippet, error) {
	args := m.Called(ctx, ownerScope, embedding, k)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Snippet), args.Error(1)
}

func (m *MockChunkStore) Upsert(ctx context.Context, chunk domain.DocumentChunk) (bool, error) {
	args := m.Called(ctx, chunk)
	return args.Bool(0), args.Error(1)
}

// blockingEmbedder waits for its context to end, like a hung provider.
type blockingEmbedder struct{}

func (blockingEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// panickingStore simulates a driver bug.
type panickingStore struct{}

func (panickingStore) Nearest(ctx context.Context, ownerScope string, embedding []float32, k int) ([]domain.Snippet, error) {
	panic("driver exploded")
}

func (panickingStore) Upsert(ctx context.Context, chunk domain.DocumentChunk) (bool, error) {
	return false, nil
}

func makeSnippets(n int) []domain.Snippet {
	out := make([]domain.Snippet, n)
	for i := range out {
		out[i] = domain.Snippet{
			Title:      fmt.Sprintf("Doc %d", i),
			SourcePath: fmt.Sprintf("docs/%d.md", i),
			Snippet:    fmt.Sprintf("snippet %d", i),
			Distance:   float64(i) * 0.1,
		}
	}
	return out
}

func TestRetrievalEngine_Retrieve_Success(t *testing.T) {
	embed := new(MockEmbeddingClient)
	store := new(MockChunkStore)
	engine := NewRetrievalEngine(embed, store)

	vec := []float32{0.1, 0.2, 0.3}
	embed.On("GenerateEmbedding", mock.Anything, "task assignment").Return(vec, nil)
	store.On("Nearest", mock.Anything, "acme", vec, 3).Return(makeSnippets(3), nil)

	results := engine.Retrieve(context.Background(), "acme", "  task assignment ", 3)

	require.Len(t, results, 3)
	assert.Equal(t, "Doc 0", results[0].Title)
	assert.True(t, engine.Available())
	embed.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestRetrievalEngine_Retrieve_EmptyQuery(t *testing.T) {
	embed := new(MockEmbeddingClient)
	store := new(MockChunkStore)
	engine := NewRetrievalEngine(embed, store)

	assert.Empty(t, engine.Retrieve(context.Background(), "acme", "", 5))
	assert.Empty(t, engine.Retrieve(context.Background(), "acme", "   \n", 5))
	assert.Empty(t, engine.Retrieve(context.Background(), "acme", string([]byte{0xff, 0xfe}), 5))
	assert.Empty(t, engine.Retrieve(context.Background(), "", "clock in", 5))

	embed.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "Nearest", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRetrievalEngine_Retrieve_ClampsK(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		wantK     int
	}{
		{"above ceiling", 50, MaxRetrievalK},
		{"at ceiling", MaxRetrievalK, MaxRetrievalK},
		{"zero uses default", 0, DefaultRetrievalK},
		{"negative uses default", -3, DefaultRetrievalK},
		{"small", 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			embed := new(MockEmbeddingClient)
			store := new(MockChunkStore)
			engine := NewRetrievalEngine(embed, store)

			vec := []float32{1}
			embed.On("GenerateEmbedding", mock.Anything, "jobs").Return(vec, nil)
			// A misbehaving store returning too many rows must still be capped.
			store.On("Nearest", mock.Anything, "acme", vec, tt.wantK).Return(makeSnippets(30), nil)

			results := engine.Retrieve(context.Background(), "acme", "jobs", tt.requested)

			assert.Len(t, results, tt.wantK)
			assert.LessOrEqual(t, len(results), MaxRetrievalK)
			store.AssertExpectations(t)
		})
	}
}

func TestRetrievalEngine_Retrieve_ConfigCannotRaiseCeiling(t *testing.T) {
	cfg := DefaultRetrievalConfig()
	cfg.MaxK = 100
	engine := NewRetrievalEngineWithConfig(new(MockEmbeddingClient), new(MockChunkStore), cfg)

	assert.Equal(t, MaxRetrievalK, engine.clampK(1000))
}

func TestRetrievalEngine_Retrieve_EmbeddingError(t *testing.T) {
	embed := new(MockEmbeddingClient)
	store := new(MockChunkStore)
	engine := NewRetrievalEngine(embed, store)

	embed.On("GenerateEmbedding", mock.Anything, "clock in").Return(nil, errors.New("provider outage"))

	results := engine.Retrieve(context.Background(), "acme", "clock in", 5)

	assert.Empty(t, results)
	store.AssertNotCalled(t, "Nearest", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRetrievalEngine_Retrieve_EmbeddingTimeout(t *testing.T) {
	cfg := DefaultRetrievalConfig()
	cfg.EmbedTimeout = 30 * time.Millisecond
	store := new(MockChunkStore)
	engine := NewRetrievalEngineWithConfig(blockingEmbedder{}, store, cfg)

	start := time.Now()
	results := engine.Retrieve(context.Background(), "acme", "clock in", 5)

	assert.Empty(t, results)
	assert.Less(t, time.Since(start), time.Second)
	store.AssertNotCalled(t, "Nearest", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRetrievalEngine_Retrieve_CallerDeadlineWins(t *testing.T) {
	engine := NewRetrievalEngine(blockingEmbedder{}, new(MockChunkStore))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.Empty(t, engine.Retrieve(ctx, "acme", "clock in", 5))
	assert.Less(t, time.Since(start), defaultEmbedTimeout)
}

func TestRetrievalEngine_Retrieve_StoreError(t *testing.T) {
	embed := new(MockEmbeddingClient)
	store := new(MockChunkStore)
	engine := NewRetrievalEngine(embed, store)

	vec := []float32{0.5}
	embed.On("GenerateEmbedding", mock.Anything, "tasks").Return(vec, nil)
	store.On("Nearest", mock.Anything, "acme", vec, 8).Return(nil, errors.New("too many connections"))

	assert.Empty(t, engine.Retrieve(context.Background(), "acme", "tasks", 8))
}

func TestRetrievalEngine_Retrieve_StorePanic(t *testing.T) {
	embed := new(MockEmbeddingClient)
	embed.On("GenerateEmbedding", mock.Anything, "tasks").Return([]float32{1}, nil)
	engine := NewRetrievalEngine(embed, panickingStore{})

	assert.NotPanics(t, func() {
		assert.Empty(t, engine.Retrieve(context.Background(), "acme", "tasks", 8))
	})
}

func TestRetrievalEngine_Retrieve_TruncatesSnippets(t *testing.T) {
	embed := new(MockEmbeddingClient)
	store := new(MockChunkStore)
	cfg := DefaultRetrievalConfig()
	cfg.SnippetMaxChars = 20
	engine := NewRetrievalEngineWithConfig(embed, store, cfg)

	vec := []float32{1}
	embed.On("GenerateEmbedding", mock.Anything, "jobs").Return(vec, nil)
	store.On("Nearest", mock.Anything, "acme", vec, 1).Return([]domain.Snippet{
		{Title: "Long", Snippet: strings.Repeat("word ", 20)},
	}, nil)

	results := engine.Retrieve(context.Background(), "acme", "jobs", 1)

	require.Len(t, results, 1)
	assert.LessOrEqual(t, len([]rune(results[0].Snippet)), 20)
	assert.True(t, strings.HasSuffix(results[0].Snippet, "…"))
}

func TestRetrievalEngine_Retrieve_Deterministic(t *testing.T) {
	embed := new(MockEmbeddingClient)
	store := new(MockChunkStore)
	engine := NewRetrievalEngine(embed, store)

	vec := []float32{1}
	embed.On("GenerateEmbedding", mock.Anything, "jobs").Return(vec, nil)
	store.On("Nearest", mock.Anything, "acme", vec, 4).Return(makeSnippets(4), nil)

	first := engine.Retrieve(context.Background(), "acme", "jobs", 4)
	second := engine.Retrieve(context.Background(), "acme", "jobs", 4)

	assert.Equal(t, first, second)
}

func TestRetrievalEngine_Retrieve_RateLimited(t *testing.T) {
	embed := new(MockEmbeddingClient)
	store := new(MockChunkStore)
	cfg := DefaultRetrievalConfig()
	cfg.EmbedRatePerSecond = 0.001
	cfg.EmbedBurst = 1
	engine := NewRetrievalEngineWithConfig(embed, store, cfg)

	vec := []float32{1}
	embed.On("GenerateEmbedding", mock.Anything, "jobs").Return(vec, nil).Once()
	store.On("Nearest", mock.Anything, "acme", vec, 2).Return(makeSnippets(2), nil).Once()

	assert.Len(t, engine.Retrieve(context.Background(), "acme", "jobs", 2), 2)
	assert.Empty(t, engine.Retrieve(context.Background(), "acme", "jobs", 2))

	embed.AssertNumberOfCalls(t, "GenerateEmbedding", 1)
}

func TestRetrievalEngine_Retrieve_Concurrent(t *testing.T) {
	embed := new(MockEmbeddingClient)
	store := new(MockChunkStore)
	engine := NewRetrievalEngine(embed, store)

	vec := []float32{1}
	embed.On("GenerateEmbedding", mock.Anything, "jobs").Return(vec, nil)
	store.On("Nearest", mock.Anything, "acme", vec, 3).Return(makeSnippets(3), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Len(t, engine.Retrieve(context.Background(), "acme", "jobs", 3), 3)
		}()
	}
	wg.Wait()
}

func TestDegradedRetriever(t *testing.T) {
	var r Retriever = DegradedRetriever{}

	assert.False(t, r.Available())
	assert.Empty(t, r.Retrieve(context.Background(), "acme", "clock in", 5))
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "", truncateText("", 10))
	assert.Equal(t, "a b c", truncateText("  a \n b\tc ", 10))
	assert.Equal(t, "abcd…", truncateText("abcdefghij", 5))
	assert.Equal(t, "abc…", truncateText("abc defghij", 5))
}
