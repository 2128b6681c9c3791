//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloo-solutions/crewbot/internal/api"
	"github.com/cloo-solutions/crewbot/internal/api/handlers"
	"github.com/cloo-solutions/crewbot/internal/openai"
	"github.com/cloo-solutions/crewbot/internal/repository"
	"github.com/cloo-solutions/crewbot/internal/server"
	"github.com/cloo-solutions/crewbot/internal/service"
	"github.com/cloo-solutions/crewbot/internal/storage"
	"github.com/cloo-solutions/crewbot/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

const embeddingDims = 1536

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T          *testing.T
	Ctx        context.Context
	PostgresC  *testutil.PostgresContainer
	RustFSC    *testutil.RustFSContainer
	Pool       *pgxpool.Pool
	S3Client   *storage.S3Client
	Embeddings *FakeEmbeddings
	BinaryDir  string
	HTTPClient *http.Client
}

// SetupE2EEnv starts Postgres, RustFS and a fake embeddings endpoint.
func SetupE2EEnv(t *testing.T) *E2ETestEnv {
	ctx := context.Background()

	pgC := testutil.NewPostgresContainer(ctx, t)
	s3C := testutil.NewRustFSContainer(ctx, t)
	pool := testutil.NewTestPool(ctx, t, pgC, "../../migrations")

	s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        s3C.Endpoint(),
		Region:          "us-east-1",
		AccessKeyID:     "rustfsadmin",
		SecretAccessKey: "rustfsadmin",
		Bucket:          "crewbot-docs",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("failed to create S3 client: %v", err)
	}
	if err := s3Client.EnsureBucket(ctx); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	return &E2ETestEnv{
		T:          t,
		Ctx:        ctx,
		PostgresC:  pgC,
		RustFSC:    s3C,
		Pool:       pool,
		S3Client:   s3Client,
		Embeddings: NewFakeEmbeddings(),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	if e.Embeddings != nil {
		e.Embeddings.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.RustFSC != nil {
		e.RustFSC.Terminate(e.Ctx)
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
	}
	if e.BinaryDir != "" {
		os.RemoveAll(e.BinaryDir)
	}
}

// EmbeddingClient returns a client pointed at the fake endpoint.
func (e *E2ETestEnv) EmbeddingClient() *openai.Client {
	client, err := openai.NewClient(openai.Config{
		APIKey:     "sk-e2e",
		BaseURL:    e.Embeddings.URL(),
		Dimensions: embeddingDims,
	})
	if err != nil {
		e.T.Fatalf("failed to create embedding client: %v", err)
	}
	return client
}

// PutDocument uploads a document to the bucket.
func (e *E2ETestEnv) PutDocument(key, content string) {
	if err := e.S3Client.Put(e.Ctx, key, []byte(content)); err != nil {
		e.T.Fatalf("failed to upload %s: %v", key, err)
	}
}

// ServerOptions tunes the server started by StartServer.
type ServerOptions struct {
	ReplyWindow      time.Duration
	RetrievalTimeout time.Duration
}

// StartServer wires the webhook stack the way serve does and returns its URL.
func (e *E2ETestEnv) StartServer(opts ServerOptions) (string, *handlers.MessageHandler) {
	if opts.ReplyWindow <= 0 {
		opts.ReplyWindow = 5 * time.Second
	}
	if opts.RetrievalTimeout <= 0 {
		opts.RetrievalTimeout = 3 * time.Second
	}

	loader := service.NewRetrieverLoader(func(ctx context.Context) (service.Retriever, func(), error) {
		store := repository.NewChunkRepository(e.Pool)
		return service.NewRetrievalEngine(e.EmbeddingClient(), store), nil, nil
	}, service.DefaultLoaderConfig())

	responder := service.NewResponderWithConfig(loader, service.ResponderConfig{
		RetrievalTimeout: opts.RetrievalTimeout,
	})
	messageHandler := handlers.NewMessageHandler(responder, opts.ReplyWindow).
		WithReplyLog(repository.NewReplyLogRepository(e.Pool))

	srv := httptest.NewServer(server.NewRouter(server.RouterConfig{
		MessageHandler: messageHandler,
		Retrieval:      loader,
	}))
	e.T.Cleanup(func() {
		srv.Close()
		messageHandler.Wait()
		loader.Close()
	})
	return srv.URL, messageHandler
}

// SendMessage posts a webhook message and decodes the reply.
func (e *E2ETestEnv) SendMessage(serverURL, owner, text string, hints ...string) (int, api.ReplyPayload) {
	body, _ := json.Marshal(map[string]any{
		"sender":      "+15550100",
		"text":        text,
		"owner_scope": owner,
		"hints":       hints,
	})
	resp, err := e.HTTPClient.Post(serverURL+"/webhook/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		e.T.Fatalf("webhook request failed: %v", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data api.ReplyPayload `json:"data"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &envelope); err != nil {
		e.T.Fatalf("failed to decode reply %q: %v", raw, err)
	}
	return resp.StatusCode, envelope.Data
}

// BuildBinary builds crewbotd into a temp dir.
func (e *E2ETestEnv) BuildBinary() {
	tmpDir, err := os.MkdirTemp("", "crewbot-e2e-*")
	if err != nil {
		e.T.Fatalf("failed to create temp dir: %v", err)
	}
	e.BinaryDir = tmpDir

	cmd := exec.Command("go", "build", "-o", filepath.Join(tmpDir, "crewbotd"), "./cmd/crewbotd")
	cmd.Dir = "../.."
	if out, err := cmd.CombinedOutput(); err != nil {
		e.T.Fatalf("failed to build crewbotd: %v\n%s", err, out)
	}
}

// RunCrewbotd runs the binary against the test containers.
func (e *E2ETestEnv) RunCrewbotd(args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "crewbotd"), args...)
	cmd.Env = append(os.Environ(),
		"CREWBOT_DATABASE_URL="+e.PostgresC.ConnectionString(),
		"CREWBOT_OPENAI_API_KEY=sk-e2e",
		"CREWBOT_OPENAI_BASE_URL="+e.Embeddings.URL(),
		"CREWBOT_S3_ENDPOINT="+e.RustFSC.Endpoint(),
		"CREWBOT_S3_ACCESS_KEY_ID=rustfsadmin",
		"CREWBOT_S3_SECRET_ACCESS_KEY=rustfsadmin",
		"CREWBOT_S3_BUCKET=crewbot-docs",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// FakeEmbeddings serves the OpenAI embeddings protocol with keyword-derived
// unit vectors, so distances are predictable.
type FakeEmbeddings struct {
	srv   *httptest.Server
	fail  atomic.Bool
	delay atomic.Int64
	calls atomic.Int64
}

var embeddingKeywords = []string{"clock", "task", "job"}

func NewFakeEmbeddings() *FakeEmbeddings {
	f := &FakeEmbeddings{}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

// URL is the base URL to configure the client with.
func (f *FakeEmbeddings) URL() string {
	return f.srv.URL + "/v1"
}

func (f *FakeEmbeddings) Close() {
	f.srv.Close()
}

// SetFailing makes every request return 500.
func (f *FakeEmbeddings) SetFailing(fail bool) {
	f.fail.Store(fail)
}

// SetDelay holds every response for d.
func (f *FakeEmbeddings) SetDelay(d time.Duration) {
	f.delay.Store(int64(d))
}

func (f *FakeEmbeddings) Calls() int64 {
	return f.calls.Load()
}

func (f *FakeEmbeddings) serve(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if r.URL.Path != "/v1/embeddings" {
		http.NotFound(w, r)
		return
	}
	if d := time.Duration(f.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	if f.fail.Load() {
		http.Error(w, `{"error":{"message":"upstream unavailable","type":"server_error"}}`, http.StatusInternalServerError)
		return
	}

	var req struct {
		Input []string `json:"input"`
		Model string   `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data := make([]map[string]any, 0, len(req.Input))
	for i, input := range req.Input {
		data = append(data, map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": keywordVector(input),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"model":  req.Model,
		"data":   data,
		"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
	})
}

func keywordVector(text string) []float32 {
	lower := strings.ToLower(text)
	for i, kw := range embeddingKeywords {
		if strings.Contains(lower, kw) {
			return testutil.UnitVector(embeddingDims, i)
		}
	}
	return testutil.UnitVector(embeddingDims, len(embeddingKeywords))
}
